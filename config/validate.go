package config

import (
	"fmt"
	"os"
	"strings"
)

// validLogLevels are the accepted slog level names.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLCDValues are the accepted line-code definer values a line can
// be configured with (spec §3/§9: SDLC lines use "8" or "9"; "C" selects the
// BSC/EBCDIC degenerate mode carried for completeness).
var validLCDValues = map[string]bool{
	"8": true,
	"9": true,
	"C": true,
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateLines(); err != nil {
		return fmt.Errorf("lines config: %w", err)
	}

	if err := c.validateDLSwPeers(); err != nil {
		return fmt.Errorf("dlsw_peers config: %w", err)
	}

	if err := c.validateNullModems(); err != nil {
		return fmt.Errorf("null_modems config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.validateRecovery(); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	return nil
}

func (c *Config) validateLines() error {
	indicesSeen := make(map[int]bool)

	for i, line := range c.Lines {
		if line.Index < 0 {
			return fmt.Errorf("line %d: index must be non-negative, got: %d", i, line.Index)
		}

		if indicesSeen[line.Index] {
			return fmt.Errorf("line %d: duplicate index %d", i, line.Index)
		}
		indicesSeen[line.Index] = true

		if line.LCD != "" && !validLCDValues[line.LCD] {
			return fmt.Errorf("line %d (index %d): lcd must be one of 8, 9, C, got: %s", i, line.Index, line.LCD)
		}
	}

	return nil
}

func (c *Config) validateDLSwPeers() error {
	for i, peer := range c.DLSwPeers {
		if !peer.Enabled {
			continue
		}

		if peer.Name == "" {
			return fmt.Errorf("peer %d: name is required", i)
		}

		if peer.PeerHostname != "" && peer.PeerIP != "" {
			return fmt.Errorf("peer %d (%s): peer_hostname and peer_ip are mutually exclusive", i, peer.Name)
		}
		if peer.PeerHostname == "" && peer.PeerIP == "" {
			return fmt.Errorf("peer %d (%s): one of peer_hostname or peer_ip is required", i, peer.Name)
		}

		if peer.CCHostname != "" && peer.CCIP != "" {
			return fmt.Errorf("peer %d (%s): cc_hostname and cc_ip are mutually exclusive", i, peer.Name)
		}
		if peer.CCHostname == "" && peer.CCIP == "" {
			return fmt.Errorf("peer %d (%s): one of cc_hostname or cc_ip is required", i, peer.Name)
		}

		if peer.Line < 0 {
			return fmt.Errorf("peer %d (%s): line must be non-negative, got: %d", i, peer.Name, peer.Line)
		}
	}

	return nil
}

func (c *Config) validateNullModems() error {
	for i, nm := range c.NullModems {
		if !nm.Enabled {
			continue
		}

		if nm.Name == "" {
			return fmt.Errorf("null_modem %d: name is required", i)
		}

		if nm.CCHostname1 != "" && nm.CCIP1 != "" {
			return fmt.Errorf("null_modem %d (%s): cc_hostname1 and cc_ip1 are mutually exclusive", i, nm.Name)
		}
		if nm.CCHostname1 == "" && nm.CCIP1 == "" {
			return fmt.Errorf("null_modem %d (%s): one of cc_hostname1 or cc_ip1 is required", i, nm.Name)
		}

		if nm.CCHostname2 != "" && nm.CCIP2 != "" {
			return fmt.Errorf("null_modem %d (%s): cc_hostname2 and cc_ip2 are mutually exclusive", i, nm.Name)
		}
		if nm.CCHostname2 == "" && nm.CCIP2 == "" {
			return fmt.Errorf("null_modem %d (%s): one of cc_hostname2 or cc_ip2 is required", i, nm.Name)
		}

		if nm.Line1 < 0 {
			return fmt.Errorf("null_modem %d (%s): line1 must be non-negative, got: %d", i, nm.Name, nm.Line1)
		}
		if nm.Line2 < 0 {
			return fmt.Errorf("null_modem %d (%s): line2 must be non-negative, got: %d", i, nm.Name, nm.Line2)
		}
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("url is required")
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") {
		return fmt.Errorf("url must start with nats://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.ReconnectWaitSec <= 0 {
		return fmt.Errorf("reconnect_wait_sec must be positive, got: %d", c.NATS.ReconnectWaitSec)
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}

	// Check if base path exists or can be created
	if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
			return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Monitoring.Port)
	}

	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.ReconnectDelaySec <= 0 {
		return fmt.Errorf("reconnect_delay_sec must be positive, got: %d", c.Recovery.ReconnectDelaySec)
	}

	if c.Recovery.MaxReconnectDelaySec <= 0 {
		return fmt.Errorf("max_reconnect_delay_sec must be positive, got: %d", c.Recovery.MaxReconnectDelaySec)
	}

	if c.Recovery.MaxReconnectDelaySec < c.Recovery.ReconnectDelaySec {
		return fmt.Errorf("max_reconnect_delay_sec (%d) must be >= reconnect_delay_sec (%d)",
			c.Recovery.MaxReconnectDelaySec, c.Recovery.ReconnectDelaySec)
	}

	return nil
}
