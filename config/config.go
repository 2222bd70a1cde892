package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure: shared settings plus the
// three deployable bridge shapes (`cmd/scanner`, `cmd/dlsw`,
// `cmd/nullmodem`) this repository builds — spec §6 "-config PATH" loads
// this alongside the spec-mandated CLI flags. cmd/dlsw's peer/line flags
// override the selected DLSw peer entry when given; in cmd/scanner a
// configured Lines table sets the line count and per-line LCD, taking
// precedence over -lines and -lcd.
type Config struct {
	App        AppConfig         `json:"app"`
	Lines      []LineConfig      `json:"lines"`
	DLSwPeers  []DLSwPeerConfig  `json:"dlsw_peers"`
	NullModems []NullModemConfig `json:"null_modems"`
	NATS       NATSConfig        `json:"nats"`
	Logging    LoggingConfig     `json:"logging"`
	Monitoring MonitoringConfig  `json:"monitoring"`
	Recovery   RecoveryConfig    `json:"recovery"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
}

// LineConfig configures one emulated LIB line served by `cmd/scanner`
// (spec §3 "Line" / §6 "LIB line N: TCP 37500+LIBLBASE+N").
type LineConfig struct {
	Index   int    `json:"index"`    // 0..N-1
	LIBBase int    `json:"lib_base"` // LIBLBASE, port offset shared by every line
	LCD     string `json:"lcd"`      // "8" or "9" = SDLC, "C" = BSC/EBCDIC
	Enabled bool   `json:"enabled"`
}

// DLSwPeerConfig configures one `cmd/dlsw` instance: which remote DLSw
// peer to tunnel to, and which LIB line (on the host actually running the
// 3705 SDLC line) to dial and bridge (spec §6 CLI "-peerhn"/"-peerip",
// "-cchn"/"-ccip", "-line").
type DLSwPeerConfig struct {
	Name string `json:"name"`

	PeerHostname string `json:"peer_hostname"` // mutually exclusive with PeerIP
	PeerIP       string `json:"peer_ip"`

	CCHostname string `json:"cc_hostname"` // mutually exclusive with CCIP
	CCIP       string `json:"cc_ip"`

	Line    int  `json:"line"`
	LIBBase int  `json:"lib_base"`
	Trace   bool `json:"trace"`
	Enabled bool `json:"enabled"`
}

// CCHost returns the host to dial for this peer's LIB line.
func (d *DLSwPeerConfig) CCHost() string {
	if d.CCHostname != "" {
		return d.CCHostname
	}
	return d.CCIP
}

// PeerHost returns the DLSw peer host to tunnel to.
func (d *DLSwPeerConfig) PeerHost() string {
	if d.PeerHostname != "" {
		return d.PeerHostname
	}
	return d.PeerIP
}

// NullModemConfig configures one `cmd/nullmodem` bridge between two
// remote LIB lines (spec §6 CLI "-cchn1"/"-ccip1"/"-line1",
// "-cchn2"/"-ccip2"/"-line2").
type NullModemConfig struct {
	Name string `json:"name"`

	CCHostname1 string `json:"cc_hostname1"`
	CCIP1       string `json:"cc_ip1"`
	Line1       int    `json:"line1"`

	CCHostname2 string `json:"cc_hostname2"`
	CCIP2       string `json:"cc_ip2"`
	Line2       int    `json:"line2"`

	Trace   bool `json:"trace"`
	Enabled bool `json:"enabled"`
}

func (n *NullModemConfig) CCHost1() string {
	if n.CCHostname1 != "" {
		return n.CCHostname1
	}
	return n.CCIP1
}

func (n *NullModemConfig) CCHost2() string {
	if n.CCHostname2 != "" {
		return n.CCHostname2
	}
	return n.CCIP2
}

// NATSConfig contains NATS JetStream connection settings for the optional
// fleet telemetry heartbeats (spec §1 [ADDED] ambient stack).
type NATSConfig struct {
	Enabled          bool   `json:"enabled"`
	URL              string `json:"url"`
	SubjectPrefix    string `json:"subject_prefix"`
	MaxReconnects    int    `json:"max_reconnects"`
	ReconnectWaitSec int    `json:"reconnect_wait_sec"`
}

// LoggingConfig contains trace-file and structured-log rotation settings.
type LoggingConfig struct {
	BasePath   string `json:"base_path"` // base directory for trace_*.log files
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Compress   bool   `json:"compress"`
	Level      string `json:"level"` // debug, info, warn, error
}

// MonitoringConfig contains HTTP monitoring server settings.
type MonitoringConfig struct {
	Port     int    `json:"port"`
	Username string `json:"username"` // basic auth username (empty = no auth)
	Password string `json:"password"`
}

// RecoveryConfig contains reconnection/redial backoff settings shared by
// `line.Dialer`, `dlsw.Engine`, and `nullmodem.Bridge`.
type RecoveryConfig struct {
	ReconnectDelaySec    int  `json:"reconnect_delay_sec"`
	MaxReconnectDelaySec int  `json:"max_reconnect_delay_sec"`
	ExponentialBackoff   bool `json:"exponential_backoff"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in default values for optional fields.
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sdlcbridge"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	for i := range c.Lines {
		if c.Lines[i].LCD == "" {
			c.Lines[i].LCD = "8"
		}
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "dlsw"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 5
	}

	if c.Logging.BasePath == "" {
		c.Logging.BasePath = "/var/log/sdlcbridge"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 8080
	}

	if c.Recovery.ReconnectDelaySec == 0 {
		c.Recovery.ReconnectDelaySec = 1
	}
	if c.Recovery.MaxReconnectDelaySec == 0 {
		c.Recovery.MaxReconnectDelaySec = 60
	}
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}

func (r *RecoveryConfig) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelaySec) * time.Second
}

func (r *RecoveryConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(r.MaxReconnectDelaySec) * time.Second
}

// Save writes the configuration to a file atomically.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}
