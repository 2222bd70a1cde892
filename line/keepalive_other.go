//go:build !linux

package line

import (
	"net"
	"time"
)

// tuneKeepalive falls back to the portable knob on platforms where the
// Linux-specific TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT sockopts aren't
// available. The idle timer still matches spec §4.1; probe interval/count
// cannot be expressed portably and are left to the OS default.
func tuneKeepalive(c *net.TCPConn) error {
	if err := c.SetKeepAlive(true); err != nil {
		return err
	}
	return c.SetKeepAlivePeriod(keepaliveIdle)
}

const (
	keepaliveIdleSeconds     = 5
	keepaliveIntervalSeconds = 3
	keepaliveProbeCount      = 3
)

var keepaliveIdle = time.Duration(keepaliveIdleSeconds) * time.Second
