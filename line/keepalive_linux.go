//go:build linux

package line

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepalive applies the spec §4.1 keepalive profile: 5s idle, 3s probe
// interval, 3 failed probes before the connection is torn down. net.TCPConn
// only exposes a single SetKeepAlivePeriod, which cannot express idle time
// and probe interval independently, so the three knobs are set directly via
// the raw socket options (grounded on the pack's raw-sockopt examples for
// SO_REUSEADDR/SO_REUSEPORT tuning).
func tuneKeepalive(c *net.TCPConn) error {
	if err := c.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, keepaliveIdleSeconds); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, keepaliveIntervalSeconds); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveProbeCount)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

const (
	keepaliveIdleSeconds     = 5
	keepaliveIntervalSeconds = 3
	keepaliveProbeCount      = 3
)

var keepaliveIdle = time.Duration(keepaliveIdleSeconds) * time.Second
