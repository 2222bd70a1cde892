// Package line implements the Line Interface Base (LIB): it multiplexes
// emulated RS-232 serial lines over paired TCP connections (data + signal),
// translating between TCP connection state and RS-232 signal state
// (spec §4.1).
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"sdlcbridge/output"
	"sdlcbridge/signal"
)

// LIBPortBase is LIBLBASE from spec §3/§6: line N listens on 37500+base+N.
const LIBPortBase = 0

// basePort is the fixed offset spec §6 assigns every LIB line.
const basePort = 37500

// State is the per-line connection lifecycle, replacing the source's
// boolean (conrfd, conwfd) pair with a tagged state per §9 Design Notes.
type State int

const (
	Disconnected State = iota // neither connection present
	DataOnly                  // data channel accepted, awaiting signal channel
	Ready                     // both connections accepted, line is live
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case DataOnly:
		return "data_only"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Line is one emulated serial port: identity, the two TCP connections (or
// their absence), the rx/tx byte buffers the scanner drains and fills, and
// the RS-232 signal register (spec §3).
type Line struct {
	Index int
	Port  int

	// StationAddress is the hardcoded SDLC station address (0xC1 per spec
	// §4.4); reserved per a config field for the day this becomes
	// configurable (spec §9 open question 4).
	StationAddress byte

	Signals *signal.Register
	RX      *RingBuffer
	TX      *RingBuffer

	logger *slog.Logger
	events *output.EventPublisher

	mu         sync.Mutex
	state      State
	dataConn   net.Conn
	signalConn net.Conn

	lastSignalByte byte
}

// New returns a Line with identity idx, listening on basePort+libBase+idx.
func New(idx, libBase int, logger *slog.Logger) *Line {
	return &Line{
		Index:          idx,
		Port:           basePort + libBase + idx,
		StationAddress: 0xC1,
		Signals:        &signal.Register{},
		RX:             NewRingBuffer(),
		TX:             NewRingBuffer(),
		logger:         logger.With("line", idx),
	}
}

// SetEvents registers ep so this line's state transitions and signal
// changes are published to the fleet telemetry event stream (SPEC_FULL.md
// §1 ambient stack: "state transitions ... reconnects"); nil disables it
// and is the zero-value default. Call before Listen/Dialer.Serve.
func (l *Line) SetEvents(ep *output.EventPublisher) {
	l.events = ep
}

func (l *Line) name() string {
	return fmt.Sprintf("%d", l.Index)
}

func (l *Line) publishStateChange(old, new State) {
	l.events.PublishStateChange(l.name(), old.String(), new.String())
}

// State returns the current connection lifecycle state.
func (l *Line) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether both the data and signal channels are present.
func (l *Line) Connected() bool {
	return l.State() == Ready
}

// WriteSignalByte sends one signal byte to the remote peer over the signal
// channel, if connected. Per spec §4.1, signal bytes are sent only when a
// signal changes; callers are responsible for that check (Register tracks
// the current value so callers can compare before calling).
func (l *Line) WriteSignalByte(b byte) error {
	l.mu.Lock()
	conn := l.signalConn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("line: signal channel not connected")
	}
	_, err := conn.Write([]byte{b})
	return err
}

// WriteData writes bytes to the data channel (used to flush a completed
// transmit frame per spec §4.3).
func (l *Line) WriteData(p []byte) error {
	l.mu.Lock()
	conn := l.dataConn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("line: data channel not connected")
	}
	_, err := conn.Write(p)
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Dialer is the client-side counterpart of Listener: it dials the data
// connection then the signal connection to a remote LIB port, the way
// `cmd/dlsw` and `cmd/nullmodem` attach to the 3705's LIB line rather than
// being the 3705 itself (spec §6 "-cchn"/"-ccip": "host running the 3705
// SDLC line" — this process reaches out to it). Reconnects symmetrically,
// mirroring Listener.Serve's accept/serve/re-arm cycle.
type Dialer struct {
	line     *Line
	addr     string
	attempts int
}

// NewDialer returns a Dialer that connects l to addr (host:port of the
// remote LIB line).
func NewDialer(l *Line, addr string) *Dialer {
	return &Dialer{line: l, addr: addr}
}

// dialRetryInterval is the pause between failed dial attempts.
const dialRetryInterval = time.Second

// Serve dials, serves, and re-dials until ctx is cancelled.
func (d *Dialer) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dataConn, err := d.dialOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.line.logger.Warn("dial data connection failed", "addr", d.addr, "error", err)
			d.attempts++
			d.line.events.PublishReconnect(d.line.name(), d.attempts, err.Error())
			if !sleepCtx(ctx, dialRetryInterval) {
				return ctx.Err()
			}
			continue
		}
		d.attempts = 0
		if tc, ok := dataConn.(*net.TCPConn); ok {
			_ = tuneKeepalive(tc)
		}

		d.line.mu.Lock()
		d.line.dataConn = dataConn
		d.line.state = DataOnly
		d.line.mu.Unlock()
		d.line.publishStateChange(Disconnected, DataOnly)

		signalConn, err := d.dialOne(ctx)
		if err != nil {
			d.line.teardown()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sleepCtx(ctx, dialRetryInterval) {
				return ctx.Err()
			}
			continue
		}
		if tc, ok := signalConn.(*net.TCPConn); ok {
			_ = tuneKeepalive(tc)
		}

		d.line.mu.Lock()
		d.line.signalConn = signalConn
		d.line.state = Ready
		d.line.mu.Unlock()

		d.line.Signals.OnSignalAccept()
		d.line.publishStateChange(DataOnly, Ready)
		d.line.events.PublishSignalDetected(d.line.name())
		d.line.logger.Info("line dialed and ready", "addr", d.addr)

		listener := &Listener{line: d.line}
		listener.runSession(ctx, dataConn, signalConn)

		d.line.teardown()
		d.line.logger.Info("dialed line disconnected, re-arming")
	}
}

func (d *Dialer) dialOne(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialRetryInterval}
	return dialer.DialContext(ctx, "tcp", d.addr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// teardown closes both connections, resets signals and buffers, and drops
// back to Disconnected; it is idempotent (spec §7: transient errors are
// never fatal, and re-arming must be safe to call repeatedly).
func (l *Line) teardown() {
	l.mu.Lock()
	dc, sc := l.dataConn, l.signalConn
	old := l.state
	l.dataConn, l.signalConn = nil, nil
	l.state = Disconnected
	l.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if sc != nil {
		sc.Close()
	}
	l.Signals.Reset()
	l.RX.Drain()
	l.TX.Drain()

	if old != Disconnected {
		l.publishStateChange(old, Disconnected)
	}
	if old == Ready {
		l.events.PublishSignalLost(l.name())
	}
}

// Listener owns the single TCP listening socket for a Line and drives the
// accept-data-then-accept-signal-then-serve-until-lost cycle of spec §4.1.
type Listener struct {
	line *Line
	ln   net.Listener
}

// Listen binds the Line's assigned port with SO_REUSEADDR.
func Listen(l *Line) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", l.Port))
	if err != nil {
		return nil, fmt.Errorf("line %d: listen on %d: %w", l.Index, l.Port, err)
	}
	return &Listener{line: l, ln: ln}, nil
}

// Close shuts down the listening socket.
func (s *Listener) Close() error {
	return s.ln.Close()
}

// Serve runs the accept/serve/re-arm cycle until ctx is cancelled. Each
// iteration: accept the data connection, accept the signal connection,
// apply the baseline signals, then block until either connection is lost,
// at which point both are closed, signals reset, and the loop re-arms.
func (s *Listener) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dataConn, err := s.acceptWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.line.logger.Warn("accept data connection failed", "error", err)
			s.line.events.PublishError(s.line.name(), err.Error())
			continue
		}
		if tc, ok := dataConn.(*net.TCPConn); ok {
			_ = tuneKeepalive(tc)
		}

		s.line.mu.Lock()
		s.line.dataConn = dataConn
		s.line.state = DataOnly
		s.line.mu.Unlock()
		s.line.publishStateChange(Disconnected, DataOnly)

		signalConn, err := s.acceptWithContext(ctx)
		if err != nil {
			s.line.teardown()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if tc, ok := signalConn.(*net.TCPConn); ok {
			_ = tuneKeepalive(tc)
		}

		s.line.mu.Lock()
		s.line.signalConn = signalConn
		s.line.state = Ready
		s.line.mu.Unlock()

		s.line.Signals.OnSignalAccept()
		s.line.publishStateChange(DataOnly, Ready)
		s.line.events.PublishSignalDetected(s.line.name())
		s.line.logger.Info("line ready", "port", s.line.Port)

		s.runSession(ctx, dataConn, signalConn)

		s.line.teardown()
		s.line.logger.Info("line disconnected, re-arming")
	}
}

// runSession reads both channels until either one is lost, then returns so
// the caller can tear down the pair as a unit (spec §4.1: "On loss of
// either connection, close both").
func (s *Listener) runSession(ctx context.Context, dataConn, signalConn net.Conn) {
	lost := make(chan struct{}, 2)
	go func() { s.runDataReader(ctx, dataConn); lost <- struct{}{} }()
	go func() { s.runSignalReader(ctx, signalConn); lost <- struct{}{} }()
	select {
	case <-ctx.Done():
	case <-lost:
	}
}

// runDataReader continuously fills RX from the data connection so the
// scanner's per-character requests (spec §4.3) always have a byte ready
// when one is available, without the scanner itself blocking on I/O.
func (s *Listener) runDataReader(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			s.line.RX.Push(buf[:n])
		}
		if err != nil && !isTimeout(err) {
			return
		}
	}
}

func (s *Listener) acceptWithContext(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := s.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// runSignalReader reads coalesced signal bytes until the connection errors,
// applying the RS-232 causal rules as each byte arrives (spec §4.2: "bytes
// received on the signal channel are coalesced ... before evaluation").
func (s *Listener) runSignalReader(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			last := buf[n-1]
			if reply := s.line.Signals.ApplyRemoteByte(last, s.line.RX.Empty()); reply {
				_ = s.line.WriteSignalByte(signal.CTS)
			}
			s.line.lastSignalByte = last
		}
		if err != nil && !isTimeout(err) {
			return
		}
	}
}
