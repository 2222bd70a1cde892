// Package nullmodem implements the degenerate bridging variant of spec
// §4.6: two remote LIB lines are dialed as a client and their data and
// signal byte streams are forwarded verbatim, crossed over, with no
// framing or RS-232 causal interpretation applied in either direction.
package nullmodem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sdlcbridge/output"
)

// basePort mirrors line.basePort: LIB line N listens on 37500+base+N.
const basePort = 37500

// dialRetryInterval is the pause between failed dial attempts or after a
// lost bridge, before redialing both sides.
const dialRetryInterval = time.Second

// Bridge cross-connects two remote LIB lines, forwarding both their data
// and signal byte streams verbatim in both directions (spec §4.6: "bytes
// from each are forwarded verbatim to the other; signal bytes are
// likewise crossed over. Reconnects are handled symmetrically. No
// framing."). Grounded on the simplicity of `forward/forwarder.go`'s
// `run()` loop (pull from one side, push to the other, select on
// ctx.Done()), minus the NATS specifics: here both "sides" are dialed TCP
// pairs instead of a broker subject.
type Bridge struct {
	addrA, addrB string
	logger       *slog.Logger
	events       *output.EventPublisher

	mu           sync.Mutex
	ready        bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	bytesRelayed int64
	reconnects   int64
}

// Stats is the monitoring-facing snapshot of one Bridge.
type Stats struct {
	Ready        bool  `json:"ready"`
	BytesRelayed int64 `json:"bytes_relayed"`
	Reconnects   int64 `json:"reconnects"`
}

// Stats returns a snapshot for the monitoring dashboard.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Ready:        b.ready,
		BytesRelayed: atomic.LoadInt64(&b.bytesRelayed),
		Reconnects:   b.reconnects,
	}
}

// New returns a Bridge between the LIB line at hostA:lineA and the LIB
// line at hostB:lineB (spec §6 CLI "-cchn1"/"-ccip1"/"-line1",
// "-cchn2"/"-ccip2"/"-line2").
func New(hostA string, lineA int, hostB string, lineB int, logger *slog.Logger) *Bridge {
	return &Bridge{
		addrA:  fmt.Sprintf("%s:%d", hostA, basePort+lineA),
		addrB:  fmt.Sprintf("%s:%d", hostB, basePort+lineB),
		logger: logger,
	}
}

// SetEvents registers ep so this bridge's readiness transitions and
// reconnects are published to the fleet telemetry event stream
// (SPEC_FULL.md §1 ambient stack); nil disables it. Call before Start.
func (b *Bridge) SetEvents(ep *output.EventPublisher) {
	b.events = ep
}

// Ready reports whether both sides are currently dialed and relaying.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Start dials both sides and runs the cross-relay until ctx is cancelled,
// redialing both sides symmetrically on loss of either one's pair.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(ctx)
}

// Stop cancels the bridge and waits for it to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		sideA, err := dialPair(ctx, b.addrA)
		if err != nil {
			b.logger.Warn("nullmodem: dial failed", "addr", b.addrA, "error", err)
			b.events.PublishError(b.addrA, err.Error())
			if !sleepCtx(ctx, dialRetryInterval) {
				return
			}
			continue
		}

		sideB, err := dialPair(ctx, b.addrB)
		if err != nil {
			sideA.Close()
			b.logger.Warn("nullmodem: dial failed", "addr", b.addrB, "error", err)
			b.events.PublishError(b.addrB, err.Error())
			if !sleepCtx(ctx, dialRetryInterval) {
				return
			}
			continue
		}

		b.logger.Info("nullmodem bridge established", "a", b.addrA, "b", b.addrB)
		b.setReady(true)
		b.events.PublishStateChange(b.addrA, "disconnected", "ready")
		b.relay(ctx, sideA, sideB)
		b.setReady(false)
		sideA.Close()
		sideB.Close()
		b.mu.Lock()
		b.reconnects++
		attempt := b.reconnects
		b.mu.Unlock()
		b.events.PublishStateChange(b.addrA, "ready", "disconnected")
		b.events.PublishReconnect(b.addrA, int(attempt), "bridge lost, re-dialing")
		b.logger.Info("nullmodem bridge lost, re-dialing")

		if !sleepCtx(ctx, dialRetryInterval) {
			return
		}
	}
}

func (b *Bridge) setReady(v bool) {
	b.mu.Lock()
	b.ready = v
	b.mu.Unlock()
}

// pair is one side's dialed data+signal connection pair.
type pair struct {
	data, signal net.Conn
}

func (p *pair) Close() {
	p.data.Close()
	p.signal.Close()
}

// dialPair dials the data connection, then the signal connection, to addr
// in sequence — the remote LIB port accepts exactly that order (spec
// §4.1: "accepts two connections in sequence (data, then signal)").
func dialPair(ctx context.Context, addr string) (*pair, error) {
	dialer := net.Dialer{Timeout: dialRetryInterval}
	data, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sig, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		data.Close()
		return nil, err
	}
	return &pair{data: data, signal: sig}, nil
}

// relay cross-forwards both byte streams until any one of the four legs
// errors, then returns so the caller tears down and re-dials both sides
// as a unit (spec §4.6: "reconnects are handled symmetrically").
func (b *Bridge) relay(ctx context.Context, a, c *pair) {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
			c.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	lost := make(chan struct{}, 4)
	forward := func(dst, src net.Conn) {
		n, _ := io.Copy(dst, src)
		atomic.AddInt64(&b.bytesRelayed, n)
		lost <- struct{}{}
	}
	go forward(c.data, a.data)
	go forward(a.data, c.data)
	go forward(c.signal, a.signal)
	go forward(a.signal, c.signal)
	<-lost
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
