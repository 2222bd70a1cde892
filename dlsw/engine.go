package dlsw

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"sdlcbridge/output"
	"sdlcbridge/scanner"
)

// DefaultPort is the fixed DLSw TCP port both ends listen on and connect to
// (spec §6 "Network ports").
const DefaultPort = 2065

// pollInterval is the DLSw worker's accept/read poll cadence (spec §5
// "Scheduling model": "one DLSw worker ... with a 50 ms poll for accept").
const pollInterval = 50 * time.Millisecond

// Config configures one Engine instance: where to listen for the inbound
// connection, the peer to dial for the outbound connection, and the LIB
// line whose SDLC traffic this circuit tunnels (spec §6 CLI flags
// `-peerhn`/`-peerip`, `-cchn`/`-ccip`, `-line`).
type Config struct {
	Name       string // peer identity used to tag published telemetry events
	ListenAddr string // host:port to accept the inbound connection on
	PeerAddr   string // host:port to dial for the outbound connection
	Unit       *scanner.Unit
}

// Stats is the monitoring-facing snapshot of one Engine.
type Stats struct {
	State           string `json:"state"`
	InboundReady    bool   `json:"inbound_ready"`
	OutboundReady   bool   `json:"outbound_ready"`
	FramesTunnelled int64  `json:"frames_tunnelled"`
	RepliesSent     int64  `json:"replies_sent"`
}

// Engine drives the two-TCP-connection DLSw event loop for one peer (spec
// §4.5, §5). Grounded on forward.Forwarder's Start/Stop/context lifecycle,
// generalized from a one-directional NATS relay to a full-duplex circuit
// with its own state machine.
type Engine struct {
	cfg     Config
	circuit *Circuit
	logger  *slog.Logger
	events  *output.EventPublisher

	mu              sync.Mutex
	inboundConn     net.Conn
	outboundConn    net.Conn
	framesTunnelled int64
	repliesSent     int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an Engine for cfg, not yet started.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		circuit: NewCircuit(),
		logger:  logger,
	}
}

// Circuit returns the engine's circuit state machine (read-mostly access
// for monitoring/tests).
func (e *Engine) Circuit() *Circuit {
	return e.circuit
}

// SetEvents registers ep so this engine's circuit transitions and framing
// errors are published to the fleet telemetry event stream (SPEC_FULL.md
// §1 ambient stack); nil disables it. Call before Start.
func (e *Engine) SetEvents(ep *output.EventPublisher) {
	e.events = ep
}

// Start listens on ListenAddr, registers handleLineIFrame as the scanner
// unit's I-frame callback (the line-to-DLSw direction), and spawns the
// accept loop and the connect loop; it returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dlsw: listen on %s: %w", e.cfg.ListenAddr, err)
	}

	if e.cfg.Unit != nil {
		e.cfg.Unit.SetIFrameHandler(e.handleLineIFrame)
	}

	e.wg.Add(2)
	go e.acceptLoop(ln)
	go e.connectLoop()

	return nil
}

// Stop cancels all loops and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inboundConn != nil {
		e.inboundConn.Close()
	}
	if e.outboundConn != nil {
		e.outboundConn.Close()
	}
}

// Stats returns a snapshot for the monitoring dashboard.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:           e.circuit.State().String(),
		InboundReady:    e.inboundConn != nil,
		OutboundReady:   e.outboundConn != nil,
		FramesTunnelled: e.framesTunnelled,
		RepliesSent:     e.repliesSent,
	}
}

// acceptLoop accepts the single inbound connection this peer expects and
// re-arms on loss, polling at pollInterval (spec §5).
func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.wg.Done()
	defer ln.Close()
	for {
		if e.ctx.Err() != nil {
			return
		}
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(pollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.inboundConn = conn
		e.mu.Unlock()
		e.logger.Info("dlsw inbound connection accepted", "remote", conn.RemoteAddr())
		e.readLoop(conn)
		e.mu.Lock()
		e.inboundConn = nil
		e.mu.Unlock()
	}
}

// connectLoop dials the peer, retrying at pollInterval until it succeeds,
// then holds the outbound connection until ctx is cancelled or the
// connection is lost, and redials after a loss.
func (e *Engine) connectLoop() {
	defer e.wg.Done()
	for {
		if e.ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", e.cfg.PeerAddr, pollInterval)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		e.mu.Lock()
		e.outboundConn = conn
		e.mu.Unlock()
		e.logger.Info("dlsw outbound connection established", "peer", e.cfg.PeerAddr)
		e.sendCapExchange()

		lost := make(chan struct{})
		go func() {
			io.Copy(io.Discard, conn)
			close(lost)
		}()
		select {
		case <-e.ctx.Done():
		case <-lost:
		}
		conn.Close()
		e.mu.Lock()
		e.outboundConn = nil
		e.mu.Unlock()
	}
}

// sendCapExchange sends the capabilities-exchange request (spec §4.5,
// scenario 1) once the outbound connection is up.
func (e *Engine) sendCapExchange() {
	payload := []byte{20} // initial pacing window, spec default 20
	body := EncodeGDS(GDSCapExchange, payload)
	h := Header{
		HeaderLength:  ControlHeaderLen,
		MessageLength: uint16(len(body)),
		MessageType:   MsgCapExchange,
	}
	e.writeOutbound(h, body)
}

// readLoop reads length-delimited DLSw messages from conn until it errors,
// dispatching each to the circuit and writing any reply to the outbound
// connection (spec §7: "DLSw replies are emitted in the order the
// triggering messages were consumed").
func (e *Engine) readLoop(conn net.Conn) {
	hdr := make([]byte, ControlHeaderLen)
	for {
		if e.ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		if _, err := readFull(conn, hdr[:16]); err != nil {
			if isDeadlineErr(err) {
				continue
			}
			return
		}
		h, ok := DecodeHeader(hdr[:16])
		if !ok {
			continue
		}
		if h.HeaderLength != InfoHeaderLen && h.HeaderLength != ControlHeaderLen {
			e.logger.Warn("dlsw: invalid header_length, dropping connection", "header_length", h.HeaderLength)
			e.events.PublishError(e.cfg.Name, fmt.Sprintf("invalid header_length %d, dropping connection", h.HeaderLength))
			return
		}
		remaining := int(h.HeaderLength) - 16
		if remaining > 0 {
			if _, err := readFull(conn, hdr[16:16+remaining]); err != nil {
				return
			}
			h, _ = DecodeHeader(hdr[:16+remaining])
		}
		body := make([]byte, h.MessageLength)
		if len(body) > 0 {
			if _, err := readFull(conn, body); err != nil {
				return
			}
		}
		e.dispatch(h, body)
	}
}

// dispatch routes one decoded message through the circuit state machine and
// writes any reply.
func (e *Engine) dispatch(h Header, body []byte) {
	switch h.MessageType {
	case MsgCapExchange:
		rh, rb, send := e.circuit.HandleCapExchange(h, body)
		if send {
			e.writeOutbound(rh, rb)
		}
	case MsgCanUReach:
		rh := e.circuit.HandleCanUReach(h)
		e.writeOutbound(rh, nil)
	case MsgICanReach:
		rh := e.circuit.HandleICanReach(h)
		e.writeOutbound(rh, nil)
	case MsgReachAck:
		e.circuit.HandleReachAck(h)
	case MsgXIDFrame:
		rh, rb := e.circuit.HandleXIDFrame(h, body)
		e.writeOutbound(rh, rb)
	case MsgContact:
		rh := e.circuit.HandleContact(h)
		e.writeOutbound(rh, nil)
	case MsgContacted:
		e.circuit.HandleContacted(h)
		e.events.PublishCircuitEstablished(e.cfg.Name)
		if e.cfg.Unit != nil {
			ln := e.cfg.Unit.Line
			ln.Signals.OnRTSSet()
			ln.WriteSignalByte(ln.Signals.Remote())
		}
	case MsgHaltDL:
		rh := e.circuit.HandleHaltDL(h)
		e.writeOutbound(rh, nil)
		e.events.PublishCircuitLost(e.cfg.Name)
		if e.cfg.Unit != nil {
			ln := e.cfg.Unit.Line
			ln.Signals.OnTurnaround()
			ln.WriteSignalByte(ln.Signals.Remote())
		}
	case MsgRestartDL:
		rh := e.circuit.HandleRestartDL(h)
		e.writeOutbound(rh, nil)
	case MsgInfoFrame:
		if e.cfg.Unit != nil {
			frame := e.circuit.BuildInfoFrame(body)
			e.cfg.Unit.Line.TX.Push(frame)
		}
	default:
		e.logger.Warn("dlsw: unhandled message type", "type", h.MessageType)
	}
}

// writeOutbound encodes and writes a header+body to the outbound
// connection, if present.
func (e *Engine) writeOutbound(h Header, body []byte) {
	e.mu.Lock()
	conn := e.outboundConn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	if h.HeaderLength == 0 {
		h.HeaderLength = ControlHeaderLen
	}
	buf := append(h.Encode(), body...)
	if _, err := conn.Write(buf); err != nil {
		e.logger.Warn("dlsw: write failed", "error", err)
		e.events.PublishError(e.cfg.Name, err.Error())
		return
	}
	e.mu.Lock()
	e.repliesSent++
	e.mu.Unlock()
}

// handleLineIFrame is the scanner's I-frame callback (spec §4.5 "SDLC->DLSw
// path"): it wraps a complete, freshly-reassembled SDLC I-frame as an
// INFOFRAME and tunnels it to the peer, discarding it with a log if the
// circuit is not CONNECTED.
func (e *Engine) handleLineIFrame(frame []byte) {
	h, body, ok := e.circuit.BuildInfoFrameMessage(frame)
	if !ok {
		e.logger.Warn("dlsw: dropping I-frame, circuit not connected")
		return
	}
	e.writeOutbound(h, body)
	e.mu.Lock()
	e.framesTunnelled++
	e.mu.Unlock()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isDeadlineErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

