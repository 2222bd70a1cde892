package dlsw

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"sdlcbridge/line"
	"sdlcbridge/scanner"
	"sdlcbridge/signal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestCapExchangeHandshakeOverLoopback drives two Engines against each
// other over real loopback TCP connections (spec §8 scenario 1: "On
// connect, both sides exchange CapExchange/CapExchangeResp").
func TestCapExchangeHandshakeOverLoopback(t *testing.T) {
	addrA := freeAddr(t)
	addrB := freeAddr(t)

	unitA := scanner.NewUnit(line.New(0, 0, testLogger()), 0)
	unitB := scanner.NewUnit(line.New(1, 0, testLogger()), 0)

	a := New(Config{ListenAddr: addrA, PeerAddr: addrB, Unit: unitA}, testLogger())
	b := New(Config{ListenAddr: addrB, PeerAddr: addrA, Unit: unitB}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	defer b.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sa, sb := a.Stats(), b.Stats()
		if sa.InboundReady && sa.OutboundReady && sb.InboundReady && sb.OutboundReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sa, sb := a.Stats(), b.Stats()
	if !sa.InboundReady || !sa.OutboundReady {
		t.Fatalf("engine A never fully connected: %+v", sa)
	}
	if !sb.InboundReady || !sb.OutboundReady {
		t.Fatalf("engine B never fully connected: %+v", sb)
	}
}

// TestFullConnectSequenceOverLoopback drives one Engine through the whole
// CANUREACH->CONTACTED sequence as the target side, using a raw TCP
// connection standing in for the origin DLSw peer (spec §8 scenario 2).
func TestFullConnectSequenceOverLoopback(t *testing.T) {
	addr := freeAddr(t)
	// The engine writes its replies on the outbound connection it dials to
	// PeerAddr, so the test listens there to stand in for the peer's side.
	peerLn, lnErr := net.Listen("tcp", "127.0.0.1:0")
	if lnErr != nil {
		t.Fatal(lnErr)
	}
	defer peerLn.Close()
	unit := scanner.NewUnit(line.New(0, 0, testLogger()), 0)
	e := New(Config{ListenAddr: addr, PeerAddr: peerLn.Addr().String(), Unit: unit}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial inbound: %v", err)
	}
	defer conn.Close()

	out, err := peerLn.Accept()
	if err != nil {
		t.Fatalf("accept outbound: %v", err)
	}
	defer out.Close()
	out.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(h Header, body []byte) {
		h.HeaderLength = ControlHeaderLen
		h.MessageLength = uint16(len(body))
		if _, err := conn.Write(append(h.Encode(), body...)); err != nil {
			t.Fatal(err)
		}
	}
	recv := func() Header {
		buf := make([]byte, ControlHeaderLen)
		if _, err := io.ReadFull(out, buf); err != nil {
			t.Fatalf("read reply header: %v", err)
		}
		h, ok := DecodeHeader(buf)
		if !ok {
			t.Fatal("malformed reply header")
		}
		if h.MessageLength > 0 {
			body := make([]byte, h.MessageLength)
			if _, err := io.ReadFull(out, body); err != nil {
				t.Fatalf("read reply body: %v", err)
			}
		}
		return h
	}

	if h := recv(); h.MessageType != MsgCapExchange {
		t.Fatalf("expected CapExchange first on the outbound connection, got %#x", h.MessageType)
	}

	send(Header{MessageType: MsgCanUReach, OriginDLCorr: 0x01020304, OriginDLCPort: 0x0A0B0C0D}, nil)
	if h := recv(); h.MessageType != MsgICanReach {
		t.Fatalf("expected ICANREACH reply, got %#x", h.MessageType)
	}
	if e.Circuit().State() != CircuitStart {
		t.Fatalf("state after CANUREACH = %v, want CircuitStart", e.Circuit().State())
	}

	send(Header{MessageType: MsgReachAck, RemoteDLCorr: 0x01020304, RemoteDLCPort: 0x0A0B0C0D}, nil)
	deadline = time.Now().Add(time.Second)
	for e.Circuit().State() != CircuitEstablished && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Circuit().State() != CircuitEstablished {
		t.Fatalf("state after REACH_ACK = %v, want CircuitEstablished", e.Circuit().State())
	}

	xidBody := []byte{0x02, 0x01, 0x17, 0x00, 0x03, 0x00, 0x01}
	send(Header{MessageType: MsgXIDFrame}, xidBody)
	if h := recv(); h.MessageType != MsgContact {
		t.Fatalf("expected CONTACT reply to non-empty XID, got %#x", h.MessageType)
	}

	send(Header{MessageType: MsgContact}, nil)
	if h := recv(); h.MessageType != MsgContact {
		t.Fatalf("expected CONTACT echoed back, got %#x", h.MessageType)
	}
	deadline = time.Now().Add(time.Second)
	for e.Circuit().State() != ConnectPending && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Circuit().State() != ConnectPending {
		t.Fatalf("state after CONTACT = %v, want ConnectPending", e.Circuit().State())
	}

	send(Header{MessageType: MsgContacted, RemoteDLCorr: 0x01020304, RemoteDLCPort: 0x0A0B0C0D}, nil)
	deadline = time.Now().Add(time.Second)
	for e.Circuit().State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Circuit().State() != Connected {
		t.Fatalf("state after CONTACTED = %v, want Connected", e.Circuit().State())
	}
	if unit.Line.Signals.Local()&signal.RTS == 0 {
		t.Fatal("expected RTS raised on the line once CONTACTED is processed")
	}
}

// TestHandleLineIFrameTunnelsOverLoopback verifies the scanner's I-frame
// callback (spec §4.5 SDLC->DLSw path) produces an INFOFRAME on the wire
// once the circuit is CONNECTED.
func TestHandleLineIFrameTunnelsOverLoopback(t *testing.T) {
	addr := freeAddr(t)
	peerLn, lnErr := net.Listen("tcp", "127.0.0.1:0")
	if lnErr != nil {
		t.Fatal(lnErr)
	}
	defer peerLn.Close()
	unit := scanner.NewUnit(line.New(0, 0, testLogger()), 0)
	e := New(Config{ListenAddr: addr, PeerAddr: peerLn.Addr().String(), Unit: unit}, testLogger())
	e.circuit.state = Connected
	e.circuit.remoteDLCorr = 0x01020304
	e.circuit.remoteDLCPort = 0x0A0B0C0D

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial inbound: %v", err)
	}
	defer conn.Close()

	// The INFOFRAME goes out on the outbound connection; accept it and
	// consume the CapExchange the engine sends first on connect.
	out, err := peerLn.Accept()
	if err != nil {
		t.Fatalf("accept outbound: %v", err)
	}
	defer out.Close()
	out.SetReadDeadline(time.Now().Add(5 * time.Second))
	capHdr := make([]byte, ControlHeaderLen)
	if _, err := io.ReadFull(out, capHdr); err != nil {
		t.Fatalf("read CapExchange header: %v", err)
	}
	if ch, ok := DecodeHeader(capHdr); ok && ch.MessageLength > 0 {
		if _, err := io.ReadFull(out, make([]byte, ch.MessageLength)); err != nil {
			t.Fatalf("read CapExchange body: %v", err)
		}
	}

	frame := buildTestIFrame()
	e.handleLineIFrame(frame)

	buf := make([]byte, InfoHeaderLen)
	if _, err := io.ReadFull(out, buf); err != nil {
		t.Fatalf("read INFOFRAME header: %v", err)
	}
	h, ok := DecodeHeader(buf)
	if !ok {
		t.Fatal("malformed INFOFRAME header")
	}
	if h.MessageType != MsgInfoFrame {
		t.Fatalf("message type = %#x, want MsgInfoFrame", h.MessageType)
	}
	body := make([]byte, h.MessageLength)
	if _, err := io.ReadFull(out, body); err != nil {
		t.Fatalf("read INFOFRAME body: %v", err)
	}
	if e.Stats().FramesTunnelled != 1 {
		t.Fatalf("framesTunnelled = %d, want 1", e.Stats().FramesTunnelled)
	}
}

func buildTestIFrame() []byte {
	c := NewCircuit()
	c.state = Connected
	return c.BuildInfoFrame([]byte("hello"))
}
