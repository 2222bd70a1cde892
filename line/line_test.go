package line

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListenerAcceptsDataThenSignalAndReachesReady(t *testing.T) {
	l := New(0, 0, testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	listener := &Listener{line: l, ln: ln}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		listener.Serve(ctx)
		close(done)
	}()

	addr := ln.Addr().String()
	dataConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer dataConn.Close()

	// Give the accept loop a moment to register the data connection.
	deadline := time.Now().Add(time.Second)
	for l.State() != DataOnly && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.State() != DataOnly {
		t.Fatalf("expected DataOnly state, got %v", l.State())
	}

	signalConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer signalConn.Close()

	deadline = time.Now().Add(time.Second)
	for l.State() != Ready && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.State() != Ready {
		t.Fatalf("expected Ready state, got %v", l.State())
	}
	if !l.Signals.DCDHigh() {
		t.Fatal("expected DCD high once signal channel accepted")
	}

	dataConn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for l.State() != Disconnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.State() != Disconnected {
		t.Fatalf("expected Disconnected after losing data channel, got %v", l.State())
	}

	cancel()
	<-done
}

func TestRingBufferFillsFromDataConnection(t *testing.T) {
	l := New(0, 0, testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	listener := &Listener{line: l, ln: ln}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	addr := ln.Addr().String()
	dataConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer dataConn.Close()
	signalConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer signalConn.Close()

	deadline := time.Now().Add(time.Second)
	for l.State() != Ready && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := dataConn.Write([]byte{0x7E}); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(time.Second)
	for l.RX.Empty() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b, ok := l.RX.Pop()
	if !ok || b != 0x7E {
		t.Fatalf("RX.Pop() = %#02x, %v, want 0x7e, true", b, ok)
	}
}
