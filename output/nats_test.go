package output

import (
	"log/slog"
	"os"
	"testing"
)

func TestNATSConnectionIsConnected(t *testing.T) {
	nc := &NATSConnection{
		conn:   nil,
		url:    "nats://localhost:4222",
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	if nc.IsConnected() {
		t.Error("IsConnected() should return false when conn is nil")
	}
}

func TestNATSConnectionClose(t *testing.T) {
	nc := &NATSConnection{
		conn:   nil,
		url:    "nats://localhost:4222",
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	// Should not panic on nil connection
	nc.Close()

	// Should be safe to call multiple times
	nc.Close()
}

func TestNATSConnectionPublishWithoutConn(t *testing.T) {
	nc := &NATSConnection{
		conn:   nil,
		url:    "nats://localhost:4222",
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	if err := nc.Publish("test.subject", []byte("data")); err == nil {
		t.Error("Publish() should error when not connected")
	}
}
