package output

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSConnection manages the shared NATS connection used for the optional
// fleet telemetry heartbeats and state-change events (spec §1 [ADDED]
// ambient stack) — separate from the trace files, which are always local.
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewNATSConnection creates a new NATS connection.
func NewNATSConnection(url string, maxReconnects int, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("connected to NATS", "url", url)

	return &NATSConnection{
		conn:   conn,
		url:    url,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (nc *NATSConnection) Close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		nc.conn.Close()
		nc.conn = nil
		nc.logger.Info("closed NATS connection")
	}
}

// Conn returns the underlying NATS connection.
func (nc *NATSConnection) Conn() *nats.Conn {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn
}

// Publish publishes raw data to subject over the connection.
func (nc *NATSConnection) Publish(subject string, data []byte) error {
	nc.mu.RLock()
	conn := nc.conn
	nc.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("nats: not connected")
	}
	return conn.Publish(subject, data)
}

// IsConnected returns true if connected to NATS.
func (nc *NATSConnection) IsConnected() bool {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}
