package line

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sdlcbridge/output"
)

// Manager owns and runs every configured Line, adapted from the teacher's
// capture.Manager fan-out-across-configured-ports shape (capture/manager.go).
type Manager struct {
	libBase int
	logger  *slog.Logger
	events  *output.EventPublisher

	mu        sync.RWMutex
	lines     []*Line
	listeners []*Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager returns a Manager that will assign ports starting at
// 37500+libBase.
func NewManager(libBase int, logger *slog.Logger) *Manager {
	return &Manager{libBase: libBase, logger: logger}
}

// SetEvents registers ep so every line this manager creates publishes its
// state transitions to the fleet telemetry event stream; nil disables it.
// Call before Start.
func (m *Manager) SetEvents(ep *output.EventPublisher) {
	m.events = ep
}

// Lines returns the managed lines in index order.
func (m *Manager) Lines() []*Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Line, len(m.lines))
	copy(out, m.lines)
	return out
}

// Line returns the line at index idx, or nil if out of range.
func (m *Manager) Line(idx int) *Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx < 0 || idx >= len(m.lines) {
		return nil
	}
	return m.lines[idx]
}

// Start creates and serves `count` lines (indices 0..count-1).
func (m *Manager) Start(ctx context.Context, count int) error {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for i := 0; i < count; i++ {
		l := New(i, m.libBase, m.logger)
		l.SetEvents(m.events)
		ln, err := Listen(l)
		if err != nil {
			m.Stop()
			return fmt.Errorf("line manager: %w", err)
		}

		m.mu.Lock()
		m.lines = append(m.lines, l)
		m.listeners = append(m.listeners, ln)
		m.mu.Unlock()

		m.wg.Add(1)
		go func(ln *Listener) {
			defer m.wg.Done()
			if err := ln.Serve(ctx); err != nil {
				m.logger.Debug("line listener stopped", "error", err)
			}
		}(ln)
	}

	m.logger.Info("line manager started", "lines", count, "lib_base", m.libBase)
	return nil
}

// Stop cancels all line listeners and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	listeners := m.listeners
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	m.wg.Wait()
}
