package session

import (
	"context"
	"sync"
)

// Manager owns the live stream sessions of this process, keyed by the
// carrier's stream id. Only shutdown iterates it.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*managed
	wg      sync.WaitGroup
}

type managed struct {
	stop func()
	once sync.Once
}

func NewManager() *Manager {
	return &Manager{streams: make(map[string]*managed)}
}

// Register adds a stream. stop must end the session. A second registration
// under the same id replaces and unregisters the first. The returned func is
// safe to call more than once.
func (m *Manager) Register(streamID string, stop func()) (unregister func()) {
	e := &managed{stop: stop}

	m.mu.Lock()
	old := m.streams[streamID]
	m.streams[streamID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		m.remove(streamID, old)
	}
	return func() { m.remove(streamID, e) }
}

func (m *Manager) remove(streamID string, e *managed) {
	e.once.Do(func() {
		m.mu.Lock()
		if m.streams[streamID] == e {
			delete(m.streams, streamID)
		}
		m.mu.Unlock()
		m.wg.Done()
	})
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// CloseAll stops every registered stream and returns how many were signalled.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	stops := make([]func(), 0, len(m.streams))
	for _, e := range m.streams {
		if e.stop != nil {
			stops = append(stops, e.stop)
		}
	}
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return len(stops)
}

// Wait blocks until every registered stream unregistered or ctx ends.
func (m *Manager) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
