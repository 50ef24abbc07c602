package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_RegisterUnregister(t *testing.T) {
	m := NewManager()
	un1 := m.Register("MZ1", nil)
	un2 := m.Register("MZ2", nil)
	if m.Count() != 2 {
		t.Fatalf("expected 2, got %d", m.Count())
	}
	un1()
	un1()
	if m.Count() != 1 {
		t.Fatalf("double unregister changed count: %d", m.Count())
	}
	un2()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.Wait(ctx) {
		t.Fatalf("Wait should return once all unregistered")
	}
}

func TestManager_ReplaceSameID(t *testing.T) {
	m := NewManager()
	unOld := m.Register("MZ1", nil)
	unNew := m.Register("MZ1", nil)
	if m.Count() != 1 {
		t.Fatalf("expected 1, got %d", m.Count())
	}
	unOld()
	if m.Count() != 1 {
		t.Fatalf("old unregister removed the replacement")
	}
	unNew()
	if m.Count() != 0 {
		t.Fatalf("expected 0, got %d", m.Count())
	}
}

func TestManager_CloseAllAndWait(t *testing.T) {
	m := NewManager()
	var stopped atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		var un func()
		un = m.Register(id, func() {
			stopped.Add(1)
			go un()
		})
	}
	if n := m.CloseAll(); n != 3 {
		t.Fatalf("expected 3 signalled, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.Wait(ctx) {
		t.Fatalf("streams did not drain")
	}
	if stopped.Load() != 3 {
		t.Fatalf("expected 3 stops, got %d", stopped.Load())
	}
}
