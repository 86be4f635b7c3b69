package rtstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Store used in tests and by components that run
// without a realtime backend. It honors on-disconnect semantics via
// SimulateDisconnect.
type Memory struct {
	mu           sync.Mutex
	data         map[string]json.RawMessage
	onDisconnect map[string]json.RawMessage
	subs         map[int]*memorySub
	next         int
}

type memorySub struct {
	prefix string
	fn     UpdateFunc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:         make(map[string]json.RawMessage),
		onDisconnect: make(map[string]json.RawMessage),
		subs:         make(map[int]*memorySub),
	}
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	m.mu.Lock()
	m.data[path] = raw
	subs := m.matching(path)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(childKey(s.prefix, path), raw)
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	_, existed := m.data[path]
	delete(m.data, path)
	subs := m.matching(path)
	m.mu.Unlock()

	if existed {
		for _, s := range subs {
			s.fn(childKey(s.prefix, path), nil)
		}
	}
	return nil
}

// OnDisconnectSet implements Store.
func (m *Memory) OnDisconnectSet(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	m.mu.Lock()
	m.onDisconnect[path] = raw
	m.mu.Unlock()
	return nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(path string, fn UpdateFunc) (func(), error) {
	prefix := strings.TrimSuffix(path, "/") + "/"

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = &memorySub{prefix: prefix, fn: fn}

	// Snapshot existing children for synchronous replay.
	type kv struct {
		key string
		raw json.RawMessage
	}
	var existing []kv
	for p, raw := range m.data {
		if strings.HasPrefix(p, prefix) {
			existing = append(existing, kv{childKey(prefix, p), raw})
		}
	}
	m.mu.Unlock()

	for _, e := range existing {
		fn(e.key, e.raw)
	}

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// SimulateDisconnect applies all registered on-disconnect writes, the way
// the server would when this device's connection drops.
func (m *Memory) SimulateDisconnect() {
	m.mu.Lock()
	writes := m.onDisconnect
	m.onDisconnect = make(map[string]json.RawMessage)
	var fires []func()
	for path, raw := range writes {
		m.data[path] = raw
		for _, s := range m.matching(path) {
			s, path, raw := s, path, raw
			fires = append(fires, func() { s.fn(childKey(s.prefix, path), raw) })
		}
	}
	m.mu.Unlock()

	for _, fire := range fires {
		fire()
	}
}

// matching must be called with mu held.
func (m *Memory) matching(path string) []*memorySub {
	var out []*memorySub
	for _, s := range m.subs {
		if strings.HasPrefix(path, s.prefix) {
			out = append(out, s)
		}
	}
	return out
}

func childKey(prefix, path string) string {
	return strings.TrimPrefix(path, prefix)
}
