package rtstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type recorded struct {
	key  string
	data json.RawMessage
}

type recorder struct {
	mu      sync.Mutex
	updates []recorded
}

func (r *recorder) fn(key string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, recorded{key, data})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.updates))
	copy(out, r.updates)
	return out
}

func TestMemorySetNotifiesSubscribers(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	cancel, err := m.Subscribe("typing/conv", rec.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := m.Set(context.Background(), "typing/conv/alice", map[string]any{"typing": true}); err != nil {
		t.Fatal(err)
	}

	got := rec.all()
	if len(got) != 1 || got[0].key != "alice" {
		t.Fatalf("updates = %+v, want one update for alice", got)
	}
}

func TestMemorySubscribeReplaysExisting(t *testing.T) {
	m := NewMemory()
	_ = m.Set(context.Background(), "status/alice", map[string]bool{"online": true})

	rec := &recorder{}
	cancel, err := m.Subscribe("status", rec.fn)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Replay is synchronous: already delivered before Subscribe returned.
	got := rec.all()
	if len(got) != 1 || got[0].key != "alice" {
		t.Fatalf("updates = %+v, want replay of alice", got)
	}
}

func TestMemoryDeleteNotifiesNil(t *testing.T) {
	m := NewMemory()
	_ = m.Set(context.Background(), "typing/conv/alice", true)

	rec := &recorder{}
	cancel, _ := m.Subscribe("typing/conv", rec.fn)
	defer cancel()

	if err := m.Delete(context.Background(), "typing/conv/alice"); err != nil {
		t.Fatal(err)
	}

	got := rec.all()
	last := got[len(got)-1]
	if last.key != "alice" || last.data != nil {
		t.Fatalf("last update = %+v, want nil data for alice", last)
	}
}

func TestMemoryOnDisconnect(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	cancel, _ := m.Subscribe("status", rec.fn)
	defer cancel()

	_ = m.Set(context.Background(), "status/me", map[string]bool{"online": true})
	_ = m.OnDisconnectSet(context.Background(), "status/me", map[string]bool{"online": false})

	m.SimulateDisconnect()

	got := rec.all()
	last := got[len(got)-1]
	var v map[string]bool
	if err := json.Unmarshal(last.data, &v); err != nil {
		t.Fatal(err)
	}
	if v["online"] {
		t.Error("online = true after disconnect, want false (server-side write)")
	}
}

func TestMemoryUnsubscribeStopsUpdates(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	cancel, _ := m.Subscribe("typing/conv", rec.fn)
	cancel()

	_ = m.Set(context.Background(), "typing/conv/alice", true)
	if len(rec.all()) != 0 {
		t.Error("received update after unsubscribe")
	}
}
