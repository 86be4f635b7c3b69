// Package presence publishes this device's online status to the realtime
// store and tracks other users' status on demand. The offline transition
// is registered server-side so it fires even when the process dies without
// cleaning up.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/rtstore"
)

const statusRoot = "status"

// Status is the wire value at status/<userID>.
type Status struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"last_seen"`
}

// Change is the payload of presence.changed bus events.
type Change struct {
	UserID string
	Online bool
}

// SubscribeFunc observes one user's online flag.
type SubscribeFunc func(userID string, online bool)

// watch is the shared state for all local subscribers of one user.
type watch struct {
	cancelStore func()
	known       bool
	online      bool
	subs        map[int]SubscribeFunc
	next        int
}

// Tracker maintains own presence and per-user watches.
type Tracker struct {
	store  rtstore.Store
	bus    *bus.Bus
	logger *zap.Logger
	self   identity.Identity
	now    func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
}

// NewTracker creates a presence tracker for the given identity.
func NewTracker(store rtstore.Store, b *bus.Bus, self identity.Identity, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:   store,
		bus:     b,
		logger:  logger,
		self:    self,
		now:     time.Now,
		watches: make(map[string]*watch),
	}
}

// Start marks this device online and arms the server-side offline write
// for ungraceful disconnects. Call it once the realtime connection is up,
// and again after every reconnect.
func (t *Tracker) Start(ctx context.Context) error {
	path := statusRoot + "/" + t.self.UserID
	if err := t.store.Set(ctx, path, Status{Online: true, LastSeen: t.now().UnixMilli()}); err != nil {
		return fmt.Errorf("publish online status: %w", err)
	}
	if err := t.store.OnDisconnectSet(ctx, path, Status{Online: false, LastSeen: t.now().UnixMilli()}); err != nil {
		return fmt.Errorf("arm disconnect status: %w", err)
	}
	return nil
}

// Stop writes the offline status for a graceful shutdown.
func (t *Tracker) Stop(ctx context.Context) error {
	path := statusRoot + "/" + t.self.UserID
	if err := t.store.Set(ctx, path, Status{Online: false, LastSeen: t.now().UnixMilli()}); err != nil {
		return fmt.Errorf("publish offline status: %w", err)
	}
	return nil
}

// Subscribe watches one user's presence. The first subscriber for a user
// establishes the remote watch; further subscribers share it, and the last
// cancel tears it down. If the user's status is already known, fn is
// invoked synchronously with the cached value before Subscribe returns.
// Afterwards fn only fires when the online flag actually changes.
func (t *Tracker) Subscribe(userID string, fn SubscribeFunc) (cancel func(), err error) {
	t.mu.Lock()
	w, ok := t.watches[userID]
	if !ok {
		w = &watch{subs: make(map[int]SubscribeFunc)}
		t.watches[userID] = w
	}
	id := w.next
	w.next++
	w.subs[id] = fn
	known, online := w.known, w.online
	t.mu.Unlock()

	if !ok {
		// Replayed state arrives through handleUpdate and reaches fn there.
		cancelStore, serr := t.store.Subscribe(statusRoot, func(key string, data json.RawMessage) {
			if key == userID {
				t.handleUpdate(userID, data)
			}
		})
		if serr != nil {
			t.mu.Lock()
			delete(t.watches, userID)
			t.mu.Unlock()
			return nil, fmt.Errorf("watch presence of %s: %w", userID, serr)
		}
		t.mu.Lock()
		w.cancelStore = cancelStore
		t.mu.Unlock()
	} else if known {
		fn(userID, online)
	}

	return func() {
		t.mu.Lock()
		delete(w.subs, id)
		var cancelStore func()
		if len(w.subs) == 0 && t.watches[userID] == w {
			cancelStore = w.cancelStore
			delete(t.watches, userID)
		}
		t.mu.Unlock()
		if cancelStore != nil {
			cancelStore()
		}
	}, nil
}

// Online reports the cached status for a watched user. The second result
// is false until a first value has arrived.
func (t *Tracker) Online(userID string) (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.watches[userID]; ok && w.known {
		return w.online, true
	}
	return false, false
}

func (t *Tracker) handleUpdate(userID string, data json.RawMessage) {
	online := false
	if data != nil {
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			t.logger.Warn("bad presence status", zap.Error(err), zap.String("user_id", userID))
			return
		}
		online = st.Online
	}

	t.mu.Lock()
	w, ok := t.watches[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if w.known && w.online == online {
		// Refreshes of the same flag stay quiet.
		t.mu.Unlock()
		return
	}
	w.known = true
	w.online = online
	fns := make([]SubscribeFunc, 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(userID, online)
	}
	t.bus.Emit(bus.KindPresenceChanged, Change{UserID: userID, Online: online})
}
