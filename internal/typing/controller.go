// Package typing manages the typing indicator in both directions: it
// debounces local keystrokes into rate-limited remote writes with
// auto-expiry, and consumes remote typing entries with staleness filtering.
package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/rtstore"
)

// Entry is one remote typist in the active conversation.
type Entry struct {
	UserID      string
	DisplayName string
	UpdatedAt   int64
}

// signal is the wire value at typing/<conversation>/<user>.
type signal struct {
	Typing      bool   `json:"typing"`
	DisplayName string `json:"display_name,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
	// TTLMillis asks the store to expire the record server-side as a
	// safety net against crashed clients.
	TTLMillis int64 `json:"ttl_ms,omitempty"`
}

// Options carries the timing contract.
type Options struct {
	Debounce    time.Duration
	IdleTimeout time.Duration
	StaleAfter  time.Duration
}

// Controller owns the typing state for the active conversation.
type Controller struct {
	store  rtstore.Store
	bus    *bus.Bus
	logger *zap.Logger
	self   identity.Identity
	opts   Options
	now    func() time.Time

	// writeMu serializes remote signal writes with the state decision
	// that produced them, so a StopTyping racing the debounce callback
	// cannot have its false write overtaken by the pending true write.
	writeMu sync.Mutex

	mu             sync.Mutex
	conversationID string
	gen            int
	debounceTimer  *time.Timer
	idleTimer      *time.Timer
	wroteTrue      bool
	unsub          func()
	entries        map[string]Entry
}

// NewController creates a typing controller.
func NewController(store rtstore.Store, b *bus.Bus, self identity.Identity, opts Options, logger *zap.Logger) *Controller {
	return &Controller{
		store:   store,
		bus:     b,
		logger:  logger,
		self:    self,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// SetActiveConversation switches the controller to a new conversation.
// The previous conversation's subscription is torn down and its displayed
// state cleared synchronously, and a pending stop-typing write is flushed
// to the previous conversation so it cannot leak into the new one.
func (c *Controller) SetActiveConversation(ctx context.Context, conversationID string) error {
	c.writeMu.Lock()
	c.mu.Lock()
	prev := c.conversationID
	prevWrote := c.wroteTrue

	unsub := c.unsub
	c.stopTimersLocked()
	c.gen++
	c.wroteTrue = false
	c.conversationID = conversationID
	c.unsub = nil
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if prevWrote && prev != "" {
		c.writeSignal(ctx, prev, false)
	}
	c.writeMu.Unlock()
	c.emit()

	if conversationID == "" {
		return nil
	}

	newUnsub, err := c.store.Subscribe("typing/"+conversationID, func(key string, data json.RawMessage) {
		c.handleUpdate(conversationID, key, data)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conversationID != conversationID {
		// Switched again while subscribing.
		c.mu.Unlock()
		newUnsub()
		return nil
	}
	c.unsub = newUnsub
	c.mu.Unlock()
	return nil
}

// NotifyTyping reports local typing activity. The first remote write is
// debounced; once typing=true is on the wire, further activity only
// resets the expiry timer.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversationID
	if conv == "" {
		return
	}

	if c.wroteTrue {
		if c.idleTimer != nil {
			c.idleTimer.Reset(c.opts.IdleTimeout)
		}
		return
	}

	if c.debounceTimer != nil {
		// First write already pending; this keystroke rides along.
		return
	}

	gen := c.gen
	c.debounceTimer = time.AfterFunc(c.opts.Debounce, func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		c.mu.Lock()
		c.debounceTimer = nil
		// A StopTyping or conversation switch since the keystroke
		// invalidates the pending write.
		if c.conversationID != conv || c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.wroteTrue = true
		c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() { c.expire(conv) })
		c.mu.Unlock()

		c.writeSignal(context.Background(), conv, true)
	})
}

// StopTyping cancels all timers and, if a typing=true write was issued,
// force-writes false. Idempotent: safe to call when nothing was written.
func (c *Controller) StopTyping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conv := c.conversationID
	wrote := c.wroteTrue
	c.stopTimersLocked()
	c.gen++
	c.wroteTrue = false
	c.mu.Unlock()

	if wrote && conv != "" {
		c.writeSignal(context.Background(), conv, false)
	}
}

// expire fires when the idle timeout elapses without new activity.
func (c *Controller) expire(conv string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.conversationID != conv || !c.wroteTrue {
		c.mu.Unlock()
		return
	}
	c.wroteTrue = false
	c.idleTimer = nil
	c.mu.Unlock()

	c.writeSignal(context.Background(), conv, false)
}

// stopTimersLocked must be called with mu held.
func (c *Controller) stopTimersLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Controller) writeSignal(ctx context.Context, conv string, typing bool) {
	err := c.store.Set(ctx, "typing/"+conv+"/"+c.self.UserID, signal{
		Typing:      typing,
		DisplayName: c.self.DisplayName,
		UpdatedAt:   c.now().UnixMilli(),
		TTLMillis:   c.opts.StaleAfter.Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("typing write failed",
			zap.Error(err), zap.Bool("typing", typing), zap.String("conversation_id", conv))
	}
}

func (c *Controller) handleUpdate(conv, userID string, data json.RawMessage) {
	c.mu.Lock()
	if c.conversationID != conv {
		c.mu.Unlock()
		return
	}
	if data == nil {
		delete(c.entries, userID)
	} else {
		var sig signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.mu.Unlock()
			c.logger.Warn("bad typing signal", zap.Error(err), zap.String("user_id", userID))
			return
		}
		if sig.Typing {
			name := sig.DisplayName
			if name == "" {
				name = userID
			}
			c.entries[userID] = Entry{UserID: userID, DisplayName: name, UpdatedAt: sig.UpdatedAt}
		} else {
			delete(c.entries, userID)
		}
	}
	c.mu.Unlock()

	c.emit()
}

// Typists returns the remote typists to display: the local user and any
// entry older than the staleness bound are excluded, even if the store
// has not physically removed them yet.
func (c *Controller) Typists() []Entry {
	cutoff := c.now().UnixMilli() - c.opts.StaleAfter.Milliseconds()

	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.UserID == c.self.UserID {
			continue
		}
		if e.UpdatedAt < cutoff {
			continue
		}
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

func (c *Controller) emit() {
	c.bus.Emit(bus.KindTypingChanged, c.Typists())
}
