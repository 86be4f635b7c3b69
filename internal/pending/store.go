// Package pending tracks in-flight message sends. The store is the single
// source of truth for send status: the UI reads it for status icons and the
// reconciler advances it when acknowledgments arrive.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of an in-flight send.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// Terminal reports whether the status ends the current attempt.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// Send is one in-flight outbound message, keyed by ClientMessageID.
// Content fields are immutable after creation; only Status and
// ErrorMessage change.
type Send struct {
	ClientMessageID string
	ConversationID  string
	RecipientID     string
	Content         string
	ReplyToID       string
	CreatedAt       time.Time
	Status          Status
	ErrorMessage    string
}

// ErrNotFound is returned by Await for an ID that was never recorded.
var ErrNotFound = errors.New("pending: send not found")

type entry struct {
	send            Send
	done            chan struct{}
	fallbackClaimed bool
}

// Store holds all in-flight sends. At most one record exists per client
// message ID. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	sends  map[string]*entry
	logger *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		sends:  make(map[string]*entry),
		logger: logger,
	}
}

// RecordAttempt inserts a new send in Sending state. A duplicate key is a
// caller bug (IDs come from the generator); it is logged and ignored so the
// existing record is never clobbered.
func (s *Store) RecordAttempt(send Send) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sends[send.ClientMessageID]; ok {
		s.logger.Error("duplicate pending send",
			zap.String("client_message_id", send.ClientMessageID))
		return
	}

	send.Status = StatusSending
	if send.CreatedAt.IsZero() {
		send.CreatedAt = time.Now()
	}
	s.sends[send.ClientMessageID] = &entry{
		send: send,
		done: make(chan struct{}),
	}
}

// Transition moves a send to a new status. Idempotent: an absent ID or a
// repeat of the current terminal status is a no-op; a different terminal
// status overwrites. Transitioning a terminal record back to Sending
// re-arms it for a retry of the same client message ID.
func (s *Store) Transition(clientMessageID string, to Status, errorMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sends[clientMessageID]
	if !ok {
		return
	}

	from := e.send.Status
	if from == to && from.Terminal() {
		return
	}

	e.send.Status = to
	if to == StatusError {
		e.send.ErrorMessage = errorMessage
	} else {
		e.send.ErrorMessage = ""
	}

	if to == StatusSending && from.Terminal() {
		// Retry of a failed send: fresh completion signal, fallback
		// becomes claimable again.
		e.done = make(chan struct{})
		e.fallbackClaimed = false
		return
	}

	if to.Terminal() && !from.Terminal() {
		close(e.done)
	}
}

// Get returns a copy of the send for the given ID.
func (s *Store) Get(clientMessageID string) (Send, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sends[clientMessageID]
	if !ok {
		return Send{}, false
	}
	return e.send, true
}

// Remove deletes the record. Safe to call for an absent ID.
func (s *Store) Remove(clientMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sends, clientMessageID)
}

// ClaimFallback atomically claims the fallback attempt for a send. It
// returns true exactly once per attempt, so the durable path can never run
// twice concurrently for the same client message ID.
func (s *Store) ClaimFallback(clientMessageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sends[clientMessageID]
	if !ok || e.fallbackClaimed {
		return false
	}
	e.fallbackClaimed = true
	return true
}

// Await blocks until the send reaches a terminal status or ctx expires,
// whichever comes first. The reconciler wakes waiters directly; there is
// no polling. Returns the terminal status, or the last observed status
// with ctx.Err() on timeout.
func (s *Store) Await(ctx context.Context, clientMessageID string) (Status, error) {
	s.mu.Lock()
	e, ok := s.sends[clientMessageID]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	if e.send.Status.Terminal() {
		st := e.send.Status
		s.mu.Unlock()
		return st, nil
	}
	done := e.done
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		st := e.send.Status
		s.mu.Unlock()
		return st, nil
	case <-ctx.Done():
		s.mu.Lock()
		st := e.send.Status
		s.mu.Unlock()
		return st, ctx.Err()
	}
}
