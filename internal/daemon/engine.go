package daemon

import (
	"context"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/presence"
	"github.com/courier-chat/courier/internal/send"
	"github.com/courier-chat/courier/internal/status"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/transport"
	"github.com/courier-chat/courier/internal/typing"
)

// Engine is the in-process surface the client application talks to. It
// bundles the delivery pipeline, the conversation state, and the realtime
// signals behind one handle.
type Engine struct {
	sender   *send.Sender
	cache    *cache.Cache
	db       *store.DB
	typing   *typing.Controller
	presence *presence.Tracker
	machine  *status.Machine
	bus      *bus.Bus
}

// NewEngine creates the engine facade.
func NewEngine(
	sender *send.Sender,
	c *cache.Cache,
	db *store.DB,
	t *typing.Controller,
	p *presence.Tracker,
	m *status.Machine,
	b *bus.Bus,
) *Engine {
	return &Engine{
		sender:   sender,
		cache:    c,
		db:       db,
		typing:   t,
		presence: p,
		machine:  m,
		bus:      b,
	}
}

// Send delivers a message optimistically. See send.Sender.Send.
func (e *Engine) Send(ctx context.Context, input send.Input) (*transport.Message, error) {
	e.typing.StopTyping()
	return e.sender.Send(ctx, input)
}

// Retry re-attempts a failed send under its original client message ID.
func (e *Engine) Retry(ctx context.Context, conversationID, clientMessageID string, input send.Input) (*transport.Message, error) {
	return e.sender.Retry(ctx, conversationID, clientMessageID, input)
}

// Dismiss abandons a failed send.
func (e *Engine) Dismiss(conversationID, clientMessageID string) {
	e.sender.Dismiss(conversationID, clientMessageID)
}

// SetActiveConversation points the typing controller at a conversation.
// Pass "" when no conversation is open.
func (e *Engine) SetActiveConversation(ctx context.Context, conversationID string) error {
	return e.typing.SetActiveConversation(ctx, conversationID)
}

// NotifyTyping reports a local keystroke in the active conversation.
func (e *Engine) NotifyTyping() { e.typing.NotifyTyping() }

// StopTyping clears the local typing signal, if any.
func (e *Engine) StopTyping() { e.typing.StopTyping() }

// Typists returns who is currently typing in the active conversation.
func (e *Engine) Typists() []typing.Entry { return e.typing.Typists() }

// WatchPresence subscribes to a user's online status.
func (e *Engine) WatchPresence(userID string, fn presence.SubscribeFunc) (cancel func(), err error) {
	return e.presence.Subscribe(userID, fn)
}

// Conversations lists known conversations, most recent first.
func (e *Engine) Conversations(limit, offset int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit, offset)
}

// Messages returns the live view of a conversation: optimistic entries
// interleaved with confirmed ones.
func (e *Engine) Messages(conversationID string) []cache.Record {
	return e.cache.Messages(conversationID)
}

// History pages persisted messages older than beforeTs.
func (e *Engine) History(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return e.db.ListMessages(conversationID, beforeTs, limit)
}

// State reports the engine's current delivery state.
func (e *Engine) State() status.State { return e.machine.Current() }

// Subscribe returns a channel of engine events under the given namespace
// prefix ("message.", "typing.", ...) and a cancel func.
func (e *Engine) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(namespace, bufSize)
}
