// Package reconcile consumes delivery confirmations from the push channel
// and settles the corresponding pending sends. It subscribes to "push."
// events on the bus; the transports never call it directly.
package reconcile

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/internal/transport"
)

// Reconciler advances pending sends from ack events and ingests incoming
// messages into the store and cache.
type Reconciler struct {
	pending *pending.Store
	cache   *cache.Cache
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates a reconciler.
func New(p *pending.Store, c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		pending: p,
		cache:   c,
		db:      db,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to push events on the bus.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPushAck:
		ack, ok := evt.Payload.(*transport.Ack)
		if !ok {
			return
		}
		r.HandleAck(ack)
	case bus.KindPushMessage:
		msg, ok := evt.Payload.(*transport.Message)
		if !ok {
			return
		}
		if err := r.IngestMessage(msg); err != nil {
			r.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindPushReceipt:
		// Receipt watches live in the push client; nothing to settle yet.
	}
}

// HandleAck settles a pending send according to the ack status. Acks for
// unknown client message IDs are silently ignored: both transports may
// independently confirm the same message during a fallback race, and the
// second confirmation arrives after the record is gone.
func (r *Reconciler) HandleAck(ack *transport.Ack) {
	send, ok := r.pending.Get(ack.ClientMessageID)
	if !ok {
		return
	}

	if ack.Status.Delivered() {
		r.resolveDelivered(send, ack)
		return
	}

	// Error or Blocked: surface to the user, keep the record until the UI
	// retries or dismisses it.
	msg := ack.ErrorMessage
	if msg == "" {
		msg = "delivery rejected: " + string(ack.Status)
	}
	r.pending.Transition(send.ClientMessageID, pending.StatusError, msg)
	r.cache.SetStatusByKey(send.ConversationID, send.ClientMessageID, pending.StatusError)
	r.logger.Warn("send rejected",
		zap.String("client_message_id", send.ClientMessageID),
		zap.String("status", string(ack.Status)),
		zap.String("error", msg))
	r.bus.Emit(bus.KindMessageSendFailed, map[string]string{
		"client_message_id": send.ClientMessageID,
		"conversation_id":   send.ConversationID,
		"error":             msg,
	})
}

func (r *Reconciler) resolveDelivered(send pending.Send, ack *transport.Ack) {
	r.pending.Transition(send.ClientMessageID, pending.StatusSent, "")

	if ack.Message != nil {
		// The ack carries the authoritative record: replace the
		// optimistic entry in place and persist.
		if err := r.IngestMessage(ack.Message); err != nil {
			r.logger.Error("failed to persist acked message", zap.Error(err),
				zap.String("client_message_id", send.ClientMessageID))
		}
	} else {
		// The authoritative record arrives via the incoming-message
		// path; until then the entry just stops rendering as sending.
		r.cache.SetStatusByKey(send.ConversationID, send.ClientMessageID, pending.StatusSent)
	}

	r.pending.Remove(send.ClientMessageID)
	r.logger.Info("send confirmed",
		zap.String("client_message_id", send.ClientMessageID),
		zap.String("status", string(ack.Status)))
	r.bus.Emit(bus.KindMessageSendAck, map[string]string{
		"client_message_id": send.ClientMessageID,
		"conversation_id":   send.ConversationID,
	})
}

// IngestMessage processes an authoritative message into the store and the
// cache (idempotent). It serves both incoming peer messages and own-message
// records carried by acks or fallback responses.
func (r *Reconciler) IngestMessage(msg *transport.Message) error {
	if r.db != nil {
		if err := ingest(r.db, msg); err != nil {
			return err
		}
	}
	r.cache.Upsert(msg.ConversationID, *msg)
	r.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id": msg.ConversationID,
		"msg_id":          msg.ID,
	})
	return nil
}

// ingest persists a message and updates the conversation row.
func ingest(db *store.DB, msg *transport.Message) error {
	if err := db.UpsertConversation(&store.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: truncate(msg.Content, 100),
	}); err != nil {
		return err
	}
	return db.UpsertMessage(&store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		ClientMsgID:    msg.ClientMessageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Body:           msg.Content,
		ReplyToID:      msg.ReplyToID,
		FromMe:         msg.FromMe,
		Status:         string(pending.StatusSent),
		Timestamp:      msg.Timestamp,
	})
}

// truncate caps the preview at maxLen runes without splitting a
// multi-byte character.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}
