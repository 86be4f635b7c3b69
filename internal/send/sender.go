// Package send orchestrates outbound message delivery: optimistic cache
// insert, transport selection between the push channel and the durable
// HTTP fallback, and the bounded wait for acknowledgment.
package send

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/clientid"
	"github.com/courier-chat/courier/internal/fallback"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/transport"
)

// PushTransport is the interface for the low-latency push channel.
type PushTransport interface {
	IsConnected() bool
	SendMessage(ctx context.Context, send transport.MessageSend) error
	WatchReceipt(clientMessageID string) (<-chan struct{}, func())
}

// FallbackTransport is the interface for the durable request/response path.
type FallbackTransport interface {
	SendMessage(ctx context.Context, conversationID string, req fallback.SendRequest) (*transport.Message, error)
}

// Ingestor reconciles an authoritative message into the cache and store.
type Ingestor interface {
	IngestMessage(msg *transport.Message) error
}

// Input is a send request from the UI.
type Input struct {
	ConversationID string
	RecipientID    string
	Content        string
	ReplyToID      string
}

// DeliveryError is returned when a send has no remaining recovery path.
// The optimistic record stays in the cache with Error status so the UI can
// offer retry or dismiss.
type DeliveryError struct {
	ClientMessageID string
	Reason          string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %s: %s", e.ClientMessageID, e.Reason)
}

// Sender is the engine's outbound surface.
type Sender struct {
	gen        *clientid.Generator
	pending    *pending.Store
	cache      *cache.Cache
	ingest     Ingestor
	push       PushTransport
	fallback   FallbackTransport
	bus        *bus.Bus
	logger     *zap.Logger
	self       identity.Identity
	ackTimeout time.Duration
}

// NewSender creates a sender.
func NewSender(
	gen *clientid.Generator,
	p *pending.Store,
	c *cache.Cache,
	ingest Ingestor,
	pushT PushTransport,
	fallbackT FallbackTransport,
	b *bus.Bus,
	self identity.Identity,
	ackTimeout time.Duration,
	logger *zap.Logger,
) *Sender {
	return &Sender{
		gen:        gen,
		pending:    p,
		cache:      c,
		ingest:     ingest,
		push:       pushT,
		fallback:   fallbackT,
		bus:        b,
		self:       self,
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// Send delivers a message, showing it optimistically before the server
// confirms. It returns the authoritative record on success, or the error
// once both transports are exhausted.
func (s *Sender) Send(ctx context.Context, input Input) (*transport.Message, error) {
	id := s.gen.Generate()

	s.pending.RecordAttempt(pending.Send{
		ClientMessageID: id,
		ConversationID:  input.ConversationID,
		RecipientID:     input.RecipientID,
		Content:         input.Content,
		ReplyToID:       input.ReplyToID,
	})
	s.cache.Prepend(input.ConversationID, s.optimisticRecord(id, input))
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id":   input.ConversationID,
		"client_message_id": id,
	})

	return s.deliver(ctx, id, input)
}

// Retry re-attempts a failed send. It reuses the original client message
// ID so the server-side dedup still holds, and the existing cache entry
// flips back to sending instead of duplicating.
func (s *Sender) Retry(ctx context.Context, conversationID, clientMessageID string, input Input) (*transport.Message, error) {
	if _, ok := s.pending.Get(clientMessageID); ok {
		s.pending.Transition(clientMessageID, pending.StatusSending, "")
	} else {
		s.pending.RecordAttempt(pending.Send{
			ClientMessageID: clientMessageID,
			ConversationID:  conversationID,
			RecipientID:     input.RecipientID,
			Content:         input.Content,
			ReplyToID:       input.ReplyToID,
		})
	}

	if _, ok := s.cache.Get(conversationID, clientMessageID); ok {
		s.cache.SetStatusByKey(conversationID, clientMessageID, pending.StatusSending)
	} else {
		s.cache.Prepend(conversationID, s.optimisticRecord(clientMessageID, input))
	}
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id":   conversationID,
		"client_message_id": clientMessageID,
	})

	return s.deliver(ctx, clientMessageID, input)
}

// Dismiss abandons a failed send without contacting the server: the
// pending record and the optimistic entry are both removed.
func (s *Sender) Dismiss(conversationID, clientMessageID string) {
	s.pending.Remove(clientMessageID)
	s.cache.RemoveByKey(conversationID, clientMessageID)
	s.bus.Emit(bus.KindMessageUpserted, map[string]string{
		"conversation_id":   conversationID,
		"client_message_id": clientMessageID,
	})
}

func (s *Sender) optimisticRecord(id string, input Input) cache.Record {
	return cache.Record{
		Message: transport.Message{
			ClientMessageID: id,
			ConversationID:  input.ConversationID,
			SenderID:        s.self.UserID,
			SenderName:      s.self.DisplayName,
			Content:         input.Content,
			ReplyToID:       input.ReplyToID,
			Timestamp:       time.Now().UnixMilli(),
			FromMe:          true,
		},
		ClientMessageID: id,
		IsOptimistic:    true,
		Status:          pending.StatusSending,
	}
}

// deliver tries the push channel first, then the durable fallback.
func (s *Sender) deliver(ctx context.Context, id string, input Input) (*transport.Message, error) {
	if s.push.IsConnected() {
		receipt, cancelWatch := s.push.WatchReceipt(id)
		defer cancelWatch()

		err := s.push.SendMessage(ctx, transport.MessageSend{
			ClientMessageID: id,
			ConversationID:  input.ConversationID,
			RecipientID:     input.RecipientID,
			Content:         input.Content,
			ReplyToID:       input.ReplyToID,
		})
		if err == nil {
			if st, resolved := s.awaitAck(ctx, id, receipt); resolved {
				return s.outcome(id, input.ConversationID, st)
			}
			s.logger.Warn("ack timeout, falling back",
				zap.String("client_message_id", id))
		} else {
			s.logger.Warn("push send failed, falling back",
				zap.Error(err), zap.String("client_message_id", id))
		}
	}

	return s.sendFallback(ctx, id, input)
}

// awaitAck waits up to the ack timeout for the reconciler to settle the
// send. A receipt arriving inside the window buys one more full window:
// the server has the message and the ack is en route. The timer keeps
// running even if the channel disconnects mid-wait.
func (s *Sender) awaitAck(ctx context.Context, id string, receipt <-chan struct{}) (pending.Status, bool) {
	wait := func() (pending.Status, error) {
		actx, cancel := context.WithTimeout(ctx, s.ackTimeout)
		defer cancel()
		return s.pending.Await(actx, id)
	}

	st, err := wait()
	if err == nil {
		return st, true
	}

	select {
	case <-receipt:
		if st, err := wait(); err == nil {
			return st, true
		}
	default:
	}
	return "", false
}

func (s *Sender) sendFallback(ctx context.Context, id string, input Input) (*transport.Message, error) {
	if !s.pending.ClaimFallback(id) {
		// Another path already owns the fallback for this attempt; wait
		// for it to settle instead of sending twice.
		st, err := s.pending.Await(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.outcome(id, input.ConversationID, st)
	}

	msg, err := s.fallback.SendMessage(ctx, input.ConversationID, fallback.SendRequest{
		ClientMessageID: id,
		Content:         input.Content,
		ReplyToID:       input.ReplyToID,
	})
	if err != nil {
		s.pending.Transition(id, pending.StatusError, err.Error())
		s.cache.SetStatusByKey(input.ConversationID, id, pending.StatusError)
		s.logger.Error("fallback send failed",
			zap.Error(err), zap.String("client_message_id", id))
		s.bus.Emit(bus.KindMessageSendFailed, map[string]string{
			"client_message_id": id,
			"conversation_id":   input.ConversationID,
			"error":             err.Error(),
		})
		return nil, &DeliveryError{ClientMessageID: id, Reason: err.Error()}
	}

	s.pending.Transition(id, pending.StatusSent, "")
	if err := s.ingest.IngestMessage(msg); err != nil {
		s.logger.Error("failed to ingest fallback response",
			zap.Error(err), zap.String("client_message_id", id))
	}
	s.pending.Remove(id)
	s.logger.Info("message sent via fallback",
		zap.String("client_message_id", id), zap.String("server_msg_id", msg.ID))
	s.bus.Emit(bus.KindMessageSendAck, map[string]string{
		"client_message_id": id,
		"conversation_id":   input.ConversationID,
	})
	return msg, nil
}

// outcome maps a terminal pending status to the caller-visible result.
func (s *Sender) outcome(id, conversationID string, st pending.Status) (*transport.Message, error) {
	switch st {
	case pending.StatusSent:
		if rec, ok := s.cache.Get(conversationID, id); ok {
			msg := rec.Message
			return &msg, nil
		}
		// Cache entry already superseded; the send still succeeded.
		return &transport.Message{ClientMessageID: id, ConversationID: conversationID, FromMe: true}, nil
	case pending.StatusError:
		reason := "delivery rejected"
		if send, ok := s.pending.Get(id); ok && send.ErrorMessage != "" {
			reason = send.ErrorMessage
		}
		return nil, &DeliveryError{ClientMessageID: id, Reason: reason}
	default:
		return nil, &DeliveryError{ClientMessageID: id, Reason: "unresolved status " + string(st)}
	}
}
