package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/clientid"
	"github.com/courier-chat/courier/internal/fallback"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/reconcile"
	"github.com/courier-chat/courier/internal/transport"
)

// mockPush records push sends and lets tests fire receipts.
type mockPush struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sends     []transport.MessageSend
	watches   map[string]chan struct{}
	onSend    func(send transport.MessageSend)
}

func newMockPush(connected bool) *mockPush {
	return &mockPush{connected: connected, watches: make(map[string]chan struct{})}
}

func (m *mockPush) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPush) SendMessage(_ context.Context, send transport.MessageSend) error {
	m.mu.Lock()
	m.sends = append(m.sends, send)
	onSend := m.onSend
	err := m.sendErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		go onSend(send)
	}
	return nil
}

func (m *mockPush) WatchReceipt(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.watches[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.watches, id)
		m.mu.Unlock()
	}
}

func (m *mockPush) fireReceipt(id string) {
	m.mu.Lock()
	ch, ok := m.watches[id]
	if ok {
		delete(m.watches, id)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *mockPush) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

// mockFallback records durable sends.
type mockFallback struct {
	mu    sync.Mutex
	calls []fallback.SendRequest
	err   error
}

func (m *mockFallback) SendMessage(_ context.Context, conversationID string, req fallback.SendRequest) (*transport.Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &transport.Message{
		ID:              "srv-" + req.ClientMessageID,
		ClientMessageID: req.ClientMessageID,
		ConversationID:  conversationID,
		Content:         req.Content,
		FromMe:          true,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

func (m *mockFallback) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type harness struct {
	pending  *pending.Store
	cache    *cache.Cache
	bus      *bus.Bus
	rec      *reconcile.Reconciler
	push     *mockPush
	fallback *mockFallback
	sender   *Sender
}

func newHarness(t *testing.T, pushConnected bool) *harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p := pending.NewStore(logger)
	c := cache.New()
	b := bus.New()
	rec := reconcile.New(p, c, nil, b, logger)
	mp := newMockPush(pushConnected)
	mf := &mockFallback{}
	self := identity.Identity{UserID: "me", DisplayName: "Me"}
	sender := NewSender(clientid.NewGenerator(), p, c, rec, mp, mf, b, self, 100*time.Millisecond, logger)
	return &harness{pending: p, cache: c, bus: b, rec: rec, push: mp, fallback: mf, sender: sender}
}

func ackFor(send transport.MessageSend, status transport.AckStatus) *transport.Ack {
	return &transport.Ack{
		ClientMessageID: send.ClientMessageID,
		Status:          status,
		ConversationID:  send.ConversationID,
		Message: &transport.Message{
			ID:              "srv-" + send.ClientMessageID,
			ClientMessageID: send.ClientMessageID,
			ConversationID:  send.ConversationID,
			Content:         send.Content,
			FromMe:          true,
			Timestamp:       time.Now().UnixMilli(),
		},
	}
}

func TestSendPushAckedWithinWindow(t *testing.T) {
	h := newHarness(t, true)
	h.push.onSend = func(send transport.MessageSend) {
		time.Sleep(20 * time.Millisecond)
		h.push.fireReceipt(send.ClientMessageID)
		h.rec.HandleAck(ackFor(send, transport.AckDelivered))
	}

	msg, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ID == "" {
		t.Error("no authoritative id in result")
	}
	if h.fallback.callCount() != 0 {
		t.Errorf("fallback calls = %d, want 0", h.fallback.callCount())
	}
	if h.push.sendCount() != 1 {
		t.Errorf("push sends = %d, want 1", h.push.sendCount())
	}

	msgs := h.cache.Messages("conv")
	if len(msgs) != 1 {
		t.Fatalf("cache records = %d, want 1", len(msgs))
	}
	if msgs[0].IsOptimistic {
		t.Error("record still optimistic after ack")
	}
	if _, ok := h.pending.Get(msg.ClientMessageID); ok {
		t.Error("pending record not removed after success")
	}
}

func TestSendPushDisconnectedUsesFallbackOnly(t *testing.T) {
	h := newHarness(t, false)

	msg, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.push.sendCount() != 0 {
		t.Errorf("push sends = %d, want 0", h.push.sendCount())
	}
	if h.fallback.callCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", h.fallback.callCount())
	}

	msgs := h.cache.Messages("conv")
	if len(msgs) != 1 || msgs[0].IsOptimistic {
		t.Fatalf("cache = %+v, want one resolved record", msgs)
	}
	if msgs[0].Message.ID != msg.ID {
		t.Errorf("cache id = %q, want %q", msgs[0].Message.ID, msg.ID)
	}
	if _, ok := h.pending.Get(msg.ClientMessageID); ok {
		t.Error("pending record not removed")
	}
}

func TestSendAckTimeoutTriggersFallbackOnce(t *testing.T) {
	h := newHarness(t, true)
	// Push accepts the send but no ack ever arrives.

	msg, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.push.sendCount() != 1 {
		t.Errorf("push sends = %d, want 1", h.push.sendCount())
	}
	if h.fallback.callCount() != 1 {
		t.Errorf("fallback calls = %d, want exactly 1", h.fallback.callCount())
	}

	// A late push ack for the same client message ID must be a no-op.
	h.rec.HandleAck(&transport.Ack{ClientMessageID: msg.ClientMessageID, Status: transport.AckDelivered})

	msgs := h.cache.Messages("conv")
	if len(msgs) != 1 {
		t.Fatalf("cache records = %d, want 1 after late ack", len(msgs))
	}
	if msgs[0].Message.ID != msg.ID {
		t.Errorf("cache id = %q, want %q (late ack must not clobber)", msgs[0].Message.ID, msg.ID)
	}
}

func TestSendPushWriteErrorFallsBack(t *testing.T) {
	h := newHarness(t, true)
	h.push.sendErr = errors.New("connection reset")

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.fallback.callCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", h.fallback.callCount())
	}
}

func TestSendReceiptExtendsAckWindow(t *testing.T) {
	h := newHarness(t, true)
	h.push.onSend = func(send transport.MessageSend) {
		// Receipt inside the first window, ack inside the second.
		time.Sleep(50 * time.Millisecond)
		h.push.fireReceipt(send.ClientMessageID)
		time.Sleep(120 * time.Millisecond)
		h.rec.HandleAck(ackFor(send, transport.AckDelivered))
	}

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.fallback.callCount() != 0 {
		t.Errorf("fallback calls = %d, want 0 (receipt must extend the wait)", h.fallback.callCount())
	}
}

func TestSendRejectedByServer(t *testing.T) {
	h := newHarness(t, true)
	h.push.onSend = func(send transport.MessageSend) {
		h.rec.HandleAck(&transport.Ack{
			ClientMessageID: send.ClientMessageID,
			Status:          transport.AckBlocked,
			ErrorMessage:    "recipient blocked you",
		})
	}

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if h.fallback.callCount() != 0 {
		t.Errorf("fallback calls = %d, want 0 (explicit rejection must not retry)", h.fallback.callCount())
	}

	// Failed send stays visible with error status.
	rec, ok := h.cache.Get("conv", derr.ClientMessageID)
	if !ok {
		t.Fatal("failed record removed from cache")
	}
	if rec.Status != pending.StatusError {
		t.Errorf("cache status = %q, want error", rec.Status)
	}
	if _, ok := h.pending.Get(derr.ClientMessageID); !ok {
		t.Error("pending record removed before UI observed the error")
	}
}

func TestSendFallbackFailureSurfacesError(t *testing.T) {
	h := newHarness(t, false)
	h.fallback.err = fmt.Errorf("503 service unavailable")

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}

	rec, ok := h.cache.Get("conv", derr.ClientMessageID)
	if !ok {
		t.Fatal("failed record must remain in the cache")
	}
	if rec.Status != pending.StatusError || !rec.IsOptimistic {
		t.Errorf("record = %+v, want optimistic with error status", rec)
	}
}

func TestRetryReusesClientMessageID(t *testing.T) {
	h := newHarness(t, false)
	h.fallback.err = fmt.Errorf("network down")

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	id := derr.ClientMessageID

	// Network recovers; retry the same logical message.
	h.fallback.mu.Lock()
	h.fallback.err = nil
	h.fallback.mu.Unlock()

	msg, err := h.sender.Retry(context.Background(), "conv", id, Input{ConversationID: "conv", Content: "hi"})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if msg.ClientMessageID != id {
		t.Errorf("retry client id = %q, want %q (idempotency key must not change)", msg.ClientMessageID, id)
	}

	h.fallback.mu.Lock()
	defer h.fallback.mu.Unlock()
	for _, call := range h.fallback.calls {
		if call.ClientMessageID != id {
			t.Errorf("fallback call used id %q, want %q", call.ClientMessageID, id)
		}
	}

	msgs := h.cache.Messages("conv")
	if len(msgs) != 1 {
		t.Fatalf("cache records = %d, want 1 (retry must not duplicate)", len(msgs))
	}
}

func TestDismissRemovesRecord(t *testing.T) {
	h := newHarness(t, false)
	h.fallback.err = fmt.Errorf("network down")

	_, err := h.sender.Send(context.Background(), Input{ConversationID: "conv", Content: "hi"})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}

	h.sender.Dismiss("conv", derr.ClientMessageID)

	if _, ok := h.pending.Get(derr.ClientMessageID); ok {
		t.Error("pending record still present after Dismiss")
	}
	if len(h.cache.Messages("conv")) != 0 {
		t.Error("cache record still present after Dismiss")
	}
	if h.cache.Count("conv") != 0 {
		t.Errorf("count = %d, want 0", h.cache.Count("conv"))
	}
}

func TestConcurrentSendsResolveIndependently(t *testing.T) {
	h := newHarness(t, true)
	h.push.onSend = func(send transport.MessageSend) {
		time.Sleep(10 * time.Millisecond)
		h.rec.HandleAck(ackFor(send, transport.AckDelivered))
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.sender.Send(context.Background(), Input{
				ConversationID: "conv",
				Content:        fmt.Sprintf("msg-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("send %d error = %v", i, err)
		}
	}
	msgs := h.cache.Messages("conv")
	if len(msgs) != n {
		t.Fatalf("cache records = %d, want %d", len(msgs), n)
	}
	for _, rec := range msgs {
		if rec.IsOptimistic {
			t.Errorf("record %s still optimistic", rec.ClientMessageID)
		}
	}
	if got := h.cache.Count("conv"); got != n {
		t.Errorf("count = %d, want %d", got, n)
	}
}
