package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/bus"
	"github.com/courier-chat/courier/internal/cache"
	"github.com/courier-chat/courier/internal/pending"
	"github.com/courier-chat/courier/internal/transport"
)

type fixture struct {
	pending *pending.Store
	cache   *cache.Cache
	bus     *bus.Bus
	rec     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p := pending.NewStore(logger)
	c := cache.New()
	b := bus.New()
	// nil db: persistence is covered by the store package tests.
	return &fixture{pending: p, cache: c, bus: b, rec: New(p, c, nil, b, logger)}
}

func (f *fixture) sendInFlight(clientID, convID string) {
	f.pending.RecordAttempt(pending.Send{
		ClientMessageID: clientID,
		ConversationID:  convID,
		Content:         "hi",
	})
	f.cache.Prepend(convID, cache.Record{
		Message:         transport.Message{ConversationID: convID, Content: "hi", FromMe: true},
		ClientMessageID: clientID,
		IsOptimistic:    true,
		Status:          pending.StatusSending,
	})
}

func TestDeliveredAckWithPayload(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	f.rec.HandleAck(&transport.Ack{
		ClientMessageID: "c1",
		Status:          transport.AckDelivered,
		ConversationID:  "conv",
		Message: &transport.Message{
			ID:              "srv-1",
			ClientMessageID: "c1",
			ConversationID:  "conv",
			Content:         "hi",
			FromMe:          true,
			Timestamp:       time.Now().UnixMilli(),
		},
	})

	if _, ok := f.pending.Get("c1"); ok {
		t.Error("pending record not removed after Delivered ack")
	}
	msgs := f.cache.Messages("conv")
	if len(msgs) != 1 {
		t.Fatalf("got %d cache records, want 1", len(msgs))
	}
	if msgs[0].IsOptimistic {
		t.Error("record still optimistic after Delivered ack")
	}
	if msgs[0].Message.ID != "srv-1" {
		t.Errorf("message id = %q, want srv-1", msgs[0].Message.ID)
	}
}

func TestDeliveredAckWithoutPayload(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	f.rec.HandleAck(&transport.Ack{ClientMessageID: "c1", Status: transport.AckDelivered})

	if _, ok := f.pending.Get("c1"); ok {
		t.Error("pending record not removed")
	}
	rec, ok := f.cache.Get("conv", "c1")
	if !ok {
		t.Fatal("cache record gone")
	}
	if rec.Status != pending.StatusSent {
		t.Errorf("status = %q, want sent", rec.Status)
	}

	// The authoritative record then arrives via the incoming-message path.
	if err := f.rec.IngestMessage(&transport.Message{
		ID: "srv-1", ClientMessageID: "c1", ConversationID: "conv", Content: "hi", FromMe: true,
	}); err != nil {
		t.Fatal(err)
	}
	msgs := f.cache.Messages("conv")
	if len(msgs) != 1 {
		t.Fatalf("got %d records, want 1 (echo must replace, not duplicate)", len(msgs))
	}
	if msgs[0].IsOptimistic {
		t.Error("record still optimistic after echo")
	}
}

func TestDuplicateAckTreatedAsSuccess(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	f.rec.HandleAck(&transport.Ack{ClientMessageID: "c1", Status: transport.AckDuplicate})

	if _, ok := f.pending.Get("c1"); ok {
		t.Error("pending record not removed after Duplicate ack")
	}
}

func TestErrorAckKeepsPendingRecord(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	failed, unsub := f.bus.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	f.rec.HandleAck(&transport.Ack{
		ClientMessageID: "c1",
		Status:          transport.AckBlocked,
		ErrorMessage:    "recipient blocked you",
	})

	send, ok := f.pending.Get("c1")
	if !ok {
		t.Fatal("pending record removed; must stay until UI retries/dismisses")
	}
	if send.Status != pending.StatusError {
		t.Errorf("status = %q, want error", send.Status)
	}
	if send.ErrorMessage != "recipient blocked you" {
		t.Errorf("error message = %q", send.ErrorMessage)
	}

	rec, _ := f.cache.Get("conv", "c1")
	if rec.Status != pending.StatusError {
		t.Errorf("cache status = %q, want error (failed send stays visible)", rec.Status)
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no message.send_failed event")
	}
}

func TestAckForUnknownIDIgnored(t *testing.T) {
	f := newFixture(t)
	// Must not panic or create state.
	f.rec.HandleAck(&transport.Ack{ClientMessageID: "ghost", Status: transport.AckDelivered})
	f.rec.HandleAck(&transport.Ack{ClientMessageID: "ghost", Status: transport.AckError})
}

func TestHandleAckWakesAwaiter(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	done := make(chan pending.Status, 1)
	go func() {
		st, _ := f.pending.Await(context.Background(), "c1")
		done <- st
	}()

	time.Sleep(20 * time.Millisecond)
	f.rec.HandleAck(&transport.Ack{ClientMessageID: "c1", Status: transport.AckDelivered})

	select {
	case st := <-done:
		if st != pending.StatusSent {
			t.Errorf("awaited status = %q, want sent", st)
		}
	case <-time.After(time.Second):
		t.Fatal("awaiter not woken by ack")
	}
}

func TestStartConsumesBusEvents(t *testing.T) {
	f := newFixture(t)
	f.sendInFlight("c1", "conv")

	f.rec.Start(context.Background())
	defer f.rec.Stop()

	acked, unsub := f.bus.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	f.bus.Emit(bus.KindPushAck, &transport.Ack{ClientMessageID: "c1", Status: transport.AckDelivered})

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not process bus ack")
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("日本語", 50) // 150 runes, 450 bytes

	got := truncate(long, 100)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 100 {
		t.Errorf("got %d runes, want 100", n)
	}
	if !strings.HasPrefix(long, got) {
		t.Error("truncated preview is not a prefix of the original")
	}

	short := "héllo"
	if got := truncate(short, 100); got != short {
		t.Errorf("got %q, want short string unchanged", got)
	}
}
