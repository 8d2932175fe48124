package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cafe/dispatch-service/internal/notify"
)

func TestPublishRoutesByTopic(t *testing.T) {
	h := New(nil)
	waiter := NewClient("c1", 4)
	guest := NewClient("c2", 4)
	h.Register(waiter)
	h.Register(guest)
	h.Subscribe(waiter, notify.Staff("waiter1"))
	h.Subscribe(guest, notify.Client("session-9"))

	env, err := notify.NewEnvelope(notify.TypeOffer, notify.Staff("waiter1"), map[string]string{"assignment_id": "a1"}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := h.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case raw := <-waiter.Send:
		var got notify.Envelope
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != notify.TypeOffer || got.Recipient.ID != "waiter1" {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	default:
		t.Fatalf("expected message for waiter")
	}
	select {
	case raw := <-guest.Send:
		t.Fatalf("guest must not receive staff offer: %s", raw)
	default:
	}
}

func TestPublishReportsSaturation(t *testing.T) {
	h := New(nil)
	c := NewClient("c1", 1)
	h.Register(c)
	h.Subscribe(c, notify.Staff("w"))
	env, _ := notify.NewEnvelope(notify.TypeOffer, notify.Staff("w"), struct{}{}, time.Now())

	if err := h.Publish(context.Background(), env); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := h.Publish(context.Background(), env)
	if !errors.Is(err, notify.ErrTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestPublishWithoutSubscribersIsNotAnError(t *testing.T) {
	h := New(nil)
	env, _ := notify.NewEnvelope(notify.TypeOffer, notify.Staff("nobody"), struct{}{}, time.Now())
	if err := h.Publish(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnregisterClosesSendOnce(t *testing.T) {
	h := New(nil)
	c := NewClient("c1", 1)
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)
	if _, ok := <-c.Send; ok {
		t.Fatalf("expected closed channel")
	}
}
