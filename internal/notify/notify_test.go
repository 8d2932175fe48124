package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingPublisher struct {
	got []Envelope
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, env Envelope) error {
	r.got = append(r.got, env)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: ErrTransportFailure}
	env, err := NewEnvelope(TypeResolved, Table("T5"), ResolutionPayload{AssignmentID: "a1"}, time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	err = Fanout{a, nil, b}.Publish(context.Background(), env)
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("expected joined transport failure, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected both publishers to receive, got %d and %d", len(a.got), len(b.got))
	}
}

func TestRecipientTopic(t *testing.T) {
	if got := Staff("waiter1").Topic(); got != "staff:waiter1" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := Supervisors().Topic(); got != "supervisor:all" {
		t.Fatalf("unexpected topic %q", got)
	}
}
