// Package notify defines the push side of the notification channel: typed
// envelopes addressed to a staff member, a client session, a table or the
// supervisor desk.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrTransportFailure = errors.New("notification transport failure")

const (
	KindStaff      = "staff"
	KindClient     = "client"
	KindTable      = "table"
	KindSupervisor = "supervisor"
)

const (
	TypeOffer          = "dispatch.offer"
	TypeOfferWithdrawn = "dispatch.offer_withdrawn"
	TypeResolved       = "dispatch.resolved"
	TypeCancelled      = "dispatch.cancelled"
	TypeExhausted      = "dispatch.exhausted"
	TypeSessionWarning = "session.warning"
	TypeSessionRestore = "session.restored"
	TypeSessionEnded   = "session.terminated"
)

type Recipient struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func Staff(id string) Recipient  { return Recipient{Kind: KindStaff, ID: id} }
func Client(id string) Recipient { return Recipient{Kind: KindClient, ID: id} }
func Table(id string) Recipient  { return Recipient{Kind: KindTable, ID: id} }

// Supervisors addresses every supervisor console.
func Supervisors() Recipient { return Recipient{Kind: KindSupervisor, ID: "all"} }

// Topic is the stable channel name for a recipient.
func (r Recipient) Topic() string {
	return r.Kind + ":" + r.ID
}

type Envelope struct {
	Type      string          `json:"type"`
	Recipient Recipient       `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope marshals payload into an envelope for the recipient.
func NewEnvelope(msgType string, to Recipient, payload interface{}, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Recipient: to, Payload: raw, CreatedAt: at}, nil
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OfferPayload is pushed to the staff member currently holding an offer.
type OfferPayload struct {
	AssignmentID   string    `json:"assignment_id"`
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	TableID        string    `json:"table_id"`
	Priority       string    `json:"priority"`
	OfferIndex     int       `json:"offer_index"`
	Rank           int       `json:"rank"`
	DistanceMeters *float64  `json:"distance_meters,omitempty"`
	Deadline       time.Time `json:"deadline"`
}

// ResolutionPayload describes how an assignment ended or why an offer was
// withdrawn.
type ResolutionPayload struct {
	AssignmentID string `json:"assignment_id"`
	EventID      string `json:"event_id"`
	TableID      string `json:"table_id"`
	Status       string `json:"status"`
	AcceptedBy   string `json:"accepted_by,omitempty"`
	OfferIndex   int    `json:"offer_index"`
	Reason       string `json:"reason,omitempty"`
}

type SessionPayload struct {
	SessionID      string   `json:"session_id"`
	ZoneID         string   `json:"zone_id,omitempty"`
	ZoneName       string   `json:"zone_name,omitempty"`
	Membership     string   `json:"membership"`
	Message        string   `json:"message,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	GraceSeconds   int      `json:"grace_seconds,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}
