package models

import (
	"time"

	"cafe/dispatch-service/internal/geo"
)

const (
	EventKindArrival    = "arrival"
	EventKindAssistance = "assistance"
	EventKindOrderReady = "order_ready"
)

const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

const (
	AssignmentCreated    = "created"
	AssignmentOffering   = "offering"
	AssignmentEscalating = "escalating"
	AssignmentAccepted   = "accepted"
	AssignmentExhausted  = "exhausted"
	AssignmentCancelled  = "cancelled"
)

const (
	PassReasonTimeout      = "timeout"
	PassReasonDisconnected = "disconnected"
	PassReasonDeclined     = "declined"
)

type ServiceEvent struct {
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	TableID   string          `json:"table_id"`
	Origin    *geo.Coordinate `json:"origin,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Priority  string          `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Cancelled bool            `json:"cancelled"`
}

type Candidate struct {
	StaffID        string   `json:"staff_id"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	Rank           int      `json:"rank"`
}

type Pass struct {
	StaffID string    `json:"staff_id"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

type Assignment struct {
	AssignmentID    string       `json:"assignment_id"`
	EventID         string       `json:"event_id"`
	Event           ServiceEvent `json:"event"`
	Candidates      []Candidate  `json:"candidates"`
	OfferIndex      int          `json:"offer_index"`
	OffereeID       string       `json:"offeree_id,omitempty"`
	Status          string       `json:"status"`
	Deadline        *time.Time   `json:"deadline,omitempty"`
	AcceptedBy      string       `json:"accepted_by,omitempty"`
	EscalationCount int          `json:"escalation_count"`
	Passes          []Pass       `json:"passes"`
	NonResponsive   []string     `json:"non_responsive,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	ServedAt        *time.Time   `json:"served_at,omitempty"`
}

// Terminal reports whether no further offers can be issued.
func (a Assignment) Terminal() bool {
	switch a.Status {
	case AssignmentAccepted, AssignmentExhausted, AssignmentCancelled:
		return true
	default:
		return false
	}
}

// Clone returns a copy that shares no slices with a.
func (a Assignment) Clone() Assignment {
	out := a
	out.Candidates = append([]Candidate(nil), a.Candidates...)
	out.Passes = append([]Pass(nil), a.Passes...)
	out.NonResponsive = append([]string(nil), a.NonResponsive...)
	if a.Event.Origin != nil {
		origin := *a.Event.Origin
		out.Event.Origin = &origin
	}
	return out
}

// OfferedStaff returns the staff ids that have received an offer so far, in
// offer order.
func (a Assignment) OfferedStaff() []string {
	if a.Status == AssignmentCreated {
		return nil
	}
	last := a.OfferIndex
	if last >= len(a.Candidates) {
		last = len(a.Candidates) - 1
	}
	ids := make([]string, 0, last+1)
	for i := 0; i <= last; i++ {
		ids = append(ids, a.Candidates[i].StaffID)
	}
	return ids
}

// Escalation asks a supervisor to handle an event no staff member took.
type Escalation struct {
	AssignmentID string    `json:"assignment_id"`
	EventID      string    `json:"event_id"`
	Kind         string    `json:"kind"`
	TableID      string    `json:"table_id"`
	Priority     string    `json:"priority"`
	Reason       string    `json:"reason"`
	Passes       []Pass    `json:"passes"`
	RaisedAt     time.Time `json:"raised_at"`
}
