package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"cafe/dispatch-service/internal/geo"
)

const (
	ActionAccept        = "accept"
	ActionPass          = "pass"
	ActionLocation      = "location"
	ActionLocationError = "location_error"
)

var ErrInvalidMessage = errors.New("invalid realtime message")

// Message is an inbound frame from a staff device or a client session.
type Message struct {
	Action         string          `json:"action"`
	RequestID      string          `json:"request_id,omitempty"`
	AssignmentID   string          `json:"assignment_id,omitempty"`
	OfferIndex     *int            `json:"offer_index,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Coordinate     *geo.Coordinate `json:"coordinate,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	AccuracyMeters *float64        `json:"accuracy_meters,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Reply answers one inbound message.
type Reply struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

const (
	replyAck      = "ack"
	replyRejected = "rejected"
)

func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, ErrInvalidMessage
	}
	msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
	msg.AssignmentID = strings.TrimSpace(msg.AssignmentID)

	switch msg.Action {
	case ActionAccept, ActionPass:
		if msg.AssignmentID == "" {
			return Message{}, ErrInvalidMessage
		}
	case ActionLocation:
		if msg.Coordinate == nil {
			return Message{}, ErrInvalidMessage
		}
	case ActionLocationError:
	default:
		return Message{}, ErrInvalidMessage
	}
	return msg, nil
}

func (m Message) offerIndex(fallback int) int {
	if m.OfferIndex == nil {
		return fallback
	}
	return *m.OfferIndex
}

func (m Message) sampledAt(now time.Time) time.Time {
	if m.Timestamp == nil || m.Timestamp.IsZero() {
		return now
	}
	return m.Timestamp.UTC()
}
