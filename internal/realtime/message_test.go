package realtime

import (
	"errors"
	"testing"
)

func TestParseMessage(t *testing.T) {
	cases := []struct {
		raw   string
		valid bool
	}{
		{`{"action":"accept","assignment_id":"a1"}`, true},
		{`{"action":" PASS ","assignment_id":"a1","reason":"busy"}`, true},
		{`{"action":"location","coordinate":{"lat":1,"lon":2}}`, true},
		{`{"action":"location_error","error":"denied"}`, true},
		{`{"action":"accept"}`, false},
		{`{"action":"location"}`, false},
		{`{"action":"subscribe"}`, false},
		{`[]`, false},
	}
	for _, tc := range cases {
		_, err := ParseMessage([]byte(tc.raw))
		if tc.valid && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.raw, err)
		}
		if !tc.valid && !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("%s: expected ErrInvalidMessage, got %v", tc.raw, err)
		}
	}

	msg, _ := ParseMessage([]byte(`{"action":" PASS ","assignment_id":" a1 "}`))
	if msg.Action != ActionPass || msg.AssignmentID != "a1" {
		t.Fatalf("message not normalized: %+v", msg)
	}
}
