package store

import "errors"

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrZoneNotFound       = errors.New("zone not found")
	ErrPresenceNotFound   = errors.New("presence not found")
)
