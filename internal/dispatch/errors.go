package dispatch

import (
	"errors"

	"cafe/dispatch-service/internal/store"
)

var (
	ErrStaleOffer         = errors.New("offer expired")
	ErrNotCurrentOfferee  = errors.New("not current offeree")
	ErrNoCandidates       = errors.New("no staff available")
	ErrAlreadyResolved    = errors.New("assignment already resolved")
	ErrNotAccepted        = errors.New("assignment not accepted")
	ErrInvalidEvent       = errors.New("invalid service event")
	ErrAssignmentNotFound = store.ErrAssignmentNotFound
)
