// Package apierror maps domain errors to the status codes and machine codes
// shared by the HTTP API and the realtime channel.
package apierror

import (
	"errors"
	"net/http"

	"cafe/dispatch-service/internal/dispatch"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/guardian"
	"cafe/dispatch-service/internal/staff"
	"cafe/dispatch-service/internal/store"
	"cafe/dispatch-service/internal/zones"
)

type Rejection struct {
	Status  int
	Code    string
	Message string
}

// Classify returns the rejection for err. Errors that carry useful detail,
// like the nearest zone for a failed validation, keep their full text.
func Classify(err error) Rejection {
	switch {
	case errors.Is(err, dispatch.ErrStaleOffer):
		return Rejection{http.StatusConflict, "offer_expired", "offer expired"}
	case errors.Is(err, dispatch.ErrNotCurrentOfferee):
		return Rejection{http.StatusForbidden, "not_current_offeree", "not the current offeree"}
	case errors.Is(err, dispatch.ErrNoCandidates):
		return Rejection{http.StatusConflict, "no_candidates", "no staff available"}
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		return Rejection{http.StatusConflict, "already_resolved", "assignment already resolved"}
	case errors.Is(err, dispatch.ErrNotAccepted):
		return Rejection{http.StatusConflict, "not_accepted", "assignment has not been accepted"}
	case errors.Is(err, dispatch.ErrInvalidEvent):
		return Rejection{http.StatusBadRequest, "invalid_event", err.Error()}
	case errors.Is(err, guardian.ErrZoneInactive):
		return Rejection{http.StatusConflict, "zone_inactive", err.Error()}
	case errors.Is(err, guardian.ErrNoZoneContainsPoint):
		return Rejection{http.StatusUnprocessableEntity, "no_zone_contains_point", err.Error()}
	case errors.Is(err, guardian.ErrZoneFull):
		return Rejection{http.StatusConflict, "zone_full", err.Error()}
	case errors.Is(err, guardian.ErrLoginNotAllowed):
		return Rejection{http.StatusForbidden, "login_not_allowed", err.Error()}
	case errors.Is(err, guardian.ErrSessionTerminated):
		return Rejection{http.StatusGone, "session_already_terminated", "session already terminated"}
	case errors.Is(err, guardian.ErrLocationUnavailable):
		return Rejection{http.StatusUnprocessableEntity, "location_unavailable", err.Error()}
	case errors.Is(err, zones.ErrInvalidZoneConfig):
		return Rejection{http.StatusBadRequest, "invalid_zone_config", err.Error()}
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return Rejection{http.StatusBadRequest, "invalid_coordinate", err.Error()}
	case errors.Is(err, store.ErrAssignmentNotFound):
		return Rejection{http.StatusNotFound, "assignment_not_found", "assignment not found"}
	case errors.Is(err, store.ErrSessionNotFound):
		return Rejection{http.StatusNotFound, "session_not_found", "session not found"}
	case errors.Is(err, store.ErrZoneNotFound):
		return Rejection{http.StatusNotFound, "zone_not_found", "zone not found"}
	case errors.Is(err, staff.ErrUnknownStaff), errors.Is(err, store.ErrPresenceNotFound):
		return Rejection{http.StatusNotFound, "staff_not_found", "staff member not found"}
	default:
		return Rejection{http.StatusInternalServerError, "internal_error", "internal server error"}
	}
}
