package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cafe/dispatch-service/internal/dispatch"
	"cafe/dispatch-service/internal/guardian"
	"cafe/dispatch-service/internal/zones"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{dispatch.ErrStaleOffer, http.StatusConflict, "offer_expired"},
		{dispatch.ErrNotCurrentOfferee, http.StatusForbidden, "not_current_offeree"},
		{dispatch.ErrNoCandidates, http.StatusConflict, "no_candidates"},
		{dispatch.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found"},
		{fmt.Errorf("%w: nearest zone %q is 12 m away", guardian.ErrNoZoneContainsPoint, "Hall"), http.StatusUnprocessableEntity, "no_zone_contains_point"},
		{guardian.ErrSessionTerminated, http.StatusGone, "session_already_terminated"},
		{guardian.ErrLocationUnavailable, http.StatusUnprocessableEntity, "location_unavailable"},
		{zones.ErrInvalidZoneConfig, http.StatusBadRequest, "invalid_zone_config"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("Classify(%v) = %+v, want %d %s", tc.err, got, tc.status, tc.code)
		}
	}

	wrapped := fmt.Errorf("%w: nearest zone %q is 12 m away", guardian.ErrNoZoneContainsPoint, "Hall")
	if got := Classify(wrapped); got.Message != wrapped.Error() {
		t.Fatalf("detail should be kept, got %q", got.Message)
	}
}
