package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"
	"time"

	"cafe/dispatch-service/internal/apierror"
	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/dispatch"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/zones"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, event models.ServiceEvent) (models.Assignment, error)
	Accept(ctx context.Context, assignmentID, staffID string, offerIndex int) (models.Assignment, error)
	Pass(ctx context.Context, assignmentID, staffID string, offerIndex int, reason string) (models.Assignment, error)
	CancelEvent(ctx context.Context, eventID string) (models.Assignment, error)
	Get(ctx context.Context, assignmentID string) (models.Assignment, error)
	Complete(ctx context.Context, assignmentID, staffID string) (models.Assignment, error)
}

type Sessions interface {
	ValidateLocation(ctx context.Context, sessionID, clientID string, sample models.LocationSample) (models.ClientSession, error)
	ReportLocation(ctx context.Context, sessionID string, sample models.LocationSample) (models.ClientSession, error)
	ReportLocationError(ctx context.Context, sessionID, reason string) (models.ClientSession, error)
	Logout(ctx context.Context, sessionID string) (models.ClientSession, error)
	Get(ctx context.Context, sessionID string) (models.ClientSession, error)
	Occupancy(zoneID string) int
}

type Staff interface {
	Snapshot() []models.StaffPresence
	Connect(ctx context.Context, staffID string) models.StaffPresence
	Disconnect(ctx context.Context, staffID string) (models.StaffPresence, error)
	ReportLocation(ctx context.Context, staffID string, at geo.Coordinate, sampledAt time.Time) (models.StaffPresence, error)
}

type Zones interface {
	List() []models.Zone
	Get(zoneID string) (models.Zone, bool)
	Create(ctx context.Context, in zones.Input) (models.Zone, error)
	Update(ctx context.Context, zoneID string, in zones.Input) (models.Zone, error)
	Delete(ctx context.Context, zoneID string) error
}

type Handler struct {
	dispatch Dispatcher
	sessions Sessions
	staff    Staff
	zones    Zones
	clock    clock.Clock
	log      *zap.Logger
}

type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
}

func NewHandler(d Dispatcher, s Sessions, st Staff, z Zones, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		dispatch: d,
		sessions: s,
		staff:    st,
		zones:    z,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createEventRequest struct {
	EventID  string          `json:"event_id"`
	Kind     string          `json:"kind"`
	TableID  string          `json:"table_id"`
	Origin   *geo.Coordinate `json:"origin"`
	ClientID string          `json:"client_id"`
	Priority string          `json:"priority"`
}

type offerRequest struct {
	StaffID    string `json:"staff_id"`
	OfferIndex *int   `json:"offer_index"`
	Reason     string `json:"reason"`
}

type presenceRequest struct {
	Connectivity string `json:"connectivity"`
}

type locationRequest struct {
	ClientID       string          `json:"client_id"`
	Coordinate     *geo.Coordinate `json:"coordinate"`
	Timestamp      *time.Time      `json:"timestamp"`
	AccuracyMeters *float64        `json:"accuracy_meters"`
	Error          string          `json:"error"`
}

type zoneView struct {
	models.Zone
	Occupancy int `json:"occupancy"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.handleCreateEvent)
		r.Post("/events/{eventID}/cancel", h.handleCancelEvent)

		r.Get("/assignments/{assignmentID}", h.handleGetAssignment)
		r.Post("/assignments/{assignmentID}/accept", h.handleAccept)
		r.Post("/assignments/{assignmentID}/pass", h.handlePass)
		r.Post("/assignments/{assignmentID}/complete", h.handleComplete)

		r.Get("/staff", h.handleListStaff)
		r.Post("/staff/{staffID}/presence", h.handleStaffPresence)
		r.Post("/staff/{staffID}/location", h.handleStaffLocation)

		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Post("/sessions/{sessionID}/validate", h.handleValidate)
		r.Post("/sessions/{sessionID}/location", h.handleSessionLocation)
		r.Post("/sessions/{sessionID}/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole("admin", "supervisor"))
			r.Get("/admin/zones", h.handleListZones)
			r.Post("/admin/zones", h.handleCreateZone)
			r.Get("/admin/zones/{zoneID}", h.handleGetZone)
			r.Put("/admin/zones/{zoneID}", h.handleUpdateZone)
			r.Delete("/admin/zones/{zoneID}", h.handleDeleteZone)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	event := models.ServiceEvent{
		EventID:   strings.TrimSpace(req.EventID),
		Kind:      strings.TrimSpace(req.Kind),
		TableID:   strings.TrimSpace(req.TableID),
		Origin:    req.Origin,
		ClientID:  strings.TrimSpace(req.ClientID),
		Priority:  strings.TrimSpace(req.Priority),
		CreatedAt: h.clock.Now(),
	}
	assignment, err := h.dispatch.Dispatch(r.Context(), event)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (h *Handler) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.dispatch.CancelEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.dispatch.Get(r.Context(), chi.URLParam(r, "assignmentID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOffer(w, r)
	if !ok {
		return
	}
	assignment, err := h.dispatch.Accept(r.Context(), chi.URLParam(r, "assignmentID"), req.StaffID, offerIndex(req.OfferIndex))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handlePass(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOffer(w, r)
	if !ok {
		return
	}
	assignment, err := h.dispatch.Pass(r.Context(), chi.URLParam(r, "assignmentID"), req.StaffID, offerIndex(req.OfferIndex), req.Reason)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOffer(w, r)
	if !ok {
		return
	}
	assignment, err := h.dispatch.Complete(r.Context(), chi.URLParam(r, "assignmentID"), req.StaffID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleListStaff(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.staff.Snapshot())
}

func (h *Handler) handleStaffPresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	staffID := strings.TrimSpace(chi.URLParam(r, "staffID"))
	switch strings.ToLower(strings.TrimSpace(req.Connectivity)) {
	case models.ConnectivityConnected:
		writeJSON(w, http.StatusOK, h.staff.Connect(r.Context(), staffID))
	case models.ConnectivityDisconnected:
		presence, err := h.staff.Disconnect(r.Context(), staffID)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, presence)
	default:
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "connectivity must be connected or disconnected")
	}
}

func (h *Handler) handleStaffLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Coordinate == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "coordinate is required")
		return
	}
	presence, err := h.staff.ReportLocation(r.Context(), chi.URLParam(r, "staffID"), *req.Coordinate, h.sampledAt(req.Timestamp))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Coordinate == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "coordinate is required")
		return
	}
	sample := models.LocationSample{
		Coordinate:     *req.Coordinate,
		Timestamp:      h.sampledAt(req.Timestamp),
		AccuracyMeters: req.AccuracyMeters,
	}
	session, err := h.sessions.ValidateLocation(r.Context(), chi.URLParam(r, "sessionID"), strings.TrimSpace(req.ClientID), sample)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleSessionLocation accepts either a sample or a location error. A body
// without a coordinate counts as an error report.
func (h *Handler) handleSessionLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if req.Coordinate == nil || req.Error != "" {
		session, err := h.sessions.ReportLocationError(r.Context(), sessionID, strings.TrimSpace(req.Error))
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}
	sample := models.LocationSample{
		Coordinate:     *req.Coordinate,
		Timestamp:      h.sampledAt(req.Timestamp),
		AccuracyMeters: req.AccuracyMeters,
	}
	session, err := h.sessions.ReportLocation(r.Context(), sessionID, sample)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Logout(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleListZones(w http.ResponseWriter, r *http.Request) {
	list := h.zones.List()
	out := make([]zoneView, 0, len(list))
	for _, z := range list {
		out = append(out, zoneView{Zone: z, Occupancy: h.sessions.Occupancy(z.ZoneID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetZone(w http.ResponseWriter, r *http.Request) {
	z, ok := h.zones.Get(chi.URLParam(r, "zoneID"))
	if !ok {
		h.writeFailure(w, r, zones.ErrZoneNotFound)
		return
	}
	writeJSON(w, http.StatusOK, zoneView{Zone: z, Occupancy: h.sessions.Occupancy(z.ZoneID)})
}

func (h *Handler) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var in zones.Input
	if !decodeRequest(w, r, &in) {
		return
	}
	z, err := h.zones.Create(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, zoneView{Zone: z})
}

func (h *Handler) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	var in zones.Input
	if !decodeRequest(w, r, &in) {
		return
	}
	z, err := h.zones.Update(r.Context(), chi.URLParam(r, "zoneID"), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, zoneView{Zone: z, Occupancy: h.sessions.Occupancy(z.ZoneID)})
}

func (h *Handler) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := h.zones.Delete(r.Context(), chi.URLParam(r, "zoneID")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sampledAt(ts *time.Time) time.Time {
	if ts == nil || ts.IsZero() {
		return h.clock.Now()
	}
	return ts.UTC()
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	rej := apierror.Classify(err)
	if rej.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, requestIDFromRequest(r), rej.Status, rej.Code, rej.Message)
}

func decodeOffer(w http.ResponseWriter, r *http.Request) (offerRequest, bool) {
	var req offerRequest
	if !decodeRequest(w, r, &req) {
		return req, false
	}
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.StaffID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "staff_id is required")
		return req, false
	}
	return req, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func offerIndex(index *int) int {
	if index == nil {
		return dispatch.AnyOffer
	}
	return *index
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
