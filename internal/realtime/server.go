// Package realtime serves the SockJS channel used by staff devices, client
// sessions and supervisor consoles. Outbound envelopes come from the hub;
// inbound frames are accepts, passes and location reports.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"cafe/dispatch-service/internal/apierror"
	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/dispatch"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"
	"cafe/dispatch-service/internal/notify/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	sendBuffer     = 32
	requestTimeout = 5 * time.Second

	// PresenceRefresh is how often an open staff connection refreshes the
	// directory. Stale expiry must be configured well above it.
	PresenceRefresh = 30 * time.Second
)

type Dispatcher interface {
	Accept(ctx context.Context, assignmentID, staffID string, offerIndex int) (models.Assignment, error)
	Pass(ctx context.Context, assignmentID, staffID string, offerIndex int, reason string) (models.Assignment, error)
}

type Sessions interface {
	ReportLocation(ctx context.Context, sessionID string, sample models.LocationSample) (models.ClientSession, error)
	ReportLocationError(ctx context.Context, sessionID, reason string) (models.ClientSession, error)
}

type Presence interface {
	Connect(ctx context.Context, staffID string) models.StaffPresence
	Disconnect(ctx context.Context, staffID string) (models.StaffPresence, error)
	Touch(ctx context.Context, staffID string) (models.StaffPresence, error)
	ReportLocation(ctx context.Context, staffID string, at geo.Coordinate, sampledAt time.Time) (models.StaffPresence, error)
}

type Server struct {
	hub      *hub.Hub
	dispatch Dispatcher
	sessions Sessions
	staff    Presence
	clock    clock.Clock
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]int
}

func NewServer(h *hub.Hub, d Dispatcher, s Sessions, p Presence, clk clock.Clock, logger *zap.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:      h,
		dispatch: d,
		sessions: s,
		staff:    p,
		clock:    clk,
		log:      logger,
		conns:    make(map[string]int),
	}
}

// Handler returns the SockJS endpoint, to be mounted at /realtime/.
func (s *Server) Handler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, s.serve)
}

type identity struct {
	staffID      string
	sessionID    string
	supervisorID string
}

func identityFromRequest(r *http.Request) identity {
	if r == nil {
		return identity{}
	}
	q := r.URL.Query()
	id := identity{
		staffID:      strings.TrimSpace(q.Get("staff_id")),
		sessionID:    strings.TrimSpace(q.Get("session_id")),
		supervisorID: strings.TrimSpace(q.Get("supervisor_id")),
	}
	if id.sessionID == "" {
		id.sessionID = bearerToken(r.Header.Get("Authorization"))
	}
	return id
}

func (s *Server) serve(session sockjs.Session) {
	id := identityFromRequest(session.Request())
	if id.staffID == "" && id.sessionID == "" && id.supervisorID == "" {
		_ = session.Close(4001, "missing identity")
		return
	}

	client := hub.NewClient(uuid.NewString(), sendBuffer)
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	switch {
	case id.staffID != "":
		s.hub.Subscribe(client, notify.Staff(id.staffID))
		s.staffOnline(id.staffID)
		defer s.staffOffline(id.staffID)
		stop := s.keepPresence(id.staffID)
		defer stop()
	case id.sessionID != "":
		s.hub.Subscribe(client, notify.Client(id.sessionID))
	default:
		s.hub.Subscribe(client, notify.Supervisors())
	}

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		var reply Reply
		switch {
		case id.staffID != "":
			reply = s.HandleStaff(id.staffID, []byte(raw))
		case id.sessionID != "":
			reply = s.HandleClient(id.sessionID, []byte(raw))
		default:
			reply = rejected("", "", "unsupported_action", "supervisor consoles are receive-only")
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			s.log.Warn("drop realtime reply", zap.String("client_id", client.ID), zap.String("action", reply.Action))
		}
	}
}

// HandleStaff applies one frame from a staff device. Any frame counts as a
// sign of life.
func (s *Server) HandleStaff(staffID string, raw []byte) Reply {
	s.touch(staffID)
	msg, err := ParseMessage(raw)
	if err != nil {
		return rejected("", "", "invalid_message", err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Action {
	case ActionAccept:
		a, err := s.dispatch.Accept(ctx, msg.AssignmentID, staffID, msg.offerIndex(dispatch.AnyOffer))
		return s.result(msg, a, err)
	case ActionPass:
		a, err := s.dispatch.Pass(ctx, msg.AssignmentID, staffID, msg.offerIndex(dispatch.AnyOffer), msg.Reason)
		return s.result(msg, a, err)
	case ActionLocation:
		p, err := s.staff.ReportLocation(ctx, staffID, *msg.Coordinate, msg.sampledAt(s.clock.Now()))
		return s.result(msg, p, err)
	default:
		return rejected(msg.Action, msg.RequestID, "unsupported_action", "staff devices cannot send "+msg.Action)
	}
}

// HandleClient applies one frame from a client session.
func (s *Server) HandleClient(sessionID string, raw []byte) Reply {
	msg, err := ParseMessage(raw)
	if err != nil {
		return rejected("", "", "invalid_message", err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Action {
	case ActionLocation:
		sample := models.LocationSample{
			Coordinate:     *msg.Coordinate,
			Timestamp:      msg.sampledAt(s.clock.Now()),
			AccuracyMeters: msg.AccuracyMeters,
		}
		sess, err := s.sessions.ReportLocation(ctx, sessionID, sample)
		return s.result(msg, sess, err)
	case ActionLocationError:
		sess, err := s.sessions.ReportLocationError(ctx, sessionID, msg.Error)
		return s.result(msg, sess, err)
	default:
		return rejected(msg.Action, msg.RequestID, "unsupported_action", "client sessions cannot send "+msg.Action)
	}
}

func (s *Server) result(msg Message, data interface{}, err error) Reply {
	if err != nil {
		rej := apierror.Classify(err)
		if rej.Status >= http.StatusInternalServerError {
			s.log.Error("realtime action failed", zap.String("action", msg.Action), zap.Error(err))
		}
		return rejected(msg.Action, msg.RequestID, rej.Code, rej.Message)
	}
	return Reply{Type: replyAck, Action: msg.Action, RequestID: msg.RequestID, Data: data}
}

// staffOnline counts connections per staff member so a second device does
// not mark them offline when the first one closes.
func (s *Server) staffOnline(staffID string) {
	s.mu.Lock()
	s.conns[staffID]++
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	s.staff.Connect(ctx, staffID)
	s.log.Info("staff connected", zap.String("staff_id", staffID))
}

func (s *Server) staffOffline(staffID string) {
	s.mu.Lock()
	s.conns[staffID]--
	last := s.conns[staffID] <= 0
	if last {
		delete(s.conns, staffID)
	}
	s.mu.Unlock()
	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.staff.Disconnect(ctx, staffID); err != nil {
		s.log.Warn("staff disconnect", zap.String("staff_id", staffID), zap.Error(err))
		return
	}
	s.log.Info("staff disconnected", zap.String("staff_id", staffID))
}

// keepPresence refreshes the staff member's presence until the returned
// stop function is called.
func (s *Server) keepPresence(staffID string) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(PresenceRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.touch(staffID)
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (s *Server) touch(staffID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := s.staff.Touch(ctx, staffID); err != nil {
		s.log.Warn("refresh staff presence", zap.String("staff_id", staffID), zap.Error(err))
	}
}

func rejected(action, requestID, code, message string) Reply {
	return Reply{Type: replyRejected, Action: action, RequestID: requestID, Code: code, Message: message}
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
