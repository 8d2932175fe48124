// Package guardian keeps client sessions bound to the service zone they
// validated in. Every session is owned by one goroutine; location samples,
// grace-period expiry and logout are applied in arrival order, so a grace
// timer that was cancelled by a re-entry can never end the session.
package guardian

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"
	"cafe/dispatch-service/internal/store"
	"cafe/dispatch-service/internal/zones"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrZoneInactive        = errors.New("zone inactive")
	ErrLoginNotAllowed     = errors.New("login not allowed in this zone")
	ErrZoneFull            = errors.New("zone at capacity")
	ErrNoZoneContainsPoint = errors.New("no zone contains point")
	ErrSessionTerminated   = errors.New("session already terminated")
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrSessionNotFound     = store.ErrSessionNotFound
)

const (
	DefaultGracePeriod = 10 * time.Second
	sideEffectTimeout  = 3 * time.Second
)

var (
	sessionsValidated  = expvar.NewInt("guardian_sessions_validated_total")
	sessionsTerminated = expvar.NewInt("guardian_sessions_terminated_total")
	exitWarnings       = expvar.NewInt("guardian_exit_warnings_total")
)

var tracer = otel.Tracer("cafe/dispatch-service/guardian")

// ZoneSource is the read side of the zone registry.
type ZoneSource interface {
	Get(zoneID string) (models.Zone, bool)
	Containing(p geo.Coordinate) []zones.Match
	Nearest(p geo.Coordinate) (zones.Match, bool)
}

type Options struct {
	// DefaultGrace applies to zones whose grace period is zero, and to
	// sessions whose zone no longer exists.
	DefaultGrace time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

type Guardian struct {
	mu        sync.Mutex
	sessions  map[string]*session
	closed    map[string]models.ClientSession
	occupancy map[string]int

	store     store.SessionStore
	zones     ZoneSource
	publisher notify.Publisher
	grace     time.Duration
	clock     clock.Clock
	log       *zap.Logger

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func New(st store.SessionStore, zs ZoneSource, pub notify.Publisher, opts Options) *Guardian {
	if opts.DefaultGrace <= 0 {
		opts.DefaultGrace = DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Guardian{
		sessions:  make(map[string]*session),
		closed:    make(map[string]models.ClientSession),
		occupancy: make(map[string]int),
		store:     st,
		zones:     zs,
		publisher: pub,
		grace:     opts.DefaultGrace,
		clock:     opts.Clock,
		log:       opts.Logger,
		quit:      make(chan struct{}),
	}
}

// ValidateLocation binds the session to the nearest active zone containing
// the sample, creating the session on first use. On an already validated
// session it behaves like ReportLocation.
func (g *Guardian) ValidateLocation(ctx context.Context, sessionID, clientID string, sample models.LocationSample) (models.ClientSession, error) {
	ctx, span := tracer.Start(ctx, "guardian.ValidateLocation")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	sample, err := g.normalizeSample(sample)
	if err != nil {
		return models.ClientSession{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return models.ClientSession{}, fmt.Errorf("%w: session id is required", ErrSessionNotFound)
	}

	s, err := g.open(ctx, sessionID, clientID)
	if err != nil {
		return models.ClientSession{}, err
	}
	return g.call(ctx, s, sessionID, command{kind: cmdValidate, sample: sample})
}

// ReportLocation feeds a monitoring sample. Unvalidated sessions treat the
// sample as a validation attempt.
func (g *Guardian) ReportLocation(ctx context.Context, sessionID string, sample models.LocationSample) (models.ClientSession, error) {
	sample, err := g.normalizeSample(sample)
	if err != nil {
		return models.ClientSession{}, err
	}
	return g.call(ctx, g.lookup(sessionID), sessionID, command{kind: cmdSample, sample: sample})
}

// ReportLocationError records a failed location read. Membership is left as
// it was and ErrLocationUnavailable is returned.
func (g *Guardian) ReportLocationError(ctx context.Context, sessionID, reason string) (models.ClientSession, error) {
	snap, err := g.call(ctx, g.lookup(sessionID), sessionID, command{kind: cmdSnapshot})
	if err != nil {
		return snap, err
	}
	if snap.Membership == models.MembershipTerminated {
		return snap, ErrSessionTerminated
	}
	g.log.Info("location unavailable", zap.String("session_id", sessionID), zap.String("reason", reason))
	if reason == "" {
		return snap, ErrLocationUnavailable
	}
	return snap, fmt.Errorf("%w: %s", ErrLocationUnavailable, reason)
}

func (g *Guardian) Logout(ctx context.Context, sessionID string) (models.ClientSession, error) {
	return g.call(ctx, g.lookup(sessionID), sessionID, command{kind: cmdTerminate, reason: models.TerminationLogout})
}

func (g *Guardian) Get(ctx context.Context, sessionID string) (models.ClientSession, error) {
	return g.call(ctx, g.lookup(sessionID), sessionID, command{kind: cmdSnapshot})
}

// Occupancy returns how many live sessions hold a slot in the zone.
func (g *Guardian) Occupancy(zoneID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.occupancy[zoneID]
}

// SweepUnvalidated terminates sessions that never validated and were opened
// before cutoff.
func (g *Guardian) SweepUnvalidated(ctx context.Context, cutoff time.Time) int {
	swept := 0
	for _, s := range g.live() {
		snap, err := s.request(ctx, command{kind: cmdExpireUnvalidated, cutoff: cutoff})
		if err == nil && snap.Membership == models.MembershipTerminated &&
			snap.TerminationReason == models.TerminationValidationTimeout {
			swept++
		}
	}
	return swept
}

// PruneClosed forgets terminated sessions that ended before cutoff.
func (g *Guardian) PruneClosed(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := 0
	for id, s := range g.closed {
		if s.TerminatedAt != nil && s.TerminatedAt.Before(cutoff) {
			delete(g.closed, id)
			pruned++
		}
	}
	return pruned
}

// Recover restores live sessions from the store. Sessions that were exiting
// get a fresh grace period.
func (g *Guardian) Recover(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	live, err := g.store.ListLiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, state := range live {
		if state.Membership == models.MembershipTerminated {
			continue
		}
		s := newSession(g, state)
		if !g.register(s) {
			continue
		}
		if state.HoldsSlot() {
			g.mu.Lock()
			g.occupancy[state.ZoneID]++
			g.mu.Unlock()
		}
		g.start(s, true)
		restored++
	}
	return restored, nil
}

// Shutdown stops every session goroutine and its grace timer.
func (g *Guardian) Shutdown() {
	g.quitOnce.Do(func() { close(g.quit) })
	g.wg.Wait()
}

func (g *Guardian) open(ctx context.Context, sessionID, clientID string) (*session, error) {
	if s := g.lookup(sessionID); s != nil {
		return s, nil
	}
	g.mu.Lock()
	_, ended := g.closed[sessionID]
	g.mu.Unlock()
	if ended {
		return nil, ErrSessionTerminated
	}
	if g.store != nil {
		prior, err := g.store.GetSession(ctx, sessionID)
		if err == nil && prior.Membership == models.MembershipTerminated {
			return nil, ErrSessionTerminated
		}
		if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
	}

	now := g.clock.Now()
	state := models.ClientSession{
		SessionID:  sessionID,
		ClientID:   strings.TrimSpace(clientID),
		Membership: models.MembershipUnvalidated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s := newSession(g, state)
	if !g.register(s) {
		// Lost a race with a concurrent validate for the same id.
		if existing := g.lookup(sessionID); existing != nil {
			return existing, nil
		}
		return nil, ErrSessionTerminated
	}
	g.persist(state)
	g.start(s, false)
	return s, nil
}

func (g *Guardian) call(ctx context.Context, s *session, sessionID string, cmd command) (models.ClientSession, error) {
	if s != nil {
		snap, err := s.request(ctx, cmd)
		if !errors.Is(err, errSessionClosed) {
			return snap, err
		}
	}
	snap, err := g.closedSnapshot(ctx, sessionID)
	if err != nil {
		return models.ClientSession{}, err
	}
	if cmd.kind == cmdSnapshot {
		return snap, nil
	}
	return snap, ErrSessionTerminated
}

func (g *Guardian) closedSnapshot(ctx context.Context, sessionID string) (models.ClientSession, error) {
	g.mu.Lock()
	snap, ok := g.closed[sessionID]
	g.mu.Unlock()
	if ok {
		return snap.Clone(), nil
	}
	if g.store == nil {
		return models.ClientSession{}, ErrSessionNotFound
	}
	snap, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.ClientSession{}, err
	}
	if snap.Membership != models.MembershipTerminated {
		return models.ClientSession{}, ErrSessionNotFound
	}
	return snap, nil
}

func (g *Guardian) lookup(sessionID string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[sessionID]
}

func (g *Guardian) live() []*session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Guardian) register(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.quit:
		return false
	default:
	}
	if _, ok := g.sessions[s.state.SessionID]; ok {
		return false
	}
	g.sessions[s.state.SessionID] = s
	return true
}

func (g *Guardian) start(s *session, resume bool) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		s.run(resume)
	}()
}

// retire runs on the session goroutine before it exits.
func (g *Guardian) retire(final models.ClientSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, final.SessionID)
	g.closed[final.SessionID] = final
}

func (g *Guardian) release(zoneID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.occupancy[zoneID] > 0 {
		g.occupancy[zoneID]--
	}
}

// claim reserves a capacity slot in zone. A zero limit is unlimited.
func (g *Guardian) claim(zone models.Zone) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := zone.Settings.MaxConcurrentSessions
	if limit > 0 && g.occupancy[zone.ZoneID] >= limit {
		return false
	}
	g.occupancy[zone.ZoneID]++
	return true
}

func (g *Guardian) gracePeriod(zone models.Zone, found bool) time.Duration {
	if found && zone.Settings.LogoutGracePeriodSeconds > 0 {
		return time.Duration(zone.Settings.LogoutGracePeriodSeconds) * time.Second
	}
	return g.grace
}

func (g *Guardian) normalizeSample(sample models.LocationSample) (models.LocationSample, error) {
	if err := sample.Coordinate.Validate(); err != nil {
		return sample, err
	}
	if sample.AccuracyMeters != nil && *sample.AccuracyMeters < 0 {
		return sample, fmt.Errorf("%w: negative accuracy", geo.ErrInvalidCoordinate)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = g.clock.Now()
	}
	return sample, nil
}

func (g *Guardian) persist(s models.ClientSession) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := g.store.SaveSession(ctx, s); err != nil {
		g.log.Error("persist session",
			zap.String("session_id", s.SessionID),
			zap.String("membership", s.Membership),
			zap.Error(err),
		)
	}
}

func (g *Guardian) publish(msgType string, s models.ClientSession, payload notify.SessionPayload) {
	if g.publisher == nil {
		return
	}
	env, err := notify.NewEnvelope(msgType, notify.Client(s.SessionID), payload, g.clock.Now())
	if err != nil {
		g.log.Error("build notification", zap.String("type", msgType), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := g.publisher.Publish(ctx, env); err != nil {
		g.log.Warn("notification failed",
			zap.String("type", msgType),
			zap.String("session_id", s.SessionID),
			zap.Error(err),
		)
	}
}
