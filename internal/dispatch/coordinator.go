// Package dispatch runs the proximity offer protocol. Each live assignment is
// owned by one goroutine that serializes accepts, passes, timeouts,
// disconnects and cancellation, so exactly one staff member can win it.
package dispatch

import (
	"context"
	"errors"
	"expvar"
	"strings"
	"sync"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"
	"cafe/dispatch-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// AnyOffer skips the offer-index check on Accept and Pass.
const AnyOffer = -1

const (
	DefaultResponseWindow = 10 * time.Second
	sideEffectTimeout     = 3 * time.Second
	maxReasonLength       = 200
)

var (
	assignmentsCreated   = expvar.NewInt("dispatch_assignments_created_total")
	assignmentsAccepted  = expvar.NewInt("dispatch_assignments_accepted_total")
	assignmentsExhausted = expvar.NewInt("dispatch_assignments_exhausted_total")
	assignmentsCancelled = expvar.NewInt("dispatch_assignments_cancelled_total")
	offerTimeouts        = expvar.NewInt("dispatch_offer_timeouts_total")
)

var tracer = otel.Tracer("cafe/dispatch-service/dispatch")

// Directory is the view of staff presence the coordinator ranks against.
type Directory interface {
	Connected() []models.StaffPresence
	Get(staffID string) (models.StaffPresence, bool)
	AdjustLoad(ctx context.Context, staffID string, delta int) (models.StaffPresence, error)
}

// Escalator hands exhausted assignments to the supervisory channel.
type Escalator interface {
	Escalate(ctx context.Context, esc models.Escalation) error
}

// Sanitizer cleans free text supplied by staff before it is stored.
type Sanitizer interface {
	Sanitize(s string) string
}

type Options struct {
	ResponseWindow time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
	Escalator      Escalator
	Sanitizer      Sanitizer
}

type Coordinator struct {
	mu      sync.Mutex
	active  map[string]*actor
	byEvent map[string]string
	closed  map[string]models.Assignment

	store     store.AssignmentStore
	staff     Directory
	publisher notify.Publisher
	escalator Escalator
	sanitizer Sanitizer
	window    time.Duration
	clock     clock.Clock
	log       *zap.Logger

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func NewCoordinator(st store.AssignmentStore, dir Directory, pub notify.Publisher, opts Options) *Coordinator {
	if opts.ResponseWindow <= 0 {
		opts.ResponseWindow = DefaultResponseWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		active:    make(map[string]*actor),
		byEvent:   make(map[string]string),
		closed:    make(map[string]models.Assignment),
		store:     st,
		staff:     dir,
		publisher: pub,
		escalator: opts.Escalator,
		sanitizer: opts.Sanitizer,
		window:    opts.ResponseWindow,
		clock:     opts.Clock,
		log:       opts.Logger,
		quit:      make(chan struct{}),
	}
}

// Dispatch ranks connected staff for the event and offers it to the nearest.
// Re-dispatching an event id that already has an assignment returns that
// assignment unchanged.
func (c *Coordinator) Dispatch(ctx context.Context, event models.ServiceEvent) (models.Assignment, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()

	event, err := c.normalizeEvent(event)
	if err != nil {
		return models.Assignment{}, err
	}
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.kind", event.Kind),
		attribute.String("event.priority", event.Priority),
	)

	if existing, ok, err := c.existingForEvent(ctx, event.EventID); err != nil {
		return models.Assignment{}, err
	} else if ok {
		return existing, nil
	}

	var staff []models.StaffPresence
	if c.staff != nil {
		staff = c.staff.Connected()
	}
	now := c.clock.Now()
	a := models.Assignment{
		AssignmentID: uuid.NewString(),
		EventID:      event.EventID,
		Event:        event,
		Candidates:   Rank(event.Origin, staff),
		Status:       models.AssignmentCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(attribute.Int("dispatch.candidates", len(a.Candidates)))

	if len(a.Candidates) == 0 {
		a.Status = models.AssignmentExhausted
		a.ResolvedAt = &now
		if c.store != nil {
			if err := c.store.CreateAssignment(ctx, a); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "persist assignment")
				return models.Assignment{}, err
			}
		}
		assignmentsCreated.Add(1)
		c.retire(a.Clone())
		c.exhausted(a, "no staff available")
		return a, ErrNoCandidates
	}

	if c.store != nil {
		if err := c.store.CreateAssignment(ctx, a); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist assignment")
			return models.Assignment{}, err
		}
	}
	assignmentsCreated.Add(1)

	act := newActor(c, a)
	if !c.register(act) {
		return models.Assignment{}, ErrAlreadyResolved
	}
	c.log.Info("assignment created",
		zap.String("assignment_id", a.AssignmentID),
		zap.String("event_id", a.EventID),
		zap.String("kind", event.Kind),
		zap.Int("candidates", len(a.Candidates)),
	)
	c.start(act, false)

	snap, err := act.request(ctx, command{kind: cmdSnapshot})
	if errors.Is(err, errActorClosed) {
		return c.closedSnapshot(ctx, a.AssignmentID)
	}
	return snap, err
}

// Accept claims the assignment for staffID. offerIndex is the offer the
// staff member is answering, or AnyOffer.
func (c *Coordinator) Accept(ctx context.Context, assignmentID, staffID string, offerIndex int) (models.Assignment, error) {
	return c.call(ctx, assignmentID, command{kind: cmdAccept, staffID: staffID, offer: offerIndex})
}

// Pass declines the current offer. The next ranked candidate is offered
// immediately.
func (c *Coordinator) Pass(ctx context.Context, assignmentID, staffID string, offerIndex int, reason string) (models.Assignment, error) {
	reason = c.cleanReason(reason)
	return c.call(ctx, assignmentID, command{kind: cmdPass, staffID: staffID, offer: offerIndex, reason: reason})
}

// CancelEvent withdraws the event's live offer.
func (c *Coordinator) CancelEvent(ctx context.Context, eventID string) (models.Assignment, error) {
	c.mu.Lock()
	assignmentID, ok := c.byEvent[eventID]
	c.mu.Unlock()
	if !ok {
		if c.store == nil {
			return models.Assignment{}, ErrAssignmentNotFound
		}
		a, err := c.store.GetAssignmentByEvent(ctx, eventID)
		if err != nil {
			return models.Assignment{}, err
		}
		if a.Terminal() {
			return a, ErrAlreadyResolved
		}
		return models.Assignment{}, ErrAssignmentNotFound
	}
	return c.call(ctx, assignmentID, command{kind: cmdCancel})
}

func (c *Coordinator) Get(ctx context.Context, assignmentID string) (models.Assignment, error) {
	return c.call(ctx, assignmentID, command{kind: cmdSnapshot})
}

// Complete marks an accepted assignment as served and releases the
// acceptor's load. Completing twice is a no-op.
func (c *Coordinator) Complete(ctx context.Context, assignmentID, staffID string) (models.Assignment, error) {
	a, err := c.Get(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, err
	}
	if a.Status != models.AssignmentAccepted {
		return a, ErrNotAccepted
	}
	if a.AcceptedBy != staffID {
		return a, ErrNotCurrentOfferee
	}

	// The accepted actor has already retired, so closed is the only
	// in-memory copy. Re-cache pruned assignments so concurrent completes
	// see each other's ServedAt.
	c.mu.Lock()
	if current, ok := c.closed[assignmentID]; ok {
		a = current
	}
	if a.ServedAt != nil {
		c.mu.Unlock()
		return a.Clone(), nil
	}
	now := c.clock.Now()
	a.ServedAt = &now
	a.UpdatedAt = now
	c.closed[assignmentID] = a
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpdateAssignment(ctx, a); err != nil {
			return models.Assignment{}, err
		}
	}
	c.adjustLoad(staffID, -1)
	c.log.Info("assignment served", zap.String("assignment_id", assignmentID), zap.String("staff_id", staffID))
	return a.Clone(), nil
}

// StaffDisconnected passes any offer the staff member currently holds on
// their behalf.
func (c *Coordinator) StaffDisconnected(staffID string) {
	c.mu.Lock()
	actors := make([]*actor, 0, len(c.active))
	for _, a := range c.active {
		actors = append(actors, a)
	}
	c.mu.Unlock()
	for _, a := range actors {
		a.post(command{kind: cmdDisconnect, staffID: staffID})
	}
}

// Recover resumes assignments that were still offering when the process last
// stopped. The current offeree gets a fresh response window.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	open, err := c.store.ListOpenAssignments(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, a := range open {
		if a.Terminal() || len(a.Candidates) == 0 {
			continue
		}
		if a.OfferIndex >= len(a.Candidates) {
			a.OfferIndex = len(a.Candidates) - 1
		}
		act := newActor(c, a)
		if !c.register(act) {
			continue
		}
		c.start(act, true)
		resumed++
	}
	return resumed, nil
}

// PruneClosed forgets resolved assignments older than cutoff.
func (c *Coordinator) PruneClosed(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for id, a := range c.closed {
		resolved := a.UpdatedAt
		if a.ResolvedAt != nil {
			resolved = *a.ResolvedAt
		}
		if resolved.Before(cutoff) {
			delete(c.closed, id)
			if c.byEvent[a.EventID] == id {
				delete(c.byEvent, a.EventID)
			}
			pruned++
		}
	}
	return pruned
}

// Active returns snapshots of every unresolved assignment.
func (c *Coordinator) Active(ctx context.Context) []models.Assignment {
	c.mu.Lock()
	actors := make([]*actor, 0, len(c.active))
	for _, a := range c.active {
		actors = append(actors, a)
	}
	c.mu.Unlock()

	out := make([]models.Assignment, 0, len(actors))
	for _, a := range actors {
		snap, err := a.request(ctx, command{kind: cmdSnapshot})
		if err == nil && !snap.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

// Shutdown stops every assignment goroutine and their timers. Unresolved
// assignments stay persisted for Recover.
func (c *Coordinator) Shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
}

func (c *Coordinator) call(ctx context.Context, assignmentID string, cmd command) (models.Assignment, error) {
	c.mu.Lock()
	act := c.active[assignmentID]
	c.mu.Unlock()
	if act != nil {
		snap, err := act.request(ctx, cmd)
		if !errors.Is(err, errActorClosed) {
			return snap, err
		}
	}

	snap, err := c.closedSnapshot(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, err
	}
	switch cmd.kind {
	case cmdAccept:
		if snap.Status == models.AssignmentAccepted && snap.AcceptedBy == cmd.staffID {
			return snap, nil
		}
		return snap, closedOfferError(snap, cmd.staffID)
	case cmdPass:
		return snap, closedOfferError(snap, cmd.staffID)
	case cmdCancel:
		return snap, ErrAlreadyResolved
	default:
		return snap, nil
	}
}

// closedOfferError explains why staffID cannot act on a resolved assignment.
func closedOfferError(a models.Assignment, staffID string) error {
	for _, id := range a.OfferedStaff() {
		if id == staffID {
			return ErrStaleOffer
		}
	}
	return ErrNotCurrentOfferee
}

func (c *Coordinator) closedSnapshot(ctx context.Context, assignmentID string) (models.Assignment, error) {
	c.mu.Lock()
	a, ok := c.closed[assignmentID]
	c.mu.Unlock()
	if ok {
		return a.Clone(), nil
	}
	if c.store == nil {
		return models.Assignment{}, ErrAssignmentNotFound
	}
	a, err := c.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, err
	}
	if !a.Terminal() {
		// Persisted as open but nobody owns it; Recover has not run yet.
		return models.Assignment{}, ErrAssignmentNotFound
	}
	return a, nil
}

func (c *Coordinator) existingForEvent(ctx context.Context, eventID string) (models.Assignment, bool, error) {
	c.mu.Lock()
	assignmentID, ok := c.byEvent[eventID]
	c.mu.Unlock()
	if ok {
		a, err := c.Get(ctx, assignmentID)
		if err != nil {
			return models.Assignment{}, false, err
		}
		return a, true, nil
	}
	if c.store == nil {
		return models.Assignment{}, false, nil
	}
	a, err := c.store.GetAssignmentByEvent(ctx, eventID)
	if errors.Is(err, store.ErrAssignmentNotFound) {
		return models.Assignment{}, false, nil
	}
	if err != nil {
		return models.Assignment{}, false, err
	}
	return a, true, nil
}

func (c *Coordinator) register(act *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.quit:
		return false
	default:
	}
	id := act.state.AssignmentID
	if _, ok := c.active[id]; ok {
		return false
	}
	c.active[id] = act
	c.byEvent[act.state.EventID] = id
	return true
}

func (c *Coordinator) start(act *actor, resume bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		act.run(resume)
	}()
}

// retire records the final state of an assignment. It runs before the
// owning goroutine exits so late callers always find the outcome.
func (c *Coordinator) retire(final models.Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, final.AssignmentID)
	c.closed[final.AssignmentID] = final
	c.byEvent[final.EventID] = final.AssignmentID
}

func (c *Coordinator) normalizeEvent(event models.ServiceEvent) (models.ServiceEvent, error) {
	event.EventID = strings.TrimSpace(event.EventID)
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	event.TableID = strings.TrimSpace(event.TableID)
	if event.TableID == "" {
		return event, errors.Join(ErrInvalidEvent, errors.New("table_id is required"))
	}
	switch event.Kind {
	case models.EventKindArrival, models.EventKindAssistance, models.EventKindOrderReady:
	default:
		return event, errors.Join(ErrInvalidEvent, errors.New("unknown kind"))
	}
	if event.Priority == "" {
		event.Priority = models.PriorityNormal
	}
	if event.Priority != models.PriorityNormal && event.Priority != models.PriorityUrgent {
		return event, errors.Join(ErrInvalidEvent, errors.New("unknown priority"))
	}
	if event.Origin != nil {
		if err := event.Origin.Validate(); err != nil {
			return event, errors.Join(ErrInvalidEvent, err)
		}
	}
	if event.Cancelled {
		return event, errors.Join(ErrInvalidEvent, errors.New("event already cancelled"))
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = c.clock.Now()
	}
	return event, nil
}

func (c *Coordinator) cleanReason(reason string) string {
	if c.sanitizer != nil {
		reason = c.sanitizer.Sanitize(reason)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.PassReasonDeclined
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return reason
}

func (c *Coordinator) publish(msgType string, to notify.Recipient, payload interface{}) {
	if c.publisher == nil {
		return
	}
	env, err := notify.NewEnvelope(msgType, to, payload, c.clock.Now())
	if err != nil {
		c.log.Error("build notification", zap.String("type", msgType), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := c.publisher.Publish(ctx, env); err != nil {
		c.log.Warn("notification failed",
			zap.String("type", msgType),
			zap.String("recipient", to.Topic()),
			zap.Error(err),
		)
	}
}

// publishOrigin notifies whoever raised the event.
func (c *Coordinator) publishOrigin(msgType string, a models.Assignment, payload interface{}) {
	if a.Event.ClientID != "" {
		c.publish(msgType, notify.Client(a.Event.ClientID), payload)
	}
	c.publish(msgType, notify.Table(a.Event.TableID), payload)
}

func (c *Coordinator) exhausted(a models.Assignment, reason string) {
	assignmentsExhausted.Add(1)
	c.log.Warn("assignment exhausted",
		zap.String("assignment_id", a.AssignmentID),
		zap.String("event_id", a.EventID),
		zap.Int("passes", len(a.Passes)),
		zap.String("reason", reason),
	)
	if c.escalator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	esc := models.Escalation{
		AssignmentID: a.AssignmentID,
		EventID:      a.EventID,
		Kind:         a.Event.Kind,
		TableID:      a.Event.TableID,
		Priority:     a.Event.Priority,
		Reason:       reason,
		Passes:       append([]models.Pass(nil), a.Passes...),
		RaisedAt:     c.clock.Now(),
	}
	if err := c.escalator.Escalate(ctx, esc); err != nil {
		c.log.Error("escalation failed", zap.String("assignment_id", a.AssignmentID), zap.Error(err))
	}
}

func (c *Coordinator) persist(a models.Assignment) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := c.store.UpdateAssignment(ctx, a); err != nil {
		c.log.Error("persist assignment",
			zap.String("assignment_id", a.AssignmentID),
			zap.String("status", a.Status),
			zap.Error(err),
		)
	}
}

// reachable reports whether staffID is connected right now.
func (c *Coordinator) reachable(staffID string) bool {
	if c.staff == nil {
		return true
	}
	p, ok := c.staff.Get(staffID)
	return ok && p.Connected()
}

func (c *Coordinator) adjustLoad(staffID string, delta int) {
	if c.staff == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if _, err := c.staff.AdjustLoad(ctx, staffID, delta); err != nil {
		c.log.Warn("adjust staff load", zap.String("staff_id", staffID), zap.Int("delta", delta), zap.Error(err))
	}
}
