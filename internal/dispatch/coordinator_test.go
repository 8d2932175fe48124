package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"
	"cafe/dispatch-service/internal/store"
)

type fakeAssignmentStore struct {
	mu          sync.Mutex
	assignments map[string]models.Assignment
	createErr   error
}

func newFakeAssignmentStore() *fakeAssignmentStore {
	return &fakeAssignmentStore{assignments: make(map[string]models.Assignment)}
}

func (f *fakeAssignmentStore) CreateAssignment(_ context.Context, a models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.assignments[a.AssignmentID] = a.Clone()
	return nil
}

func (f *fakeAssignmentStore) UpdateAssignment(_ context.Context, a models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments[a.AssignmentID] = a.Clone()
	return nil
}

func (f *fakeAssignmentStore) GetAssignment(_ context.Context, id string) (models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[id]
	if !ok {
		return models.Assignment{}, store.ErrAssignmentNotFound
	}
	return a.Clone(), nil
}

func (f *fakeAssignmentStore) GetAssignmentByEvent(_ context.Context, eventID string) (models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.EventID == eventID {
			return a.Clone(), nil
		}
	}
	return models.Assignment{}, store.ErrAssignmentNotFound
}

func (f *fakeAssignmentStore) ListOpenAssignments(_ context.Context) ([]models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Assignment
	for _, a := range f.assignments {
		if !a.Terminal() {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

type fakeDirectory struct {
	mu    sync.Mutex
	staff []models.StaffPresence
	loads map[string]int
}

func (f *fakeDirectory) Connected() []models.StaffPresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.StaffPresence(nil), f.staff...)
}

func (f *fakeDirectory) Get(staffID string) (models.StaffPresence, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.staff {
		if p.StaffID == staffID {
			return p, true
		}
	}
	return models.StaffPresence{}, false
}

func (f *fakeDirectory) setConnectivity(staffID, connectivity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.staff {
		if f.staff[i].StaffID == staffID {
			f.staff[i].Connectivity = connectivity
		}
	}
}

func (f *fakeDirectory) AdjustLoad(_ context.Context, staffID string, delta int) (models.StaffPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loads == nil {
		f.loads = make(map[string]int)
	}
	f.loads[staffID] += delta
	return models.StaffPresence{StaffID: staffID, Load: f.loads[staffID]}, nil
}

func (f *fakeDirectory) load(staffID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[staffID]
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []notify.Envelope
}

func (r *recordingPublisher) Publish(_ context.Context, env notify.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recordingPublisher) sent(msgType string, to notify.Recipient) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, env := range r.got {
		if env.Type == msgType && env.Recipient == to {
			count++
		}
	}
	return count
}

func (r *recordingPublisher) recipients(msgType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, env := range r.got {
		if env.Type == msgType {
			out = append(out, env.Recipient.ID)
		}
	}
	return out
}

type recordingEscalator struct {
	mu  sync.Mutex
	got []models.Escalation
}

func (r *recordingEscalator) Escalate(_ context.Context, esc models.Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, esc)
	return nil
}

func (r *recordingEscalator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

var (
	start = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	table = geo.Coordinate{Lat: 27.7172, Lon: 85.3240}
)

type harness struct {
	coord *Coordinator
	clock *clock.Fake
	store *fakeAssignmentStore
	dir   *fakeDirectory
	pub   *recordingPublisher
	esc   *recordingEscalator
}

func newHarness(t *testing.T, staff ...models.StaffPresence) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewFake(start),
		store: newFakeAssignmentStore(),
		dir:   &fakeDirectory{staff: staff},
		pub:   &recordingPublisher{},
		esc:   &recordingEscalator{},
	}
	h.coord = NewCoordinator(h.store, h.dir, h.pub, Options{
		ResponseWindow: 10 * time.Second,
		Clock:          h.clock,
		Escalator:      h.esc,
	})
	t.Cleanup(h.coord.Shutdown)
	return h
}

func waiter(id string, northMeters float64) models.StaffPresence {
	loc := geo.Offset(table, northMeters, 0)
	return models.StaffPresence{StaffID: id, Connectivity: models.ConnectivityConnected, Location: &loc}
}

func arrival(eventID string) models.ServiceEvent {
	origin := table
	return models.ServiceEvent{EventID: eventID, Kind: models.EventKindArrival, TableID: "T5", Origin: &origin}
}

func (h *harness) get(t *testing.T, id string) models.Assignment {
	t.Helper()
	a, err := h.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return a
}

func TestTimeoutMovesOfferToNextNearest(t *testing.T) {
	h := newHarness(t, waiter("waiter2", 9), waiter("waiter1", 3))
	ctx := context.Background()

	a, err := h.coord.Dispatch(ctx, arrival("evt-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a.Status != models.AssignmentOffering || a.OffereeID != "waiter1" || a.OfferIndex != 0 {
		t.Fatalf("expected first offer to waiter1, got %+v", a)
	}
	if a.Deadline == nil || !a.Deadline.Equal(start.Add(10*time.Second)) {
		t.Fatalf("unexpected deadline %v", a.Deadline)
	}

	h.clock.Advance(10 * time.Second)
	a = h.get(t, a.AssignmentID)
	if a.OffereeID != "waiter2" || a.OfferIndex != 1 || a.Status != models.AssignmentOffering {
		t.Fatalf("expected offer to move to waiter2, got %+v", a)
	}
	if len(a.Passes) != 1 || a.Passes[0].StaffID != "waiter1" || a.Passes[0].Reason != models.PassReasonTimeout {
		t.Fatalf("unexpected passes %+v", a.Passes)
	}
	if len(a.NonResponsive) != 1 || a.NonResponsive[0] != "waiter1" {
		t.Fatalf("waiter1 should be marked non-responsive: %v", a.NonResponsive)
	}

	a, err = h.coord.Accept(ctx, a.AssignmentID, "waiter2", 1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a.Status != models.AssignmentAccepted || a.AcceptedBy != "waiter2" {
		t.Fatalf("unexpected accepted state %+v", a)
	}

	_, err = h.coord.Accept(ctx, a.AssignmentID, "waiter1", 0)
	if !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("late accept should be stale, got %v", err)
	}

	if h.pub.sent(notify.TypeOffer, notify.Staff("waiter1")) != 1 || h.pub.sent(notify.TypeOffer, notify.Staff("waiter2")) != 1 {
		t.Fatalf("each waiter should receive exactly one offer")
	}
	if h.pub.sent(notify.TypeOfferWithdrawn, notify.Staff("waiter1")) != 1 {
		t.Fatalf("timed out offer should be withdrawn")
	}
	if h.pub.sent(notify.TypeResolved, notify.Staff("waiter1")) != 1 || h.pub.sent(notify.TypeResolved, notify.Table("T5")) != 1 {
		t.Fatalf("resolution should reach earlier offerees and the table")
	}
	if h.dir.load("waiter2") != 1 {
		t.Fatalf("acceptor load should increase")
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("no timer should remain armed after accept")
	}
}

func TestAcceptRacingTimeoutHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9))
		ctx := context.Background()
		a, err := h.coord.Dispatch(ctx, arrival("evt-race"))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}

		var wg sync.WaitGroup
		var acceptErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, acceptErr = h.coord.Accept(ctx, a.AssignmentID, "waiter1", 0)
		}()
		h.clock.Advance(10 * time.Second)
		wg.Wait()

		got := h.get(t, a.AssignmentID)
		switch {
		case acceptErr == nil:
			if got.Status != models.AssignmentAccepted || got.AcceptedBy != "waiter1" || len(got.Passes) != 0 {
				t.Fatalf("accept won but state is %+v", got)
			}
		case errors.Is(acceptErr, ErrStaleOffer):
			if got.Status != models.AssignmentOffering || got.OffereeID != "waiter2" {
				t.Fatalf("timeout won but state is %+v", got)
			}
		default:
			t.Fatalf("unexpected accept error %v", acceptErr)
		}
	}
}

func TestConcurrentAcceptsResolveOnce(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9), waiter("waiter3", 20))
	ctx := context.Background()
	a, err := h.coord.Dispatch(ctx, arrival("evt-2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ids := []string{"waiter1", "waiter2", "waiter3", "waiter1", "waiter2", "waiter3"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.coord.Accept(ctx, a.AssignmentID, id, AnyOffer)
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		if id == "waiter1" && errs[i] != nil {
			t.Fatalf("offeree accept failed: %v", errs[i])
		}
		if id != "waiter1" && !errors.Is(errs[i], ErrNotCurrentOfferee) {
			t.Fatalf("%s should not be able to accept, got %v", id, errs[i])
		}
	}
	if got := h.get(t, a.AssignmentID); got.AcceptedBy != "waiter1" {
		t.Fatalf("unexpected acceptor %q", got.AcceptedBy)
	}
	if h.dir.load("waiter1") != 1 {
		t.Fatalf("load must be counted once, got %d", h.dir.load("waiter1"))
	}
}

func TestPassOffersNextImmediately(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-3"))

	if _, err := h.coord.Pass(ctx, a.AssignmentID, "waiter2", AnyOffer, ""); !errors.Is(err, ErrNotCurrentOfferee) {
		t.Fatalf("expected ErrNotCurrentOfferee, got %v", err)
	}

	h.clock.Advance(4 * time.Second)
	a, err := h.coord.Pass(ctx, a.AssignmentID, "waiter1", 0, "<b>on break</b>")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if a.OffereeID != "waiter2" || a.OfferIndex != 1 {
		t.Fatalf("expected waiter2 to hold the offer, got %+v", a)
	}
	if !a.Deadline.Equal(start.Add(14 * time.Second)) {
		t.Fatalf("new offer must get a full window, deadline %v", a.Deadline)
	}
	if a.Passes[0].Reason != "<b>on break</b>" {
		t.Fatalf("reason should pass through without a sanitizer: %q", a.Passes[0].Reason)
	}

	h.clock.Advance(6 * time.Second)
	if got := h.get(t, a.AssignmentID); got.OffereeID != "waiter2" || len(got.Passes) != 1 {
		t.Fatalf("stale timer for the first offer must be ignored: %+v", got)
	}
}

func TestExhaustionEscalates(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-4"))

	a, err := h.coord.Pass(ctx, a.AssignmentID, "waiter1", AnyOffer, "busy")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if a.Status != models.AssignmentExhausted || a.OffereeID != "" || a.ResolvedAt == nil {
		t.Fatalf("expected exhausted assignment, got %+v", a)
	}
	if h.esc.count() != 1 {
		t.Fatalf("expected one escalation, got %d", h.esc.count())
	}
	if h.pub.sent(notify.TypeExhausted, notify.Table("T5")) != 1 {
		t.Fatalf("table should learn nobody accepted")
	}
	if _, err := h.coord.Accept(ctx, a.AssignmentID, "waiter1", AnyOffer); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("expected stale offer, got %v", err)
	}
	stored, _ := h.store.GetAssignment(ctx, a.AssignmentID)
	if stored.Status != models.AssignmentExhausted {
		t.Fatalf("final state not persisted: %s", stored.Status)
	}
}

func TestNoConnectedStaff(t *testing.T) {
	offline := waiter("waiter1", 3)
	offline.Connectivity = models.ConnectivityDisconnected
	h := newHarness(t, offline)

	a, err := h.coord.Dispatch(context.Background(), arrival("evt-5"))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if a.Status != models.AssignmentExhausted || h.esc.count() != 1 {
		t.Fatalf("expected exhausted + escalated, got %+v", a)
	}
	if got := h.get(t, a.AssignmentID); got.Status != models.AssignmentExhausted {
		t.Fatalf("closed assignment should stay readable")
	}
}

func TestDisconnectPassesOnBehalfOfOfferee(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9), waiter("waiter3", 15))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-6"))

	h.dir.setConnectivity("waiter2", models.ConnectivityDisconnected)
	h.coord.StaffDisconnected("waiter2")
	h.dir.setConnectivity("waiter1", models.ConnectivityDisconnected)
	h.coord.StaffDisconnected("waiter1")

	got := h.get(t, a.AssignmentID)
	if got.OffereeID != "waiter3" || got.OfferIndex != 2 {
		t.Fatalf("expected offer to skip disconnected staff, got %+v", got)
	}
	if len(got.Passes) != 2 {
		t.Fatalf("expected two passes, got %+v", got.Passes)
	}
	for _, p := range got.Passes {
		if p.Reason != models.PassReasonDisconnected {
			t.Fatalf("unexpected pass reason %q", p.Reason)
		}
	}
	if h.pub.sent(notify.TypeOffer, notify.Staff("waiter2")) != 0 {
		t.Fatalf("disconnected staff must not be offered")
	}
}

func TestCancelWithdrawsOffer(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-7"))

	a, err := h.coord.CancelEvent(ctx, "evt-7")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != models.AssignmentCancelled || !a.Event.Cancelled {
		t.Fatalf("unexpected state %+v", a)
	}
	if h.pub.sent(notify.TypeCancelled, notify.Staff("waiter1")) != 1 {
		t.Fatalf("offeree should be told about the cancellation")
	}
	if _, err := h.coord.CancelEvent(ctx, "evt-7"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := h.coord.Accept(ctx, a.AssignmentID, "waiter1", AnyOffer); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("expected stale offer, got %v", err)
	}
	if _, err := h.coord.CancelEvent(ctx, "unknown"); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDispatchIsIdempotentPerEvent(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	first, _ := h.coord.Dispatch(ctx, arrival("evt-8"))
	second, err := h.coord.Dispatch(ctx, arrival("evt-8"))
	if err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	if first.AssignmentID != second.AssignmentID {
		t.Fatalf("expected same assignment, got %s and %s", first.AssignmentID, second.AssignmentID)
	}
	if h.pub.sent(notify.TypeOffer, notify.Staff("waiter1")) != 1 {
		t.Fatalf("re-dispatch must not re-offer")
	}
}

func TestDispatchRejectsInvalidEvents(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	bad := geo.Coordinate{Lat: 120}
	cases := []models.ServiceEvent{
		{Kind: models.EventKindArrival},
		{Kind: "party", TableID: "T1"},
		{Kind: models.EventKindArrival, TableID: "T1", Priority: "asap"},
		{Kind: models.EventKindArrival, TableID: "T1", Origin: &bad},
		{Kind: models.EventKindArrival, TableID: "T1", Cancelled: true},
	}
	for _, ev := range cases {
		if _, err := h.coord.Dispatch(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent for %+v, got %v", ev, err)
		}
	}
}

func TestPersistFailureOnCreate(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	h.store.createErr = errors.New("db down")
	if _, err := h.coord.Dispatch(context.Background(), arrival("evt-9")); err == nil {
		t.Fatalf("expected create error")
	}
	if h.pub.sent(notify.TypeOffer, notify.Staff("waiter1")) != 0 {
		t.Fatalf("nothing should be offered when the assignment was not stored")
	}
}

func TestCompleteReleasesLoad(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-10"))

	if _, err := h.coord.Complete(ctx, a.AssignmentID, "waiter1"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("expected ErrNotAccepted, got %v", err)
	}
	if _, err := h.coord.Accept(ctx, a.AssignmentID, "waiter1", AnyOffer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.coord.Complete(ctx, a.AssignmentID, "waiter2"); !errors.Is(err, ErrNotCurrentOfferee) {
		t.Fatalf("only the acceptor may complete, got %v", err)
	}
	done, err := h.coord.Complete(ctx, a.AssignmentID, "waiter1")
	if err != nil || done.ServedAt == nil {
		t.Fatalf("complete: %+v %v", done, err)
	}
	if _, err := h.coord.Complete(ctx, a.AssignmentID, "waiter1"); err != nil {
		t.Fatalf("second complete should be a no-op: %v", err)
	}
	if h.dir.load("waiter1") != 0 {
		t.Fatalf("load should be released exactly once, got %d", h.dir.load("waiter1"))
	}
}

func TestRecoverResumesOpenAssignments(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9))
	deadline := start.Add(-time.Second)
	h.store.assignments["a-1"] = models.Assignment{
		AssignmentID: "a-1",
		EventID:      "evt-old",
		Event:        arrival("evt-old"),
		Candidates:   []models.Candidate{{StaffID: "waiter1", Rank: 1}, {StaffID: "waiter2", Rank: 2}},
		OfferIndex:   1,
		OffereeID:    "waiter2",
		Status:       models.AssignmentOffering,
		Deadline:     &deadline,
	}

	n, err := h.coord.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	got := h.get(t, "a-1")
	if got.OffereeID != "waiter2" || !got.Deadline.Equal(start.Add(10*time.Second)) {
		t.Fatalf("expected fresh window for waiter2, got %+v", got)
	}
	if h.pub.sent(notify.TypeOffer, notify.Staff("waiter2")) != 1 {
		t.Fatalf("resumed offer should be re-sent")
	}
}

func TestPruneClosed(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-11"))
	if _, err := h.coord.Accept(ctx, a.AssignmentID, "waiter1", AnyOffer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.clock.Advance(time.Hour)

	if n := h.coord.PruneClosed(h.clock.Now().Add(-30 * time.Minute)); n != 1 {
		t.Fatalf("expected one pruned assignment, got %d", n)
	}
	if got := h.get(t, a.AssignmentID); got.Status != models.AssignmentAccepted {
		t.Fatalf("pruned assignment should still load from the store")
	}
}

func TestEscalationFollowsRankingToExhaustion(t *testing.T) {
	h := newHarness(t, waiter("C", 30), waiter("A", 5), waiter("B", 12))
	ctx := context.Background()
	a, err := h.coord.Dispatch(ctx, arrival("evt-12"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	steps := []struct {
		offeree  string
		elapsed  time.Duration
		deadline time.Duration
	}{
		{"A", 2 * time.Second, 10 * time.Second},
		{"B", 3 * time.Second, 12 * time.Second},
		{"C", 0, 15 * time.Second},
	}
	for i, step := range steps {
		if a.OffereeID != step.offeree || a.OfferIndex != i {
			t.Fatalf("step %d: expected offer to %s, got %+v", i, step.offeree, a)
		}
		if a.Deadline == nil || !a.Deadline.Equal(start.Add(step.deadline)) {
			t.Fatalf("step %d: each offer needs its own window, deadline %v", i, a.Deadline)
		}
		h.clock.Advance(step.elapsed)
		a, err = h.coord.Pass(ctx, a.AssignmentID, step.offeree, i, "busy")
		if err != nil {
			t.Fatalf("step %d: pass: %v", i, err)
		}
	}

	if a.Status != models.AssignmentExhausted || a.EscalationCount != 3 {
		t.Fatalf("expected exhausted after three passes, got %+v", a)
	}
	if got := h.pub.recipients(notify.TypeOffer); strings.Join(got, ",") != "A,B,C" {
		t.Fatalf("offers must follow the ranking, got %v", got)
	}
	for i, p := range a.Passes {
		if p.StaffID != steps[i].offeree {
			t.Fatalf("unexpected pass history %+v", a.Passes)
		}
	}
	if h.esc.count() != 1 {
		t.Fatalf("expected one escalation, got %d", h.esc.count())
	}
}

func TestReconnectedCandidateIsStillOffered(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9), waiter("waiter3", 20))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-13"))

	h.dir.setConnectivity("waiter2", models.ConnectivityDisconnected)
	h.coord.StaffDisconnected("waiter2")
	h.dir.setConnectivity("waiter2", models.ConnectivityConnected)

	a, err := h.coord.Pass(ctx, a.AssignmentID, "waiter1", 0, "busy")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if a.OffereeID != "waiter2" || a.OfferIndex != 1 {
		t.Fatalf("reconnected waiter2 should get the next offer, got %+v", a)
	}
	if len(a.Passes) != 1 || a.Passes[0].StaffID != "waiter1" {
		t.Fatalf("only waiter1 passed, got %+v", a.Passes)
	}
}

func TestCandidateOfflineAtTurnIsSkipped(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3), waiter("waiter2", 9), waiter("waiter3", 20))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-14"))

	h.dir.setConnectivity("waiter2", models.ConnectivityDisconnected)
	a, err := h.coord.Pass(ctx, a.AssignmentID, "waiter1", 0, "busy")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if a.OffereeID != "waiter3" || a.OfferIndex != 2 {
		t.Fatalf("expected waiter3 to be offered, got %+v", a)
	}
	if len(a.Passes) != 2 || a.Passes[1].StaffID != "waiter2" || a.Passes[1].Reason != models.PassReasonDisconnected {
		t.Fatalf("unexpected passes %+v", a.Passes)
	}
}

func TestCancelRacingAcceptHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, waiter("waiter1", 3))
		ctx := context.Background()
		a, err := h.coord.Dispatch(ctx, arrival("evt-cancel-race"))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.coord.Accept(ctx, a.AssignmentID, "waiter1", 0)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = h.coord.CancelEvent(ctx, "evt-cancel-race")
		}()
		wg.Wait()

		got := h.get(t, a.AssignmentID)
		switch got.Status {
		case models.AssignmentCancelled:
			if cancelErr != nil || !errors.Is(acceptErr, ErrStaleOffer) {
				t.Fatalf("cancel won: cancel=%v accept=%v", cancelErr, acceptErr)
			}
			if h.dir.load("waiter1") != 0 {
				t.Fatalf("a cancelled assignment must not add load")
			}
		case models.AssignmentAccepted:
			if acceptErr != nil || !errors.Is(cancelErr, ErrAlreadyResolved) {
				t.Fatalf("accept won: cancel=%v accept=%v", cancelErr, acceptErr)
			}
		default:
			t.Fatalf("unexpected final state %+v", got)
		}
	}
}

func TestConcurrentCompletesReleaseLoadOnce(t *testing.T) {
	h := newHarness(t, waiter("waiter1", 3))
	ctx := context.Background()
	a, _ := h.coord.Dispatch(ctx, arrival("evt-15"))
	if _, err := h.coord.Accept(ctx, a.AssignmentID, "waiter1", AnyOffer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.clock.Advance(time.Hour)
	h.coord.PruneClosed(h.clock.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coord.Complete(ctx, a.AssignmentID, "waiter1"); err != nil {
				t.Errorf("complete: %v", err)
			}
		}()
	}
	wg.Wait()

	if h.dir.load("waiter1") != 0 {
		t.Fatalf("load should be released exactly once, got %d", h.dir.load("waiter1"))
	}
	stored, _ := h.store.GetAssignment(ctx, a.AssignmentID)
	if stored.ServedAt == nil {
		t.Fatalf("served time should be persisted")
	}
}
