package dispatch

import (
	"context"
	"errors"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"

	"go.uber.org/zap"
)

var errActorClosed = errors.New("assignment no longer active")

const inboxSize = 32

type cmdKind int

const (
	cmdSnapshot cmdKind = iota
	cmdAccept
	cmdPass
	cmdTimeout
	cmdDisconnect
	cmdCancel
)

type command struct {
	kind    cmdKind
	staffID string
	offer   int
	reason  string
	reply   chan result
}

type result struct {
	assignment models.Assignment
	err        error
}

// actor owns one assignment. Only its run goroutine touches state.
type actor struct {
	c     *Coordinator
	state models.Assignment
	timer clock.Timer

	inbox chan command
	done  chan struct{}
}

func newActor(c *Coordinator, a models.Assignment) *actor {
	return &actor{
		c:     c,
		state: a.Clone(),
		inbox: make(chan command, inboxSize),
		done:  make(chan struct{}),
	}
}

func (a *actor) run(resume bool) {
	if resume {
		a.c.log.Info("assignment resumed",
			zap.String("assignment_id", a.state.AssignmentID),
			zap.Int("offer_index", a.state.OfferIndex),
		)
	}
	a.offerCurrent()

	for !a.state.Terminal() {
		select {
		case cmd := <-a.inbox:
			snap, err := a.handle(cmd)
			if cmd.reply != nil {
				cmd.reply <- result{assignment: snap, err: err}
			}
		case <-a.c.quit:
			a.stopTimer()
			close(a.done)
			return
		}
	}
	a.c.retire(a.state.Clone())
	close(a.done)
}

// request delivers cmd and waits for the reply. It returns errActorClosed
// when the assignment resolved before cmd was handled.
func (a *actor) request(ctx context.Context, cmd command) (models.Assignment, error) {
	cmd.reply = make(chan result, 1)
	select {
	case a.inbox <- cmd:
	case <-a.done:
		return models.Assignment{}, errActorClosed
	case <-ctx.Done():
		return models.Assignment{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.assignment, res.err
	case <-a.done:
		select {
		case res := <-cmd.reply:
			return res.assignment, res.err
		default:
			return models.Assignment{}, errActorClosed
		}
	case <-ctx.Done():
		return models.Assignment{}, ctx.Err()
	}
}

// post delivers cmd without waiting for a reply.
func (a *actor) post(cmd command) {
	select {
	case a.inbox <- cmd:
	case <-a.done:
	case <-a.c.quit:
	}
}

func (a *actor) handle(cmd command) (models.Assignment, error) {
	switch cmd.kind {
	case cmdAccept:
		if err := a.checkOfferee(cmd.staffID, cmd.offer); err != nil {
			return a.state.Clone(), err
		}
		a.accept(cmd.staffID)
	case cmdPass:
		if err := a.checkOfferee(cmd.staffID, cmd.offer); err != nil {
			return a.state.Clone(), err
		}
		a.advance(cmd.staffID, cmd.reason)
	case cmdTimeout:
		// A timer that lost the race with an accept or pass carries an
		// old offer index.
		if a.state.Status != models.AssignmentOffering || cmd.offer != a.state.OfferIndex {
			break
		}
		offerTimeouts.Add(1)
		a.state.NonResponsive = append(a.state.NonResponsive, a.state.OffereeID)
		a.advance(a.state.OffereeID, models.PassReasonTimeout)
	case cmdDisconnect:
		// Later candidates are checked when their turn comes.
		if a.state.Status == models.AssignmentOffering && cmd.staffID == a.state.OffereeID {
			a.advance(cmd.staffID, models.PassReasonDisconnected)
		}
	case cmdCancel:
		a.cancel()
	}
	return a.state.Clone(), nil
}

func (a *actor) checkOfferee(staffID string, offer int) error {
	if staffID == a.state.OffereeID && (offer == AnyOffer || offer == a.state.OfferIndex) {
		return nil
	}
	if staffID == a.state.OffereeID {
		return ErrStaleOffer
	}
	for i := 0; i < a.state.OfferIndex && i < len(a.state.Candidates); i++ {
		if a.state.Candidates[i].StaffID == staffID {
			return ErrStaleOffer
		}
	}
	return ErrNotCurrentOfferee
}

func (a *actor) offerCurrent() {
	cand := a.state.Candidates[a.state.OfferIndex]
	now := a.c.clock.Now()
	deadline := now.Add(a.c.window)

	if a.state.Status != models.AssignmentOffering {
		a.transition(models.AssignmentOffering)
	}
	a.state.OffereeID = cand.StaffID
	a.state.Deadline = &deadline
	a.state.UpdatedAt = now

	index := a.state.OfferIndex
	a.timer = a.c.clock.AfterFunc(a.c.window, func() {
		a.post(command{kind: cmdTimeout, offer: index})
	})

	a.c.persist(a.state)
	a.c.publish(notify.TypeOffer, notify.Staff(cand.StaffID), notify.OfferPayload{
		AssignmentID:   a.state.AssignmentID,
		EventID:        a.state.EventID,
		Kind:           a.state.Event.Kind,
		TableID:        a.state.Event.TableID,
		Priority:       a.state.Event.Priority,
		OfferIndex:     index,
		Rank:           cand.Rank,
		DistanceMeters: cand.DistanceMeters,
		Deadline:       deadline,
	})
	a.c.log.Debug("offer issued",
		zap.String("assignment_id", a.state.AssignmentID),
		zap.String("staff_id", cand.StaffID),
		zap.Int("offer_index", index),
	)
}

func (a *actor) accept(staffID string) {
	a.stopTimer()
	now := a.c.clock.Now()
	a.transition(models.AssignmentAccepted)
	a.state.AcceptedBy = staffID
	a.state.Deadline = nil
	a.state.ResolvedAt = &now
	a.state.UpdatedAt = now

	a.c.persist(a.state)
	a.c.adjustLoad(staffID, 1)
	assignmentsAccepted.Add(1)

	payload := a.resolution("")
	for _, id := range a.state.OfferedStaff() {
		if id != staffID {
			a.c.publish(notify.TypeResolved, notify.Staff(id), payload)
		}
	}
	a.c.publishOrigin(notify.TypeResolved, a.state, payload)
	a.c.log.Info("assignment accepted",
		zap.String("assignment_id", a.state.AssignmentID),
		zap.String("staff_id", staffID),
		zap.Int("offer_index", a.state.OfferIndex),
		zap.Duration("elapsed", now.Sub(a.state.CreatedAt)),
	)
}

// advance records a pass by the current offeree and offers the next
// reachable candidate, or exhausts the assignment.
func (a *actor) advance(staffID, reason string) {
	a.stopTimer()
	now := a.c.clock.Now()
	withdrawnIndex := a.state.OfferIndex

	a.state.Passes = append(a.state.Passes, models.Pass{StaffID: staffID, Reason: reason, At: now})
	a.transition(models.AssignmentEscalating)
	a.state.EscalationCount++
	a.state.Deadline = nil
	a.state.UpdatedAt = now

	withdrawn := a.resolution(reason)
	withdrawn.OfferIndex = withdrawnIndex
	a.c.publish(notify.TypeOfferWithdrawn, notify.Staff(staffID), withdrawn)
	a.c.log.Info("offer passed",
		zap.String("assignment_id", a.state.AssignmentID),
		zap.String("staff_id", staffID),
		zap.String("reason", reason),
		zap.Int("offer_index", withdrawnIndex),
	)

	for {
		a.state.OfferIndex++
		if a.state.OfferIndex >= len(a.state.Candidates) {
			a.exhaust()
			return
		}
		next := a.state.Candidates[a.state.OfferIndex].StaffID
		if a.c.reachable(next) {
			a.offerCurrent()
			return
		}
		a.state.Passes = append(a.state.Passes, models.Pass{StaffID: next, Reason: models.PassReasonDisconnected, At: now})
		a.state.EscalationCount++
	}
}

func (a *actor) exhaust() {
	now := a.c.clock.Now()
	a.transition(models.AssignmentExhausted)
	a.state.OffereeID = ""
	a.state.Deadline = nil
	a.state.ResolvedAt = &now
	a.state.UpdatedAt = now

	a.c.persist(a.state)
	a.c.publishOrigin(notify.TypeExhausted, a.state, a.resolution("no staff accepted"))
	a.c.exhausted(a.state, "all candidates passed")
}

func (a *actor) cancel() {
	if a.state.Status != models.AssignmentOffering {
		return
	}
	a.stopTimer()
	now := a.c.clock.Now()
	offeree := a.state.OffereeID
	a.transition(models.AssignmentCancelled)
	a.state.Event.Cancelled = true
	a.state.Deadline = nil
	a.state.ResolvedAt = &now
	a.state.UpdatedAt = now

	a.c.persist(a.state)
	assignmentsCancelled.Add(1)
	a.c.publish(notify.TypeCancelled, notify.Staff(offeree), a.resolution("event cancelled"))
	a.c.log.Info("assignment cancelled",
		zap.String("assignment_id", a.state.AssignmentID),
		zap.String("event_id", a.state.EventID),
	)
}

func (a *actor) transition(to string) {
	if !ValidTransition(a.state.Status, to) {
		a.c.log.DPanic("invalid assignment transition",
			zap.String("assignment_id", a.state.AssignmentID),
			zap.String("from", a.state.Status),
			zap.String("to", to),
		)
	}
	a.state.Status = to
}

func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *actor) resolution(reason string) notify.ResolutionPayload {
	return notify.ResolutionPayload{
		AssignmentID: a.state.AssignmentID,
		EventID:      a.state.EventID,
		TableID:      a.state.Event.TableID,
		Status:       a.state.Status,
		AcceptedBy:   a.state.AcceptedBy,
		OfferIndex:   a.state.OfferIndex,
		Reason:       reason,
	}
}
