package guardian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/notify"

	"go.uber.org/zap"
)

var errSessionClosed = errors.New("session no longer live")

const inboxSize = 16

const exitWarning = "You have left the service zone. Your session will end soon."

type cmdKind int

const (
	cmdSnapshot cmdKind = iota
	cmdValidate
	cmdSample
	cmdGraceExpired
	cmdTerminate
	cmdExpireUnvalidated
)

type command struct {
	kind    cmdKind
	sample  models.LocationSample
	episode int
	reason  string
	cutoff  time.Time
	reply   chan result
}

type result struct {
	session models.ClientSession
	err     error
}

type session struct {
	g     *Guardian
	state models.ClientSession
	timer clock.Timer

	inbox chan command
	done  chan struct{}
}

func newSession(g *Guardian, state models.ClientSession) *session {
	return &session{
		g:     g,
		state: state.Clone(),
		inbox: make(chan command, inboxSize),
		done:  make(chan struct{}),
	}
}

func (s *session) run(resume bool) {
	if resume && s.state.Membership == models.MembershipExiting {
		zone, found := s.g.zones.Get(s.state.ZoneID)
		if s.autoLogout(zone, found) {
			s.armGrace(s.g.gracePeriod(zone, found))
		}
	}

	for s.state.Membership != models.MembershipTerminated {
		select {
		case cmd := <-s.inbox:
			snap, err := s.handle(cmd)
			if cmd.reply != nil {
				cmd.reply <- result{session: snap, err: err}
			}
		case <-s.g.quit:
			s.stopTimer()
			close(s.done)
			return
		}
	}
	s.g.retire(s.state.Clone())
	close(s.done)
}

func (s *session) request(ctx context.Context, cmd command) (models.ClientSession, error) {
	cmd.reply = make(chan result, 1)
	select {
	case s.inbox <- cmd:
	case <-s.done:
		return models.ClientSession{}, errSessionClosed
	case <-ctx.Done():
		return models.ClientSession{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.session, res.err
	case <-s.done:
		select {
		case res := <-cmd.reply:
			return res.session, res.err
		default:
			return models.ClientSession{}, errSessionClosed
		}
	case <-ctx.Done():
		return models.ClientSession{}, ctx.Err()
	}
}

func (s *session) post(cmd command) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	case <-s.g.quit:
	}
}

func (s *session) handle(cmd command) (models.ClientSession, error) {
	switch cmd.kind {
	case cmdValidate, cmdSample:
		// Every attempt on an unvalidated session is evaluated, so a retry
		// of the same fix reports its own outcome.
		if s.state.Membership == models.MembershipUnvalidated {
			return s.validate(cmd.sample)
		}
		if !s.newer(cmd.sample) {
			return s.state.Clone(), nil
		}
		s.observe(cmd.sample)
	case cmdGraceExpired:
		if s.state.Membership == models.MembershipExiting && cmd.episode == s.state.ExitEpisode {
			s.terminate(models.TerminationLeftZone)
		}
	case cmdTerminate:
		s.terminate(cmd.reason)
	case cmdExpireUnvalidated:
		if s.state.Membership == models.MembershipUnvalidated && s.state.CreatedAt.Before(cmd.cutoff) {
			s.terminate(models.TerminationValidationTimeout)
		}
	}
	return s.state.Clone(), nil
}

// newer reports whether sample is later than the last accepted one.
func (s *session) newer(sample models.LocationSample) bool {
	return s.state.LastSample == nil || sample.Timestamp.After(s.state.LastSample.Timestamp)
}

func (s *session) validate(sample models.LocationSample) (models.ClientSession, error) {
	if s.newer(sample) {
		s.record(sample, s.g.clock.Now())
	}

	matches := s.g.zones.Containing(sample.Coordinate)
	if len(matches) == 0 {
		s.g.persist(s.state)
		if nearest, ok := s.g.zones.Nearest(sample.Coordinate); ok {
			return s.state.Clone(), fmt.Errorf("%w: nearest zone %q is %.0f m away",
				ErrNoZoneContainsPoint, nearest.Zone.Name, nearest.DistanceMeters-nearest.Zone.RadiusMeters)
		}
		return s.state.Clone(), ErrNoZoneContainsPoint
	}

	var zone models.Zone
	found := false
	for _, m := range matches {
		if m.Zone.Status == models.ZoneActive {
			zone, found = m.Zone, true
			break
		}
	}
	if !found {
		s.g.persist(s.state)
		return s.state.Clone(), fmt.Errorf("%w: %q is %s", ErrZoneInactive, matches[0].Zone.Name, matches[0].Zone.Status)
	}
	if !zone.Settings.AllowLogin {
		s.g.persist(s.state)
		return s.state.Clone(), fmt.Errorf("%w: %q", ErrLoginNotAllowed, zone.Name)
	}
	if !s.g.claim(zone) {
		s.g.persist(s.state)
		return s.state.Clone(), fmt.Errorf("%w: %q allows %d sessions", ErrZoneFull, zone.Name, zone.Settings.MaxConcurrentSessions)
	}

	s.transition(models.MembershipInside)
	s.state.ZoneID = zone.ZoneID
	s.state.WarningShown = false
	s.stopTimer()
	s.g.persist(s.state)
	sessionsValidated.Add(1)
	s.g.log.Info("session validated",
		zap.String("session_id", s.state.SessionID),
		zap.String("zone_id", zone.ZoneID),
		zap.String("zone", zone.Name),
	)
	return s.state.Clone(), nil
}

// observe applies a monitoring sample to a validated session.
func (s *session) observe(sample models.LocationSample) {
	now := s.g.clock.Now()
	s.record(sample, now)

	zone, found := s.g.zones.Get(s.state.ZoneID)
	inside := found && zone.Contains(sample.Coordinate)

	switch {
	case s.state.Membership == models.MembershipInside && !inside:
		s.exit(zone, found)
	case s.state.Membership == models.MembershipExiting && inside:
		s.stopTimer()
		s.transition(models.MembershipInside)
		s.state.WarningShown = false
		s.g.publish(notify.TypeSessionRestore, s.state, s.payload(zone, ""))
		s.g.log.Info("session back inside zone", zap.String("session_id", s.state.SessionID))
	}
	s.g.persist(s.state)
}

func (s *session) exit(zone models.Zone, found bool) {
	s.transition(models.MembershipExiting)
	s.state.ExitEpisode++
	grace := s.g.gracePeriod(zone, found)

	warn := !found || zone.Settings.RequireLocation
	if warn && !s.state.WarningShown {
		s.state.WarningShown = true
		exitWarnings.Add(1)
		payload := s.payload(zone, exitWarning)
		if s.autoLogout(zone, found) {
			payload.GraceSeconds = int(grace / time.Second)
		}
		s.g.publish(notify.TypeSessionWarning, s.state, payload)
	}
	if s.autoLogout(zone, found) {
		s.armGrace(grace)
	}
	s.g.log.Info("session left zone",
		zap.String("session_id", s.state.SessionID),
		zap.String("zone_id", s.state.ZoneID),
		zap.Int("episode", s.state.ExitEpisode),
		zap.Bool("zone_found", found),
	)
}

func (s *session) terminate(reason string) {
	s.stopTimer()
	heldSlot := s.state.HoldsSlot()
	now := s.g.clock.Now()
	s.transition(models.MembershipTerminated)
	s.state.TerminationReason = reason
	s.state.TerminatedAt = &now
	s.state.UpdatedAt = now

	s.g.persist(s.state)
	sessionsTerminated.Add(1)
	zone, _ := s.g.zones.Get(s.state.ZoneID)
	s.g.publish(notify.TypeSessionEnded, s.state, s.payload(zone, ""))
	s.g.log.Info("session terminated",
		zap.String("session_id", s.state.SessionID),
		zap.String("reason", reason),
	)
	if heldSlot {
		s.g.release(s.state.ZoneID)
	}
}

func (s *session) armGrace(d time.Duration) {
	s.stopTimer()
	episode := s.state.ExitEpisode
	s.timer = s.g.clock.AfterFunc(d, func() {
		s.post(command{kind: cmdGraceExpired, episode: episode})
	})
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) record(sample models.LocationSample, now time.Time) {
	sample.AccuracyMeters = copyFloat(sample.AccuracyMeters)
	s.state.LastSample = &sample
	s.state.UpdatedAt = now
}

func (s *session) transition(to string) {
	if !ValidTransition(s.state.Membership, to) {
		s.g.log.DPanic("invalid membership transition",
			zap.String("session_id", s.state.SessionID),
			zap.String("from", s.state.Membership),
			zap.String("to", to),
		)
	}
	s.state.Membership = to
}

// autoLogout reports whether leaving the zone starts a grace timer. A zone
// that no longer exists always does.
func (s *session) autoLogout(zone models.Zone, found bool) bool {
	return !found || zone.Settings.AutoLogout
}

func (s *session) payload(zone models.Zone, message string) notify.SessionPayload {
	return notify.SessionPayload{
		SessionID:  s.state.SessionID,
		ZoneID:     s.state.ZoneID,
		ZoneName:   zone.Name,
		Membership: s.state.Membership,
		Message:    message,
		Reason:     s.state.TerminationReason,
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
