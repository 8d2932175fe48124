// Package staff tracks connectivity, last known location and current load for
// every staff member. Writes for one staff id are serialized on that entry's
// lock; different staff members never contend beyond the map lookup.
package staff

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/store"

	"go.uber.org/zap"
)

var ErrUnknownStaff = errors.New("unknown staff member")

const persistTimeout = 2 * time.Second

// Watcher is told when a staff member stops being reachable.
type Watcher interface {
	StaffDisconnected(staffID string)
}

type entry struct {
	mu       sync.Mutex
	presence models.StaffPresence
	removed  bool
}

type Directory struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	watchers []Watcher

	store store.PresenceStore
	clock clock.Clock
	log   *zap.Logger
}

func NewDirectory(presence store.PresenceStore, clk clock.Clock, logger *zap.Logger) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		entries: make(map[string]*entry),
		store:   presence,
		clock:   clk,
		log:     logger,
	}
}

func (d *Directory) Watch(w Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers = append(d.watchers, w)
}

// Restore loads the last persisted presence records. Everyone starts
// disconnected until their client reconnects.
func (d *Directory) Restore(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	records, err := d.store.ListPresence(ctx)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range records {
		p.Connectivity = models.ConnectivityDisconnected
		d.entries[p.StaffID] = &entry{presence: p}
	}
	return len(records), nil
}

func (d *Directory) Connect(ctx context.Context, staffID string) models.StaffPresence {
	presence, _ := d.update(ctx, staffID, true, func(p *models.StaffPresence) bool {
		p.Connectivity = models.ConnectivityConnected
		return true
	})
	return presence
}

// Touch refreshes presence for a staff member whose connection is still
// open. It also restores connectivity if the stale sweep expired them.
func (d *Directory) Touch(ctx context.Context, staffID string) (models.StaffPresence, error) {
	return d.update(ctx, staffID, true, func(p *models.StaffPresence) bool {
		p.Connectivity = models.ConnectivityConnected
		return true
	})
}

// Disconnect marks the staff member unreachable and informs watchers when the
// state actually changed.
func (d *Directory) Disconnect(ctx context.Context, staffID string) (models.StaffPresence, error) {
	changed := false
	presence, err := d.update(ctx, staffID, false, func(p *models.StaffPresence) bool {
		changed = p.Connected()
		p.Connectivity = models.ConnectivityDisconnected
		return changed
	})
	if err != nil {
		return models.StaffPresence{}, err
	}
	if changed {
		d.notifyDisconnected(staffID)
	}
	return presence, nil
}

// ReportLocation records a location ping. Pings older than the last accepted
// one are ignored.
func (d *Directory) ReportLocation(ctx context.Context, staffID string, at geo.Coordinate, sampledAt time.Time) (models.StaffPresence, error) {
	if err := at.Validate(); err != nil {
		return models.StaffPresence{}, err
	}
	if sampledAt.IsZero() {
		sampledAt = d.clock.Now()
	}
	return d.update(ctx, staffID, true, func(p *models.StaffPresence) bool {
		if p.LocatedAt != nil && !sampledAt.After(*p.LocatedAt) {
			return false
		}
		loc := at
		ts := sampledAt
		p.Location = &loc
		p.LocatedAt = &ts
		return true
	})
}

func (d *Directory) AdjustLoad(ctx context.Context, staffID string, delta int) (models.StaffPresence, error) {
	return d.update(ctx, staffID, false, func(p *models.StaffPresence) bool {
		p.Load += delta
		if p.Load < 0 {
			p.Load = 0
		}
		return true
	})
}

// Remove drops the staff member entirely, as on logout.
func (d *Directory) Remove(ctx context.Context, staffID string) error {
	d.mu.Lock()
	e, ok := d.entries[staffID]
	if ok {
		delete(d.entries, staffID)
	}
	d.mu.Unlock()
	if !ok {
		return ErrUnknownStaff
	}

	e.mu.Lock()
	wasConnected := e.presence.Connected()
	e.removed = true
	e.mu.Unlock()

	if d.store != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := d.store.DeletePresence(pctx, staffID); err != nil {
			d.log.Warn("delete presence failed", zap.String("staff_id", staffID), zap.Error(err))
		}
		cancel()
	}
	if wasConnected {
		d.notifyDisconnected(staffID)
	}
	return nil
}

// ExpireStale disconnects connected staff whose presence has not been
// refreshed within maxAge and returns their ids.
func (d *Directory) ExpireStale(ctx context.Context, maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := d.clock.Now().Add(-maxAge)
	var stale []string
	for _, p := range d.Snapshot() {
		if p.Connected() && p.UpdatedAt.Before(cutoff) {
			stale = append(stale, p.StaffID)
		}
	}
	var expired []string
	for _, staffID := range stale {
		changed := false
		_, err := d.update(ctx, staffID, false, func(p *models.StaffPresence) bool {
			if !p.Connected() || !p.UpdatedAt.Before(cutoff) {
				return false
			}
			changed = true
			p.Connectivity = models.ConnectivityDisconnected
			return true
		})
		if err == nil && changed {
			expired = append(expired, staffID)
			d.notifyDisconnected(staffID)
		}
	}
	return expired
}

func (d *Directory) Get(staffID string) (models.StaffPresence, bool) {
	d.mu.RLock()
	e, ok := d.entries[staffID]
	d.mu.RUnlock()
	if !ok {
		return models.StaffPresence{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePresence(e.presence), true
}

// Snapshot returns every known staff member ordered by id.
func (d *Directory) Snapshot() []models.StaffPresence {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	out := make([]models.StaffPresence, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, clonePresence(e.presence))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StaffID < out[j].StaffID })
	return out
}

// Connected returns the reachable staff members ordered by id.
func (d *Directory) Connected() []models.StaffPresence {
	all := d.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Connected() {
			out = append(out, p)
		}
	}
	return out
}

func (d *Directory) update(ctx context.Context, staffID string, create bool, mutate func(p *models.StaffPresence) bool) (models.StaffPresence, error) {
	e, err := d.lookup(staffID, create)
	if err != nil {
		return models.StaffPresence{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.StaffPresence{}, ErrUnknownStaff
	}
	if !mutate(&e.presence) {
		return clonePresence(e.presence), nil
	}
	e.presence.UpdatedAt = d.clock.Now()
	current := clonePresence(e.presence)

	if d.store != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := d.store.SavePresence(pctx, current); err != nil {
			d.log.Warn("save presence failed", zap.String("staff_id", staffID), zap.Error(err))
		}
		cancel()
	}
	return current, nil
}

func (d *Directory) lookup(staffID string, create bool) (*entry, error) {
	d.mu.RLock()
	e, ok := d.entries[staffID]
	d.mu.RUnlock()
	if ok {
		return e, nil
	}
	if !create {
		return nil, ErrUnknownStaff
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[staffID]; ok {
		return e, nil
	}
	e = &entry{presence: models.StaffPresence{
		StaffID:      staffID,
		Connectivity: models.ConnectivityDisconnected,
		UpdatedAt:    d.clock.Now(),
	}}
	d.entries[staffID] = e
	return e, nil
}

func (d *Directory) notifyDisconnected(staffID string) {
	d.mu.RLock()
	watchers := append([]Watcher(nil), d.watchers...)
	d.mu.RUnlock()
	for _, w := range watchers {
		w.StaffDisconnected(staffID)
	}
}

func clonePresence(p models.StaffPresence) models.StaffPresence {
	out := p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	if p.LocatedAt != nil {
		ts := *p.LocatedAt
		out.LocatedAt = &ts
	}
	return out
}
