// Package zones holds the configured service zones. Readers always see a
// complete immutable snapshot; admin writes validate, persist, then swap the
// snapshot atomically.
package zones

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"cafe/dispatch-service/internal/clock"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

var (
	ErrInvalidZoneConfig = errors.New("invalid zone configuration")
	ErrZoneNotFound      = store.ErrZoneNotFound
)

const maxNameLength = 120

// DefaultSettings apply to a new zone created without a settings object. A
// zero grace period defers to the session guardian's default.
var DefaultSettings = models.ZoneSettings{
	AllowLogin:      true,
	AutoLogout:      true,
	RequireLocation: true,
}

// Input is an admin zone write. A nil Settings keeps the current settings on
// update and uses DefaultSettings on create.
type Input struct {
	Name         string               `json:"name"`
	Center       geo.Coordinate       `json:"center"`
	RadiusMeters float64              `json:"radius_meters"`
	Settings     *models.ZoneSettings `json:"settings,omitempty"`
	Status       string               `json:"status"`
}

func (in Input) settingsOr(fallback models.ZoneSettings) models.ZoneSettings {
	if in.Settings == nil {
		return fallback
	}
	return *in.Settings
}

// Match pairs a zone with the distance from a sample to its center.
type Match struct {
	Zone           models.Zone
	DistanceMeters float64
}

type snapshot struct {
	byID    map[string]models.Zone
	ordered []models.Zone
}

type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	store    store.ZoneStore
	clock    clock.Clock
	log      *zap.Logger
	sanitize *bluemonday.Policy
}

func NewRegistry(zoneStore store.ZoneStore, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:    zoneStore,
		clock:    clk,
		log:      logger,
		sanitize: bluemonday.StrictPolicy(),
	}
	r.snap.Store(buildSnapshot(nil))
	return r
}

// Load replaces the in-memory zones with the persisted ones. Persisted zones
// that fail validation are skipped and logged.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	zones, err := r.store.ListZones(ctx)
	if err != nil {
		return 0, err
	}
	valid := make([]models.Zone, 0, len(zones))
	for _, z := range zones {
		if err := validate(z.Name, z.Center, z.RadiusMeters, z.Settings, z.Status); err != nil {
			r.log.Warn("skip invalid persisted zone", zap.String("zone_id", z.ZoneID), zap.Error(err))
			continue
		}
		valid = append(valid, z)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(buildSnapshot(valid))
	return len(valid), nil
}

func (r *Registry) Create(ctx context.Context, in Input) (models.Zone, error) {
	in = r.normalize(in)
	settings := in.settingsOr(DefaultSettings)
	if err := validate(in.Name, in.Center, in.RadiusMeters, settings, in.Status); err != nil {
		return models.Zone{}, err
	}
	now := r.clock.Now()
	zone := models.Zone{
		ZoneID:       uuid.NewString(),
		Name:         in.Name,
		Center:       in.Center,
		RadiusMeters: in.RadiusMeters,
		Settings:     settings,
		Status:       in.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.CreateZone(ctx, zone); err != nil {
			return models.Zone{}, err
		}
	}
	r.swap(func(zones map[string]models.Zone) { zones[zone.ZoneID] = zone })
	r.log.Info("zone created", zap.String("zone_id", zone.ZoneID), zap.String("name", zone.Name), zap.Float64("radius_m", zone.RadiusMeters))
	return zone, nil
}

func (r *Registry) Update(ctx context.Context, zoneID string, in Input) (models.Zone, error) {
	in = r.normalize(in)

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.snap.Load().byID[zoneID]
	if !ok {
		return models.Zone{}, ErrZoneNotFound
	}
	settings := in.settingsOr(current.Settings)
	if err := validate(in.Name, in.Center, in.RadiusMeters, settings, in.Status); err != nil {
		return models.Zone{}, err
	}
	updated := current
	updated.Name = in.Name
	updated.Center = in.Center
	updated.RadiusMeters = in.RadiusMeters
	updated.Settings = settings
	updated.Status = in.Status
	updated.UpdatedAt = r.clock.Now()

	if r.store != nil {
		if err := r.store.UpdateZone(ctx, updated); err != nil {
			return models.Zone{}, err
		}
	}
	r.swap(func(zones map[string]models.Zone) { zones[zoneID] = updated })
	r.log.Info("zone updated", zap.String("zone_id", zoneID), zap.String("status", updated.Status))
	return updated, nil
}

func (r *Registry) Delete(ctx context.Context, zoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snap.Load().byID[zoneID]; !ok {
		return ErrZoneNotFound
	}
	if r.store != nil {
		if err := r.store.DeleteZone(ctx, zoneID); err != nil {
			return err
		}
	}
	r.swap(func(zones map[string]models.Zone) { delete(zones, zoneID) })
	r.log.Info("zone deleted", zap.String("zone_id", zoneID))
	return nil
}

func (r *Registry) Get(zoneID string) (models.Zone, bool) {
	z, ok := r.snap.Load().byID[zoneID]
	return z, ok
}

// List returns every zone ordered by name, then id.
func (r *Registry) List() []models.Zone {
	return append([]models.Zone(nil), r.snap.Load().ordered...)
}

// Containing returns every zone whose circle includes p, nearest center
// first, regardless of zone status.
func (r *Registry) Containing(p geo.Coordinate) []Match {
	var matches []Match
	for _, z := range r.snap.Load().ordered {
		d := geo.Distance(z.Center, p)
		if d <= z.RadiusMeters {
			matches = append(matches, Match{Zone: z, DistanceMeters: d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].DistanceMeters < matches[j].DistanceMeters })
	return matches
}

// Nearest returns the zone whose boundary is closest to p.
func (r *Registry) Nearest(p geo.Coordinate) (Match, bool) {
	var best Match
	found := false
	bestGap := math.Inf(1)
	for _, z := range r.snap.Load().ordered {
		d := geo.Distance(z.Center, p)
		if gap := d - z.RadiusMeters; gap < bestGap {
			best, bestGap, found = Match{Zone: z, DistanceMeters: d}, gap, true
		}
	}
	return best, found
}

func (r *Registry) normalize(in Input) Input {
	in.Name = strings.TrimSpace(r.sanitize.Sanitize(in.Name))
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
	if in.Status == "" {
		in.Status = models.ZoneActive
	}
	return in
}

// swap must be called with r.mu held.
func (r *Registry) swap(mutate func(zones map[string]models.Zone)) {
	current := r.snap.Load()
	next := make(map[string]models.Zone, len(current.byID)+1)
	for id, z := range current.byID {
		next[id] = z
	}
	mutate(next)
	zones := make([]models.Zone, 0, len(next))
	for _, z := range next {
		zones = append(zones, z)
	}
	r.snap.Store(buildSnapshot(zones))
}

func buildSnapshot(zones []models.Zone) *snapshot {
	s := &snapshot{byID: make(map[string]models.Zone, len(zones))}
	for _, z := range zones {
		s.byID[z.ZoneID] = z
	}
	s.ordered = make([]models.Zone, 0, len(s.byID))
	for _, z := range s.byID {
		s.ordered = append(s.ordered, z)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].Name == s.ordered[j].Name {
			return s.ordered[i].ZoneID < s.ordered[j].ZoneID
		}
		return s.ordered[i].Name < s.ordered[j].Name
	})
	return s
}

func validate(name string, center geo.Coordinate, radius float64, settings models.ZoneSettings, status string) error {
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidZoneConfig, maxNameLength)
	}
	if err := center.Validate(); err != nil {
		return fmt.Errorf("%w: center: %v", ErrInvalidZoneConfig, err)
	}
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
		return fmt.Errorf("%w: radius must be a positive number of meters", ErrInvalidZoneConfig)
	}
	if settings.LogoutGracePeriodSeconds < 0 {
		return fmt.Errorf("%w: logout grace period must not be negative", ErrInvalidZoneConfig)
	}
	if settings.MaxConcurrentSessions < 0 {
		return fmt.Errorf("%w: max concurrent sessions must not be negative", ErrInvalidZoneConfig)
	}
	switch status {
	case models.ZoneActive, models.ZoneInactive, models.ZoneMaintenance:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidZoneConfig, status)
	}
	return nil
}
