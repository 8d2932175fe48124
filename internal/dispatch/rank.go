package dispatch

import (
	"sort"

	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
)

// Rank orders connected staff by distance from origin. Staff without a known
// location, or every staff member when origin is nil, sort after those with a
// distance; ties break on staff id.
func Rank(origin *geo.Coordinate, staff []models.StaffPresence) []models.Candidate {
	candidates := make([]models.Candidate, 0, len(staff))
	for _, p := range staff {
		if !p.Connected() {
			continue
		}
		c := models.Candidate{StaffID: p.StaffID}
		if origin != nil && p.Location != nil {
			d := geo.Distance(*origin, *p.Location)
			c.DistanceMeters = &d
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.DistanceMeters != nil && b.DistanceMeters == nil:
			return true
		case a.DistanceMeters == nil && b.DistanceMeters != nil:
			return false
		case a.DistanceMeters != nil && *a.DistanceMeters != *b.DistanceMeters:
			return *a.DistanceMeters < *b.DistanceMeters
		default:
			return a.StaffID < b.StaffID
		}
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}
