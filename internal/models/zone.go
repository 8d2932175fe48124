package models

import (
	"time"

	"cafe/dispatch-service/internal/geo"
)

const (
	ZoneActive      = "active"
	ZoneInactive    = "inactive"
	ZoneMaintenance = "maintenance"
)

const (
	MembershipUnvalidated = "unvalidated"
	MembershipInside      = "inside"
	MembershipExiting     = "exiting"
	MembershipTerminated  = "terminated"
)

const (
	TerminationLeftZone          = "left zone"
	TerminationLogout            = "logout"
	TerminationValidationTimeout = "validation timeout"
)

type ZoneSettings struct {
	AllowLogin               bool `json:"allow_login"`
	AutoLogout               bool `json:"auto_logout"`
	LogoutGracePeriodSeconds int  `json:"logout_grace_period_seconds"`
	RequireLocation          bool `json:"require_location"`
	MaxConcurrentSessions    int  `json:"max_concurrent_sessions"`
}

type Zone struct {
	ZoneID       string         `json:"zone_id"`
	Name         string         `json:"name"`
	Center       geo.Coordinate `json:"center"`
	RadiusMeters float64        `json:"radius_meters"`
	Settings     ZoneSettings   `json:"settings"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (z Zone) Contains(p geo.Coordinate) bool {
	return geo.Contains(z.Center, z.RadiusMeters, p)
}

type LocationSample struct {
	Coordinate     geo.Coordinate `json:"coordinate"`
	Timestamp      time.Time      `json:"timestamp"`
	AccuracyMeters *float64       `json:"accuracy_meters,omitempty"`
}

type ClientSession struct {
	SessionID         string          `json:"session_id"`
	ClientID          string          `json:"client_id,omitempty"`
	ZoneID            string          `json:"zone_id,omitempty"`
	Membership        string          `json:"membership"`
	WarningShown      bool            `json:"warning_shown"`
	LastSample        *LocationSample `json:"last_sample,omitempty"`
	ExitEpisode       int             `json:"exit_episode"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	TerminatedAt      *time.Time      `json:"terminated_at,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s ClientSession) Clone() ClientSession {
	out := s
	if s.LastSample != nil {
		sample := *s.LastSample
		if s.LastSample.AccuracyMeters != nil {
			acc := *s.LastSample.AccuracyMeters
			sample.AccuracyMeters = &acc
		}
		out.LastSample = &sample
	}
	if s.TerminatedAt != nil {
		at := *s.TerminatedAt
		out.TerminatedAt = &at
	}
	return out
}

// HoldsSlot reports whether the session counts against its zone's capacity.
func (s ClientSession) HoldsSlot() bool {
	return s.ZoneID != "" && (s.Membership == MembershipInside || s.Membership == MembershipExiting)
}
