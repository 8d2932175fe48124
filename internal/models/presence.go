package models

import (
	"time"

	"cafe/dispatch-service/internal/geo"
)

const (
	ConnectivityConnected    = "connected"
	ConnectivityDisconnected = "disconnected"
)

type StaffPresence struct {
	StaffID      string          `json:"staff_id"`
	Connectivity string          `json:"connectivity"`
	Location     *geo.Coordinate `json:"location,omitempty"`
	LocatedAt    *time.Time      `json:"located_at,omitempty"`
	Load         int             `json:"load"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (p StaffPresence) Connected() bool {
	return p.Connectivity == ConnectivityConnected
}
