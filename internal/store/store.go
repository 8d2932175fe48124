package store

import (
	"context"

	"cafe/dispatch-service/internal/models"
)

type AssignmentStore interface {
	CreateAssignment(ctx context.Context, assignment models.Assignment) error
	UpdateAssignment(ctx context.Context, assignment models.Assignment) error
	GetAssignment(ctx context.Context, assignmentID string) (models.Assignment, error)
	GetAssignmentByEvent(ctx context.Context, eventID string) (models.Assignment, error)
	ListOpenAssignments(ctx context.Context) ([]models.Assignment, error)
}

type SessionStore interface {
	SaveSession(ctx context.Context, session models.ClientSession) error
	GetSession(ctx context.Context, sessionID string) (models.ClientSession, error)
	ListLiveSessions(ctx context.Context) ([]models.ClientSession, error)
}

type ZoneStore interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
	CreateZone(ctx context.Context, zone models.Zone) error
	UpdateZone(ctx context.Context, zone models.Zone) error
	DeleteZone(ctx context.Context, zoneID string) error
}

type PresenceStore interface {
	SavePresence(ctx context.Context, presence models.StaffPresence) error
	DeletePresence(ctx context.Context, staffID string) error
	ListPresence(ctx context.Context) ([]models.StaffPresence, error)
}
