package postgres

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"cafe/dispatch-service/internal/db"
	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var baseTime = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

func TestAssignmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	distance := 3.0
	deadline := baseTime.Add(10 * time.Second)
	a := models.Assignment{
		AssignmentID: uuid.NewString(),
		EventID:      "evt-1",
		Event: models.ServiceEvent{
			EventID:   "evt-1",
			Kind:      models.EventKindArrival,
			TableID:   "T5",
			Origin:    &geo.Coordinate{Lat: 27.7172, Lon: 85.324},
			Priority:  models.PriorityUrgent,
			CreatedAt: baseTime,
		},
		Candidates: []models.Candidate{
			{StaffID: "waiter1", DistanceMeters: &distance, Rank: 1},
			{StaffID: "waiter2", Rank: 2},
		},
		OffereeID: "waiter1",
		Status:    models.AssignmentOffering,
		Deadline:  &deadline,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	if err := st.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("create assignment: %v", err)
	}

	got, err := st.GetAssignmentByEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("get by event: %v", err)
	}
	if got.AssignmentID != a.AssignmentID || got.Event.Origin == nil || got.Event.TableID != "T5" {
		t.Fatalf("unexpected assignment %+v", got)
	}
	if len(got.Candidates) != 2 || got.Candidates[0].DistanceMeters == nil || *got.Candidates[0].DistanceMeters != 3 {
		t.Fatalf("candidates not preserved: %+v", got.Candidates)
	}

	resolved := baseTime.Add(4 * time.Second)
	a.Status = models.AssignmentAccepted
	a.AcceptedBy = "waiter1"
	a.ResolvedAt = &resolved
	a.UpdatedAt = resolved
	a.Passes = []models.Pass{{StaffID: "waiter0", Reason: models.PassReasonDeclined, At: baseTime}}
	if err := st.UpdateAssignment(ctx, a); err != nil {
		t.Fatalf("update assignment: %v", err)
	}

	got, err = st.GetAssignment(ctx, a.AssignmentID)
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if got.Status != models.AssignmentAccepted || got.AcceptedBy != "waiter1" || len(got.Passes) != 1 {
		t.Fatalf("update not persisted: %+v", got)
	}

	open, err := st.ListOpenAssignments(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("accepted assignment listed as open: %+v", open)
	}
}

func TestAssignmentNotFound(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if _, err := st.GetAssignment(ctx, uuid.NewString()); !errors.Is(err, store.ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
	err := st.UpdateAssignment(ctx, models.Assignment{AssignmentID: uuid.NewString(), Status: models.AssignmentOffering})
	if !errors.Is(err, store.ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
}

func TestSessionUpsertAndLiveList(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	sess := models.ClientSession{
		SessionID:  "s1",
		ClientID:   "c1",
		ZoneID:     "z1",
		Membership: models.MembershipInside,
		LastSample: &models.LocationSample{Coordinate: geo.Coordinate{Lat: 27.7172, Lon: 85.324}, Timestamp: baseTime},
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	live, err := st.ListLiveSessions(ctx)
	if err != nil || len(live) != 1 || live[0].LastSample == nil {
		t.Fatalf("unexpected live sessions %+v (%v)", live, err)
	}

	ended := baseTime.Add(time.Minute)
	sess.Membership = models.MembershipTerminated
	sess.TerminationReason = models.TerminationLogout
	sess.TerminatedAt = &ended
	sess.UpdatedAt = ended
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save terminated session: %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Membership != models.MembershipTerminated || got.TerminatedAt == nil || !got.TerminatedAt.Equal(ended) {
		t.Fatalf("termination not persisted: %+v", got)
	}
	if live, _ := st.ListLiveSessions(ctx); len(live) != 0 {
		t.Fatalf("terminated session listed as live")
	}
	if _, err := st.GetSession(ctx, "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestZoneCRUD(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	zone := models.Zone{
		ZoneID:       uuid.NewString(),
		Name:         "Hall",
		Center:       geo.Coordinate{Lat: 27.7172, Lon: 85.324},
		RadiusMeters: 50,
		Settings:     models.ZoneSettings{AllowLogin: true, AutoLogout: true, LogoutGracePeriodSeconds: 3, RequireLocation: true},
		Status:       models.ZoneActive,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	if err := st.CreateZone(ctx, zone); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	zone.Status = models.ZoneMaintenance
	if err := st.UpdateZone(ctx, zone); err != nil {
		t.Fatalf("update zone: %v", err)
	}
	zones, err := st.ListZones(ctx)
	if err != nil || len(zones) != 1 || zones[0].Status != models.ZoneMaintenance || zones[0].Settings.LogoutGracePeriodSeconds != 3 {
		t.Fatalf("unexpected zones %+v (%v)", zones, err)
	}
	if err := st.DeleteZone(ctx, zone.ZoneID); err != nil {
		t.Fatalf("delete zone: %v", err)
	}
	if err := st.DeleteZone(ctx, zone.ZoneID); !errors.Is(err, store.ErrZoneNotFound) {
		t.Fatalf("expected ErrZoneNotFound, got %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execAdmin(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execAdmin(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool), pool, cleanup
}

func execAdmin(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(db.MigrationFS, "migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := fs.ReadFile(db.MigrationFS, "migrations/"+name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
