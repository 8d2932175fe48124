package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cafe/dispatch-service/internal/geo"
	"cafe/dispatch-service/internal/models"
	"cafe/dispatch-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var (
	_ store.AssignmentStore = (*Store)(nil)
	_ store.SessionStore    = (*Store)(nil)
	_ store.ZoneStore       = (*Store)(nil)
)

const assignmentColumns = `
	a.assignment_id, a.event_id, a.candidates, a.offer_index, a.offeree_id, a.status, a.deadline,
	a.accepted_by, a.escalation_count, a.passes, a.non_responsive, a.created_at, a.updated_at,
	a.resolved_at, a.served_at,
	e.kind, e.table_id, e.origin_lat, e.origin_lon, e.client_id, e.priority, e.cancelled, e.created_at`

func (s *Store) CreateAssignment(ctx context.Context, assignment models.Assignment) (err error) {
	candidates, passes, nonResponsive, err := encodeAssignment(assignment)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	event := assignment.Event
	lat, lon := originColumns(event.Origin)
	if _, err = tx.Exec(ctx, `
		INSERT INTO service_events (event_id, kind, table_id, origin_lat, origin_lon, client_id, priority, cancelled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.Kind, event.TableID, lat, lon, nullIfEmpty(event.ClientID), event.Priority, event.Cancelled, event.CreatedAt); err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO assignments (
			assignment_id, event_id, candidates, offer_index, offeree_id, status, deadline, accepted_by,
			escalation_count, passes, non_responsive, created_at, updated_at, resolved_at, served_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, assignment.AssignmentID, assignment.EventID, candidates, assignment.OfferIndex, nullIfEmpty(assignment.OffereeID),
		assignment.Status, assignment.Deadline, nullIfEmpty(assignment.AcceptedBy), assignment.EscalationCount,
		passes, nonResponsive, assignment.CreatedAt, assignment.UpdatedAt, assignment.ResolvedAt, assignment.ServedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) UpdateAssignment(ctx context.Context, assignment models.Assignment) (err error) {
	candidates, passes, nonResponsive, err := encodeAssignment(assignment)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE assignments
		SET candidates = $2, offer_index = $3, offeree_id = $4, status = $5, deadline = $6,
			accepted_by = $7, escalation_count = $8, passes = $9, non_responsive = $10,
			updated_at = $11, resolved_at = $12, served_at = $13
		WHERE assignment_id = $1
	`, assignment.AssignmentID, candidates, assignment.OfferIndex, nullIfEmpty(assignment.OffereeID), assignment.Status,
		assignment.Deadline, nullIfEmpty(assignment.AcceptedBy), assignment.EscalationCount, passes, nonResponsive,
		assignment.UpdatedAt, assignment.ResolvedAt, assignment.ServedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrAssignmentNotFound
		return err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE service_events SET cancelled = $2 WHERE event_id = $1
	`, assignment.EventID, assignment.Event.Cancelled); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (models.Assignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments a
		JOIN service_events e ON e.event_id = a.event_id
		WHERE a.assignment_id = $1
	`, assignmentID)
	return scanAssignment(row)
}

func (s *Store) GetAssignmentByEvent(ctx context.Context, eventID string) (models.Assignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments a
		JOIN service_events e ON e.event_id = a.event_id
		WHERE a.event_id = $1
	`, eventID)
	return scanAssignment(row)
}

func (s *Store) ListOpenAssignments(ctx context.Context) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments a
		JOIN service_events e ON e.event_id = a.event_id
		WHERE a.status IN ($1, $2, $3)
		ORDER BY a.created_at ASC
	`, models.AssignmentCreated, models.AssignmentOffering, models.AssignmentEscalating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveSession(ctx context.Context, session models.ClientSession) error {
	var sample []byte
	if session.LastSample != nil {
		encoded, err := json.Marshal(session.LastSample)
		if err != nil {
			return fmt.Errorf("encode last sample: %w", err)
		}
		sample = encoded
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_sessions (
			session_id, client_id, zone_id, membership, warning_shown, last_sample, exit_episode,
			termination_reason, created_at, updated_at, terminated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			zone_id = EXCLUDED.zone_id,
			membership = EXCLUDED.membership,
			warning_shown = EXCLUDED.warning_shown,
			last_sample = EXCLUDED.last_sample,
			exit_episode = EXCLUDED.exit_episode,
			termination_reason = EXCLUDED.termination_reason,
			updated_at = EXCLUDED.updated_at,
			terminated_at = EXCLUDED.terminated_at
	`, session.SessionID, nullIfEmpty(session.ClientID), nullIfEmpty(session.ZoneID), session.Membership,
		session.WarningShown, sample, session.ExitEpisode, nullIfEmpty(session.TerminationReason),
		session.CreatedAt, session.UpdatedAt, session.TerminatedAt)
	return err
}

const sessionColumns = `
	session_id, client_id, zone_id, membership, warning_shown, last_sample, exit_episode,
	termination_reason, created_at, updated_at, terminated_at`

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.ClientSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM client_sessions
		WHERE session_id = $1
	`, sessionID)
	return scanSession(row)
}

func (s *Store) ListLiveSessions(ctx context.Context) ([]models.ClientSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM client_sessions
		WHERE membership <> $1
		ORDER BY created_at ASC
	`, models.MembershipTerminated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ClientSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT zone_id, name, center_lat, center_lon, radius_meters, allow_login, auto_logout,
			logout_grace_period_seconds, require_location, max_concurrent_sessions, status, created_at, updated_at
		FROM zones
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Zone
	for rows.Next() {
		var z models.Zone
		if err := rows.Scan(&z.ZoneID, &z.Name, &z.Center.Lat, &z.Center.Lon, &z.RadiusMeters,
			&z.Settings.AllowLogin, &z.Settings.AutoLogout, &z.Settings.LogoutGracePeriodSeconds,
			&z.Settings.RequireLocation, &z.Settings.MaxConcurrentSessions, &z.Status, &z.CreatedAt, &z.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *Store) CreateZone(ctx context.Context, zone models.Zone) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO zones (
			zone_id, name, center_lat, center_lon, radius_meters, allow_login, auto_logout,
			logout_grace_period_seconds, require_location, max_concurrent_sessions, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, zone.ZoneID, zone.Name, zone.Center.Lat, zone.Center.Lon, zone.RadiusMeters, zone.Settings.AllowLogin,
		zone.Settings.AutoLogout, zone.Settings.LogoutGracePeriodSeconds, zone.Settings.RequireLocation,
		zone.Settings.MaxConcurrentSessions, zone.Status, zone.CreatedAt, zone.UpdatedAt)
	return err
}

func (s *Store) UpdateZone(ctx context.Context, zone models.Zone) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE zones
		SET name = $2, center_lat = $3, center_lon = $4, radius_meters = $5, allow_login = $6,
			auto_logout = $7, logout_grace_period_seconds = $8, require_location = $9,
			max_concurrent_sessions = $10, status = $11, updated_at = $12
		WHERE zone_id = $1
	`, zone.ZoneID, zone.Name, zone.Center.Lat, zone.Center.Lon, zone.RadiusMeters, zone.Settings.AllowLogin,
		zone.Settings.AutoLogout, zone.Settings.LogoutGracePeriodSeconds, zone.Settings.RequireLocation,
		zone.Settings.MaxConcurrentSessions, zone.Status, zone.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrZoneNotFound
	}
	return nil
}

func (s *Store) DeleteZone(ctx context.Context, zoneID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM zones WHERE zone_id = $1`, zoneID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrZoneNotFound
	}
	return nil
}

func scanAssignment(row pgx.Row) (models.Assignment, error) {
	var a models.Assignment
	var candidates, passes, nonResponsive []byte
	var offeree, acceptedBy, clientID sql.NullString
	var deadline, resolvedAt, servedAt sql.NullTime
	var lat, lon sql.NullFloat64
	if err := row.Scan(&a.AssignmentID, &a.EventID, &candidates, &a.OfferIndex, &offeree, &a.Status, &deadline,
		&acceptedBy, &a.EscalationCount, &passes, &nonResponsive, &a.CreatedAt, &a.UpdatedAt, &resolvedAt, &servedAt,
		&a.Event.Kind, &a.Event.TableID, &lat, &lon, &clientID, &a.Event.Priority, &a.Event.Cancelled, &a.Event.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Assignment{}, store.ErrAssignmentNotFound
		}
		return models.Assignment{}, err
	}
	a.Event.EventID = a.EventID
	a.OffereeID = offeree.String
	a.AcceptedBy = acceptedBy.String
	a.Event.ClientID = clientID.String
	a.Deadline = nullTimePtr(deadline)
	a.ResolvedAt = nullTimePtr(resolvedAt)
	a.ServedAt = nullTimePtr(servedAt)
	if lat.Valid && lon.Valid {
		a.Event.Origin = &geo.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
	}
	if err := decodeJSON(candidates, &a.Candidates); err != nil {
		return models.Assignment{}, fmt.Errorf("decode candidates: %w", err)
	}
	if err := decodeJSON(passes, &a.Passes); err != nil {
		return models.Assignment{}, fmt.Errorf("decode passes: %w", err)
	}
	if err := decodeJSON(nonResponsive, &a.NonResponsive); err != nil {
		return models.Assignment{}, fmt.Errorf("decode non-responsive staff: %w", err)
	}
	return a, nil
}

func scanSession(row pgx.Row) (models.ClientSession, error) {
	var sess models.ClientSession
	var clientID, zoneID, reason sql.NullString
	var sample []byte
	var terminatedAt sql.NullTime
	if err := row.Scan(&sess.SessionID, &clientID, &zoneID, &sess.Membership, &sess.WarningShown, &sample,
		&sess.ExitEpisode, &reason, &sess.CreatedAt, &sess.UpdatedAt, &terminatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ClientSession{}, store.ErrSessionNotFound
		}
		return models.ClientSession{}, err
	}
	sess.ClientID = clientID.String
	sess.ZoneID = zoneID.String
	sess.TerminationReason = reason.String
	sess.TerminatedAt = nullTimePtr(terminatedAt)
	if len(sample) > 0 {
		var last models.LocationSample
		if err := json.Unmarshal(sample, &last); err != nil {
			return models.ClientSession{}, fmt.Errorf("decode last sample: %w", err)
		}
		sess.LastSample = &last
	}
	return sess, nil
}

func encodeAssignment(a models.Assignment) (candidates, passes, nonResponsive []byte, err error) {
	if candidates, err = json.Marshal(nonNil(a.Candidates)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode candidates: %w", err)
	}
	if passes, err = json.Marshal(nonNil(a.Passes)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode passes: %w", err)
	}
	if nonResponsive, err = json.Marshal(nonNil(a.NonResponsive)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode non-responsive staff: %w", err)
	}
	return candidates, passes, nonResponsive, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeJSON[T any](raw []byte, dst *[]T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

func originColumns(origin *geo.Coordinate) (interface{}, interface{}) {
	if origin == nil {
		return nil, nil
	}
	return origin.Lat, origin.Lon
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
