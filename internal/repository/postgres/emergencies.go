package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/repository"
)

// uniqueViolation is the postgres error code for unique constraint breaches.
const uniqueViolation = "23505"

// defaultHistoryLimit bounds history reads when the caller does not.
const defaultHistoryLimit = 100

// emergencyColumns is the select list shared by every emergency read.
const emergencyColumns = `id, user_id, type, status, auto_triggered, trigger_source,
countdown_seconds, countdown_deadline, initial_lat, initial_lon, initial_accuracy,
contacts, version, created_at, activated_at, cancelled_at, cancel_actor, cancel_reason,
resolved_at, resolve_actor, resolution_notes, archived`

// CreateEmergency inserts a new emergency. The partial unique index on
// (user_id) over non-terminal statuses turns a duplicate active emergency
// into *emergency.ConflictError carrying the existing id.
func (s *Store) CreateEmergency(ctx context.Context, e *emergency.Emergency) error {
	contacts, err := json.Marshal(e.Contacts)
	if err != nil {
		return fmt.Errorf("marshal contact snapshot: %w", err)
	}

	const query = `
INSERT INTO emergencies (` + emergencyColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22);
`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		string(e.Type),
		string(e.Status),
		e.AutoTriggered,
		e.TriggerSource,
		e.CountdownSeconds,
		e.CountdownDeadline,
		nullPoint(e.InitialLocation, func(p *emergency.GeoPoint) float64 { return p.Latitude }),
		nullPoint(e.InitialLocation, func(p *emergency.GeoPoint) float64 { return p.Longitude }),
		nullPoint(e.InitialLocation, func(p *emergency.GeoPoint) float64 { return p.AccuracyM }),
		contacts,
		e.Version,
		e.CreatedAt,
		e.ActivatedAt,
		e.CancelledAt,
		nullID(e.CancelActorID),
		e.CancelReason,
		e.ResolvedAt,
		nullID(e.ResolveActorID),
		e.ResolutionNotes,
		e.Archived,
	)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		existing, lookupErr := s.activeEmergencyID(ctx, e.UserID)
		if lookupErr != nil {
			return fmt.Errorf("resolve conflicting emergency: %w", lookupErr)
		}

		return &emergency.ConflictError{ExistingID: existing}
	}

	return fmt.Errorf("insert emergency: %w", err)
}

// activeEmergencyID returns the user's current non-terminal emergency id.
func (s *Store) activeEmergencyID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	const query = `
SELECT id FROM emergencies
WHERE user_id = $1 AND status IN ('pending', 'active');
`

	var id uuid.UUID
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&id); err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

// GetEmergency returns the emergency or emergency.ErrNotFound.
func (s *Store) GetEmergency(ctx context.Context, id uuid.UUID) (*emergency.Emergency, error) {
	const query = `SELECT ` + emergencyColumns + ` FROM emergencies WHERE id = $1;`

	e, err := scanEmergency(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get emergency: %w", err)
	}

	return e, nil
}

// UpdateEmergencyCAS writes the row only when the caller's version is still
// current. The WHERE clause on version is the single-writer-per-key
// mechanism: a concurrent writer that loses the race updates zero rows and
// gets emergency.ErrStaleVersion.
func (s *Store) UpdateEmergencyCAS(ctx context.Context, e *emergency.Emergency) error {
	const query = `
UPDATE emergencies
SET status = $1,
    countdown_deadline = $2,
    version = version + 1,
    activated_at = $3,
    cancelled_at = $4,
    cancel_actor = $5,
    cancel_reason = $6,
    resolved_at = $7,
    resolve_actor = $8,
    resolution_notes = $9,
    archived = $10
WHERE id = $11 AND version = $12;
`

	result, err := s.db.ExecContext(ctx, query,
		string(e.Status),
		e.CountdownDeadline,
		e.ActivatedAt,
		e.CancelledAt,
		nullID(e.CancelActorID),
		e.CancelReason,
		e.ResolvedAt,
		nullID(e.ResolveActorID),
		e.ResolutionNotes,
		e.Archived,
		e.ID,
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("update emergency: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update emergency rows affected: %w", err)
	}

	if affected == 0 {
		return emergency.ErrStaleVersion
	}

	e.Version++

	return nil
}

// ListEmergencies returns a user's emergencies, newest first.
func (s *Store) ListEmergencies(ctx context.Context, filter repository.HistoryFilter) ([]*emergency.Emergency, error) {
	query := `SELECT ` + emergencyColumns + ` FROM emergencies WHERE user_id = $1`
	args := []any{filter.UserID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND status = $" + strconv.Itoa(len(args))
	}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += " AND type = $" + strconv.Itoa(len(args))
	}

	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += " AND created_at >= $" + strconv.Itoa(len(args))
	}

	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += " AND created_at < $" + strconv.Itoa(len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args)) + ";"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list emergencies: %w", err)
	}
	defer rows.Close()

	var result []*emergency.Emergency

	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan emergency: %w", err)
		}

		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list emergencies: %w", err)
	}

	return result, nil
}

// DuePendingCountdowns returns pending emergencies whose countdown elapsed.
func (s *Store) DuePendingCountdowns(ctx context.Context, now time.Time, limit int) ([]*emergency.Emergency, error) {
	const query = `
SELECT ` + emergencyColumns + `
FROM emergencies
WHERE status = 'pending' AND countdown_deadline <= $1
ORDER BY countdown_deadline
LIMIT $2;
`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due countdowns: %w", err)
	}
	defer rows.Close()

	var result []*emergency.Emergency

	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due countdown: %w", err)
		}

		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due countdowns: %w", err)
	}

	return result, nil
}

// NextEventSeq atomically increments and returns the per-emergency sequence.
func (s *Store) NextEventSeq(ctx context.Context, emergencyID uuid.UUID) (uint64, error) {
	const query = `
INSERT INTO event_sequences (emergency_id, seq)
VALUES ($1, 1)
ON CONFLICT (emergency_id) DO UPDATE SET seq = event_sequences.seq + 1
RETURNING seq;
`

	var seq uint64
	if err := s.db.QueryRowContext(ctx, query, emergencyID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event sequence: %w", err)
	}

	return seq, nil
}

// ArchiveTerminalBefore flags old terminal emergencies as archived.
func (s *Store) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
UPDATE emergencies
SET archived = TRUE
WHERE NOT archived
  AND status IN ('cancelled', 'resolved')
  AND COALESCE(resolved_at, cancelled_at) < $1;
`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive emergencies: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive emergencies rows affected: %w", err)
	}

	return affected, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEmergency reads one emergency row.
func scanEmergency(row rowScanner) (*emergency.Emergency, error) {
	var (
		e           emergency.Emergency
		typeStr     string
		statusStr   string
		lat         sql.NullFloat64
		lon         sql.NullFloat64
		accuracy    sql.NullFloat64
		contacts    []byte
		cancelActor uuid.NullUUID
		resolveBy   uuid.NullUUID
	)

	err := row.Scan(
		&e.ID,
		&e.UserID,
		&typeStr,
		&statusStr,
		&e.AutoTriggered,
		&e.TriggerSource,
		&e.CountdownSeconds,
		&e.CountdownDeadline,
		&lat,
		&lon,
		&accuracy,
		&contacts,
		&e.Version,
		&e.CreatedAt,
		&e.ActivatedAt,
		&e.CancelledAt,
		&cancelActor,
		&e.CancelReason,
		&e.ResolvedAt,
		&resolveBy,
		&e.ResolutionNotes,
		&e.Archived,
	)
	if err != nil {
		return nil, err
	}

	e.Type = emergency.Type(typeStr)
	e.Status = emergency.Status(statusStr)

	if lat.Valid && lon.Valid {
		e.InitialLocation = &emergency.GeoPoint{
			Latitude:  lat.Float64,
			Longitude: lon.Float64,
			AccuracyM: accuracy.Float64,
		}
	}

	if cancelActor.Valid {
		e.CancelActorID = &cancelActor.UUID
	}

	if resolveBy.Valid {
		e.ResolveActorID = &resolveBy.UUID
	}

	if err := json.Unmarshal(contacts, &e.Contacts); err != nil {
		return nil, fmt.Errorf("unmarshal contact snapshot: %w", err)
	}

	return &e, nil
}

// nullPoint extracts an optional coordinate component for binding.
func nullPoint(p *emergency.GeoPoint, get func(*emergency.GeoPoint) float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: get(p), Valid: true}
}

// nullID converts an optional id for binding.
func nullID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}

	return uuid.NullUUID{UUID: *id, Valid: true}
}
