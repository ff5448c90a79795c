package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// locationColumns is the select list shared by location reads.
const locationColumns = `emergency_id, recorded_at, lat, lon, accuracy, speed, heading, provider, battery`

// InsertLocationPoint appends one trail point. Client retries resend the
// same (emergency, timestamp) pair; ON CONFLICT DO NOTHING coalesces them
// so the trail stays append-only and never overwrites.
func (s *Store) InsertLocationPoint(ctx context.Context, point *emergency.LocationPoint) (bool, error) {
	const query = `
INSERT INTO location_points (` + locationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (emergency_id, recorded_at) DO NOTHING;
`

	result, err := s.db.ExecContext(ctx, query,
		point.EmergencyID,
		point.RecordedAt,
		point.Latitude,
		point.Longitude,
		point.AccuracyM,
		point.SpeedMPS,
		point.HeadingDeg,
		point.Provider,
		point.BatteryPct,
	)
	if err != nil {
		return false, fmt.Errorf("insert location point: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert location point rows affected: %w", err)
	}

	return affected > 0, nil
}

// ListLocationPoints returns trail points from since onward, in timestamp order.
func (s *Store) ListLocationPoints(ctx context.Context, emergencyID uuid.UUID, since time.Time) ([]*emergency.LocationPoint, error) {
	const query = `
SELECT ` + locationColumns + `
FROM location_points
WHERE emergency_id = $1 AND recorded_at >= $2
ORDER BY recorded_at;
`

	rows, err := s.db.QueryContext(ctx, query, emergencyID, since)
	if err != nil {
		return nil, fmt.Errorf("list location points: %w", err)
	}
	defer rows.Close()

	var result []*emergency.LocationPoint

	for rows.Next() {
		point, err := scanLocationPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location point: %w", err)
		}

		result = append(result, point)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list location points: %w", err)
	}

	return result, nil
}

// LatestLocationPoint returns the newest point or emergency.ErrNotFound.
func (s *Store) LatestLocationPoint(ctx context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error) {
	const query = `
SELECT ` + locationColumns + `
FROM location_points
WHERE emergency_id = $1
ORDER BY recorded_at DESC
LIMIT 1;
`

	point, err := scanLocationPoint(s.db.QueryRowContext(ctx, query, emergencyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("latest location point: %w", err)
	}

	return point, nil
}

// CompactLocations deletes trails of emergencies resolved before the cutoff.
func (s *Store) CompactLocations(ctx context.Context, resolvedBefore time.Time) (int64, error) {
	const query = `
DELETE FROM location_points
WHERE emergency_id IN (
    SELECT id FROM emergencies
    WHERE status = 'resolved' AND resolved_at < $1
);
`

	result, err := s.db.ExecContext(ctx, query, resolvedBefore)
	if err != nil {
		return 0, fmt.Errorf("compact locations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact locations rows affected: %w", err)
	}

	return affected, nil
}

// scanLocationPoint reads one location row.
func scanLocationPoint(row rowScanner) (*emergency.LocationPoint, error) {
	var point emergency.LocationPoint

	err := row.Scan(
		&point.EmergencyID,
		&point.RecordedAt,
		&point.Latitude,
		&point.Longitude,
		&point.AccuracyM,
		&point.SpeedMPS,
		&point.HeadingDeg,
		&point.Provider,
		&point.BatteryPct,
	)
	if err != nil {
		return nil, err
	}

	return &point, nil
}
