package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// InsertAcknowledgment appends the acknowledgment. The primary key on
// (emergency_id, contact_id) plus ON CONFLICT DO NOTHING makes duplicates
// from the same contact idempotent.
func (s *Store) InsertAcknowledgment(ctx context.Context, ack *emergency.Acknowledgment) (bool, error) {
	const query = `
INSERT INTO acknowledgments (emergency_id, contact_id, lat, lon, accuracy, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (emergency_id, contact_id) DO NOTHING;
`

	result, err := s.db.ExecContext(ctx, query,
		ack.EmergencyID,
		ack.ContactID,
		nullPoint(ack.Location, func(p *emergency.GeoPoint) float64 { return p.Latitude }),
		nullPoint(ack.Location, func(p *emergency.GeoPoint) float64 { return p.Longitude }),
		nullPoint(ack.Location, func(p *emergency.GeoPoint) float64 { return p.AccuracyM }),
		ack.Message,
		ack.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert acknowledgment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert acknowledgment rows affected: %w", err)
	}

	return affected > 0, nil
}

// ListAcknowledgments returns an emergency's acknowledgments in insertion order.
func (s *Store) ListAcknowledgments(ctx context.Context, emergencyID uuid.UUID) ([]*emergency.Acknowledgment, error) {
	const query = `
SELECT emergency_id, contact_id, lat, lon, accuracy, message, created_at
FROM acknowledgments
WHERE emergency_id = $1
ORDER BY created_at;
`

	rows, err := s.db.QueryContext(ctx, query, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	defer rows.Close()

	var result []*emergency.Acknowledgment

	for rows.Next() {
		var (
			ack      emergency.Acknowledgment
			lat      sql.NullFloat64
			lon      sql.NullFloat64
			accuracy sql.NullFloat64
		)

		err := rows.Scan(&ack.EmergencyID, &ack.ContactID, &lat, &lon, &accuracy, &ack.Message, &ack.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}

		if lat.Valid && lon.Valid {
			ack.Location = &emergency.GeoPoint{
				Latitude:  lat.Float64,
				Longitude: lon.Float64,
				AccuracyM: accuracy.Float64,
			}
		}

		result = append(result, &ack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}

	return result, nil
}
