package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// CreateNotificationRecord inserts one logical channel attempt.
func (s *Store) CreateNotificationRecord(ctx context.Context, rec *emergency.NotificationRecord) error {
	const query = `
INSERT INTO notification_records
    (id, emergency_id, batch_id, contact_id, channel, status, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.EmergencyID,
		rec.BatchID,
		rec.ContactID,
		rec.Channel,
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}

	return nil
}

// UpdateNotificationRecord rewrites the record's mutable delivery state.
func (s *Store) UpdateNotificationRecord(ctx context.Context, rec *emergency.NotificationRecord) error {
	const query = `
UPDATE notification_records
SET status = $1,
    attempts = $2,
    last_error = $3,
    updated_at = $4
WHERE id = $5;
`

	_, err := s.db.ExecContext(ctx, query,
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update notification record: %w", err)
	}

	return nil
}

// ListNotificationRecords returns an emergency's records in creation order.
func (s *Store) ListNotificationRecords(ctx context.Context, emergencyID uuid.UUID) ([]*emergency.NotificationRecord, error) {
	const query = `
SELECT id, emergency_id, batch_id, contact_id, channel, status, attempts, last_error, created_at, updated_at
FROM notification_records
WHERE emergency_id = $1
ORDER BY created_at;
`

	rows, err := s.db.QueryContext(ctx, query, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("list notification records: %w", err)
	}
	defer rows.Close()

	var result []*emergency.NotificationRecord

	for rows.Next() {
		var (
			rec       emergency.NotificationRecord
			statusStr string
		)

		err := rows.Scan(
			&rec.ID,
			&rec.EmergencyID,
			&rec.BatchID,
			&rec.ContactID,
			&rec.Channel,
			&statusStr,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification record: %w", err)
		}

		rec.Status = emergency.NotificationStatus(statusStr)
		result = append(result, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notification records: %w", err)
	}

	return result, nil
}
