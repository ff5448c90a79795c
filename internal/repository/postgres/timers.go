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

// UpsertEscalationTimer creates or replaces the emergency's timer. A timer
// that was stopped stays stopped: an acknowledgment landing while a
// scheduler step is in flight must not be undone by the step's reschedule.
func (s *Store) UpsertEscalationTimer(ctx context.Context, timer *emergency.EscalationTimer) error {
	const query = `
INSERT INTO escalation_timers (emergency_id, tier_notified, next_deadline, stopped)
VALUES ($1, $2, $3, $4)
ON CONFLICT (emergency_id) DO UPDATE
SET tier_notified = EXCLUDED.tier_notified,
    next_deadline = EXCLUDED.next_deadline,
    stopped = EXCLUDED.stopped
WHERE NOT escalation_timers.stopped;
`

	_, err := s.db.ExecContext(ctx, query,
		timer.EmergencyID,
		int(timer.TierNotified),
		timer.NextDeadline,
		timer.Stopped,
	)
	if err != nil {
		return fmt.Errorf("upsert escalation timer: %w", err)
	}

	return nil
}

// GetEscalationTimer returns the timer or emergency.ErrNotFound.
func (s *Store) GetEscalationTimer(ctx context.Context, emergencyID uuid.UUID) (*emergency.EscalationTimer, error) {
	const query = `
SELECT emergency_id, tier_notified, next_deadline, stopped
FROM escalation_timers
WHERE emergency_id = $1;
`

	timer, err := scanTimer(s.db.QueryRowContext(ctx, query, emergencyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get escalation timer: %w", err)
	}

	return timer, nil
}

// DueEscalationTimers returns unstopped timers whose deadline elapsed.
func (s *Store) DueEscalationTimers(ctx context.Context, now time.Time, limit int) ([]*emergency.EscalationTimer, error) {
	const query = `
SELECT emergency_id, tier_notified, next_deadline, stopped
FROM escalation_timers
WHERE NOT stopped AND next_deadline <= $1
ORDER BY next_deadline
LIMIT $2;
`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due timers: %w", err)
	}
	defer rows.Close()

	var result []*emergency.EscalationTimer

	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}

		result = append(result, timer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due timers: %w", err)
	}

	return result, nil
}

// StopEscalationTimer permanently silences the emergency's timer.
func (s *Store) StopEscalationTimer(ctx context.Context, emergencyID uuid.UUID) error {
	const query = `UPDATE escalation_timers SET stopped = TRUE WHERE emergency_id = $1;`

	if _, err := s.db.ExecContext(ctx, query, emergencyID); err != nil {
		return fmt.Errorf("stop escalation timer: %w", err)
	}

	return nil
}

// scanTimer reads one timer row.
func scanTimer(row rowScanner) (*emergency.EscalationTimer, error) {
	var (
		timer emergency.EscalationTimer
		tier  int
	)

	if err := row.Scan(&timer.EmergencyID, &tier, &timer.NextDeadline, &timer.Stopped); err != nil {
		return nil, err
	}

	timer.TierNotified = emergency.Tier(tier)

	return &timer, nil
}
