// Package memory implements the repository contracts in process memory.
//
// It mirrors the postgres semantics (unique active emergency per user,
// version check-and-set, idempotent appends) so services behave identically
// in tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/repository"
)

// defaultHistoryLimit bounds history reads when the caller does not.
const defaultHistoryLimit = 100

// Store is an in-memory repository.Store.
type Store struct {
	// mu protects every map below.
	mu sync.Mutex
	// emergencies holds canonical emergencies by id.
	emergencies map[uuid.UUID]*emergency.Emergency
	// acks holds acknowledgments keyed by emergency then contact.
	acks map[uuid.UUID]map[uuid.UUID]*emergency.Acknowledgment
	// locations holds trail points keyed by emergency then timestamp.
	locations map[uuid.UUID]map[time.Time]*emergency.LocationPoint
	// notifications holds delivery records by record id.
	notifications map[uuid.UUID]*emergency.NotificationRecord
	// timers holds escalation timers by emergency id.
	timers map[uuid.UUID]*emergency.EscalationTimer
	// sequences holds per-emergency event counters.
	sequences map[uuid.UUID]uint64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		emergencies:   make(map[uuid.UUID]*emergency.Emergency),
		acks:          make(map[uuid.UUID]map[uuid.UUID]*emergency.Acknowledgment),
		locations:     make(map[uuid.UUID]map[time.Time]*emergency.LocationPoint),
		notifications: make(map[uuid.UUID]*emergency.NotificationRecord),
		timers:        make(map[uuid.UUID]*emergency.EscalationTimer),
		sequences:     make(map[uuid.UUID]uint64),
	}
}

// interface guard
var _ repository.Store = (*Store)(nil)

// CreateEmergency inserts a new emergency, enforcing the one-non-terminal
// emergency-per-user invariant the way the partial unique index does.
func (s *Store) CreateEmergency(_ context.Context, e *emergency.Emergency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.emergencies {
		if existing.UserID == e.UserID && !existing.Terminal() {
			return &emergency.ConflictError{ExistingID: existing.ID}
		}
	}

	s.emergencies[e.ID] = e.Clone()

	return nil
}

// GetEmergency returns a copy of the emergency or emergency.ErrNotFound.
func (s *Store) GetEmergency(_ context.Context, id uuid.UUID) (*emergency.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emergencies[id]
	if !ok {
		return nil, emergency.ErrNotFound
	}

	return e.Clone(), nil
}

// UpdateEmergencyCAS writes the emergency when the version still matches.
func (s *Store) UpdateEmergencyCAS(_ context.Context, e *emergency.Emergency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.emergencies[e.ID]
	if !ok {
		return emergency.ErrNotFound
	}

	if current.Version != e.Version {
		return emergency.ErrStaleVersion
	}

	e.Version++
	s.emergencies[e.ID] = e.Clone()

	return nil
}

// ListEmergencies returns a user's emergencies, newest first.
func (s *Store) ListEmergencies(_ context.Context, filter repository.HistoryFilter) ([]*emergency.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.Emergency

	for _, e := range s.emergencies {
		if e.UserID != filter.UserID {
			continue
		}

		if filter.Status != "" && e.Status != filter.Status {
			continue
		}

		if filter.Type != "" && e.Type != filter.Type {
			continue
		}

		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}

		if !filter.To.IsZero() && !e.CreatedAt.Before(filter.To) {
			continue
		}

		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	if len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// DuePendingCountdowns returns pending emergencies whose countdown elapsed.
func (s *Store) DuePendingCountdowns(_ context.Context, now time.Time, limit int) ([]*emergency.Emergency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.Emergency

	for _, e := range s.emergencies {
		if e.Status != emergency.StatusPending || e.CountdownDeadline == nil {
			continue
		}

		if e.CountdownDeadline.After(now) {
			continue
		}

		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CountdownDeadline.Before(*result[j].CountdownDeadline)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// NextEventSeq atomically increments and returns the per-emergency sequence.
func (s *Store) NextEventSeq(_ context.Context, emergencyID uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequences[emergencyID]++

	return s.sequences[emergencyID], nil
}

// ArchiveTerminalBefore flags old terminal emergencies as archived.
func (s *Store) ArchiveTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for _, e := range s.emergencies {
		if e.Archived || !e.Terminal() {
			continue
		}

		terminalAt := e.ResolvedAt
		if terminalAt == nil {
			terminalAt = e.CancelledAt
		}

		if terminalAt != nil && terminalAt.Before(cutoff) {
			e.Archived = true
			count++
		}
	}

	return count, nil
}

// InsertAcknowledgment appends the acknowledgment, coalescing duplicates.
func (s *Store) InsertAcknowledgment(_ context.Context, ack *emergency.Acknowledgment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byContact, ok := s.acks[ack.EmergencyID]
	if !ok {
		byContact = make(map[uuid.UUID]*emergency.Acknowledgment)
		s.acks[ack.EmergencyID] = byContact
	}

	if _, exists := byContact[ack.ContactID]; exists {
		return false, nil
	}

	cloned := *ack
	byContact[ack.ContactID] = &cloned

	return true, nil
}

// ListAcknowledgments returns acknowledgments in insertion order.
func (s *Store) ListAcknowledgments(_ context.Context, emergencyID uuid.UUID) ([]*emergency.Acknowledgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.Acknowledgment

	for _, ack := range s.acks[emergencyID] {
		cloned := *ack
		result = append(result, &cloned)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// InsertLocationPoint appends the point, coalescing duplicate timestamps.
func (s *Store) InsertLocationPoint(_ context.Context, point *emergency.LocationPoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTime, ok := s.locations[point.EmergencyID]
	if !ok {
		byTime = make(map[time.Time]*emergency.LocationPoint)
		s.locations[point.EmergencyID] = byTime
	}

	key := point.RecordedAt.UTC()
	if _, exists := byTime[key]; exists {
		return false, nil
	}

	cloned := *point
	byTime[key] = &cloned

	return true, nil
}

// ListLocationPoints returns points from since onward in timestamp order.
func (s *Store) ListLocationPoints(_ context.Context, emergencyID uuid.UUID, since time.Time) ([]*emergency.LocationPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.LocationPoint

	for _, point := range s.locations[emergencyID] {
		if point.RecordedAt.Before(since) {
			continue
		}

		cloned := *point
		result = append(result, &cloned)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})

	return result, nil
}

// LatestLocationPoint returns the newest point or emergency.ErrNotFound.
func (s *Store) LatestLocationPoint(_ context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *emergency.LocationPoint

	for _, point := range s.locations[emergencyID] {
		if latest == nil || point.RecordedAt.After(latest.RecordedAt) {
			latest = point
		}
	}

	if latest == nil {
		return nil, emergency.ErrNotFound
	}

	cloned := *latest

	return &cloned, nil
}

// CompactLocations deletes trails of emergencies resolved before the cutoff.
func (s *Store) CompactLocations(_ context.Context, resolvedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for id, e := range s.emergencies {
		if e.Status != emergency.StatusResolved || e.ResolvedAt == nil {
			continue
		}

		if !e.ResolvedAt.Before(resolvedBefore) {
			continue
		}

		count += int64(len(s.locations[id]))
		delete(s.locations, id)
	}

	return count, nil
}

// CreateNotificationRecord inserts one delivery record.
func (s *Store) CreateNotificationRecord(_ context.Context, rec *emergency.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cloned := *rec
	s.notifications[rec.ID] = &cloned

	return nil
}

// UpdateNotificationRecord rewrites the record's mutable delivery state.
func (s *Store) UpdateNotificationRecord(_ context.Context, rec *emergency.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[rec.ID]; !ok {
		return emergency.ErrNotFound
	}

	cloned := *rec
	s.notifications[rec.ID] = &cloned

	return nil
}

// ListNotificationRecords returns records in creation order.
func (s *Store) ListNotificationRecords(_ context.Context, emergencyID uuid.UUID) ([]*emergency.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.NotificationRecord

	for _, rec := range s.notifications {
		if rec.EmergencyID != emergencyID {
			continue
		}

		cloned := *rec
		result = append(result, &cloned)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// UpsertEscalationTimer creates or replaces the emergency's timer. A timer
// that was stopped stays stopped: an acknowledgment landing while a
// scheduler step is in flight must not be undone by the step's reschedule.
func (s *Store) UpsertEscalationTimer(_ context.Context, timer *emergency.EscalationTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[timer.EmergencyID]; ok && existing.Stopped {
		return nil
	}

	cloned := *timer
	s.timers[timer.EmergencyID] = &cloned

	return nil
}

// GetEscalationTimer returns the timer or emergency.ErrNotFound.
func (s *Store) GetEscalationTimer(_ context.Context, emergencyID uuid.UUID) (*emergency.EscalationTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[emergencyID]
	if !ok {
		return nil, emergency.ErrNotFound
	}

	cloned := *timer

	return &cloned, nil
}

// DueEscalationTimers returns unstopped timers whose deadline elapsed.
func (s *Store) DueEscalationTimers(_ context.Context, now time.Time, limit int) ([]*emergency.EscalationTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*emergency.EscalationTimer

	for _, timer := range s.timers {
		if timer.Stopped || timer.NextDeadline.After(now) {
			continue
		}

		cloned := *timer
		result = append(result, &cloned)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextDeadline.Before(result[j].NextDeadline)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// StopEscalationTimer permanently silences the emergency's timer.
func (s *Store) StopEscalationTimer(_ context.Context, emergencyID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[emergencyID]; ok {
		timer.Stopped = true
	}

	return nil
}
