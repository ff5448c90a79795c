package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
)

// Activator confirms elapsed countdowns through the state machine.
type Activator interface {
	ConfirmCountdown(ctx context.Context, id uuid.UUID) (*emergency.Emergency, error)
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often due deadlines are polled.
	TickInterval time.Duration
	// EscalationInterval separates consecutive escalation steps.
	EscalationInterval time.Duration
	// BatchLimit bounds how many due items one tick processes.
	BatchLimit int
	// LeaseTTL is how long a claimed deadline stays locked.
	LeaseTTL time.Duration
}

// Default configuration values.
const (
	DefaultTickInterval       = 5 * time.Second
	DefaultEscalationInterval = 30 * time.Second
	DefaultBatchLimit         = 100
	DefaultLeaseTTL           = 30 * time.Second
)

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}

	if c.EscalationInterval <= 0 {
		c.EscalationInterval = DefaultEscalationInterval
	}

	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}

	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}

	return c
}

// Service polls persisted deadlines and fires the transitions they encode.
type Service struct {
	// store reads due deadlines and rewrites timers.
	store repository.Store
	// activator is the state machine's countdown confirmation.
	activator Activator
	// lease claims due items across workers.
	lease coordination.Lease
	// log receives escalation events.
	log eventlog.Publisher
	// clk supplies the current time.
	clk clock.Clock
	// cfg holds tuning parameters.
	cfg Config
}

// NewService wires the scheduler.
func NewService(store repository.Store, activator Activator, lease coordination.Lease, log eventlog.Publisher, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store:     store,
		activator: activator,
		lease:     lease,
		log:       log,
		clk:       clk,
		cfg:       cfg.withDefaults(),
	}
}

// Run polls until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	logger.InfoKV(ctx, "Scheduler started",
		"tick_interval", s.cfg.TickInterval, "escalation_interval", s.cfg.EscalationInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick processes one round of due countdowns and escalation deadlines.
func (s *Service) tick(ctx context.Context) {
	if err := s.confirmDueCountdowns(ctx); err != nil {
		logger.ErrorKV(ctx, "Countdown pass failed", "error", err)
	}

	if err := s.fireDueEscalations(ctx); err != nil {
		logger.ErrorKV(ctx, "Escalation pass failed", "error", err)
	}
}

// confirmDueCountdowns activates pending emergencies whose confirmation
// window elapsed uncancelled.
func (s *Service) confirmDueCountdowns(ctx context.Context) error {
	due, err := s.store.DuePendingCountdowns(ctx, s.clk.Now(), s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due countdowns: %w", err)
	}

	for _, e := range due {
		key := "sched:countdown:" + e.ID.String()

		claimed, err := s.lease.Acquire(ctx, key, s.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire countdown lease: %w", err)
		}

		if !claimed {
			continue
		}

		_, err = s.activator.ConfirmCountdown(ctx, e.ID)

		switch {
		case err == nil:
			logger.InfoKV(ctx, "Countdown elapsed, emergency activated", "emergency_id", e.ID)
		case errors.Is(err, emergency.ErrInvalidState):
			// Cancelled between the query and the claim.
		default:
			logger.ErrorKV(ctx, "Failed to confirm countdown", "emergency_id", e.ID, "error", err)
		}

		if err := s.lease.Release(ctx, key); err != nil {
			logger.WarnKV(ctx, "Failed to release lease", "key", key, "error", err)
		}
	}

	return nil
}

// fireDueEscalations advances every due escalation timer one step.
func (s *Service) fireDueEscalations(ctx context.Context) error {
	due, err := s.store.DueEscalationTimers(ctx, s.clk.Now(), s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list due timers: %w", err)
	}

	for _, timer := range due {
		key := "sched:escalate:" + timer.EmergencyID.String()

		claimed, err := s.lease.Acquire(ctx, key, s.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire escalation lease: %w", err)
		}

		if !claimed {
			continue
		}

		if err := s.escalate(ctx, timer); err != nil {
			logger.ErrorKV(ctx, "Escalation step failed",
				"emergency_id", timer.EmergencyID, "error", err)
		}

		if err := s.lease.Release(ctx, key); err != nil {
			logger.WarnKV(ctx, "Failed to release lease", "key", key, "error", err)
		}
	}

	return nil
}

// escalate fires one escalation step: widen to the next tier while one
// exists, then keep re-alerting every already-notified tier. The timer is
// silenced when the emergency terminated or a contact acknowledged between
// the deadline firing and this step.
func (s *Service) escalate(ctx context.Context, timer *emergency.EscalationTimer) error {
	e, err := s.store.GetEmergency(ctx, timer.EmergencyID)
	if err != nil {
		return fmt.Errorf("load emergency: %w", err)
	}

	if e.Terminal() {
		return s.store.StopEscalationTimer(ctx, timer.EmergencyID)
	}

	acks, err := s.store.ListAcknowledgments(ctx, timer.EmergencyID)
	if err != nil {
		return fmt.Errorf("list acknowledgments: %w", err)
	}

	if len(acks) > 0 {
		return s.store.StopEscalationTimer(ctx, timer.EmergencyID)
	}

	tiers, resend, tierNotified := nextStep(e, timer.TierNotified)
	if len(tiers) == 0 {
		// An empty contact snapshot leaves nothing to escalate to.
		return s.store.StopEscalationTimer(ctx, timer.EmergencyID)
	}

	if err := s.publishEscalation(ctx, e.ID, tiers, resend); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Escalation fired",
		"emergency_id", e.ID, "tiers", tiers, "resend", resend)

	timer.TierNotified = tierNotified
	timer.NextDeadline = s.clk.Now().Add(s.cfg.EscalationInterval)

	if err := s.store.UpsertEscalationTimer(ctx, timer); err != nil {
		return fmt.Errorf("reschedule timer: %w", err)
	}

	return nil
}

// nextStep decides what a due timer fires: the next unnotified tier, or a
// resend of everything once the snapshot is exhausted.
func nextStep(e *emergency.Emergency, notified emergency.Tier) ([]emergency.Tier, bool, emergency.Tier) {
	highest := e.HighestTier()
	if highest == 0 {
		return nil, false, notified
	}

	for tier := notified + 1; tier <= highest; tier++ {
		if len(e.ContactsInTier(tier)) > 0 {
			return []emergency.Tier{tier}, false, tier
		}
	}

	var all []emergency.Tier

	for tier := emergency.TierPrimary; tier <= highest; tier++ {
		if len(e.ContactsInTier(tier)) > 0 {
			all = append(all, tier)
		}
	}

	return all, true, notified
}

// publishEscalation emits the escalation event with the next sequence.
func (s *Service) publishEscalation(ctx context.Context, emergencyID uuid.UUID, tiers []emergency.Tier, resend bool) error {
	seq, err := s.store.NextEventSeq(ctx, emergencyID)
	if err != nil {
		return fmt.Errorf("allocate event sequence: %w", err)
	}

	env, err := eventlog.NewEnvelope(eventlog.SubjectEscalationDue, emergencyID, seq, s.clk.Now(), &eventlog.EscalationDueEvent{
		EmergencyID: emergencyID,
		Tiers:       tiers,
		Resend:      resend,
	})
	if err != nil {
		return fmt.Errorf("build escalation event: %w", err)
	}

	if err := s.log.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish escalation event: %w", err)
	}

	return nil
}
