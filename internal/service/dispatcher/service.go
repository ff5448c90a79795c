package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lifeline-sos/lifeline/internal/channel"
	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
)

// ConsumerGroup is the default durable queue group name shared by
// dispatcher workers.
const ConsumerGroup = "dispatcher"

// Config tunes delivery behavior.
type Config struct {
	// Group is the durable queue group this instance consumes under.
	// Instances with different adapter sets must use different groups so
	// each set receives every event.
	Group string
	// MaxAttempts bounds delivery attempts per channel.
	MaxAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// DedupWindow is how long a completed send suppresses repeats.
	DedupWindow time.Duration
}

// Default configuration values.
const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Second
	DefaultDedupWindow  = 10 * time.Minute
)

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = ConsumerGroup
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}

	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}

	return c
}

// Service fans notifications out to emergency contacts.
type Service struct {
	// store persists delivery records and reads emergency state.
	store repository.Store
	// log is consumed for activations and publishes delivery failures.
	log eventlog.Log
	// dedup suppresses duplicate sends across workers and redeliveries.
	dedup coordination.Deduper
	// adapters are the channels attempted per contact.
	adapters []channel.Adapter
	// clk supplies the current time.
	clk clock.Clock
	// cfg holds tuning parameters.
	cfg Config
}

// NewService wires the dispatcher. Every adapter applicable to a contact is
// attempted concurrently; one delivered channel counts the contact reached.
func NewService(store repository.Store, log eventlog.Log, dedup coordination.Deduper, adapters []channel.Adapter, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store:    store,
		log:      log,
		dedup:    dedup,
		adapters: adapters,
		clk:      clk,
		cfg:      cfg.withDefaults(),
	}
}

// Run attaches the dispatcher to the event log and blocks until the context
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	subjects := []string{eventlog.SubjectEmergencyActivated, eventlog.SubjectEscalationDue}

	if err := s.log.Subscribe(ctx, s.cfg.Group, subjects, s.handle); err != nil {
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}

	logger.InfoKV(ctx, "Dispatcher started", "group", s.cfg.Group)

	<-ctx.Done()

	return nil
}

// handle routes one event. A returned error leaves the event unacknowledged
// for redelivery; completed contact sends stay suppressed by the dedup key.
func (s *Service) handle(ctx context.Context, env *eventlog.Envelope) error {
	switch env.Subject {
	case eventlog.SubjectEmergencyActivated:
		return s.dispatch(ctx, env, []emergency.Tier{emergency.TierPrimary})
	case eventlog.SubjectEscalationDue:
		payload, err := eventlog.Decode[eventlog.EscalationDueEvent](env)
		if err != nil {
			return err
		}

		return s.dispatch(ctx, env, payload.Tiers)
	default:
		return nil
	}
}

// dispatch notifies every contact in the given tiers concurrently.
func (s *Service) dispatch(ctx context.Context, env *eventlog.Envelope, tiers []emergency.Tier) error {
	e, err := s.store.GetEmergency(ctx, env.EmergencyID)
	if err != nil {
		return fmt.Errorf("load emergency %s: %w", env.EmergencyID, err)
	}

	// The emergency may have terminated between the event and its delivery.
	if e.Terminal() {
		logger.InfoKV(ctx, "Skipping dispatch for terminal emergency",
			"emergency_id", e.ID, "status", e.Status)

		return nil
	}

	var targets []emergency.Contact
	for _, tier := range tiers {
		targets = append(targets, e.ContactsInTier(tier)...)
	}

	if len(targets) == 0 {
		logger.WarnKV(ctx, "No contacts to notify", "emergency_id", e.ID, "tiers", tiers)

		return nil
	}

	batchID := uuid.New()
	payload := s.buildPayload(e)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, contact := range targets {
		contact := contact

		group.Go(func() error {
			err := s.notifyContact(groupCtx, env, e, batchID, contact, payload)
			if errors.Is(err, emergency.ErrAllChannelsExhausted) {
				// Already reported; one unreachable contact must not fail
				// the whole batch.
				return nil
			}

			return err
		})
	}

	return group.Wait()
}

// notifyContact attempts every channel applicable to one contact in
// parallel. The dedup key is scoped to the event sequence and marked only
// after a channel delivers: a redelivered event skips channels that already
// went through, retries channels that never completed, and the next
// escalation round carries a new sequence and alerts again.
func (s *Service) notifyContact(ctx context.Context, env *eventlog.Envelope, e *emergency.Emergency, batchID uuid.UUID, contact emergency.Contact, payload channel.Payload) error {
	var applicable []channel.Adapter

	for _, adapter := range s.adapters {
		if adapter.Applicable(contact) {
			applicable = append(applicable, adapter)
		}
	}

	if len(applicable) == 0 {
		s.reportChannelsFailed(ctx, e, contact, nil, "no applicable channels")

		return fmt.Errorf("contact %s: %w", contact.ID, emergency.ErrAllChannelsExhausted)
	}

	var (
		mu        sync.Mutex
		tried     []string
		lastError string
		delivered bool
	)

	group, groupCtx := errgroup.WithContext(ctx)

	for _, adapter := range applicable {
		adapter := adapter

		group.Go(func() error {
			key := fmt.Sprintf("notify:%s:%s:%s:%d", e.ID, contact.ID, adapter.Name(), env.Seq)

			seen, err := s.dedup.Seen(groupCtx, key)
			if err != nil {
				return fmt.Errorf("dedup check: %w", err)
			}

			if seen {
				logger.DebugKV(ctx, "Send already delivered, skipping",
					"emergency_id", e.ID, "contact_id", contact.ID, "channel", adapter.Name())

				mu.Lock()
				delivered = true
				mu.Unlock()

				return nil
			}

			sendErr := s.sendWithRetry(groupCtx, adapter, e, batchID, contact, payload)

			mu.Lock()
			tried = append(tried, adapter.Name())

			if sendErr != nil {
				lastError = sendErr.Error()
			} else {
				delivered = true
			}
			mu.Unlock()

			if sendErr != nil {
				logger.WarnKV(ctx, "Channel exhausted",
					"emergency_id", e.ID, "contact_id", contact.ID,
					"channel", adapter.Name(), "error", sendErr)

				return nil
			}

			// The send went through; a mark failure only risks one extra
			// delivery on redelivery, never a lost alert.
			if err := s.dedup.Mark(groupCtx, key, s.cfg.DedupWindow); err != nil {
				logger.ErrorKV(ctx, "Failed to mark send as delivered",
					"emergency_id", e.ID, "contact_id", contact.ID,
					"channel", adapter.Name(), "error", err)
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	if !delivered {
		s.reportChannelsFailed(ctx, e, contact, tried, lastError)

		return fmt.Errorf("contact %s: %w", contact.ID, emergency.ErrAllChannelsExhausted)
	}

	return nil
}

// sendWithRetry makes bounded attempts on one channel, tracking each in a
// notification record.
func (s *Service) sendWithRetry(ctx context.Context, adapter channel.Adapter, e *emergency.Emergency, batchID uuid.UUID, contact emergency.Contact, payload channel.Payload) error {
	now := s.clk.Now()
	rec := &emergency.NotificationRecord{
		ID:          uuid.New(),
		EmergencyID: e.ID,
		BatchID:     batchID,
		ContactID:   contact.ID,
		Channel:     adapter.Name(),
		Status:      emergency.NotificationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateNotificationRecord(ctx, rec); err != nil {
		return fmt.Errorf("create notification record: %w", err)
	}

	backoff := s.cfg.RetryBackoff

	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt

		lastErr = adapter.Send(ctx, contact, payload)
		if lastErr == nil {
			rec.Status = emergency.NotificationSent
			rec.LastError = ""
			s.updateRecord(ctx, rec)

			logger.InfoKV(ctx, "Notification sent",
				"emergency_id", e.ID, "contact_id", contact.ID,
				"channel", adapter.Name(), "attempts", attempt)

			return nil
		}

		rec.LastError = lastErr.Error()
		s.updateRecord(ctx, rec)

		if attempt < s.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
		}
	}

	rec.Status = emergency.NotificationFailed
	s.updateRecord(ctx, rec)

	return lastErr
}

// reportChannelsFailed surfaces a contact nobody could reach.
func (s *Service) reportChannelsFailed(ctx context.Context, e *emergency.Emergency, contact emergency.Contact, tried []string, lastError string) {
	logger.ErrorKV(ctx, "All channels failed for contact",
		"emergency_id", e.ID, "contact_id", contact.ID,
		"channels", strings.Join(tried, ","), "error", lastError)

	seq, err := s.store.NextEventSeq(ctx, e.ID)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to allocate event sequence",
			"emergency_id", e.ID, "error", err)

		return
	}

	env, err := eventlog.NewEnvelope(eventlog.SubjectAllChannelsFailed, e.ID, seq, s.clk.Now(), &eventlog.ChannelsFailedEvent{
		EmergencyID: e.ID,
		ContactID:   contact.ID,
		Channels:    tried,
		LastError:   lastError,
	})
	if err != nil {
		logger.ErrorKV(ctx, "Failed to build failure event",
			"emergency_id", e.ID, "error", err)

		return
	}

	if err := s.log.Publish(ctx, env); err != nil {
		logger.ErrorKV(ctx, "Failed to publish failure event",
			"emergency_id", e.ID, "error", err)
	}
}

// updateRecord persists delivery state; a failure here must not abort the send.
func (s *Service) updateRecord(ctx context.Context, rec *emergency.NotificationRecord) {
	rec.UpdatedAt = s.clk.Now()

	if err := s.store.UpdateNotificationRecord(ctx, rec); err != nil {
		logger.ErrorKV(ctx, "Failed to update notification record",
			"record_id", rec.ID, "error", err)
	}
}

// buildPayload renders the notification content for one emergency.
func (s *Service) buildPayload(e *emergency.Emergency) channel.Payload {
	title := fmt.Sprintf("Emergency alert: %s", e.Type)
	body := "An emergency contact needs your help. Open the app to acknowledge and see the live location."

	if e.AutoTriggered {
		body = fmt.Sprintf("An emergency was detected automatically (%s). Open the app to acknowledge and see the live location.", e.TriggerSource)
	}

	return channel.Payload{
		EmergencyID: e.ID,
		UserID:      e.UserID,
		Type:        e.Type,
		Title:       title,
		Body:        body,
		Location:    e.InitialLocation.Clone(),
		Timestamp:   s.clk.Now(),
	}
}
