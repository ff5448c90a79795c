package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/coordination"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/repository/memory"
	"github.com/lifeline-sos/lifeline/internal/service/orchestrator"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

type fixture struct {
	service      *Service
	orchestrator *orchestrator.Service
	store        *memory.Store
	log          *eventlog.Memory
	lease        *coordination.Memory
	directory    *contacts.Static
	clk          *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	log := eventlog.NewMemory()
	directory := contacts.NewStatic()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	lease := coordination.NewMemory(clk)

	orch := orchestrator.NewService(store, log, directory, ws.NewHub(), clk, orchestrator.Config{})

	return &fixture{
		service:      NewService(store, orch, lease, log, clk, Config{}),
		orchestrator: orch,
		store:        store,
		log:          log,
		lease:        lease,
		directory:    directory,
		clk:          clk,
	}
}

func (f *fixture) seedContacts(userID uuid.UUID, tiers ...emergency.Tier) []emergency.Contact {
	var list []emergency.Contact
	for _, tier := range tiers {
		list = append(list, emergency.Contact{
			ID: uuid.New(), Name: "c", Tier: tier, Phone: "+1", Consented: true,
		})
	}

	f.directory.Put(userID, list)

	return list
}

func (f *fixture) triggerPending(t *testing.T, countdownSeconds int) *emergency.Emergency {
	t.Helper()

	userID := uuid.New()
	f.seedContacts(userID, emergency.TierPrimary, emergency.TierSecondary)

	e, err := f.orchestrator.Trigger(context.Background(), orchestrator.TriggerParams{
		UserID:           userID,
		Type:             emergency.TypeMedical,
		CountdownSeconds: countdownSeconds,
	})
	require.NoError(t, err)

	return e
}

func (f *fixture) triggerActive(t *testing.T, tiers ...emergency.Tier) *emergency.Emergency {
	t.Helper()

	userID := uuid.New()
	f.seedContacts(userID, tiers...)

	e, err := f.orchestrator.Trigger(context.Background(), orchestrator.TriggerParams{
		UserID:        userID,
		Type:          emergency.TypeMedical,
		AutoTriggered: true,
	})
	require.NoError(t, err)

	return e
}

func TestCountdownElapsesAndActivates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerPending(t, 30)

	// Not yet due.
	f.clk.Advance(29 * time.Second)
	f.service.tick(context.Background())

	got, err := f.store.GetEmergency(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.StatusPending, got.Status)

	f.clk.Advance(2 * time.Second)
	f.service.tick(context.Background())

	got, err = f.store.GetEmergency(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.StatusActive, got.Status)
	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyActivated), 1)
}

func TestCancelledCountdownIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerPending(t, 30)

	_, err := f.orchestrator.Cancel(context.Background(), e.ID, e.UserID, "false alarm")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	f.service.tick(context.Background())

	got, err := f.store.GetEmergency(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.StatusCancelled, got.Status)
	require.Empty(t, f.log.BySubject(eventlog.SubjectEmergencyActivated))
}

func TestEscalationWidensThenResends(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerActive(t, emergency.TierPrimary, emergency.TierSecondary)

	// First deadline widens to the secondary tier.
	f.clk.Advance(orchestrator.DefaultEscalationInitialDelay + time.Second)
	f.service.tick(context.Background())

	events := f.log.BySubject(eventlog.SubjectEscalationDue)
	require.Len(t, events, 1)

	step, err := eventlog.Decode[eventlog.EscalationDueEvent](events[0])
	require.NoError(t, err)
	require.Equal(t, []emergency.Tier{emergency.TierSecondary}, step.Tiers)
	require.False(t, step.Resend)

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.TierSecondary, timer.TierNotified)
	require.Equal(t, f.clk.Now().Add(DefaultEscalationInterval), timer.NextDeadline)

	// With no wider tier left, the next deadline re-alerts everyone.
	f.clk.Advance(DefaultEscalationInterval + time.Second)
	f.service.tick(context.Background())

	events = f.log.BySubject(eventlog.SubjectEscalationDue)
	require.Len(t, events, 2)

	step, err = eventlog.Decode[eventlog.EscalationDueEvent](events[1])
	require.NoError(t, err)
	require.Equal(t, []emergency.Tier{emergency.TierPrimary, emergency.TierSecondary}, step.Tiers)
	require.True(t, step.Resend)
}

func TestEscalationSkipsEmptyTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.triggerActive(t, emergency.TierPrimary, emergency.TierTertiary)

	f.clk.Advance(orchestrator.DefaultEscalationInitialDelay + time.Second)
	f.service.tick(context.Background())

	events := f.log.BySubject(eventlog.SubjectEscalationDue)
	require.Len(t, events, 1)

	step, err := eventlog.Decode[eventlog.EscalationDueEvent](events[0])
	require.NoError(t, err)
	require.Equal(t, []emergency.Tier{emergency.TierTertiary}, step.Tiers)
}

func TestAcknowledgmentStopsEscalation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerActive(t, emergency.TierPrimary, emergency.TierSecondary)

	require.NoError(t, f.orchestrator.Acknowledge(context.Background(), e.ID, e.Contacts[0].ID, nil, ""))

	f.clk.Advance(time.Hour)
	f.service.tick(context.Background())

	require.Empty(t, f.log.BySubject(eventlog.SubjectEscalationDue))

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, timer.Stopped)
}

func TestStopDuringEscalationStepSurvivesReschedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerActive(t, emergency.TierPrimary, emergency.TierSecondary)

	f.clk.Advance(orchestrator.DefaultEscalationInitialDelay + time.Second)

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)

	// An acknowledgment stops the timer after the step loaded it but before
	// the step reschedules; the reschedule must not re-arm it.
	require.NoError(t, f.store.StopEscalationTimer(context.Background(), e.ID))
	require.NoError(t, f.service.escalate(context.Background(), timer))

	timer, err = f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, timer.Stopped)

	f.clk.Advance(time.Hour)
	f.service.tick(context.Background())

	require.Len(t, f.log.BySubject(eventlog.SubjectEscalationDue), 1)
}

func TestTerminalEmergencySilencesTimer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerActive(t, emergency.TierPrimary)

	// Terminate behind the timer's back, without stopping it.
	got, err := f.store.GetEmergency(context.Background(), e.ID)
	require.NoError(t, err)

	now := f.clk.Now()
	got.Status = emergency.StatusResolved
	got.ResolvedAt = &now
	require.NoError(t, f.store.UpdateEmergencyCAS(context.Background(), got))

	f.clk.Advance(time.Hour)
	f.service.tick(context.Background())

	require.Empty(t, f.log.BySubject(eventlog.SubjectEscalationDue))

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, timer.Stopped)
}

func TestHeldLeaseSkipsDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	e := f.triggerActive(t, emergency.TierPrimary, emergency.TierSecondary)

	claimed, err := f.lease.Acquire(context.Background(), "sched:escalate:"+e.ID.String(), time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	f.clk.Advance(orchestrator.DefaultEscalationInitialDelay + time.Second)
	f.service.tick(context.Background())

	require.Empty(t, f.log.BySubject(eventlog.SubjectEscalationDue))
}
