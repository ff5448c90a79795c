package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/contacts"
	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
	"github.com/lifeline-sos/lifeline/internal/eventlog"
	"github.com/lifeline-sos/lifeline/internal/repository"
	"github.com/lifeline-sos/lifeline/internal/repository/memory"
	"github.com/lifeline-sos/lifeline/internal/ws"
)

type fixture struct {
	service   *Service
	store     *memory.Store
	log       *eventlog.Memory
	directory *contacts.Static
	clk       *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	log := eventlog.NewMemory()
	directory := contacts.NewStatic()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	return &fixture{
		service:   NewService(store, log, directory, ws.NewHub(), clk, Config{}),
		store:     store,
		log:       log,
		directory: directory,
		clk:       clk,
	}
}

func (f *fixture) seedContacts(userID uuid.UUID) []emergency.Contact {
	list := []emergency.Contact{
		{ID: uuid.New(), Name: "Anna", Tier: emergency.TierPrimary, Phone: "+1000", Consented: true},
		{ID: uuid.New(), Name: "Boris", Tier: emergency.TierSecondary, Email: "boris@example.com", Consented: true},
	}
	f.directory.Put(userID, list)

	return list
}

func TestTriggerManualStartsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID:           userID,
		Type:             emergency.TypeMedical,
		Location:         &emergency.GeoPoint{Latitude: 55.75, Longitude: 37.62, AccuracyM: 10},
		TriggerSource:    "app",
		CountdownSeconds: 30,
	})
	require.NoError(t, err)
	require.Equal(t, emergency.StatusPending, e.Status)
	require.NotNil(t, e.CountdownDeadline)
	require.Equal(t, f.clk.Now().Add(30*time.Second), *e.CountdownDeadline)
	require.Len(t, e.Contacts, 2)

	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyCreated), 1)
	require.Empty(t, f.log.BySubject(eventlog.SubjectEmergencyActivated))

	_, err = f.store.GetEscalationTimer(context.Background(), e.ID)
	require.ErrorIs(t, err, emergency.ErrNotFound)
}

func TestTriggerAutoActivatesImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID:        userID,
		Type:          emergency.TypeFallDetected,
		AutoTriggered: true,
		TriggerSource: "fall_sensor",
	})
	require.NoError(t, err)
	require.Equal(t, emergency.StatusActive, e.Status)
	require.NotNil(t, e.ActivatedAt)
	require.Nil(t, e.CountdownDeadline)

	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyCreated), 1)
	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyActivated), 1)

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.TierPrimary, timer.TierNotified)
	require.Equal(t, f.clk.Now().Add(DefaultEscalationInitialDelay), timer.NextDeadline)
}

func TestTriggerSecondWhileActiveConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	first, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeGeneral, AutoTriggered: true,
	})
	require.NoError(t, err)

	_, err = f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, CountdownSeconds: 30,
	})

	var conflict *emergency.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ID, conflict.ExistingID)

	// A resolved emergency no longer blocks a new trigger.
	_, err = f.service.Resolve(context.Background(), first.ID, userID, "")
	require.NoError(t, err)

	_, err = f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)
}

func TestTriggerCountdownOutOfRange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID:           uuid.New(),
		Type:             emergency.TypeGeneral,
		CountdownSeconds: DefaultMaxCountdownSeconds + 1,
	})
	require.ErrorIs(t, err, emergency.ErrValidation)
}

func TestTriggerSurvivesDirectoryOutage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.directory.Fail(errors.New("directory down"))

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: uuid.New(), Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)
	require.Equal(t, emergency.StatusActive, e.Status)
	require.Empty(t, e.Contacts)
}

func TestConfirmCountdownActivates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, CountdownSeconds: 30,
	})
	require.NoError(t, err)

	f.clk.Advance(31 * time.Second)

	activated, err := f.service.ConfirmCountdown(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, emergency.StatusActive, activated.Status)
	require.Nil(t, activated.CountdownDeadline)
	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyActivated), 1)
}

func TestCancelDuringCountdownBeatsConfirmation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, CountdownSeconds: 30,
	})
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(context.Background(), e.ID, userID, "false alarm")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusCancelled, cancelled.Status)

	// The countdown deadline firing after cancellation must be a no-op.
	_, err = f.service.ConfirmCountdown(context.Background(), e.ID)

	var state *emergency.InvalidStateError
	require.ErrorAs(t, err, &state)
	require.Equal(t, emergency.StatusCancelled, state.Status)

	require.Empty(t, f.log.BySubject(eventlog.SubjectEmergencyActivated))
	require.Len(t, f.log.BySubject(eventlog.SubjectEmergencyCancelled), 1)
}

func TestCancelActiveRecordsActorAndReason(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeGeneral, AutoTriggered: true,
	})
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(context.Background(), e.ID, userID, "pressed by mistake")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusCancelled, cancelled.Status)
	require.Equal(t, "pressed by mistake", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelActorID)
	require.Equal(t, userID, *cancelled.CancelActorID)

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, timer.Stopped)
}

func TestCancelTerminalFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeGeneral, AutoTriggered: true,
	})
	require.NoError(t, err)

	_, err = f.service.Resolve(context.Background(), e.ID, userID, "all good")
	require.NoError(t, err)

	_, err = f.service.Cancel(context.Background(), e.ID, userID, "too late")
	require.ErrorIs(t, err, emergency.ErrInvalidState)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	list := f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	err = f.service.Acknowledge(context.Background(), e.ID, list[0].ID, nil, "on my way")
	require.NoError(t, err)

	err = f.service.Acknowledge(context.Background(), e.ID, list[0].ID, nil, "on my way")
	require.NoError(t, err)

	acks, err := f.store.ListAcknowledgments(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Len(t, f.log.BySubject(eventlog.SubjectContactAcknowledged), 1)

	timer, err := f.store.GetEscalationTimer(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, timer.Stopped)
}

func TestAcknowledgeUnknownContact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	err = f.service.Acknowledge(context.Background(), e.ID, uuid.New(), nil, "")
	require.ErrorIs(t, err, emergency.ErrNotFound)
}

func TestAcknowledgeTerminalFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	list := f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	_, err = f.service.Cancel(context.Background(), e.ID, userID, "")
	require.NoError(t, err)

	err = f.service.Acknowledge(context.Background(), e.ID, list[0].ID, nil, "")
	require.ErrorIs(t, err, emergency.ErrInvalidState)
}

func TestResolveComputesDuration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	f.clk.Advance(10 * time.Minute)

	resolved, err := f.service.Resolve(context.Background(), e.ID, userID, "resolved by responder")
	require.NoError(t, err)
	require.Equal(t, emergency.StatusResolved, resolved.Status)
	require.Equal(t, 10*time.Minute, resolved.Duration())
	require.Equal(t, "resolved by responder", resolved.ResolutionNotes)

	events := f.log.BySubject(eventlog.SubjectEmergencyResolved)
	require.Len(t, events, 1)

	payload, err := eventlog.Decode[eventlog.EmergencyEvent](events[0])
	require.NoError(t, err)
	require.Equal(t, int64(600), payload.DurationSeconds)
}

func TestResolvePendingFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, CountdownSeconds: 30,
	})
	require.NoError(t, err)

	_, err = f.service.Resolve(context.Background(), e.ID, userID, "")
	require.ErrorIs(t, err, emergency.ErrInvalidState)
}

func TestEventSequencesAreMonotonicPerEmergency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	list := f.seedContacts(userID)

	e, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Acknowledge(context.Background(), e.ID, list[0].ID, nil, ""))

	_, err = f.service.Resolve(context.Background(), e.ID, userID, "")
	require.NoError(t, err)

	var last uint64

	for _, env := range f.log.Published() {
		require.Equal(t, e.ID, env.EmergencyID)
		require.Greater(t, env.Seq, last)

		last = env.Seq
	}
}

func TestHistoryFiltersByStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	userID := uuid.New()
	f.seedContacts(userID)

	first, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeMedical, AutoTriggered: true,
	})
	require.NoError(t, err)

	_, err = f.service.Resolve(context.Background(), first.ID, userID, "")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)

	second, err := f.service.Trigger(context.Background(), TriggerParams{
		UserID: userID, Type: emergency.TypeFire, AutoTriggered: true,
	})
	require.NoError(t, err)

	all, err := f.service.History(context.Background(), repository.HistoryFilter{UserID: userID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)

	resolved, err := f.service.History(context.Background(), repository.HistoryFilter{
		UserID: userID,
		Status: emergency.StatusResolved,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, first.ID, resolved[0].ID)
}
