package noshow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/cache"
	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/realtime"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStatusChanged = errors.New("appointment status changed")

// fakeStore встречи, сессии звонков и журнал возвратов в памяти
type fakeStore struct {
	mu           sync.Mutex
	appts        map[uuid.UUID]*model.Appointment
	sessions     map[uuid.UUID]*model.CallSession
	refunds      []*model.WalletTransaction
	sessionReads int
	cancelErr    error
	cancelCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appts:    make(map[uuid.UUID]*model.Appointment),
		sessions: make(map[uuid.UUID]*model.CallSession),
	}
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) Cancel(_ context.Context, id uuid.UUID, from []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}

	a := s.appts[id]
	allowed := false
	for _, st := range from {
		if a.Status == st {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", errStatusChanged, a.Status)
	}

	notes, err := model.MergeCancellation(a.Notes, reason)
	if err != nil {
		return nil, err
	}
	a.Status = model.AppointmentStatusCancelled
	a.Notes = notes
	cp := *a
	return &cp, nil
}

func (s *fakeStore) GetLatestByAppointment(_ context.Context, appointmentID uuid.UUID) (*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionReads++
	return s.sessions[appointmentID], nil
}

func (s *fakeStore) FindRefund(_ context.Context, refID uuid.UUID, refType model.ReferenceType) (*model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.ReferenceID == refID && r.ReferenceType == refType {
			return r, nil
		}
	}
	return nil, nil
}

// IssueNoShowRefund как и RefundService: неоплаченное не возвращает,
// вторую запись по той же встрече не создаёт
func (s *fakeStore) IssueNoShowRefund(_ context.Context, appt *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !appt.Refundable() {
		return nil
	}
	for _, r := range s.refunds {
		if r.ReferenceID == appt.ID && r.Reason == model.TransactionReasonExpertNoShow {
			return nil
		}
	}
	s.refunds = append(s.refunds, &model.WalletTransaction{
		ID:            uuid.New(),
		UserID:        appt.UserID,
		Amount:        appt.Amount,
		Type:          model.TransactionTypeCredit,
		Reason:        model.TransactionReasonExpertNoShow,
		ReferenceID:   appt.ID,
		ReferenceType: model.ReferenceTypeAppointment,
	})
	return nil
}

func (s *fakeStore) refundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refunds)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) count(kind AlertKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.alerts {
		if a.Kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	store    *fakeStore
	notifier *recordingNotifier
	bus      *realtime.Bus
	clock    *clock.Fake
	hub      *Hub
	appt     *model.Appointment
}

var startsAt = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	bus := realtime.NewBus()
	clk := clock.NewFake(startsAt.Add(-10 * time.Minute))

	appt := &model.Appointment{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ExpertID:      uuid.New(),
		Date:          time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		StartTime:     "10:00",
		EndTime:       "10:30",
		Timezone:      "UTC",
		Status:        model.AppointmentStatusConfirmed,
		PaymentStatus: model.PaymentStatusCompleted,
		Amount:        2500,
	}
	cp := *appt
	store.appts[appt.ID] = &cp

	sessionCache := cache.NewMemory[uuid.UUID, *model.CallSession](time.Minute, clk)
	hub := NewHub(store, store, store, store, notifier, bus, sessionCache, clk, 3, zap.NewNop())

	return &fixture{store: store, notifier: notifier, bus: bus, clock: clk, hub: hub, appt: appt}
}

func (f *fixture) at(d time.Duration) {
	f.clock.Set(startsAt.Add(d))
}

func (f *fixture) publishSession(status model.CallSessionStatus, started bool) {
	s := model.CallSession{
		ID:            uuid.New(),
		AppointmentID: f.appt.ID,
		ExpertID:      f.appt.ExpertID,
		Status:        status,
	}
	if started {
		t := f.clock.Now()
		s.StartTime = &t
	}
	record, _ := json.Marshal(s)
	f.bus.Publish(realtime.Event{Table: realtime.TableCallSessions, Op: "UPDATE", Record: record})
}

func TestMonitorTimeline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNotApplicable, st.State)

	f.at(30 * time.Minute)
	st, err = m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, st.State)

	for _, d := range []time.Duration{65 * time.Minute, 66 * time.Minute, 69 * time.Minute} {
		f.at(d)
		st, err = m.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateWarning, st.State)
	}
	assert.Equal(t, 1, f.notifier.count(AlertWarning))
	assert.Equal(t, 0, f.store.cancelCalls)

	f.at(70 * time.Minute)
	st, err = m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoCancelled, st.State)
	assert.True(t, st.Refunded)
	assert.Equal(t, 1, f.notifier.count(AlertNoShow))

	stored, _ := f.store.GetByID(ctx, f.appt.ID)
	assert.Equal(t, model.AppointmentStatusCancelled, stored.Status)
	reason := model.CancellationOf(stored.Notes)
	require.NotNil(t, reason)
	assert.Equal(t, model.CancelReasonExpertNoShow, reason.Reason)
	assert.Equal(t, model.CancelledBySystem, reason.CancelledBy)

	assert.Equal(t, 1, f.store.refundCount())
	assert.Equal(t, f.appt.Amount, f.store.refunds[0].Amount)
}

func TestMonitorJoinedDisarmsPermanently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(5 * time.Minute)
	f.publishSession(model.CallSessionStatusActive, true)
	assert.True(t, m.Disarmed())

	// Сессия завершилась, но подключение уже было
	f.publishSession(model.CallSessionStatusEnded, true)

	for _, d := range []time.Duration{65 * time.Minute, 70 * time.Minute, 3 * time.Hour} {
		f.at(d)
		st, err := m.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateNormal, st.State)
		assert.True(t, st.ExpertJoined)
	}

	assert.Zero(t, f.store.cancelCalls)
	assert.Zero(t, f.store.refundCount())
	assert.Zero(t, f.notifier.count(AlertWarning))
}

func TestMonitorPendingSessionIsNotJoin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(10 * time.Minute)
	f.publishSession(model.CallSessionStatusPending, false)
	assert.False(t, m.Disarmed())

	f.at(71 * time.Minute)
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoCancelled, st.State)
}

func TestMonitorFallbackPullOnceThroughSharedCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := f.hub.Watch(ctx, f.appt)
	defer first.Close()
	second := f.hub.Watch(ctx, f.appt)
	defer second.Close()

	f.at(65 * time.Minute)
	for _, m := range []*Monitor{first, second} {
		st, err := m.Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateWarning, st.State)
	}
	assert.Equal(t, 1, f.store.sessionReads)

	// Повторные тики не перечитывают хранилище
	f.at(68 * time.Minute)
	_, err := first.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.sessionReads)
}

func TestMonitorFallbackDetectsMissedJoin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Подключение прошло мимо ленты
	started := startsAt.Add(3 * time.Minute)
	f.store.sessions[f.appt.ID] = &model.CallSession{
		ID:            uuid.New(),
		AppointmentID: f.appt.ID,
		Status:        model.CallSessionStatusActive,
		StartTime:     &started,
	}

	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(72 * time.Minute)
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, st.State)
	assert.True(t, st.ExpertJoined)
	assert.Zero(t, f.store.cancelCalls)
}

func TestMonitorAutoCancelIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	monitors := []*Monitor{f.hub.Watch(ctx, f.appt), f.hub.Watch(ctx, f.appt), f.hub.Watch(ctx, f.appt)}
	f.at(71 * time.Minute)

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				st, err := m.Check(ctx)
				assert.NoError(t, err)
				assert.Equal(t, StateAutoCancelled, st.State)
			}
		}(m)
	}
	wg.Wait()

	// Повторная доставка событий ленты
	record, _ := json.Marshal(realtime.AppointmentChange{ID: f.appt.ID, Status: model.AppointmentStatusCancelled})
	for i := 0; i < 3; i++ {
		f.bus.Publish(realtime.Event{Table: realtime.TableAppointments, Op: "UPDATE", Record: record})
	}
	for _, m := range monitors {
		st, err := m.Check(ctx)
		require.NoError(t, err)
		assert.True(t, st.Refunded)
		m.Close()
	}

	assert.Equal(t, 1, f.store.refundCount())
	assert.Equal(t, 1, f.notifier.count(AlertNoShow))
	assert.Zero(t, f.bus.Subscribers())
}

func TestMonitorRetriesAndEscalatesFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.store.cancelErr = errors.New("connection refused")
	f.at(70 * time.Minute)

	for i := 1; i <= 4; i++ {
		st, err := m.Check(ctx)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.AutoCancelFailed))
		assert.Equal(t, apperr.ClassConsistency, apperr.KindOf(err).Class())
		assert.Equal(t, i, st.Failures)
		assert.Equal(t, i >= 3, st.Escalated)
	}
	assert.Equal(t, 1, f.notifier.count(AlertEscalation))

	f.store.cancelErr = nil
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoCancelled, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 1, f.store.refundCount())
}

func TestMonitorTerminalAppointmentLooksUpRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sessionID := uuid.New()
	f.store.refunds = append(f.store.refunds, &model.WalletTransaction{
		ID:            uuid.New(),
		Type:          model.TransactionTypeCredit,
		Reason:        model.TransactionReasonRefund,
		ReferenceID:   sessionID,
		ReferenceType: model.ReferenceTypeCallSession,
	})

	// Отменена пользователем до начала
	f.appt.Status = model.AppointmentStatusCancelled
	f.store.appts[f.appt.ID].Status = model.AppointmentStatusCancelled
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(10 * time.Minute)
	f.bus.Publish(realtime.Event{
		Table:  realtime.TableCallSessions,
		Op:     "INSERT",
		Record: json.RawMessage(fmt.Sprintf(`{"id":%q,"appointment_id":%q,"status":"ended"}`, sessionID, f.appt.ID)),
	})

	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, st.State)
	assert.True(t, st.Refunded)
	assert.Zero(t, f.store.cancelCalls)
	assert.Equal(t, 1, f.store.refundCount())
}

func TestMonitorAutoCancelledFindsSessionRefundInStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Встречу отменил другой процесс и вернул деньги по сессии звонка;
	// событий ленты этот процесс не видел
	notes, err := model.MergeCancellation(nil, model.CancellationReason{
		Reason:      model.CancelReasonExpertNoShow,
		CancelledBy: model.CancelledBySystem,
		CancelledAt: startsAt.Add(70 * time.Minute),
	})
	require.NoError(t, err)
	stored := f.store.appts[f.appt.ID]
	stored.Status = model.AppointmentStatusCancelled
	stored.Notes = notes

	sessionID := uuid.New()
	f.store.sessions[f.appt.ID] = &model.CallSession{
		ID:            sessionID,
		AppointmentID: f.appt.ID,
		ExpertID:      f.appt.ExpertID,
		Status:        model.CallSessionStatusEnded,
	}
	f.store.refunds = append(f.store.refunds, &model.WalletTransaction{
		ID:            uuid.New(),
		UserID:        f.appt.UserID,
		Amount:        f.appt.Amount,
		Type:          model.TransactionTypeCredit,
		Reason:        model.TransactionReasonExpertNoShow,
		ReferenceID:   sessionID,
		ReferenceType: model.ReferenceTypeCallSession,
	})

	f.appt.Status = model.AppointmentStatusCancelled
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(75 * time.Minute)
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoCancelled, st.State)
	assert.True(t, st.Refunded)
	assert.Equal(t, 1, f.store.refundCount())
}

func TestMonitorAutoCancelUnpaidHasNothingToRefund(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.appt.Amount = 0
	f.store.appts[f.appt.ID].Amount = 0

	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	f.at(71 * time.Minute)
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAutoCancelled, st.State)
	assert.False(t, st.Refunded)
	assert.True(t, st.NothingToRefund)
	assert.Zero(t, f.store.refundCount())
	assert.Equal(t, 1, f.notifier.count(AlertNoShow))

	st, err = m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, st.NothingToRefund)
	assert.Equal(t, 1, f.store.cancelCalls)
}

func TestMonitorStatusChangedConcurrently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.hub.Watch(ctx, f.appt)
	defer m.Close()

	// Эксперт подключился, но событие ленты потерялось
	f.store.mu.Lock()
	f.store.appts[f.appt.ID].Status = model.AppointmentStatusInProgress
	f.store.mu.Unlock()

	f.at(70 * time.Minute)
	st, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, st.State)
	assert.True(t, m.Disarmed())
	assert.Zero(t, f.store.refundCount())
}
