package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/cache"
	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/noshow"
	"github.com/Freeeeeet/expert_scheduler/internal/realtime"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// store встречи, сессии и возвраты в памяти; ListUpcoming не смотрит на статус,
// чтобы проверить, что завершённые мониторы не создаются повторно
type store struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]*model.Appointment
	sessions map[uuid.UUID]*model.CallSession
	refunds  map[uuid.UUID]*model.WalletTransaction
	listErr  error
}

func newStore() *store {
	return &store{
		appts:    make(map[uuid.UUID]*model.Appointment),
		sessions: make(map[uuid.UUID]*model.CallSession),
		refunds:  make(map[uuid.UUID]*model.WalletTransaction),
	}
}

func (s *store) add(startsAt time.Time) *model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Appointment{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ExpertID:      uuid.New(),
		Date:          time.Date(startsAt.Year(), startsAt.Month(), startsAt.Day(), 0, 0, 0, 0, time.UTC),
		StartTime:     startsAt.Format("15:04"),
		EndTime:       startsAt.Add(30 * time.Minute).Format("15:04"),
		Timezone:      "UTC",
		Status:        model.AppointmentStatusConfirmed,
		PaymentStatus: model.PaymentStatusCompleted,
		Amount:        1500,
	}
	s.appts[a.ID] = a
	return a
}

func (s *store) ListUpcoming(_ context.Context, _, _ time.Time) ([]*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*model.Appointment
	for _, a := range s.appts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *store) GetByID(_ context.Context, id uuid.UUID) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *store) Cancel(_ context.Context, id uuid.UUID, _ []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.appts[id]
	if !a.Status.IsUpcoming() {
		return nil, errors.New("appointment status changed")
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

func (s *store) GetLatestByAppointment(_ context.Context, appointmentID uuid.UUID) (*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[appointmentID], nil
}

func (s *store) FindRefund(_ context.Context, refID uuid.UUID, _ model.ReferenceType) (*model.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[refID], nil
}

func (s *store) IssueNoShowRefund(_ context.Context, appt *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !appt.Refundable() {
		return nil
	}
	if _, ok := s.refunds[appt.ID]; !ok {
		s.refunds[appt.ID] = &model.WalletTransaction{ID: uuid.New(), ReferenceID: appt.ID, Amount: appt.Amount}
	}
	return nil
}

type countingReconciler struct {
	runs atomic.Int32
}

func (r *countingReconciler) Run(context.Context) (int, error) {
	r.runs.Add(1)
	return 0, nil
}

type countingSweeper struct {
	sweeps atomic.Int32
}

func (c *countingSweeper) ExpireCheckouts(context.Context) int {
	c.sweeps.Add(1)
	return 1
}

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newScheduler(st *store, clk *clock.Fake, reconciler Reconciler) *Scheduler {
	sessionCache := cache.NewMemory[uuid.UUID, *model.CallSession](time.Minute, clk)
	hub := noshow.NewHub(st, st, st, st, nil, realtime.NewBus(), sessionCache, clk, 3, zap.NewNop())
	return NewScheduler(st, hub, reconciler, nil, clk, time.Second, 2*time.Hour, time.Minute, zap.NewNop())
}

func TestSchedulerRegistersWithinLookahead(t *testing.T) {
	st := newStore()
	clk := clock.NewFake(now)
	s := newScheduler(st, clk, nil)
	defer s.Stop()

	st.add(now.Add(30 * time.Minute))
	st.add(now.Add(90 * time.Minute))
	st.add(now.Add(3 * time.Hour))

	s.Tick(context.Background())
	assert.Equal(t, 2, s.Watched())

	clk.Advance(time.Hour)
	s.Tick(context.Background())
	assert.Equal(t, 3, s.Watched())
}

func TestSchedulerAutoCancelsAndForgetsMonitor(t *testing.T) {
	st := newStore()
	clk := clock.NewFake(now)
	s := newScheduler(st, clk, nil)
	defer s.Stop()

	appt := st.add(now.Add(-71 * time.Minute))

	s.Tick(context.Background())

	stored, _ := st.GetByID(context.Background(), appt.ID)
	assert.Equal(t, model.AppointmentStatusCancelled, stored.Status)
	assert.Len(t, st.refunds, 1)
	assert.Zero(t, s.Watched())

	// Встреча уже обработана и повторно под наблюдение не берётся
	s.Tick(context.Background())
	assert.Zero(t, s.Watched())
	assert.Len(t, st.refunds, 1)
}

func TestSchedulerDropsDisarmedMonitor(t *testing.T) {
	st := newStore()
	clk := clock.NewFake(now)
	s := newScheduler(st, clk, nil)
	defer s.Stop()

	appt := st.add(now.Add(-66 * time.Minute))
	started := now.Add(-60 * time.Minute)
	st.sessions[appt.ID] = &model.CallSession{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		ExpertID:      appt.ExpertID,
		Status:        model.CallSessionStatusActive,
		StartTime:     &started,
	}

	s.Tick(context.Background())
	assert.Zero(t, s.Watched())

	clk.Advance(10 * time.Minute)
	s.Tick(context.Background())
	assert.Zero(t, s.Watched())

	stored, _ := st.GetByID(context.Background(), appt.ID)
	assert.Equal(t, model.AppointmentStatusConfirmed, stored.Status)
	assert.Empty(t, st.refunds)
}

func TestSchedulerListErrorKeepsExistingMonitors(t *testing.T) {
	st := newStore()
	clk := clock.NewFake(now)
	s := newScheduler(st, clk, nil)
	defer s.Stop()

	st.add(now.Add(10 * time.Minute))
	s.Tick(context.Background())
	require.Equal(t, 1, s.Watched())

	st.listErr = errors.New("connection refused")
	s.Tick(context.Background())
	assert.Equal(t, 1, s.Watched())
}

func TestSchedulerStartRunsReconciliation(t *testing.T) {
	st := newStore()
	r := &countingReconciler{}
	s := newScheduler(st, clock.NewFake(now), r)

	s.Start(context.Background())
	s.Stop()

	assert.Equal(t, int32(1), r.runs.Load())
}

func TestSchedulerStartExpiresCheckoutsWithoutReconciler(t *testing.T) {
	st := newStore()
	sw := &countingSweeper{}
	s := newScheduler(st, clock.NewFake(now), nil)
	s.checkouts = sw

	s.Start(context.Background())
	s.Stop()

	assert.Equal(t, int32(1), sw.sweeps.Load())
}

func TestSchedulerFinishesAutoCancelWithNothingToRefund(t *testing.T) {
	st := newStore()
	clk := clock.NewFake(now)
	s := newScheduler(st, clk, nil)
	defer s.Stop()

	appt := st.add(now.Add(-71 * time.Minute))
	st.appts[appt.ID].Amount = 0

	s.Tick(context.Background())

	stored, _ := st.GetByID(context.Background(), appt.ID)
	assert.Equal(t, model.AppointmentStatusCancelled, stored.Status)
	assert.Empty(t, st.refunds)
	assert.Zero(t, s.Watched())

	clk.Advance(time.Minute)
	s.Tick(context.Background())
	assert.Zero(t, s.Watched())
}
