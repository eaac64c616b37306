package app

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/noshow"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	checkConcurrency = 8
	// встречи, начавшиеся раньше, больше не берутся под наблюдение
	watchBackfill = 24 * time.Hour
)

type UpcomingLister interface {
	ListUpcoming(ctx context.Context, from, to time.Time) ([]*model.Appointment, error)
}

type Reconciler interface {
	Run(ctx context.Context) (int, error)
}

// CheckoutSweeper откатывает оплаты, результат которых так и не пришёл
type CheckoutSweeper interface {
	ExpireCheckouts(ctx context.Context) int
}

// Scheduler управляет фоновыми задачами: мониторами неявок и сверкой платежей
type Scheduler struct {
	appointments UpcomingLister
	hub          *noshow.Hub
	reconciler   Reconciler
	checkouts    CheckoutSweeper
	clock        clock.Clock
	logger       *zap.Logger

	tick              time.Duration
	lookahead         time.Duration
	reconcileInterval time.Duration

	mu       sync.Mutex
	monitors map[uuid.UUID]*noshow.Monitor
	// встречи, по которым монитор уже отработал, со временем начала
	done map[uuid.UUID]time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler создаёт новый планировщик
func NewScheduler(
	appointments UpcomingLister,
	hub *noshow.Hub,
	reconciler Reconciler,
	checkouts CheckoutSweeper,
	clk clock.Clock,
	tick, lookahead, reconcileInterval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		appointments:      appointments,
		hub:               hub,
		reconciler:        reconciler,
		checkouts:         checkouts,
		clock:             clk,
		logger:            logger,
		tick:              tick,
		lookahead:         lookahead,
		reconcileInterval: reconcileInterval,
		monitors:          make(map[uuid.UUID]*noshow.Monitor),
		done:              make(map[uuid.UUID]time.Time),
		stopChan:          make(chan struct{}),
	}
}

// Start запускает фоновые задачи
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting background scheduler",
		zap.Duration("tick", s.tick),
		zap.Duration("lookahead", s.lookahead),
		zap.Duration("reconcile_interval", s.reconcileInterval))

	s.wg.Add(1)
	go s.runTask(ctx, "No-show monitor", s.tick, s.Tick)

	if s.reconciler != nil || s.checkouts != nil {
		s.wg.Add(1)
		go s.runTask(ctx, "Reconciliation", s.reconcileInterval, s.reconcile)
	}
}

// Stop останавливает фоновые задачи и закрывает мониторы
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping background scheduler")
		close(s.stopChan)
	})
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.monitors {
		m.Close()
		delete(s.monitors, id)
	}
}

func (s *Scheduler) runTask(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()

	// Первый запуск сразу при старте
	run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			run(ctx)
		case <-s.stopChan:
			s.logger.Info(name + " task stopped")
			return
		case <-ctx.Done():
			s.logger.Info(name + " task cancelled")
			return
		}
	}
}

// Tick ставит под наблюдение ближайшие встречи и проверяет все мониторы
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.register(ctx); err != nil {
		s.logger.Error("Failed to load upcoming appointments", zap.Error(err))
	}
	s.checkAll(ctx)
}

// Watched число встреч под наблюдением
func (s *Scheduler) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

func (s *Scheduler) register(ctx context.Context) error {
	now := s.clock.Now()
	horizon := now.Add(s.lookahead)

	appts, err := s.appointments.ListUpcoming(ctx, now.Add(-watchBackfill), horizon)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, startsAt := range s.done {
		if now.Sub(startsAt) > watchBackfill {
			delete(s.done, id)
		}
	}

	for _, appt := range appts {
		startsAt := appt.StartsAt()
		if startsAt.After(horizon) || now.Sub(startsAt) > watchBackfill {
			continue
		}
		if _, ok := s.monitors[appt.ID]; ok {
			continue
		}
		if _, ok := s.done[appt.ID]; ok {
			continue
		}
		s.monitors[appt.ID] = s.hub.Watch(ctx, appt)
	}

	return nil
}

func (s *Scheduler) checkAll(ctx context.Context) {
	s.mu.Lock()
	monitors := make([]*noshow.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	var (
		finishedMu sync.Mutex
		finished   []finishedMonitor
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for _, m := range monitors {
		g.Go(func() error {
			st, err := m.Check(gctx)
			if err != nil {
				// Ошибка уже залогирована монитором, повторим на следующем тике
				return nil
			}
			if m.Disarmed() || (st.State.IsTerminal() && (st.State != noshow.StateAutoCancelled || st.Refunded || st.NothingToRefund)) {
				finishedMu.Lock()
				finished = append(finished, finishedMonitor{monitor: m, state: st.State, startsAt: m.StartsAt()})
				finishedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(finished) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range finished {
		id := f.monitor.AppointmentID()
		f.monitor.Close()
		delete(s.monitors, id)
		s.done[id] = f.startsAt

		s.logger.Debug("Monitor finished",
			zap.String("appointment_id", id.String()),
			zap.String("state", string(f.state)))
	}
}

type finishedMonitor struct {
	monitor  *noshow.Monitor
	state    noshow.State
	startsAt time.Time
}

func (s *Scheduler) reconcile(ctx context.Context) {
	if s.checkouts != nil {
		if expired := s.checkouts.ExpireCheckouts(ctx); expired > 0 {
			s.logger.Warn("Expired gateway checkouts", zap.Int("count", expired))
		}
	}
	if s.reconciler == nil {
		return
	}

	resolved, err := s.reconciler.Run(ctx)
	if err != nil {
		s.logger.Error("Reconciliation run failed", zap.Error(err))
		return
	}
	if resolved > 0 {
		s.logger.Info("Reconciliation run completed", zap.Int("resolved", resolved))
	}
}
