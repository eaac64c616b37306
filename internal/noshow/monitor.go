package noshow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status результат очередной проверки
type Status struct {
	AppointmentID uuid.UUID
	State         State
	Elapsed       time.Duration
	ExpertJoined  bool
	Refunded      bool
	RefundID      uuid.UUID
	// NothingToRefund встреча отменена за неявку, но не была оплачена
	NothingToRefund bool
	Failures        int
	Escalated       bool
}

// Monitor следит за одной встречей: предупреждает на 65-й минуте без эксперта,
// на 70-й отменяет встречу и инициирует возврат. Каждое действие выполняется один раз.
type Monitor struct {
	hub *Hub
	id  uuid.UUID

	// joined необратим: подключившийся эксперт навсегда снимает монитор с охраны
	joined    atomic.Bool
	warned    atomic.Bool
	cancelled atomic.Bool
	pulled    atomic.Bool

	mu        sync.Mutex
	appt      *model.Appointment
	sessionID *uuid.UUID

	checkMu   sync.Mutex
	failures  int
	escalated bool

	unsubscribe func()
}

// AppointmentID встреча монитора
func (m *Monitor) AppointmentID() uuid.UUID {
	return m.id
}

// StartsAt начало встречи
func (m *Monitor) StartsAt() time.Time {
	return m.snapshot().StartsAt()
}

// Disarmed эксперт подключился, дальнейшие проверки ничего не делают
func (m *Monitor) Disarmed() bool {
	return m.joined.Load()
}

// Close отписывает монитор от ленты изменений
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// Check периодическая проверка. Ошибки согласованности возвращаются
// вместе со статусом; следующий вызов повторяет незавершённое действие.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	appt := m.snapshot()
	elapsed := m.hub.clock.Now().Sub(appt.StartsAt())

	st := Status{
		AppointmentID: m.id,
		Elapsed:       elapsed,
		Failures:      m.failures,
		Escalated:     m.escalated,
	}

	if appt.Status.IsTerminal() || m.cancelled.Load() {
		// Из ленты приходит только статус, причину отмены читаем из хранилища
		if appt.Status == model.AppointmentStatusCancelled && model.CancellationOf(appt.Notes) == nil {
			if fresh, err := m.hub.appointments.GetByID(ctx, m.id); err == nil && fresh != nil {
				m.setAppointment(fresh)
				appt = fresh
			}
		}
		return m.settle(ctx, appt, st)
	}

	if appt.Status == model.AppointmentStatusInProgress {
		m.markJoined("appointment status")
	}

	if m.joined.Load() {
		st.State = StateNormal
		st.ExpertJoined = true
		return st, nil
	}

	state := Evaluate(elapsed, false)
	if (state == StateWarning || state == StateNoShow) && m.fallbackJoined(ctx) {
		st.State = StateNormal
		st.ExpertJoined = true
		return st, nil
	}

	st.State = state
	switch state {
	case StateWarning:
		if m.warned.CompareAndSwap(false, true) {
			m.hub.logger.Warn("Expert has not joined",
				zap.String("appointment_id", m.id.String()),
				zap.Duration("elapsed", elapsed))
			m.hub.notify(ctx, m.alert(AlertWarning, appt, elapsed, nil))
		}
	case StateNoShow:
		return m.autoCancel(ctx, appt, st)
	}

	return st, nil
}

// fallbackJoined проверяет подключение эксперта без ленты изменений.
// Чтение из хранилища выполняется не больше одного раза за жизнь монитора.
func (m *Monitor) fallbackJoined(ctx context.Context) bool {
	if s, ok := m.hub.sessionCache.Peek(ctx, m.id); ok && s.ExpertJoined() {
		m.markJoined("cache")
		return true
	}

	if m.pulled.Load() {
		return false
	}

	s, err := m.hub.lookupSession(ctx, m.id)
	if err != nil {
		m.hub.logger.Warn("Failed to read call session",
			zap.String("appointment_id", m.id.String()),
			zap.Error(err))
		return false
	}
	m.pulled.Store(true)

	if s == nil {
		return false
	}
	m.setSession(s)
	return m.joined.Load()
}

func (m *Monitor) autoCancel(ctx context.Context, appt *model.Appointment, st Status) (Status, error) {
	reason := model.CancellationReason{
		Reason:      model.CancelReasonExpertNoShow,
		CancelledBy: model.CancelledBySystem,
		CancelledAt: m.hub.clock.Now(),
		Details:     fmt.Sprintf("expert did not join within %d minutes", int(NoShowAfter.Minutes())),
	}

	cancelled, err := m.hub.appointments.Cancel(ctx, m.id,
		[]model.AppointmentStatus{model.AppointmentStatusScheduled, model.AppointmentStatusConfirmed},
		reason)
	if err != nil {
		// Статус мог смениться параллельно: эксперт подключился или встречу уже отменили
		fresh, rErr := m.hub.appointments.GetByID(ctx, m.id)
		if rErr == nil && fresh != nil && !fresh.Status.IsUpcoming() {
			m.setAppointment(fresh)
			if fresh.Status == model.AppointmentStatusInProgress {
				m.markJoined("appointment status")
				st.State = StateNormal
				st.ExpertJoined = true
				return st, nil
			}
			return m.settle(ctx, fresh, st)
		}

		return m.fail(ctx, appt, st, apperr.Wrap(apperr.AutoCancelFailed, err, ""))
	}

	m.cancelled.Store(true)
	m.setAppointment(cancelled)

	m.hub.logger.Warn("Appointment auto-cancelled, expert did not join",
		zap.String("appointment_id", m.id.String()),
		zap.String("expert_id", cancelled.ExpertID.String()),
		zap.Duration("elapsed", st.Elapsed))
	m.hub.notify(ctx, m.alert(AlertNoShow, cancelled, st.Elapsed, nil))

	return m.settle(ctx, cancelled, st)
}

// settle для завершённой встречи сверяет возврат; за неявку эксперта
// возврат начисляется, только если его ещё нет
func (m *Monitor) settle(ctx context.Context, appt *model.Appointment, st Status) (Status, error) {
	st.State = terminalState(appt)

	refund, err := m.findRefund(ctx)
	if err != nil {
		return m.fail(ctx, appt, st, apperr.Wrap(apperr.RefundLookupFailed, err, ""))
	}

	if refund == nil && st.State == StateAutoCancelled && !appt.Refundable() {
		st.NothingToRefund = true
	} else if refund == nil && st.State == StateAutoCancelled {
		if err := m.hub.settlement.IssueNoShowRefund(ctx, appt); err != nil {
			return m.fail(ctx, appt, st, apperr.Wrap(apperr.AutoCancelFailed, err, "failed to issue no-show refund"))
		}

		refund, err = m.findRefund(ctx)
		if err != nil {
			return m.fail(ctx, appt, st, apperr.Wrap(apperr.RefundLookupFailed, err, ""))
		}
	}

	m.failures = 0
	st.Failures = 0
	if refund != nil {
		st.Refunded = true
		st.RefundID = refund.ID
	}

	return st, nil
}

// findRefund ищет возврат сначала по встрече, затем по сессии звонка.
// Сессию, не пришедшую из ленты, читает из хранилища.
func (m *Monitor) findRefund(ctx context.Context) (*model.WalletTransaction, error) {
	refund, err := m.hub.refunds.FindRefund(ctx, m.id, model.ReferenceTypeAppointment)
	if err != nil {
		return nil, err
	}
	if refund != nil {
		return refund, nil
	}

	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	if sessionID == nil {
		if s, ok := m.hub.sessionCache.Peek(ctx, m.id); ok && s != nil {
			sessionID = &s.ID
		}
	}
	if sessionID == nil {
		s, err := m.hub.lookupSession(ctx, m.id)
		if err != nil {
			return nil, fmt.Errorf("lookup call session: %w", err)
		}
		if s == nil {
			return nil, nil
		}
		m.mu.Lock()
		id := s.ID
		m.sessionID = &id
		m.mu.Unlock()
		sessionID = &id
	}

	return m.hub.refunds.FindRefund(ctx, *sessionID, model.ReferenceTypeCallSession)
}

func (m *Monitor) fail(ctx context.Context, appt *model.Appointment, st Status, err error) (Status, error) {
	m.failures++
	st.Failures = m.failures

	m.hub.logger.Error("No-show monitor step failed",
		zap.String("appointment_id", m.id.String()),
		zap.Int("failures", m.failures),
		zap.Error(err))

	if m.failures >= m.hub.maxFailures && !m.escalated {
		m.escalated = true
		m.hub.notify(ctx, m.alert(AlertEscalation, appt, st.Elapsed, err))
	}
	st.Escalated = m.escalated

	return st, err
}

func (m *Monitor) handleEvent(e realtime.Event) {
	switch e.Table {
	case realtime.TableCallSessions:
		s, err := e.CallSession()
		if err != nil {
			m.hub.logger.Warn("Failed to decode call session event", zap.Error(err))
			return
		}
		if err := m.hub.sessionCache.Put(context.Background(), m.id, s); err != nil {
			m.hub.logger.Warn("Failed to cache call session", zap.Error(err))
		}
		m.setSession(s)

	case realtime.TableAppointments:
		change, err := e.Appointment()
		if err != nil {
			m.hub.logger.Warn("Failed to decode appointment event", zap.Error(err))
			return
		}

		m.mu.Lock()
		if change.Status.Valid() {
			m.appt.Status = change.Status
		}
		if change.PaymentStatus != "" {
			m.appt.PaymentStatus = change.PaymentStatus
		}
		m.mu.Unlock()

		if change.Status == model.AppointmentStatusInProgress || change.Status == model.AppointmentStatusCompleted {
			m.markJoined("feed")
		}
	}
}

func (m *Monitor) setSession(s *model.CallSession) {
	m.mu.Lock()
	id := s.ID
	m.sessionID = &id
	m.mu.Unlock()

	if s.ExpertJoined() {
		m.markJoined("call session")
	}
}

func (m *Monitor) markJoined(source string) {
	if m.joined.CompareAndSwap(false, true) {
		m.hub.logger.Info("Expert joined, monitor disarmed",
			zap.String("appointment_id", m.id.String()),
			zap.String("source", source))
	}
}

func (m *Monitor) snapshot() *model.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.appt
	return &cp
}

func (m *Monitor) setAppointment(appt *model.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *appt
	m.appt = &cp
}

func (m *Monitor) alert(kind AlertKind, appt *model.Appointment, elapsed time.Duration, err error) Alert {
	return Alert{
		Kind:          kind,
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		ExpertID:      appt.ExpertID,
		StartsAt:      appt.StartsAt(),
		Elapsed:       elapsed,
		Err:           err,
	}
}

func terminalState(appt *model.Appointment) State {
	if appt.Status == model.AppointmentStatusCompleted {
		return StateCompleted
	}
	if c := model.CancellationOf(appt.Notes); c != nil && c.Reason == model.CancelReasonExpertNoShow {
		return StateAutoCancelled
	}
	return StateCancelled
}
