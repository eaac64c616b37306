package noshow

import (
	"context"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/cache"
	"github.com/Freeeeeet/expert_scheduler/internal/clock"
	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxConsecutiveFailures после стольких неудачных тиков подряд ошибка эскалируется
const DefaultMaxConsecutiveFailures = 3

type AppointmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, from []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error)
}

type CallSessionReader interface {
	GetLatestByAppointment(ctx context.Context, appointmentID uuid.UUID) (*model.CallSession, error)
}

type RefundLedger interface {
	FindRefund(ctx context.Context, referenceID uuid.UUID, referenceType model.ReferenceType) (*model.WalletTransaction, error)
}

// Settlement начисляет возврат за неявку эксперта; повторный вызов безопасен
type Settlement interface {
	IssueNoShowRefund(ctx context.Context, appt *model.Appointment) error
}

type AlertKind string

const (
	AlertWarning    AlertKind = "warning"
	AlertNoShow     AlertKind = "no_show"
	AlertEscalation AlertKind = "escalation"
)

// Alert одноразовое событие монитора для операторов
type Alert struct {
	Kind          AlertKind
	AppointmentID uuid.UUID
	UserID        uuid.UUID
	ExpertID      uuid.UUID
	StartsAt      time.Time
	Elapsed       time.Duration
	Err           error
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Hub общий контекст мониторов процесса: хранилище, лента изменений,
// кэш статусов сессий звонков и часы. Создаётся один раз.
type Hub struct {
	appointments AppointmentStore
	sessions     CallSessionReader
	refunds      RefundLedger
	settlement   Settlement
	notifier     Notifier
	feed         realtime.Feed
	sessionCache *cache.ReadThrough[uuid.UUID, *model.CallSession]
	clock        clock.Clock
	maxFailures  int
	logger       *zap.Logger
}

func NewHub(
	appointments AppointmentStore,
	sessions CallSessionReader,
	refunds RefundLedger,
	settlement Settlement,
	notifier Notifier,
	feed realtime.Feed,
	sessionCache cache.Store[uuid.UUID, *model.CallSession],
	clk clock.Clock,
	maxFailures int,
	logger *zap.Logger,
) *Hub {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}

	return &Hub{
		appointments: appointments,
		sessions:     sessions,
		refunds:      refunds,
		settlement:   settlement,
		notifier:     notifier,
		feed:         feed,
		sessionCache: cache.NewReadThrough(sessionCache),
		clock:        clk,
		maxFailures:  maxFailures,
		logger:       logger,
	}
}

// Watch создаёт монитор встречи и подписывает его на изменения встречи и её сессий.
// Несколько мониторов одной встречи делят кэш сессий.
func (h *Hub) Watch(ctx context.Context, appt *model.Appointment) *Monitor {
	snapshot := *appt
	m := &Monitor{
		hub:  h,
		id:   appt.ID,
		appt: &snapshot,
	}

	if appt.Status == model.AppointmentStatusInProgress || appt.Status == model.AppointmentStatusCompleted {
		m.joined.Store(true)
	}

	m.unsubscribe = h.feed.Subscribe(realtime.ForAppointment(appt.ID), m.handleEvent)

	// Другой монитор мог уже получить статус сессии
	if s, ok := h.sessionCache.Peek(ctx, appt.ID); ok && s != nil {
		m.setSession(s)
	}

	h.logger.Debug("Watching appointment",
		zap.String("appointment_id", appt.ID.String()),
		zap.Time("starts_at", appt.StartsAt()))

	return m
}

// lookupSession читает последнюю сессию звонка через общий кэш
func (h *Hub) lookupSession(ctx context.Context, appointmentID uuid.UUID) (*model.CallSession, error) {
	s, _, err := h.sessionCache.GetOrLoad(ctx, appointmentID, func(ctx context.Context) (*model.CallSession, error) {
		return h.sessions.GetLatestByAppointment(ctx, appointmentID)
	})
	return s, err
}

func (h *Hub) notify(ctx context.Context, alert Alert) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, alert); err != nil {
		h.logger.Error("Failed to deliver alert",
			zap.String("kind", string(alert.Kind)),
			zap.String("appointment_id", alert.AppointmentID.String()),
			zap.Error(err))
	}
}
