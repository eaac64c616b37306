package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/google/uuid"
)

const (
	TableCallSessions = "call_sessions"
	TableAppointments = "appointments"
)

// Event событие изменения строки
type Event struct {
	Table  string          `json:"table"`
	Op     string          `json:"op"` // INSERT / UPDATE / DELETE
	Record json.RawMessage `json:"record"`
}

// AppointmentChange поля встречи, которые нужны подписчикам
type AppointmentChange struct {
	ID            uuid.UUID               `json:"id"`
	UserID        uuid.UUID               `json:"user_id"`
	ExpertID      uuid.UUID               `json:"expert_id"`
	Status        model.AppointmentStatus `json:"status"`
	PaymentStatus model.PaymentStatus     `json:"payment_status"`
}

// CallSession декодирует запись сессии звонка
func (e Event) CallSession() (*model.CallSession, error) {
	if e.Table != TableCallSessions {
		return nil, fmt.Errorf("event for table %q is not a call session", e.Table)
	}
	var s model.CallSession
	if err := json.Unmarshal(e.Record, &s); err != nil {
		return nil, fmt.Errorf("decode call session: %w", err)
	}
	return &s, nil
}

// Appointment декодирует запись встречи
func (e Event) Appointment() (*AppointmentChange, error) {
	if e.Table != TableAppointments {
		return nil, fmt.Errorf("event for table %q is not an appointment", e.Table)
	}
	var a AppointmentChange
	if err := json.Unmarshal(e.Record, &a); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	return &a, nil
}

// Predicate фильтр событий подписки
type Predicate func(Event) bool

// Handler обработчик событий. Доставка "хотя бы один раз", повторы возможны.
type Handler func(Event)

// Feed лента изменений строк
type Feed interface {
	Subscribe(match Predicate, handle Handler) (unsubscribe func())
}

// ForAppointment фильтр событий, относящихся к встрече: сама встреча и её сессии звонков
func ForAppointment(appointmentID uuid.UUID) Predicate {
	return func(e Event) bool {
		var ref struct {
			ID            uuid.UUID `json:"id"`
			AppointmentID uuid.UUID `json:"appointment_id"`
		}
		if err := json.Unmarshal(e.Record, &ref); err != nil {
			return false
		}
		switch e.Table {
		case TableAppointments:
			return ref.ID == appointmentID
		case TableCallSessions:
			return ref.AppointmentID == appointmentID
		}
		return false
	}
}

type subscription struct {
	match  Predicate
	handle Handler
}

// Bus шина событий в памяти процесса
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewBus создаёт пустую шину
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe регистрирует обработчик; возвращает функцию отписки
func (b *Bus) Subscribe(match Predicate, handle Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{match: match, handle: handle}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

// Publish синхронно доставляет событие всем подходящим подписчикам
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.match == nil || s.match(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.handle(e)
	}
}

// Subscribers количество активных подписок
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
