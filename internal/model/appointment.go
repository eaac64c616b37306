package model

import (
	"encoding/json"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled  AppointmentStatus = "scheduled"
	AppointmentStatusConfirmed  AppointmentStatus = "confirmed"
	AppointmentStatusInProgress AppointmentStatus = "in-progress"
	AppointmentStatusCompleted  AppointmentStatus = "completed"
	AppointmentStatusCancelled  AppointmentStatus = "cancelled"
)

// IsTerminal завершённые и отменённые встречи больше не меняются
func (s AppointmentStatus) IsTerminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusCancelled
}

// IsUpcoming встреча ещё не началась и за ней может следить монитор неявки
func (s AppointmentStatus) IsUpcoming() bool {
	return s == AppointmentStatusScheduled || s == AppointmentStatusConfirmed
}

// Valid проверяет что статус из известного набора
func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentStatusScheduled, AppointmentStatusConfirmed, AppointmentStatusInProgress,
		AppointmentStatusCompleted, AppointmentStatusCancelled:
		return true
	}
	return false
}

// OccupyingStatuses статусы, при которых встреча занимает время эксперта
var OccupyingStatuses = []AppointmentStatus{
	AppointmentStatusScheduled,
	AppointmentStatusConfirmed,
	AppointmentStatusInProgress,
	AppointmentStatusCompleted,
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

type Appointment struct {
	ID            uuid.UUID         `json:"id"`
	UserID        uuid.UUID         `json:"user_id"`
	ExpertID      uuid.UUID         `json:"expert_id"`
	Date          time.Time         `json:"appointment_date"`
	StartTime     string            `json:"start_time"` // "HH:MM"
	EndTime       string            `json:"end_time"`   // "HH:MM"
	Timezone      string            `json:"timezone"`
	Status        AppointmentStatus `json:"status"`
	PaymentStatus PaymentStatus     `json:"payment_status"`
	Amount        int64             `json:"amount"` // в минимальных единицах валюты
	Notes         json.RawMessage   `json:"notes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StartsAt абсолютное время начала встречи
func (a *Appointment) StartsAt() time.Time {
	loc := time.UTC
	if a.Timezone != "" {
		if l, err := time.LoadLocation(a.Timezone); err == nil {
			loc = l
		}
	}
	y, m, d := a.Date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start.Add(time.Duration(timerange.MinutesOf(a.StartTime)) * time.Minute)
}

// Refundable есть ли что возвращать пользователю при отмене
func (a *Appointment) Refundable() bool {
	return a.PaymentStatus == PaymentStatusCompleted && a.Amount > 0
}

// CancellationReason причина отмены, хранится в notes.cancellation
type CancellationReason struct {
	Reason      string    `json:"reason"`
	CancelledBy string    `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
	Details     string    `json:"details,omitempty"`
}

const (
	CancelReasonExpertNoShow = "expert_no_show"
	CancelReasonUser         = "user_request"
	CancelReasonExpert       = "expert_request"

	CancelledBySystem = "system"
	CancelledByUser   = "user"
	CancelledByExpert = "expert"
)

// MergeCancellation добавляет причину отмены в notes, сохраняя остальные ключи
func MergeCancellation(notes json.RawMessage, reason CancellationReason) (json.RawMessage, error) {
	payload := map[string]json.RawMessage{}
	if len(notes) > 0 && string(notes) != "null" {
		if err := json.Unmarshal(notes, &payload); err != nil {
			// Старые заметки не в формате объекта - сохраняем их под отдельным ключом
			payload = map[string]json.RawMessage{"text": notes}
		}
	}

	encoded, err := json.Marshal(reason)
	if err != nil {
		return nil, err
	}
	payload["cancellation"] = encoded

	return json.Marshal(payload)
}

// CancellationOf читает причину отмены из notes; nil если её нет
func CancellationOf(notes json.RawMessage) *CancellationReason {
	if len(notes) == 0 {
		return nil
	}
	var payload struct {
		Cancellation *CancellationReason `json:"cancellation"`
	}
	if err := json.Unmarshal(notes, &payload); err != nil {
		return nil
	}
	return payload.Cancellation
}
