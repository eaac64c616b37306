package model

import (
	"time"

	"github.com/google/uuid"
)

type CallSessionStatus string

const (
	CallSessionStatusPending CallSessionStatus = "pending"
	CallSessionStatusActive  CallSessionStatus = "active"
	CallSessionStatusEnded   CallSessionStatus = "ended"
)

// CallSession сессия звонка, создаётся внешней подсистемой звонков
type CallSession struct {
	ID            uuid.UUID         `json:"id"`
	AppointmentID uuid.UUID         `json:"appointment_id"`
	ExpertID      uuid.UUID         `json:"expert_id"`
	Status        CallSessionStatus `json:"status"`
	StartTime     *time.Time        `json:"start_time"`
}

// ExpertJoined единственный достоверный признак того, что эксперт подключился
func (s *CallSession) ExpertJoined() bool {
	return s != nil && s.Status == CallSessionStatusActive && s.StartTime != nil
}
