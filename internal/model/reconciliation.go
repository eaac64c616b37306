package model

import (
	"time"

	"github.com/google/uuid"
)

type ReconciliationStatus string

const (
	ReconciliationStatusPending  ReconciliationStatus = "pending"
	ReconciliationStatusResolved ReconciliationStatus = "resolved"
)

// PaymentReconciliation оплата через шлюз, для которой слоты были потеряны.
// Деньги уже списаны, поэтому запись обязательно должна быть закрыта возвратом.
type PaymentReconciliation struct {
	ID               uuid.UUID            `json:"id"`
	PaymentReference string               `json:"payment_reference"`
	UserID           uuid.UUID            `json:"user_id"`
	ExpertID         uuid.UUID            `json:"expert_id"`
	Amount           int64                `json:"amount"`
	Reason           string               `json:"reason"`
	Status           ReconciliationStatus `json:"status"`
	Attempts         int                  `json:"attempts"`
	LastError        string               `json:"last_error,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	ResolvedAt       *time.Time           `json:"resolved_at"`
}
