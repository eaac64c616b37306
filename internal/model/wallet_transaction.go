package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionTypeDebit  TransactionType = "debit"
	TransactionTypeCredit TransactionType = "credit"
)

type TransactionReason string

const (
	TransactionReasonBooking      TransactionReason = "booking"
	TransactionReasonExpertNoShow TransactionReason = "expert_no_show"
	TransactionReasonRefund       TransactionReason = "refund"
)

type ReferenceType string

const (
	ReferenceTypeAppointment ReferenceType = "appointment"
	ReferenceTypeCallSession ReferenceType = "call_session"
)

// RefundReasons причины, при которых кредит считается возвратом
var RefundReasons = []TransactionReason{
	TransactionReasonExpertNoShow,
	TransactionReasonRefund,
}

// WalletTransaction запись кошелька; кредит с причиной возврата - это RefundRecord
type WalletTransaction struct {
	ID            uuid.UUID         `json:"id"`
	UserID        uuid.UUID         `json:"user_id"`
	Amount        int64             `json:"amount"`
	Type          TransactionType   `json:"type"`
	Reason        TransactionReason `json:"reason"`
	ReferenceID   uuid.UUID         `json:"reference_id"`
	ReferenceType ReferenceType     `json:"reference_type"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IsRefund проверяет что запись является возвратом
func (t *WalletTransaction) IsRefund() bool {
	if t.Type != TransactionTypeCredit {
		return false
	}
	for _, r := range RefundReasons {
		if t.Reason == r {
			return true
		}
	}
	return false
}
