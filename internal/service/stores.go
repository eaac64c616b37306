package service

import (
	"context"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/google/uuid"
)

// Интерфейсы хранилищ, которые нужны сервисам. Реализуются репозиториями
// из internal/repository и фейками в тестах.

type AvailabilityStore interface {
	ListByExpert(ctx context.Context, expertID uuid.UUID) ([]*model.AvailabilityWindow, error)
	ListByExpertDay(ctx context.Context, expertID uuid.UUID, dayOfWeek int) ([]*model.AvailabilityWindow, error)
	ReplaceDay(ctx context.Context, expertID uuid.UUID, dayOfWeek int, windows []*model.AvailabilityWindow) error
}

type AppointmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	ListOccupying(ctx context.Context, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error)
	ListByUser(ctx context.Context, userID, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error)
	CreateBatch(ctx context.Context, appts []*model.Appointment) error
	DeletePending(ctx context.Context, ids []uuid.UUID) error
	MarkPaid(ctx context.Context, ids []uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID, from []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error)
}

type WalletStore interface {
	Debit(ctx context.Context, tx *model.WalletTransaction) error
	Credit(ctx context.Context, tx *model.WalletTransaction) (bool, error)
	FindRefund(ctx context.Context, referenceID uuid.UUID, referenceType model.ReferenceType) (*model.WalletTransaction, error)
}

type ReconciliationStore interface {
	Create(ctx context.Context, rec *model.PaymentReconciliation) error
	ListPending(ctx context.Context, limit int) ([]*model.PaymentReconciliation, error)
	MarkResolved(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}
