package service

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/payment"
	"go.uber.org/zap"
)

const reconcileBatchSize = 50

// ReconciliationService возвращает оплаты, для которых слоты были потеряны
type ReconciliationService struct {
	store   ReconciliationStore
	gateway payment.Gateway
	logger  *zap.Logger
}

func NewReconciliationService(store ReconciliationStore, gateway payment.Gateway, logger *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		store:   store,
		gateway: gateway,
		logger:  logger,
	}
}

// Run обрабатывает очередную пачку обязательств и возвращает число закрытых.
// Неудачные возвраты остаются в очереди до следующего запуска.
func (s *ReconciliationService) Run(ctx context.Context) (int, error) {
	if s.gateway == nil {
		return 0, nil
	}

	pending, err := s.store.ListPending(ctx, reconcileBatchSize)
	if err != nil {
		return 0, fmt.Errorf("get pending reconciliations: %w", err)
	}

	resolved := 0
	for _, rec := range pending {
		if err := s.gateway.Refund(ctx, rec.PaymentReference, rec.Amount); err != nil {
			s.logger.Warn("Refund attempt failed",
				zap.String("reconciliation_id", rec.ID.String()),
				zap.String("payment_id", rec.PaymentReference),
				zap.Int("attempts", rec.Attempts+1),
				zap.Error(err))

			if mErr := s.store.MarkFailed(ctx, rec.ID, err.Error()); mErr != nil {
				s.logger.Error("Failed to record refund attempt", zap.Error(mErr))
			}
			continue
		}

		if err := s.store.MarkResolved(ctx, rec.ID); err != nil {
			s.logger.Error("Failed to resolve reconciliation",
				zap.String("reconciliation_id", rec.ID.String()),
				zap.Error(err))
			continue
		}

		resolved++
		s.logger.Info("Payment refunded after lost slots",
			zap.String("reconciliation_id", rec.ID.String()),
			zap.String("payment_id", rec.PaymentReference),
			zap.Int64("amount", rec.Amount))
	}

	return resolved, nil
}
