package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"go.uber.org/zap"
)

// RefundService начисляет возвраты на кошелёк
type RefundService struct {
	wallet WalletStore
	logger *zap.Logger
}

func NewRefundService(wallet WalletStore, logger *zap.Logger) *RefundService {
	return &RefundService{
		wallet: wallet,
		logger: logger,
	}
}

// IssueNoShowRefund возвращает пользователю стоимость встречи, на которую не пришёл эксперт.
// Повторный вызов для той же встречи второй записи не создаёт.
func (s *RefundService) IssueNoShowRefund(ctx context.Context, appt *model.Appointment) error {
	if !appt.Refundable() {
		s.logger.Info("Nothing to refund for appointment",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("payment_status", string(appt.PaymentStatus)),
			zap.Int64("amount", appt.Amount))
		return nil
	}

	metadata, _ := json.Marshal(map[string]string{
		"expert_id": appt.ExpertID.String(),
		"date":      appt.Date.Format("2006-01-02"),
		"start":     appt.StartTime,
	})

	credit := &model.WalletTransaction{
		UserID:        appt.UserID,
		Amount:        appt.Amount,
		Reason:        model.TransactionReasonExpertNoShow,
		ReferenceID:   appt.ID,
		ReferenceType: model.ReferenceTypeAppointment,
		Metadata:      metadata,
	}

	created, err := s.wallet.Credit(ctx, credit)
	if err != nil {
		return fmt.Errorf("credit no-show refund: %w", err)
	}

	if !created {
		s.logger.Info("No-show refund already issued",
			zap.String("appointment_id", appt.ID.String()))
		return nil
	}

	s.logger.Info("No-show refund issued",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("user_id", appt.UserID.String()),
		zap.String("transaction_id", credit.ID.String()),
		zap.Int64("amount", appt.Amount))

	return nil
}
