package notify

import (
	"context"

	"github.com/Freeeeeet/expert_scheduler/internal/noshow"
	"go.uber.org/zap"
)

// Log пишет алерты в лог, когда бот не настроен
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, alert noshow.Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("appointment_id", alert.AppointmentID.String()),
		zap.String("expert_id", alert.ExpertID.String()),
		zap.String("user_id", alert.UserID.String()),
		zap.Time("starts_at", alert.StartsAt),
		zap.Duration("elapsed", alert.Elapsed),
	}

	if alert.Err != nil {
		l.logger.Error("No-show alert", append(fields, zap.Error(alert.Err))...)
		return nil
	}
	l.logger.Warn("No-show alert", fields...)
	return nil
}
