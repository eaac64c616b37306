package repository

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallSessionRepository только читает сессии: ими владеет подсистема звонков
type CallSessionRepository struct {
	*base.Repository
}

func NewCallSessionRepository(pool *pgxpool.Pool) *CallSessionRepository {
	return &CallSessionRepository{Repository: base.NewRepository(pool)}
}

// GetLatestByAppointment получает последнюю сессию звонка встречи
func (r *CallSessionRepository) GetLatestByAppointment(ctx context.Context, appointmentID uuid.UUID) (*model.CallSession, error) {
	query := `
		SELECT id, appointment_id, expert_id, status, start_time
		FROM call_sessions
		WHERE appointment_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var s model.CallSession
	err := r.Pool().QueryRow(ctx, query, appointmentID).Scan(
		&s.ID,
		&s.AppointmentID,
		&s.ExpertID,
		&s.Status,
		&s.StartTime,
	)

	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get call session by appointment: %w", err)
	}

	return &s, nil
}
