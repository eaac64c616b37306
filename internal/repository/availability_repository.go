package repository

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/repository/base"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AvailabilityRepository управляет окнами доступности экспертов
type AvailabilityRepository struct {
	*base.Repository
}

// NewAvailabilityRepository создаёт новый репозиторий
func NewAvailabilityRepository(pool *pgxpool.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{Repository: base.NewRepository(pool)}
}

const availabilityColumns = `id, expert_id, day_of_week, start_time::text, end_time::text, timezone, created_at`

// ListByExpert получает все окна эксперта
func (r *AvailabilityRepository) ListByExpert(ctx context.Context, expertID uuid.UUID) ([]*model.AvailabilityWindow, error) {
	query := `
		SELECT ` + availabilityColumns + `
		FROM expert_availabilities
		WHERE expert_id = $1
		ORDER BY day_of_week, start_time
	`

	rows, err := r.Pool().Query(ctx, query, expertID)
	if err != nil {
		return nil, fmt.Errorf("get availability by expert: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

// ListByExpertDay получает окна эксперта на день недели
func (r *AvailabilityRepository) ListByExpertDay(ctx context.Context, expertID uuid.UUID, dayOfWeek int) ([]*model.AvailabilityWindow, error) {
	query := `
		SELECT ` + availabilityColumns + `
		FROM expert_availabilities
		WHERE expert_id = $1 AND day_of_week = $2
		ORDER BY start_time
	`

	rows, err := r.Pool().Query(ctx, query, expertID, dayOfWeek)
	if err != nil {
		return nil, fmt.Errorf("get availability by expert day: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

// ReplaceDay полностью заменяет набор окон эксперта на день недели
func (r *AvailabilityRepository) ReplaceDay(ctx context.Context, expertID uuid.UUID, dayOfWeek int, windows []*model.AvailabilityWindow) error {
	return r.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM expert_availabilities WHERE expert_id = $1 AND day_of_week = $2`,
			expertID, dayOfWeek)
		if err != nil {
			return fmt.Errorf("delete day availability: %w", err)
		}

		query := `
			INSERT INTO expert_availabilities (expert_id, day_of_week, start_time, end_time, timezone)
			VALUES ($1, $2, $3::time, $4::time, $5)
			RETURNING id, created_at
		`

		for _, w := range windows {
			err := tx.QueryRow(ctx, query,
				expertID,
				dayOfWeek,
				timerange.ToStorage(w.StartTime),
				timerange.ToStorage(w.EndTime),
				w.Timezone,
			).Scan(&w.ID, &w.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert availability window: %w", err)
			}
			w.ExpertID = expertID
			w.DayOfWeek = dayOfWeek
		}

		return nil
	})
}

func scanWindows(rows pgx.Rows) ([]*model.AvailabilityWindow, error) {
	var windows []*model.AvailabilityWindow
	for rows.Next() {
		var w model.AvailabilityWindow
		var start, end string
		err := rows.Scan(
			&w.ID,
			&w.ExpertID,
			&w.DayOfWeek,
			&start,
			&end,
			&w.Timezone,
			&w.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan availability window: %w", err)
		}
		w.StartTime = timerange.FromStorage(start)
		w.EndTime = timerange.FromStorage(end)
		windows = append(windows, &w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability windows: %w", err)
	}

	return windows, nil
}
