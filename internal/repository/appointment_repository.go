package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/repository/base"
	"github.com/Freeeeeet/expert_scheduler/internal/timerange"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AppointmentRepository struct {
	*base.Repository
}

func NewAppointmentRepository(pool *pgxpool.Pool) *AppointmentRepository {
	return &AppointmentRepository{Repository: base.NewRepository(pool)}
}

const appointmentColumns = `
	id, user_id, expert_id, appointment_date, start_time::text, end_time::text, timezone,
	status, payment_status, amount, notes, created_at, updated_at
`

// GetByID получает встречу по ID
func (r *AppointmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	appt, err := scanAppointment(r.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get appointment by id: %w", err)
	}

	return appt, nil
}

// ListOccupying получает встречи эксперта на дату, которые занимают его время
func (r *AppointmentRepository) ListOccupying(ctx context.Context, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error) {
	return listOccupying(ctx, r.Pool(), expertID, date)
}

// ListByUser получает активные встречи пользователя с экспертом на дату
func (r *AppointmentRepository) ListByUser(ctx context.Context, userID, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE user_id = $1 AND expert_id = $2 AND appointment_date = $3 AND status = ANY($4)
		ORDER BY start_time
	`

	rows, err := r.Pool().Query(ctx, query, userID, expertID, dateOnly(date), statusStrings(model.OccupyingStatuses))
	if err != nil {
		return nil, fmt.Errorf("get appointments by user: %w", err)
	}
	defer rows.Close()

	return scanAppointments(rows)
}

// ListUpcoming получает встречи в статусах scheduled/confirmed с датой в диапазоне [from, to]
func (r *AppointmentRepository) ListUpcoming(ctx context.Context, from, to time.Time) ([]*model.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND payment_status = 'completed'
		  AND appointment_date BETWEEN $1 AND $2
		ORDER BY appointment_date, start_time
	`

	rows, err := r.Pool().Query(ctx, query, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("get upcoming appointments: %w", err)
	}
	defer rows.Close()

	return scanAppointments(rows)
}

// CreateBatch атомарно создаёт встречи одного эксперта на одну дату.
// Под advisory-блокировкой эксперта и даты повторно проверяет пересечения;
// при конфликте ничего не создаёт и возвращает ErrSlotTaken.
func (r *AppointmentRepository) CreateBatch(ctx context.Context, appts []*model.Appointment) error {
	if len(appts) == 0 {
		return nil
	}

	expertID := appts[0].ExpertID
	date := dateOnly(appts[0].Date)

	return r.InTx(ctx, func(tx pgx.Tx) error {
		lockKey := fmt.Sprintf("appointments:%s:%s", expertID, date.Format("2006-01-02"))
		if err := base.LockKey(ctx, tx, lockKey); err != nil {
			return fmt.Errorf("lock expert date: %w", err)
		}

		existing, err := listOccupying(ctx, tx, expertID, date)
		if err != nil {
			return err
		}

		for _, a := range appts {
			want := timerange.Of(a.StartTime, a.EndTime)
			for _, e := range existing {
				if timerange.Overlaps(want, timerange.Of(e.StartTime, e.EndTime)) {
					return fmt.Errorf("%w: %s", ErrSlotTaken, want)
				}
			}
		}

		query := `
			INSERT INTO appointments
				(user_id, expert_id, appointment_date, start_time, end_time, timezone, status, payment_status, amount, notes)
			VALUES ($1, $2, $3, $4::time, $5::time, $6, $7, $8, $9, $10)
			RETURNING id, created_at, updated_at
		`

		for _, a := range appts {
			err := tx.QueryRow(ctx, query,
				a.UserID,
				a.ExpertID,
				date,
				timerange.ToStorage(a.StartTime),
				timerange.ToStorage(a.EndTime),
				a.Timezone,
				a.Status,
				a.PaymentStatus,
				a.Amount,
				nullableJSON(a.Notes),
			).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
			if err != nil {
				if base.IsUniqueViolation(err) {
					return fmt.Errorf("%w: %s", ErrSlotTaken, timerange.Of(a.StartTime, a.EndTime))
				}
				return fmt.Errorf("insert appointment: %w", err)
			}
		}

		return nil
	})
}

// DeletePending удаляет ещё не оплаченные встречи (откат брони)
func (r *AppointmentRepository) DeletePending(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.Pool().Exec(ctx,
		`DELETE FROM appointments WHERE id = ANY($1) AND payment_status = 'pending'`,
		ids)
	if err != nil {
		return fmt.Errorf("delete pending appointments: %w", err)
	}

	return nil
}

// MarkPaid отмечает встречи оплаченными
func (r *AppointmentRepository) MarkPaid(ctx context.Context, ids []uuid.UUID) error {
	affected, err := base.ExecAffected(ctx, r.Pool(),
		`UPDATE appointments SET payment_status = 'completed', updated_at = now() WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return fmt.Errorf("mark appointments paid: %w", err)
	}

	if affected != int64(len(ids)) {
		return fmt.Errorf("mark appointments paid: %w", ErrNotFound)
	}

	return nil
}

// Cancel переводит встречу в cancelled, если она в одном из статусов from.
// Причина отмены дописывается в notes, остальные ключи сохраняются.
func (r *AppointmentRepository) Cancel(ctx context.Context, id uuid.UUID, from []model.AppointmentStatus, reason model.CancellationReason) (*model.Appointment, error) {
	var cancelled *model.Appointment

	err := r.InTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1 FOR UPDATE`

		appt, err := scanAppointment(tx.QueryRow(ctx, query, id))
		if err != nil {
			if base.IsNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("lock appointment: %w", err)
		}

		if !containsStatus(from, appt.Status) {
			return fmt.Errorf("%w: %s", ErrStatusChanged, appt.Status)
		}

		notes, err := model.MergeCancellation(appt.Notes, reason)
		if err != nil {
			return fmt.Errorf("merge notes: %w", err)
		}

		err = tx.QueryRow(ctx,
			`UPDATE appointments SET status = 'cancelled', notes = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
			id, notes,
		).Scan(&appt.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		appt.Status = model.AppointmentStatusCancelled
		appt.Notes = notes
		cancelled = appt
		return nil
	})

	if err != nil {
		return nil, err
	}

	return cancelled, nil
}

func listOccupying(ctx context.Context, q base.Querier, expertID uuid.UUID, date time.Time) ([]*model.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE expert_id = $1 AND appointment_date = $2 AND status = ANY($3)
		ORDER BY start_time
	`

	rows, err := q.Query(ctx, query, expertID, dateOnly(date), statusStrings(model.OccupyingStatuses))
	if err != nil {
		return nil, fmt.Errorf("get occupying appointments: %w", err)
	}
	defer rows.Close()

	return scanAppointments(rows)
}

func scanAppointment(row pgx.Row) (*model.Appointment, error) {
	var a model.Appointment
	var start, end string
	var notes []byte

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.ExpertID,
		&a.Date,
		&start,
		&end,
		&a.Timezone,
		&a.Status,
		&a.PaymentStatus,
		&a.Amount,
		&notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.StartTime = timerange.FromStorage(start)
	a.EndTime = timerange.FromStorage(end)
	a.Notes = notes
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]*model.Appointment, error) {
	var appts []*model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}

	return appts, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func statusStrings(statuses []model.AppointmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func containsStatus(statuses []model.AppointmentStatus, s model.AppointmentStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
