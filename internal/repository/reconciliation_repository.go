package repository

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReconciliationRepository обязательства по возврату оплат, потерявших слоты
type ReconciliationRepository struct {
	*base.Repository
}

func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{Repository: base.NewRepository(pool)}
}

// Create записывает обязательство; повтор по той же оплате игнорируется
func (r *ReconciliationRepository) Create(ctx context.Context, rec *model.PaymentReconciliation) error {
	query := `
		INSERT INTO payment_reconciliations (payment_reference, user_id, expert_id, amount, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_reference) DO UPDATE SET payment_reference = EXCLUDED.payment_reference
		RETURNING id, status, created_at
	`

	err := r.Pool().QueryRow(ctx, query,
		rec.PaymentReference,
		rec.UserID,
		rec.ExpertID,
		rec.Amount,
		rec.Reason,
	).Scan(&rec.ID, &rec.Status, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("create reconciliation: %w", err)
	}

	return nil
}

// ListPending получает незакрытые обязательства
func (r *ReconciliationRepository) ListPending(ctx context.Context, limit int) ([]*model.PaymentReconciliation, error) {
	query := `
		SELECT id, payment_reference, user_id, expert_id, amount, reason, status, attempts, last_error, created_at, resolved_at
		FROM payment_reconciliations
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending reconciliations: %w", err)
	}
	defer rows.Close()

	var recs []*model.PaymentReconciliation
	for rows.Next() {
		var rec model.PaymentReconciliation
		err := rows.Scan(
			&rec.ID,
			&rec.PaymentReference,
			&rec.UserID,
			&rec.ExpertID,
			&rec.Amount,
			&rec.Reason,
			&rec.Status,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
			&rec.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// MarkResolved закрывает обязательство
func (r *ReconciliationRepository) MarkResolved(ctx context.Context, id uuid.UUID) error {
	affected, err := base.ExecAffected(ctx, r.Pool(),
		`UPDATE payment_reconciliations SET status = 'resolved', resolved_at = now() WHERE id = $1 AND status = 'pending'`,
		id)
	if err != nil {
		return fmt.Errorf("resolve reconciliation: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("resolve reconciliation: %w", ErrNotFound)
	}

	return nil
}

// MarkFailed увеличивает счётчик попыток и сохраняет последнюю ошибку
func (r *ReconciliationRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.Pool().Exec(ctx,
		`UPDATE payment_reconciliations SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark reconciliation failed: %w", err)
	}

	return nil
}
