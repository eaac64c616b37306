package repository

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/model"
	"github.com/Freeeeeet/expert_scheduler/internal/repository/base"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WalletRepository журнал операций кошелька
type WalletRepository struct {
	*base.Repository
}

func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{Repository: base.NewRepository(pool)}
}

const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN type = 'credit' THEN amount ELSE -amount END), 0)
	FROM wallet_transactions
	WHERE user_id = $1
`

// Balance возвращает баланс пользователя
func (r *WalletRepository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	if err := r.Pool().QueryRow(ctx, balanceQuery, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("get wallet balance: %w", err)
	}
	return balance, nil
}

// Debit списывает средства, если их хватает; баланс и запись меняются под блокировкой пользователя
func (r *WalletRepository) Debit(ctx context.Context, tx *model.WalletTransaction) error {
	tx.Type = model.TransactionTypeDebit

	return r.InTx(ctx, func(dbTx pgx.Tx) error {
		if err := base.LockKey(ctx, dbTx, "wallet:"+tx.UserID.String()); err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}

		var balance int64
		if err := dbTx.QueryRow(ctx, balanceQuery, tx.UserID).Scan(&balance); err != nil {
			return fmt.Errorf("get wallet balance: %w", err)
		}

		if balance < tx.Amount {
			return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientBalance, balance, tx.Amount)
		}

		return insertTransaction(ctx, dbTx, tx)
	})
}

// Credit зачисляет средства. Для возвратов повторная запись по той же ссылке
// и причине игнорируется; created = false означает, что запись уже была.
func (r *WalletRepository) Credit(ctx context.Context, tx *model.WalletTransaction) (bool, error) {
	tx.Type = model.TransactionTypeCredit

	query := `
		INSERT INTO wallet_transactions (user_id, amount, type, reason, reference_id, reference_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference_id, reference_type, reason) WHERE type = 'credit' DO NOTHING
		RETURNING id, created_at
	`

	err := r.Pool().QueryRow(ctx, query,
		tx.UserID,
		tx.Amount,
		tx.Type,
		tx.Reason,
		tx.ReferenceID,
		tx.ReferenceType,
		nullableJSON(tx.Metadata),
	).Scan(&tx.ID, &tx.CreatedAt)

	if err != nil {
		if base.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("credit wallet: %w", err)
	}

	return true, nil
}

// FindRefund ищет возврат по ссылке на встречу или сессию звонка
func (r *WalletRepository) FindRefund(ctx context.Context, referenceID uuid.UUID, referenceType model.ReferenceType) (*model.WalletTransaction, error) {
	query := `
		SELECT id, user_id, amount, type, reason, reference_id, reference_type, metadata, created_at
		FROM wallet_transactions
		WHERE reference_id = $1 AND reference_type = $2 AND type = 'credit' AND reason = ANY($3)
		ORDER BY created_at
		LIMIT 1
	`

	reasons := make([]string, len(model.RefundReasons))
	for i, reason := range model.RefundReasons {
		reasons[i] = string(reason)
	}

	var t model.WalletTransaction
	var metadata []byte
	err := r.Pool().QueryRow(ctx, query, referenceID, referenceType, reasons).Scan(
		&t.ID,
		&t.UserID,
		&t.Amount,
		&t.Type,
		&t.Reason,
		&t.ReferenceID,
		&t.ReferenceType,
		&metadata,
		&t.CreatedAt,
	)

	if err != nil {
		if base.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find refund: %w", err)
	}

	t.Metadata = metadata
	return &t, nil
}

func insertTransaction(ctx context.Context, q base.Querier, tx *model.WalletTransaction) error {
	query := `
		INSERT INTO wallet_transactions (user_id, amount, type, reason, reference_id, reference_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	var refID any
	if tx.ReferenceID != uuid.Nil {
		refID = tx.ReferenceID
	}
	var refType any
	if tx.ReferenceType != "" {
		refType = tx.ReferenceType
	}

	err := q.QueryRow(ctx, query,
		tx.UserID,
		tx.Amount,
		tx.Type,
		tx.Reason,
		refID,
		refType,
		nullableJSON(tx.Metadata),
	).Scan(&tx.ID, &tx.CreatedAt)

	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}

	return nil
}
