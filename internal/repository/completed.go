package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

const completedColumns = `id, transaction_id, user_id, package_id, order_id, payment_id, admin_tracking_code,
	amount_minor, currency, status, payment_method, description, dimensions, volumetric_weight, volumetric_unit,
	payment_attempts, last_attempt_at, paid_at, completed_at, post_completion_status, notes, created_at`

// ArchiveOptions задаёт параметры архивации транзакции.
type ArchiveOptions struct {
	CompletedAt        time.Time
	MarkPackageInsured bool
}

func scanCompleted(row pgx.Row) (*model.CompletedTransaction, error) {
	var (
		c           model.CompletedTransaction
		amountMinor int64
		status      string
		postStatus  string
	)
	err := row.Scan(
		&c.ID, &c.TransactionID, &c.UserID, &c.PackageID, &c.OrderID, &c.PaymentID, &c.AdminTrackingCode,
		&amountMinor, &c.Currency, &status, &c.PaymentMethod, &c.Description, &c.Dimensions, &c.VolumetricWeight, &c.VolumetricUnit,
		&c.PaymentAttempts, &c.LastAttemptAt, &c.PaidAt, &c.CompletedAt, &postStatus, &c.Notes, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Amount = validation.FromMinorUnits(amountMinor)
	c.Status = model.TransactionStatus(status)
	c.PostCompletionStatus = model.PostCompletionStatus(postStatus)
	return &c, nil
}

// ArchiveTransaction переносит оплаченную транзакцию в архив и удаляет её из реестра в одной транзакции БД.
// Повторный вызов для уже архивированной транзакции возвращает существующую запись и created=false.
func (r *PostgresRepository) ArchiveTransaction(ctx context.Context, id uuid.UUID, opts ArchiveOptions) (*model.CompletedTransaction, bool, error) {
	var (
		res     *model.CompletedTransaction
		created bool
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		res, created = nil, false

		t, err := scanTransaction(tx.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`,
			id,
		))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lock transaction: %w", err)
			}
			existing, findErr := findCompleted(ctx, tx, id, nil)
			if findErr != nil {
				return ErrTransactionNotFound
			}
			res = existing
			return nil
		}

		if t.Status != model.TransactionStatusCompleted {
			return ErrNotCompleted
		}

		existing, err := findCompleted(ctx, tx, t.ID, t.OrderID)
		switch {
		case err == nil:
			res = existing
		case errors.Is(err, ErrCompletedNotFound):
			res, err = insertCompleted(ctx, tx, model.NewCompletedTransaction(*t, opts.CompletedAt))
			if err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, t.ID); err != nil {
			return fmt.Errorf("delete transaction: %w", err)
		}

		if created && opts.MarkPackageInsured && t.PackageID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE packages SET insured = TRUE, version = version + 1, updated_at = now()
				 WHERE id = $1 AND NOT insured`,
				*t.PackageID,
			); err != nil {
				return fmt.Errorf("mark package insured: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, created, nil
}

func insertCompleted(ctx context.Context, tx pgx.Tx, c model.CompletedTransaction) (*model.CompletedTransaction, error) {
	res, err := scanCompleted(tx.QueryRow(ctx,
		`INSERT INTO completed_transactions (id, transaction_id, user_id, package_id, order_id, payment_id,
		     admin_tracking_code, amount_minor, currency, status, payment_method, description, dimensions,
		     volumetric_weight, volumetric_unit, payment_attempts, last_attempt_at, paid_at, completed_at,
		     post_completion_status, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 RETURNING `+completedColumns,
		c.ID, c.TransactionID, c.UserID, c.PackageID, c.OrderID, c.PaymentID,
		c.AdminTrackingCode, validation.ToMinorUnits(c.Amount), c.Currency, string(c.Status), c.PaymentMethod, c.Description, c.Dimensions,
		c.VolumetricWeight, c.VolumetricUnit, c.PaymentAttempts, c.LastAttemptAt, c.PaidAt, c.CompletedAt,
		string(c.PostCompletionStatus), c.Notes,
	))
	if err != nil {
		return nil, fmt.Errorf("insert completed transaction: %w", mapUniqueViolation(err))
	}
	return res, nil
}

// querier покрывает и пул, и транзакцию.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findCompleted(ctx context.Context, q querier, transactionID uuid.UUID, orderID *string) (*model.CompletedTransaction, error) {
	c, err := scanCompleted(q.QueryRow(ctx,
		`SELECT `+completedColumns+`
		 FROM completed_transactions
		 WHERE transaction_id = $1 OR ($2::text IS NOT NULL AND order_id = $2)
		 LIMIT 1`,
		transactionID, orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompletedNotFound
		}
		return nil, fmt.Errorf("find completed transaction: %w", err)
	}
	return c, nil
}

// FindCompletedTransaction ищет архивную запись по исходной транзакции или заказу шлюза.
func (r *PostgresRepository) FindCompletedTransaction(ctx context.Context, transactionID uuid.UUID, orderID *string) (*model.CompletedTransaction, error) {
	return findCompleted(ctx, r.pool, transactionID, orderID)
}

// GetCompletedTransaction возвращает архивную запись по идентификатору.
func (r *PostgresRepository) GetCompletedTransaction(ctx context.Context, id uuid.UUID) (*model.CompletedTransaction, error) {
	c, err := scanCompleted(r.pool.QueryRow(ctx,
		`SELECT `+completedColumns+` FROM completed_transactions WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompletedNotFound
		}
		return nil, fmt.Errorf("get completed transaction: %w", err)
	}
	return c, nil
}

// ListCompletedTransactions возвращает архивные записи пользователя или все, если userID не задан.
func (r *PostgresRepository) ListCompletedTransactions(ctx context.Context, userID *int64) ([]model.CompletedTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+completedColumns+`
		 FROM completed_transactions
		 WHERE $1::bigint IS NULL OR user_id = $1
		 ORDER BY completed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select completed transactions: %w", err)
	}
	defer rows.Close()

	var res []model.CompletedTransaction
	for rows.Next() {
		c, err := scanCompleted(rows)
		if err != nil {
			return nil, fmt.Errorf("scan completed transaction: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SetPostCompletionStatus меняет этап обработки архивной записи. При переходе в Dispatch
// связанная посылка, всё ещё находящаяся в статусе india, переводится в dispatch.
func (r *PostgresRepository) SetPostCompletionStatus(ctx context.Context, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error) {
	var res *model.CompletedTransaction

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCompleted(tx.QueryRow(ctx,
			`UPDATE completed_transactions SET post_completion_status = $2
			 WHERE id = $1
			 RETURNING `+completedColumns,
			id, string(status),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCompletedNotFound
			}
			return fmt.Errorf("update post completion status: %w", err)
		}
		res = c

		if status != model.PostCompletionDispatch || c.PackageID == nil {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE packages SET status = $2, version = version + 1, updated_at = now()
			 WHERE id = $1 AND status = $3`,
			*c.PackageID, string(model.PackageStatusDispatch), string(model.PackageStatusIndia),
		)
		if err != nil {
			return fmt.Errorf("sync package status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetCompletedTrackingCode назначает архивной записи административный трек-номер и, если задано, заметки.
func (r *PostgresRepository) SetCompletedTrackingCode(ctx context.Context, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error) {
	var res *model.CompletedTransaction

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockTrackingCode(ctx, tx, code); err != nil {
			return err
		}

		taken, err := trackingCodeInUse(ctx, tx, code, id)
		if err != nil {
			return err
		}
		if taken {
			return ErrTrackingCodeTaken
		}

		c, err := scanCompleted(tx.QueryRow(ctx,
			`UPDATE completed_transactions
			 SET admin_tracking_code = $2, notes = COALESCE($3, notes)
			 WHERE id = $1
			 RETURNING `+completedColumns,
			id, code, notes,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCompletedNotFound
			}
			return fmt.Errorf("set completed tracking code: %w", mapUniqueViolation(err))
		}
		res = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteCompletedTransaction удаляет архивную запись.
func (r *PostgresRepository) DeleteCompletedTransaction(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM completed_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete completed transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompletedNotFound
	}
	return nil
}
