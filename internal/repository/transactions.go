package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

const transactionColumns = `id, user_id, package_id, billing_event, order_id, payment_id, admin_tracking_code,
	amount_minor, currency, status, payment_method, description, dimensions, volumetric_weight, volumetric_unit,
	payment_attempts, last_attempt_at, paid_at, version, created_at, updated_at`

// scanTransaction читает строку transactionColumns; extra принимает дополнительные столбцы после них.
func scanTransaction(row pgx.Row, extra ...any) (*model.Transaction, error) {
	var (
		t            model.Transaction
		billingEvent *string
		amountMinor  int64
		status       string
	)
	dest := []any{
		&t.ID, &t.UserID, &t.PackageID, &billingEvent, &t.OrderID, &t.PaymentID, &t.AdminTrackingCode,
		&amountMinor, &t.Currency, &status, &t.PaymentMethod, &t.Description, &t.Dimensions, &t.VolumetricWeight, &t.VolumetricUnit,
		&t.PaymentAttempts, &t.LastAttemptAt, &t.PaidAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if billingEvent != nil {
		e := model.BillingEvent(*billingEvent)
		t.BillingEvent = &e
	}
	t.Amount = validation.FromMinorUnits(amountMinor)
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func billingEventValue(e *model.BillingEvent) *string {
	if e == nil {
		return nil
	}
	s := string(*e)
	return &s
}

// GetTransaction возвращает транзакцию по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionByOrderID возвращает транзакцию по идентификатору заказа шлюза.
func (r *PostgresRepository) GetTransactionByOrderID(ctx context.Context, orderID string) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE order_id = $1`,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction by order: %w", err)
	}
	return t, nil
}

// ListTransactions возвращает транзакции по фильтру, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListPendingOrders возвращает ожидающие оплаты транзакции с заказом в шлюзе,
// последняя попытка оплаты которых была раньше before.
func (r *PostgresRepository) ListPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE status = $1 AND order_id IS NOT NULL
		   AND (last_attempt_at IS NULL OR last_attempt_at < $2)
		 ORDER BY last_attempt_at NULLS FIRST
		 LIMIT $3`,
		string(model.TransactionStatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}
	return collectTransactions(rows)
}

// CreateTransaction сохраняет новую транзакцию и заполняет служебные поля.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO transactions (id, user_id, package_id, billing_event, order_id, payment_id, admin_tracking_code,
			                           amount_minor, currency, status, payment_method, description, dimensions,
			                           volumetric_weight, volumetric_unit, payment_attempts, last_attempt_at, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			 RETURNING version, created_at, updated_at`,
			t.ID, t.UserID, t.PackageID, billingEventValue(t.BillingEvent), t.OrderID, t.PaymentID, t.AdminTrackingCode,
			validation.ToMinorUnits(t.Amount), t.Currency, string(t.Status), t.PaymentMethod, t.Description, t.Dimensions,
			t.VolumetricWeight, t.VolumetricUnit, t.PaymentAttempts, t.LastAttemptAt, t.PaidAt,
		).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", mapUniqueViolation(err))
		}
		return recordOrder(ctx, tx, t.OrderID, t.ID)
	})
}

// UpdateTransaction сохраняет изменяемые поля транзакции, если её версия не изменилась.
// При успехе увеличивает t.Version. Назначенный заказ шлюза остаётся в истории заказов транзакции.
func (r *PostgresRepository) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE transactions
			 SET order_id = $3, payment_id = $4, amount_minor = $5, status = $6, payment_method = $7,
			     description = $8, dimensions = $9, payment_attempts = $10, last_attempt_at = $11, paid_at = $12,
			     version = version + 1, updated_at = now()
			 WHERE id = $1 AND version = $2
			 RETURNING version, updated_at`,
			t.ID, t.Version, t.OrderID, t.PaymentID, validation.ToMinorUnits(t.Amount), string(t.Status), t.PaymentMethod,
			t.Description, t.Dimensions, t.PaymentAttempts, t.LastAttemptAt, t.PaidAt,
		).Scan(&t.Version, &t.UpdatedAt)
		if err == nil {
			return recordOrder(ctx, tx, t.OrderID, t.ID)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update transaction: %w", mapUniqueViolation(err))
		}

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrStaleVersion
	})
}

// recordOrder добавляет заказ шлюза в историю заказов транзакции.
func recordOrder(ctx context.Context, tx pgx.Tx, orderID *string, transactionID uuid.UUID) error {
	if orderID == nil {
		return nil
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO transaction_orders (order_id, transaction_id) VALUES ($1, $2)
		 ON CONFLICT (order_id) DO NOTHING`,
		*orderID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var owner uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT transaction_id FROM transaction_orders WHERE order_id = $1`, *orderID,
		).Scan(&owner); err != nil {
			return fmt.Errorf("check order owner: %w", err)
		}
		if owner != transactionID {
			return ErrOrderIDTaken
		}
	}
	return nil
}

// FindOrderTransactionID возвращает транзакцию, которой был выдан заказ шлюза, в том числе
// заменённый позже или уже архивированный.
func (r *PostgresRepository) FindOrderTransactionID(ctx context.Context, orderID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT transaction_id FROM transaction_orders WHERE order_id = $1`,
		orderID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTransactionNotFound
		}
		return uuid.Nil, fmt.Errorf("find order transaction: %w", err)
	}
	return id, nil
}

// SetTransactionTrackingCode назначает транзакции административный трек-номер,
// проверяя его уникальность среди транзакций и архивных записей.
func (r *PostgresRepository) SetTransactionTrackingCode(ctx context.Context, id uuid.UUID, code string) (*model.Transaction, error) {
	var res *model.Transaction

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

		t, err := scanTransaction(tx.QueryRow(ctx,
			`UPDATE transactions
			 SET admin_tracking_code = $2, version = version + 1, updated_at = now()
			 WHERE id = $1
			 RETURNING `+transactionColumns,
			id, code,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("set tracking code: %w", mapUniqueViolation(err))
		}
		res = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
