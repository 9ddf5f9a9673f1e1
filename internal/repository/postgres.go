// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/parcelpay/internal/apperr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrPackageNotFound возвращается, если посылка не найдена.
	ErrPackageNotFound = fmt.Errorf("%w: package", apperr.ErrNotFound)
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = fmt.Errorf("%w: transaction", apperr.ErrNotFound)
	// ErrCompletedNotFound возвращается, если архивная запись не найдена.
	ErrCompletedNotFound = fmt.Errorf("%w: completed transaction", apperr.ErrNotFound)
	// ErrTrackingCodeTaken возвращается, если административный трек-номер уже занят.
	ErrTrackingCodeTaken = fmt.Errorf("%w: admin tracking code already in use", apperr.ErrConflict)
	// ErrOrderIDTaken возвращается, если идентификатор заказа шлюза уже привязан к другой записи.
	ErrOrderIDTaken = fmt.Errorf("%w: gateway order already linked", apperr.ErrConflict)
	// ErrNotCompleted возвращается при попытке архивировать неоплаченную транзакцию.
	ErrNotCompleted = fmt.Errorf("%w: transaction is not completed", apperr.ErrConflict)
	// ErrStaleVersion возвращается, если запись изменилась после чтения.
	ErrStaleVersion = errors.New("record was modified concurrently")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool: pool,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// inTx выполняет fn в транзакции и повторяет её при конфликте сериализации,
// взаимоблокировке или обрыве соединения.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := r.runTx(ctx, fn)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *PostgresRepository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// mapUniqueViolation переводит нарушение уникальности в доменную ошибку по имени ограничения.
func mapUniqueViolation(err error) error {
	constraint, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(constraint, "admin_tracking_code"):
		return ErrTrackingCodeTaken
	case strings.Contains(constraint, "order_id"):
		return ErrOrderIDTaken
	default:
		return fmt.Errorf("%w: %s", apperr.ErrConflict, constraint)
	}
}

// lockTrackingCode сериализует запись одного трек-номера в обе таблицы:
// единый уникальный индекс не может охватить две таблицы.
func lockTrackingCode(ctx context.Context, tx pgx.Tx, code string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, code); err != nil {
		return fmt.Errorf("lock tracking code: %w", err)
	}
	return nil
}

// trackingCodeInUse проверяет обе таблицы, исключая запись с идентификатором skipID.
func trackingCodeInUse(ctx context.Context, tx pgx.Tx, code string, skipID uuid.UUID) (bool, error) {
	var taken bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE admin_tracking_code = $1 AND id <> $2)
		     OR EXISTS (SELECT 1 FROM completed_transactions WHERE admin_tracking_code = $1 AND id <> $2)`,
		code, skipID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check tracking code: %w", err)
	}
	return taken, nil
}
