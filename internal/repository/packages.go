package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/parcelpay/internal/model"
)

const packageColumns = `id, user_id, tracking_code, admin_tracking_code, status, current_location,
	weight, weight_unit, volumetric_weight, volumetric_unit, dimensions, insured, insurance_plan,
	version, created_at, updated_at`

// BillingUpsert описывает транзакцию, которую нужно создать или обновить вместе со сменой статуса.
type BillingUpsert struct {
	Event            model.BillingEvent
	UserID           int64
	Description      string
	Currency         string
	Dimensions       *model.Dimensions
	VolumetricWeight float64
	VolumetricUnit   string
}

// StatusChange описывает смену статуса посылки при известной версии записи.
type StatusChange struct {
	PackageID uuid.UUID
	Version   int64
	Status    model.PackageStatus
	Location  *string
	Billing   *BillingUpsert
}

// StatusChangeResult содержит результат смены статуса.
type StatusChangeResult struct {
	Package     *model.Package
	Transaction *model.Transaction
	Created     bool
}

func scanPackage(row pgx.Row) (*model.Package, error) {
	var (
		p      model.Package
		status string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.TrackingCode, &p.AdminTrackingCode, &status, &p.CurrentLocation,
		&p.Weight, &p.WeightUnit, &p.VolumetricWeight, &p.VolumetricUnit, &p.Dimensions, &p.Insured, &p.InsurancePlan,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.PackageStatus(status)
	return &p, nil
}

// GetPackage возвращает посылку по идентификатору.
func (r *PostgresRepository) GetPackage(ctx context.Context, id uuid.UUID) (*model.Package, error) {
	p, err := scanPackage(r.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

// ApplyStatusChange записывает новый статус посылки и, если требуется, в той же транзакции
// создаёт или обновляет активную транзакцию для события выставления счёта.
// Возвращает ErrStaleVersion, если посылка изменилась после чтения.
func (r *PostgresRepository) ApplyStatusChange(ctx context.Context, change StatusChange) (*StatusChangeResult, error) {
	var res StatusChangeResult

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		res = StatusChangeResult{}

		p, err := scanPackage(tx.QueryRow(ctx,
			`UPDATE packages
			 SET status = $3,
			     current_location = COALESCE($4, current_location),
			     version = version + 1,
			     updated_at = now()
			 WHERE id = $1 AND version = $2
			 RETURNING `+packageColumns,
			change.PackageID, change.Version, string(change.Status), change.Location,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.packageMissOrStale(ctx, tx, change.PackageID)
			}
			return fmt.Errorf("update package status: %w", err)
		}
		res.Package = p

		if change.Billing == nil {
			return nil
		}

		t, created, err := upsertBilling(ctx, tx, p.ID, change.Billing)
		if err != nil {
			return err
		}
		res.Transaction = t
		res.Created = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

func (r *PostgresRepository) packageMissOrStale(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM packages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check package: %w", err)
	}
	if !exists {
		return ErrPackageNotFound
	}
	return ErrStaleVersion
}

// upsertBilling опирается на частичный уникальный индекс transactions_active_billing_uidx:
// параллельные вставки для одной посылки сходятся в одну активную запись.
func upsertBilling(ctx context.Context, tx pgx.Tx, packageID uuid.UUID, b *BillingUpsert) (*model.Transaction, bool, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, package_id, billing_event, amount_minor, currency, status,
		                           description, dimensions, volumetric_weight, volumetric_unit)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (package_id, billing_event) WHERE status IN ('pending', 'failed') AND billing_event IS NOT NULL
		 DO UPDATE SET status = EXCLUDED.status,
		               description = EXCLUDED.description,
		               dimensions = COALESCE(EXCLUDED.dimensions, transactions.dimensions),
		               volumetric_weight = EXCLUDED.volumetric_weight,
		               volumetric_unit = EXCLUDED.volumetric_unit,
		               version = transactions.version + 1,
		               updated_at = now()
		 RETURNING `+transactionColumns+`, (xmax = 0) AS inserted`,
		uuid.New(), b.UserID, packageID, string(b.Event), b.Currency, string(model.TransactionStatusPending),
		b.Description, b.Dimensions, b.VolumetricWeight, b.VolumetricUnit,
	)

	var inserted bool
	t, err := scanTransaction(row, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert billing transaction: %w", err)
	}
	return t, inserted, nil
}
