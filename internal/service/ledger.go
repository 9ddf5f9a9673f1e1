package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

// TransactionUpdate содержит поля транзакции, которые сотрудник может изменить.
// Другие поля запроса не сохраняются.
type TransactionUpdate struct {
	Amount      *decimal.Decimal
	Status      *model.TransactionStatus
	Description *string
}

// GetTransaction возвращает транзакцию владельцу или сотруднику.
func (s *Service) GetTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(caller, t.UserID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactions возвращает транзакции пользователя; сотрудник видит все.
func (s *Service) ListTransactions(ctx context.Context, caller model.Caller, status *model.TransactionStatus) ([]model.Transaction, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Validation("unknown transaction status %q", *status)
	}
	return s.repo.ListTransactions(ctx, model.TransactionFilter{
		UserID: ownerFilter(caller),
		Status: status,
	})
}

// SetAmount назначает сумму транзакции. Сумма приходит от клиента строкой
// и должна быть конечным неотрицательным числом.
func (s *Service) SetAmount(ctx context.Context, caller model.Caller, id uuid.UUID, raw string) (*model.Transaction, error) {
	amount, err := validation.ParseAmount(raw)
	if err != nil {
		return nil, err
	}
	return s.UpdateTransaction(ctx, caller, id, TransactionUpdate{Amount: &amount})
}

// UpdateTransaction применяет изменения суммы, статуса и описания. Только для сотрудников.
// Перевод в completed здесь не архивирует запись: для этого есть CompleteTransaction.
func (s *Service) UpdateTransaction(ctx context.Context, caller model.Caller, id uuid.UUID, upd TransactionUpdate) (*model.Transaction, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}

	if upd.Amount != nil {
		if upd.Amount.IsNegative() {
			return nil, apperr.Validation("amount must not be negative")
		}
		if upd.Amount.GreaterThan(validation.MaxAmount) {
			return nil, apperr.Validation("amount is too large")
		}
		rounded := upd.Amount.Round(2)
		upd.Amount = &rounded
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, apperr.Validation("unknown transaction status %q", *upd.Status)
	}

	t, err := s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if t.Status == model.TransactionStatusCompleted {
			return apperr.Conflict("transaction %s is already paid", t.ID)
		}
		if upd.Amount != nil {
			t.Amount = *upd.Amount
		}
		if upd.Status != nil {
			t.Status = *upd.Status
			if t.Status == model.TransactionStatusCompleted && t.PaidAt == nil {
				now := s.now()
				t.PaidAt = &now
			}
		}
		if upd.Description != nil {
			t.Description = strings.TrimSpace(*upd.Description)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction updated",
		zap.String("transaction_id", t.ID.String()),
		zap.String("amount", t.Amount.StringFixed(2)),
		zap.String("status", string(t.Status)),
	)
	return t, nil
}

// SetDimensions сохраняет габариты транзакции.
func (s *Service) SetDimensions(ctx context.Context, caller model.Caller, id uuid.UUID, dims model.Dimensions) (*model.Transaction, error) {
	dims.Unit = strings.TrimSpace(dims.Unit)
	if err := validation.Dimensions(dims); err != nil {
		return nil, err
	}

	return s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if err := requireAccess(caller, t.UserID); err != nil {
			return err
		}
		if t.Status == model.TransactionStatusCompleted {
			return apperr.Conflict("transaction %s is already paid", t.ID)
		}
		t.Dimensions = &dims
		return nil
	})
}

// SetAdminTrackingCode назначает транзакции административный трек-номер.
// Номер должен быть свободен и среди транзакций, и среди архивных записей.
func (s *Service) SetAdminTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string) (*model.Transaction, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("admin tracking code is required")
	}

	t, err := s.repo.SetTransactionTrackingCode(ctx, id, code)
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin tracking code assigned",
		zap.String("transaction_id", t.ID.String()),
		zap.String("code", code),
	)
	return t, nil
}
