package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

// PaymentIntent описывает запрос клиента на создание платёжного заказа.
type PaymentIntent struct {
	Amount        *decimal.Decimal
	PackageID     *uuid.UUID
	TransactionID *uuid.UUID
	Description   string
}

// PaymentOrder содержит данные, нужные клиенту для оплаты заказа в шлюзе.
type PaymentOrder struct {
	OrderID       string
	Amount        decimal.Decimal
	AmountMinor   int64
	Currency      string
	TransactionID uuid.UUID
	KeyID         string
}

// CreatePaymentOrder создаёт в шлюзе заказ на оплату транзакции.
//
// Если указан TransactionID, сумма берётся из реестра, а сумма из запроса должна с ней совпадать.
// Без TransactionID создаётся новая транзакция на сумму из запроса. Идентификатор заказа
// сохраняется только после успешного ответа шлюза.
func (s *Service) CreatePaymentOrder(ctx context.Context, caller model.Caller, in PaymentIntent) (*PaymentOrder, error) {
	if in.TransactionID != nil {
		return s.payExistingTransaction(ctx, caller, *in.TransactionID, in.Amount)
	}
	return s.payNewTransaction(ctx, caller, in)
}

func (s *Service) payExistingTransaction(ctx context.Context, caller model.Caller, id uuid.UUID, requested *decimal.Decimal) (*PaymentOrder, error) {
	t, err := s.payableTransaction(ctx, caller, id, requested)
	if err != nil {
		return nil, err
	}

	// Повторные нажатия «оплатить» не должны порождать параллельные заказы: под блокировкой
	// транзакция перечитывается, и уже выданный заказ переиспользуется.
	unlock, err := s.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err = s.payableTransaction(ctx, caller, id, requested)
	if err != nil {
		return nil, err
	}

	minor := validation.ToMinorUnits(t.Amount)

	var order *gateway.Order
	if t.OrderID != nil {
		existing, err := s.gateway.FetchOrder(ctx, *t.OrderID)
		switch {
		case err == nil && existing.Amount == minor && existing.Status != "paid":
			order = existing
		case err == nil, errors.Is(err, apperr.ErrNotFound):
			s.logger.Info("gateway order is stale, creating a new one",
				zap.String("transaction_id", id.String()),
				zap.String("order_id", *t.OrderID),
			)
		default:
			return nil, err
		}
	}
	if order == nil {
		order, err = s.gateway.CreateOrder(ctx, t.Amount, id.String(), orderNotes(t.ID, t.PackageID))
		if err != nil {
			return nil, err
		}
	}

	t, err = s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if t.Status == model.TransactionStatusCompleted {
			return apperr.Conflict("transaction %s is already paid", id)
		}
		now := s.now()
		t.OrderID = &order.ID
		t.Status = model.TransactionStatusPending
		t.PaymentAttempts++
		t.LastAttemptAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment order attached",
		zap.String("transaction_id", t.ID.String()),
		zap.String("order_id", order.ID),
		zap.Int("attempt", t.PaymentAttempts),
	)
	return s.paymentOrder(order, t), nil
}

// payableTransaction загружает транзакцию и проверяет, что её можно оплатить запрошенной суммой.
func (s *Service) payableTransaction(ctx context.Context, caller model.Caller, id uuid.UUID, requested *decimal.Decimal) (*model.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			if c, findErr := s.repo.FindCompletedTransaction(ctx, id, nil); findErr == nil && caller.CanAccess(c.UserID) {
				return nil, apperr.Conflict("transaction %s is already paid", id)
			}
		}
		return nil, err
	}
	if err := requireAccess(caller, t.UserID); err != nil {
		return nil, err
	}
	if t.Status == model.TransactionStatusCompleted {
		return nil, apperr.Conflict("transaction %s is already paid", id)
	}
	if !t.Amount.IsPositive() {
		return nil, apperr.Conflict("transaction %s is not priced yet", id)
	}
	if requested != nil && !requested.Round(2).Equal(t.Amount) {
		return nil, apperr.Validation("amount %s does not match transaction amount %s",
			requested.StringFixed(2), t.Amount.StringFixed(2))
	}
	return t, nil
}

func (s *Service) payNewTransaction(ctx context.Context, caller model.Caller, in PaymentIntent) (*PaymentOrder, error) {
	if in.Amount == nil {
		return nil, apperr.Validation("amount is required")
	}
	amount := in.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be greater than 0")
	}
	if amount.GreaterThan(validation.MaxAmount) {
		return nil, apperr.Validation("amount is too large")
	}

	ownerID := caller.UserID
	if in.PackageID != nil {
		pkg, err := s.repo.GetPackage(ctx, *in.PackageID)
		if err != nil {
			return nil, err
		}
		if err := requireAccess(caller, pkg.UserID); err != nil {
			return nil, err
		}
		ownerID = pkg.UserID
	}

	id := uuid.New()
	order, err := s.gateway.CreateOrder(ctx, amount, id.String(), orderNotes(id, in.PackageID))
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = "Payment"
	}

	now := s.now()
	t := &model.Transaction{
		ID:              id,
		UserID:          ownerID,
		PackageID:       in.PackageID,
		OrderID:         &order.ID,
		Amount:          amount,
		Currency:        order.Currency,
		Status:          model.TransactionStatusPending,
		Description:     description,
		PaymentAttempts: 1,
		LastAttemptAt:   &now,
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("payment transaction created",
		zap.String("transaction_id", t.ID.String()),
		zap.String("order_id", order.ID),
		zap.String("amount", amount.StringFixed(2)),
	)
	return s.paymentOrder(order, t), nil
}

func (s *Service) paymentOrder(order *gateway.Order, t *model.Transaction) *PaymentOrder {
	currency := order.Currency
	if currency == "" {
		currency = s.gateway.Currency()
	}
	return &PaymentOrder{
		OrderID:       order.ID,
		Amount:        validation.FromMinorUnits(order.Amount),
		AmountMinor:   order.Amount,
		Currency:      currency,
		TransactionID: t.ID,
		KeyID:         s.gateway.KeyID(),
	}
}

func orderNotes(transactionID uuid.UUID, packageID *uuid.UUID) map[string]string {
	notes := map[string]string{"transaction_id": transactionID.String()}
	if packageID != nil {
		notes["package_id"] = packageID.String()
	}
	return notes
}

// FetchPaymentOrder возвращает актуальные данные заказа шлюза владельцу связанной транзакции.
func (s *Service) FetchPaymentOrder(ctx context.Context, caller model.Caller, orderID string) (*gateway.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}

	ownerID, err := s.orderOwner(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(caller, ownerID); err != nil {
		return nil, err
	}

	return s.gateway.FetchOrder(ctx, orderID)
}

func (s *Service) orderOwner(ctx context.Context, orderID string) (int64, error) {
	t, err := s.repo.GetTransactionByOrderID(ctx, orderID)
	if err == nil {
		return t.UserID, nil
	}
	if !errors.Is(err, repository.ErrTransactionNotFound) {
		return 0, err
	}

	c, err := s.repo.FindCompletedTransaction(ctx, uuid.Nil, &orderID)
	if err != nil {
		return 0, err
	}
	return c.UserID, nil
}
