package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

// PaymentMethodCheckout записывается для оплат, подтверждённых клиентом после оформления в шлюзе.
const PaymentMethodCheckout = "razorpay"

// PaymentConfirmation описывает подтверждение оплаты, присланное клиентом.
type PaymentConfirmation struct {
	OrderID       string
	PaymentID     string
	Signature     string
	TransactionID uuid.UUID
}

// VerifyPayment проверяет подписанное клиентом подтверждение оплаты, закрывает транзакцию
// и переносит её в архив. Повторное подтверждение уже архивированной оплаты возвращает
// существующую архивную запись.
func (s *Service) VerifyPayment(ctx context.Context, caller model.Caller, in PaymentConfirmation) (*model.CompletedTransaction, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.PaymentID = strings.TrimSpace(in.PaymentID)
	if in.OrderID == "" || in.PaymentID == "" || in.Signature == "" || in.TransactionID == uuid.Nil {
		return nil, apperr.Validation("orderId, paymentId, signature and transactionId are required")
	}

	if !s.gateway.VerifySignature(in.OrderID, in.PaymentID, in.Signature) {
		s.logger.Warn("payment signature mismatch",
			zap.String("order_id", in.OrderID),
			zap.Int64("user_id", caller.UserID),
		)
		return nil, apperr.Signature("payment signature mismatch")
	}

	unlock, err := s.lockOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.repo.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		if !errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, err
		}
		return s.alreadyArchived(ctx, caller, in)
	}

	if t.UserID != caller.UserID {
		return nil, apperr.Forbidden("transaction belongs to another user")
	}
	if t.OrderID == nil || *t.OrderID != in.OrderID {
		issued, err := s.orderIssuedTo(ctx, in.OrderID, t.ID)
		if err != nil {
			return nil, err
		}
		if !issued {
			return nil, apperr.Conflict("order %s is not linked to transaction %s", in.OrderID, t.ID)
		}
	}

	return s.markTransactionPaid(ctx, t.ID, in.OrderID, in.PaymentID, PaymentMethodCheckout)
}

// orderIssuedTo сообщает, выдавался ли заказ шлюза этой транзакции, в том числе до перевыставления.
func (s *Service) orderIssuedTo(ctx context.Context, orderID string, transactionID uuid.UUID) (bool, error) {
	id, err := s.repo.FindOrderTransactionID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return false, nil
		}
		return false, err
	}
	return id == transactionID, nil
}

// alreadyArchived обрабатывает подтверждение, пришедшее после того, как вебхук уже заархивировал оплату.
func (s *Service) alreadyArchived(ctx context.Context, caller model.Caller, in PaymentConfirmation) (*model.CompletedTransaction, error) {
	c, err := s.repo.FindCompletedTransaction(ctx, in.TransactionID, &in.OrderID)
	if err != nil {
		return nil, err
	}
	if c.UserID != caller.UserID {
		return nil, apperr.Forbidden("transaction belongs to another user")
	}
	if c.TransactionID != in.TransactionID || c.OrderID == nil || *c.OrderID != in.OrderID {
		if issued, _ := s.orderIssuedTo(ctx, in.OrderID, in.TransactionID); issued && c.TransactionID == in.TransactionID {
			s.logger.Error("payment confirmed for superseded order of a paid transaction",
				zap.String("transaction_id", in.TransactionID.String()),
				zap.String("order_id", in.OrderID),
				zap.String("payment_id", in.PaymentID),
			)
		}
		return nil, apperr.Conflict("order %s is not linked to transaction %s", in.OrderID, in.TransactionID)
	}
	return c, nil
}

// HandleWebhook проверяет подпись события шлюза по сырому телу запроса и применяет его к реестру.
// Транзакция ищется только по заказам, которые ей выдавались. Неизвестные события игнорируются.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	evt, err := s.gateway.VerifyWebhookSignature(body, signature)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		return err
	}

	switch evt.Event {
	case gateway.EventPaymentAuthorized, gateway.EventPaymentCaptured, gateway.EventPaymentFailed:
	default:
		s.logger.Info("webhook event ignored", zap.String("event", evt.Event))
		return nil
	}

	if evt.Payment == nil || evt.Payment.OrderID == "" {
		s.logger.Warn("webhook event without payment order ignored", zap.String("event", evt.Event))
		return nil
	}
	p := evt.Payment

	unlock, err := s.lockOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.transactionForOrder(ctx, p.OrderID)
	if err != nil {
		if !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}
		return s.webhookForMissingTransaction(ctx, evt)
	}

	superseded := t.OrderID == nil || *t.OrderID != p.OrderID

	if evt.Event == gateway.EventPaymentFailed {
		if superseded {
			s.logger.Info("failure of superseded order ignored",
				zap.String("order_id", p.OrderID),
				zap.String("transaction_id", t.ID.String()),
			)
			return nil
		}
		return s.markTransactionFailed(ctx, t.ID, p.ID)
	}

	if superseded {
		s.logger.Warn("payment captured for superseded order",
			zap.String("order_id", p.OrderID),
			zap.String("transaction_id", t.ID.String()),
		)
	}
	if p.Amount != 0 && p.Amount != validation.ToMinorUnits(t.Amount) {
		s.logger.Error("captured amount differs from ledger amount",
			zap.String("order_id", p.OrderID),
			zap.String("transaction_id", t.ID.String()),
			zap.Int64("captured_minor", p.Amount),
			zap.Int64("ledger_minor", validation.ToMinorUnits(t.Amount)),
		)
	}

	method := p.Method
	if method == "" {
		method = PaymentMethodCheckout
	}
	c, err := s.markTransactionPaid(ctx, t.ID, p.OrderID, p.ID, method)
	if err != nil {
		return err
	}

	s.logger.Info("webhook payment applied",
		zap.String("event", evt.Event),
		zap.String("order_id", p.OrderID),
		zap.String("completed_id", c.ID.String()),
	)
	return nil
}

// transactionForOrder ищет активную транзакцию по текущему или ранее выданному заказу.
func (s *Service) transactionForOrder(ctx context.Context, orderID string) (*model.Transaction, error) {
	t, err := s.repo.GetTransactionByOrderID(ctx, orderID)
	if err == nil || !errors.Is(err, repository.ErrTransactionNotFound) {
		return t, err
	}
	id, err := s.repo.FindOrderTransactionID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetTransaction(ctx, id)
}

// webhookForMissingTransaction разбирает событие заказа, транзакция которого уже в архиве или неизвестна.
// Оплата заменённого заказа уже оплаченной транзакции означает двойное списание: о нём сообщается
// ошибкой, чтобы шлюз не считал событие доставленным.
func (s *Service) webhookForMissingTransaction(ctx context.Context, evt *gateway.Event) error {
	orderID := evt.Payment.OrderID
	c, err := s.repo.FindCompletedTransaction(ctx, uuid.Nil, &orderID)
	switch {
	case err == nil:
		s.logger.Info("webhook for archived order skipped",
			zap.String("event", evt.Event),
			zap.String("order_id", orderID),
			zap.String("completed_id", c.ID.String()),
		)
		return nil
	case !errors.Is(err, repository.ErrCompletedNotFound):
		return err
	}

	transactionID, err := s.repo.FindOrderTransactionID(ctx, orderID)
	if err == nil {
		c, err = s.repo.FindCompletedTransaction(ctx, transactionID, nil)
	}
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrTransactionNotFound), errors.Is(err, repository.ErrCompletedNotFound):
		s.logger.Warn("webhook for unknown order skipped",
			zap.String("event", evt.Event),
			zap.String("order_id", orderID),
		)
		return nil
	default:
		return err
	}

	if evt.Event == gateway.EventPaymentFailed {
		s.logger.Info("failure of superseded order ignored",
			zap.String("order_id", orderID),
			zap.String("completed_id", c.ID.String()),
		)
		return nil
	}

	s.logger.Error("payment captured for superseded order of a paid transaction",
		zap.String("order_id", orderID),
		zap.String("payment_id", evt.Payment.ID),
		zap.String("transaction_id", transactionID.String()),
		zap.String("completed_id", c.ID.String()),
	)
	return apperr.Conflict("order %s was superseded: transaction %s is already paid", orderID, transactionID)
}

// markTransactionPaid закрывает транзакцию и архивирует её. Оба пути подтверждения оплаты
// сходятся сюда; повторный вызов для уже оплаченной или архивированной транзакции
// возвращает существующую архивную запись. Оплаченный заказ становится заказом транзакции.
func (s *Service) markTransactionPaid(ctx context.Context, id uuid.UUID, orderID, paymentID, method string) (*model.CompletedTransaction, error) {
	_, err := s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if t.Status == model.TransactionStatusCompleted {
			if t.PaymentID != nil && *t.PaymentID != paymentID {
				s.logger.Error("second payment for paid transaction",
					zap.String("transaction_id", id.String()),
					zap.String("paid_by", *t.PaymentID),
					zap.String("payment_id", paymentID),
				)
			}
			return errNoChange
		}
		now := s.now()
		t.Status = model.TransactionStatusCompleted
		t.OrderID = &orderID
		t.PaymentID = &paymentID
		t.PaymentMethod = method
		t.PaidAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, err
	}

	return s.archive(ctx, id, true)
}

// markTransactionFailed отмечает неудачную попытку оплаты. Оплаченную транзакцию не трогает.
func (s *Service) markTransactionFailed(ctx context.Context, id uuid.UUID, paymentID string) error {
	t, err := s.mutateTransaction(ctx, id, func(t *model.Transaction) error {
		if t.Status != model.TransactionStatusPending {
			return errNoChange
		}
		t.Status = model.TransactionStatusFailed
		if paymentID != "" {
			t.PaymentID = &paymentID
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("payment failed",
		zap.String("transaction_id", t.ID.String()),
		zap.String("status", string(t.Status)),
	)
	return nil
}
