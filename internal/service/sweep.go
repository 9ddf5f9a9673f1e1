package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/model"
)

const sweepBatchSize = 50

// StartPaymentSweep запускает фоновую сверку ожидающих оплаты заказов со шлюзом.
// Нужна на случай потерянных вебхуков. При interval <= 0 ничего не делает.
func (s *Service) StartPaymentSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepPendingOrders(ctx, interval)
			}
		}
	}()
}

func (s *Service) sweepPendingOrders(ctx context.Context, age time.Duration) {
	pending, err := s.repo.ListPendingOrders(ctx, s.now().Add(-age), sweepBatchSize)
	if err != nil {
		s.logger.Error("list pending orders", zap.Error(err))
		return
	}

	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.reconcileOrder(ctx, t); err != nil {
			s.logger.Warn("reconcile pending order",
				zap.String("transaction_id", t.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// reconcileOrder сверяет одну ожидающую транзакцию с платежами её заказа в шлюзе.
func (s *Service) reconcileOrder(ctx context.Context, t model.Transaction) error {
	if t.OrderID == nil {
		return nil
	}
	orderID := *t.OrderID

	payments, err := s.gateway.FetchOrderPayments(ctx, orderID)
	if err != nil {
		return err
	}

	var paid, failed *gateway.Payment
	for i := range payments {
		p := &payments[i]
		switch {
		case p.Succeeded():
			paid = p
		case p.Status == gateway.PaymentStatusFailed:
			failed = p
		}
		if paid != nil {
			break
		}
	}
	if paid == nil && failed == nil {
		return nil
	}

	unlock, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	if paid != nil {
		method := paid.Method
		if method == "" {
			method = PaymentMethodCheckout
		}
		c, err := s.markTransactionPaid(ctx, t.ID, orderID, paid.ID, method)
		if err != nil {
			return err
		}
		s.logger.Info("sweep recovered payment",
			zap.String("order_id", orderID),
			zap.String("completed_id", c.ID.String()),
		)
		return nil
	}

	return s.markTransactionFailed(ctx, t.ID, failed.ID)
}
