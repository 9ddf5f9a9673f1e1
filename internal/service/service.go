// Package service реализует жизненный цикл платёжных обязательств по посылкам:
// выставление счёта при смене статуса, оплату через шлюз, сверку подтверждений и архивацию.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/locker"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetPackage(ctx context.Context, id uuid.UUID) (*model.Package, error)
	ApplyStatusChange(ctx context.Context, change repository.StatusChange) (*repository.StatusChangeResult, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetTransactionByOrderID(ctx context.Context, orderID string) (*model.Transaction, error)
	FindOrderTransactionID(ctx context.Context, orderID string) (uuid.UUID, error)
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error)
	ListPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	UpdateTransaction(ctx context.Context, t *model.Transaction) error
	SetTransactionTrackingCode(ctx context.Context, id uuid.UUID, code string) (*model.Transaction, error)

	ArchiveTransaction(ctx context.Context, id uuid.UUID, opts repository.ArchiveOptions) (*model.CompletedTransaction, bool, error)
	FindCompletedTransaction(ctx context.Context, transactionID uuid.UUID, orderID *string) (*model.CompletedTransaction, error)
	GetCompletedTransaction(ctx context.Context, id uuid.UUID) (*model.CompletedTransaction, error)
	ListCompletedTransactions(ctx context.Context, userID *int64) ([]model.CompletedTransaction, error)
	SetPostCompletionStatus(ctx context.Context, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error)
	SetCompletedTrackingCode(ctx context.Context, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error)
	DeleteCompletedTransaction(ctx context.Context, id uuid.UUID) error
}

// Gateway описывает операции платёжного шлюза, используемые сервисом.
type Gateway interface {
	KeyID() string
	Currency() string
	CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string, notes map[string]string) (*gateway.Order, error)
	FetchOrder(ctx context.Context, orderID string) (*gateway.Order, error)
	FetchOrderPayments(ctx context.Context, orderID string) ([]gateway.Payment, error)
	VerifySignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) (*gateway.Event, error)
}

// Service содержит бизнес-логику сервиса parcelpay.
type Service struct {
	repo    Repository
	gateway Gateway
	locker  locker.Locker
	logger  *zap.Logger
	now     func() time.Time
	backoff func() retry.Backoff
}

// NewService создаёт сервис. Если locker не задан, используется блокировка в памяти процесса.
func NewService(repo Repository, gw Gateway, lk locker.Locker, logger *zap.Logger) *Service {
	if lk == nil {
		lk = locker.NewLocalLocker(5 * time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		gateway: gw,
		locker:  lk,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(5, retry.NewExponential(5*time.Millisecond))
		},
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// errNoChange сообщает retryStale, что запись уже в нужном состоянии и сохранять нечего.
var errNoChange = errors.New("no change")

// retryStale повторяет fn, пока запись меняется конкурентно, и ограниченное число раз.
func (s *Service) retryStale(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrStaleVersion) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, repository.ErrStaleVersion) {
		return apperr.Conflict("record is being modified concurrently, retry later")
	}
	return err
}

// mutateTransaction перечитывает транзакцию, применяет mutate и сохраняет её с проверкой версии.
// Если mutate возвращает errNoChange, запись не сохраняется и возвращается как есть.
func (s *Service) mutateTransaction(ctx context.Context, id uuid.UUID, mutate func(t *model.Transaction) error) (*model.Transaction, error) {
	var res *model.Transaction

	err := s.retryStale(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetTransaction(ctx, id)
		if err != nil {
			return err
		}

		if err := mutate(t); err != nil {
			if errors.Is(err, errNoChange) {
				res = t
				return nil
			}
			return err
		}

		if err := s.repo.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		res = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// lockOrder сериализует подтверждение оплаты одного заказа из клиента и из вебхука.
func (s *Service) lockOrder(ctx context.Context, orderID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, locker.OrderKey(orderID))
	if err != nil {
		if errors.Is(err, locker.ErrLockTimeout) {
			return nil, apperr.Conflict("payment for order %s is being processed", orderID)
		}
		return nil, err
	}
	return unlock, nil
}

// lockTransaction сериализует выдачу заказа шлюза для одной транзакции.
func (s *Service) lockTransaction(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, locker.TransactionKey(id.String()))
	if err != nil {
		if errors.Is(err, locker.ErrLockTimeout) {
			return nil, apperr.Conflict("payment order for transaction %s is being created", id)
		}
		return nil, err
	}
	return unlock, nil
}

func requireStaff(caller model.Caller) error {
	if !caller.IsStaff() {
		return apperr.Forbidden("staff only")
	}
	return nil
}

func requireAccess(caller model.Caller, ownerID int64) error {
	if !caller.CanAccess(ownerID) {
		return apperr.Forbidden("caller is neither owner nor staff")
	}
	return nil
}

func ownerFilter(caller model.Caller) *int64 {
	if caller.IsStaff() {
		return nil
	}
	id := caller.UserID
	return &id
}
