package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
)

// archive переносит оплаченную транзакцию в архив. markInsured отмечает связанную посылку застрахованной.
func (s *Service) archive(ctx context.Context, id uuid.UUID, markInsured bool) (*model.CompletedTransaction, error) {
	c, created, err := s.repo.ArchiveTransaction(ctx, id, repository.ArchiveOptions{
		CompletedAt:        s.now(),
		MarkPackageInsured: markInsured,
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.Info("transaction archived",
			zap.String("transaction_id", id.String()),
			zap.String("completed_id", c.ID.String()),
			zap.String("amount", c.Amount.StringFixed(2)),
		)
	} else {
		s.logger.Info("transaction already archived",
			zap.String("transaction_id", id.String()),
			zap.String("completed_id", c.ID.String()),
		)
	}
	return c, nil
}

// CompleteTransaction вручную архивирует транзакцию, уже переведённую в completed. Только для сотрудников.
func (s *Service) CompleteTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	return s.archive(ctx, id, false)
}

// GetCompletedTransaction возвращает архивную запись владельцу или сотруднику.
func (s *Service) GetCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error) {
	c, err := s.repo.GetCompletedTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(caller, c.UserID); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCompletedTransactions возвращает архивные записи пользователя; сотрудник видит все.
func (s *Service) ListCompletedTransactions(ctx context.Context, caller model.Caller) ([]model.CompletedTransaction, error) {
	return s.repo.ListCompletedTransactions(ctx, ownerFilter(caller))
}

// SetPostCompletionStatus меняет этап обработки архивной записи. Только для сотрудников.
func (s *Service) SetPostCompletionStatus(ctx context.Context, caller model.Caller, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Validation("status must be one of [%s %s]", model.PostCompletionProcessing, model.PostCompletionDispatch)
	}

	c, err := s.repo.SetPostCompletionStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.logger.Info("post completion status changed",
		zap.String("completed_id", id.String()),
		zap.String("status", string(status)),
	)
	return c, nil
}

// SetCompletedTrackingCode назначает архивной записи трек-номер и заметки. Только для сотрудников.
func (s *Service) SetCompletedTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error) {
	if err := requireStaff(caller); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("admin tracking code is required")
	}
	if notes != nil {
		trimmed := strings.TrimSpace(*notes)
		notes = &trimmed
	}

	return s.repo.SetCompletedTrackingCode(ctx, id, code, notes)
}

// DeleteCompletedTransaction удаляет архивную запись. Только для сотрудников.
func (s *Service) DeleteCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) error {
	if err := requireStaff(caller); err != nil {
		return err
	}
	if err := s.repo.DeleteCompletedTransaction(ctx, id); err != nil {
		return err
	}

	s.logger.Info("completed transaction deleted",
		zap.String("completed_id", id.String()),
		zap.Int64("staff_id", caller.UserID),
	)
	return nil
}
