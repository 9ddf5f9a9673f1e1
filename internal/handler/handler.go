// Package handler содержит HTTP-обработчики API сервиса parcelpay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/middleware"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetPackage(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.Package, error)
	ApplyStatusChange(ctx context.Context, caller model.Caller, id uuid.UUID, req service.StatusChangeRequest) (*model.Package, error)

	GetTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.Transaction, error)
	ListTransactions(ctx context.Context, caller model.Caller, status *model.TransactionStatus) ([]model.Transaction, error)
	UpdateTransaction(ctx context.Context, caller model.Caller, id uuid.UUID, upd service.TransactionUpdate) (*model.Transaction, error)
	SetDimensions(ctx context.Context, caller model.Caller, id uuid.UUID, dims model.Dimensions) (*model.Transaction, error)
	SetAdminTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string) (*model.Transaction, error)
	CompleteTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error)

	CreatePaymentOrder(ctx context.Context, caller model.Caller, in service.PaymentIntent) (*service.PaymentOrder, error)
	FetchPaymentOrder(ctx context.Context, caller model.Caller, orderID string) (*gateway.Order, error)
	VerifyPayment(ctx context.Context, caller model.Caller, in service.PaymentConfirmation) (*model.CompletedTransaction, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error

	GetCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error)
	ListCompletedTransactions(ctx context.Context, caller model.Caller) ([]model.CompletedTransaction, error)
	SetPostCompletionStatus(ctx context.Context, caller model.Caller, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error)
	SetCompletedTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error)
	DeleteCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) error
}

// Handler реализует HTTP-обработчики API сервиса parcelpay.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrSignature):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит ошибку сервиса в HTTP-ответ. Внутренние ошибки логируются, а клиенту
// возвращается только текст статуса.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Error(op+" error", zap.Error(err), zap.String("path", r.URL.Path))
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	case status == http.StatusBadGateway:
		h.logger.Warn(op+" gateway error", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("malformed request body")
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("malformed id")
	}
	return id, nil
}

func parseOptionalID(raw *string, field string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, apperr.Validation("malformed %s", field)
	}
	return &id, nil
}

func callerFrom(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	caller, ok := middleware.GetCallerFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return caller, ok
}
