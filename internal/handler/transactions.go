package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/service"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

// ListTransactions возвращает транзакции текущего пользователя; сотруднику доступны все.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var status *model.TransactionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.TransactionStatus(raw)
		status = &s
	}

	txns, err := h.service.ListTransactions(r.Context(), caller, status)
	if err != nil {
		h.writeError(w, r, "list transactions", err)
		return
	}

	if len(txns) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txns))
	for i := range txns {
		resp = append(resp, newTransactionResponse(&txns[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTransaction возвращает транзакцию владельцу или сотруднику.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "get transaction", err)
		return
	}

	t, err := h.service.GetTransaction(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, "get transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

// updateTransactionRequest перечисляет единственные поля, которые принимает PUT /transactions/{id}.
type updateTransactionRequest struct {
	Amount      json.RawMessage `json:"amount"`
	Status      *string         `json:"status"`
	Description *string         `json:"description"`
}

func (req updateTransactionRequest) toUpdate() (service.TransactionUpdate, error) {
	var upd service.TransactionUpdate

	amount, err := amountFromRequest(req.Amount)
	if err != nil {
		return upd, err
	}
	upd.Amount = amount

	if req.Status != nil {
		s := model.TransactionStatus(*req.Status)
		upd.Status = &s
	}
	upd.Description = req.Description

	if upd.Amount == nil && upd.Status == nil && upd.Description == nil {
		return upd, apperr.Validation("nothing to update: expected amount, status or description")
	}
	return upd, nil
}

// UpdateTransaction меняет сумму, статус или описание транзакции. Только для сотрудников.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "update transaction", err)
		return
	}

	var req updateTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "update transaction", err)
		return
	}

	upd, err := req.toUpdate()
	if err != nil {
		h.writeError(w, r, "update transaction", err)
		return
	}

	t, err := h.service.UpdateTransaction(r.Context(), caller, id, upd)
	if err != nil {
		h.writeError(w, r, "update transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

// SetDimensions сохраняет габариты транзакции.
func (h *Handler) SetDimensions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "set dimensions", err)
		return
	}

	var dims model.Dimensions
	if err := decodeJSON(r, &dims); err != nil {
		h.writeError(w, r, "set dimensions", err)
		return
	}

	t, err := h.service.SetDimensions(r.Context(), caller, id, dims)
	if err != nil {
		h.writeError(w, r, "set dimensions", err)
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

type trackingRequest struct {
	AdminTrackingID string  `json:"adminTrackingId"`
	Notes           *string `json:"notes"`
}

// SetTransactionTracking назначает транзакции административный трек-номер. Только для сотрудников.
func (h *Handler) SetTransactionTracking(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "set transaction tracking", err)
		return
	}

	var req trackingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "set transaction tracking", err)
		return
	}

	t, err := h.service.SetAdminTrackingCode(r.Context(), caller, id, req.AdminTrackingID)
	if err != nil {
		h.writeError(w, r, "set transaction tracking", err)
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(t))
}

// CompleteTransaction вручную архивирует оплаченную транзакцию. Только для сотрудников.
func (h *Handler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, "complete transaction", err)
		return
	}

	c, err := h.service.CompleteTransaction(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, "complete transaction", err)
		return
	}

	writeJSON(w, http.StatusOK, newCompletedResponse(c))
}

// amountFromRequest разбирает необязательную сумму из тела запроса.
func amountFromRequest(raw json.RawMessage) (*decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	amount, err := validation.AmountFromJSON(raw)
	if err != nil {
		return nil, err
	}
	return &amount, nil
}
