package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/service"
)

const maxWebhookBody = 1 << 20

type createOrderRequest struct {
	Amount        json.RawMessage `json:"amount"`
	PackageID     *string         `json:"packageId"`
	Description   string          `json:"description"`
	TransactionID *string         `json:"transactionId"`
}

type createOrderResponse struct {
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transactionId"`
	KeyID         string `json:"keyId"`
}

// CreateOrder создаёт платёжный заказ в шлюзе. Сумма в ответе указана в минимальных единицах валюты,
// как её ожидает форма оплаты шлюза.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	amount, err := amountFromRequest(req.Amount)
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	packageID, err := parseOptionalID(req.PackageID, "packageId")
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	transactionID, err := parseOptionalID(req.TransactionID, "transactionId")
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	order, err := h.service.CreatePaymentOrder(r.Context(), caller, service.PaymentIntent{
		Amount:        amount,
		PackageID:     packageID,
		TransactionID: transactionID,
		Description:   req.Description,
	})
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:       order.OrderID,
		Amount:        order.AmountMinor,
		Currency:      order.Currency,
		TransactionID: order.TransactionID.String(),
		KeyID:         order.KeyID,
	})
}

type verifyRequest struct {
	OrderID       string `json:"orderId"`
	PaymentID     string `json:"paymentId"`
	Signature     string `json:"signature"`
	TransactionID string `json:"transactionId"`
}

type verifyResponse struct {
	Success     bool              `json:"success"`
	Transaction completedResponse `json:"transaction"`
}

// VerifyPayment принимает подтверждение оплаты от клиента.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, "verify payment", err)
		return
	}

	transactionID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		h.writeError(w, r, "verify payment", apperr.Validation("malformed transactionId"))
		return
	}

	c, err := h.service.VerifyPayment(r.Context(), caller, service.PaymentConfirmation{
		OrderID:       req.OrderID,
		PaymentID:     req.PaymentID,
		Signature:     req.Signature,
		TransactionID: transactionID,
	})
	if err != nil {
		h.writeError(w, r, "verify payment", err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Success: true, Transaction: newCompletedResponse(c)})
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// Webhook принимает события шлюза. Подпись проверяется по сырому телу запроса,
// поэтому тело читается целиком до разбора JSON.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.service.HandleWebhook(r.Context(), body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		h.writeError(w, r, "webhook", err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

// GetOrder возвращает актуальные данные заказа шлюза владельцу платежа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderId")
	order, err := h.service.FetchPaymentOrder(r.Context(), caller, orderID)
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}

	h.logger.Debug("order fetched", zap.String("order_id", order.ID), zap.String("status", order.Status))
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}
