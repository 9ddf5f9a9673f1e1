package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/mmeshcher/parcelpay/internal/apperr"
)

// SignatureHeader содержит подпись тела вебхука.
const SignatureHeader = "X-Razorpay-Signature"

// Типы событий вебхука, которые обрабатывает сервис.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
)

// Event описывает разобранное событие вебхука.
type Event struct {
	Event     string
	CreatedAt int64
	Payment   *Payment
}

type eventEnvelope struct {
	Entity    string `json:"entity"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity Payment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Sign вычисляет HMAC-SHA256 над payload и возвращает его в hex.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignaturePayload собирает каноническую строку подписи платежа.
func PaymentSignaturePayload(first, second string) []byte {
	return []byte(first + "|" + second)
}

// VerifySignature проверяет подпись, переданную клиентом после оплаты.
// Шлюзы непоследовательны в порядке полей, поэтому принимаются оба порядка.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	if c.cfg.Mode == ModeMock {
		return true
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}

	got := []byte(strings.ToLower(strings.TrimSpace(signature)))
	for _, payload := range [][]byte{
		PaymentSignaturePayload(orderID, paymentID),
		PaymentSignaturePayload(paymentID, orderID),
	} {
		expected := Sign(c.cfg.KeySecret, payload)
		if hmac.Equal(got, []byte(expected)) {
			return true
		}
	}
	return false
}

// VerifyWebhookSignature проверяет подпись над сырым телом запроса секретом вебхуков
// и только после этого разбирает событие. Без секрета любой вебхук отклоняется.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) (*Event, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, apperr.Signature("webhook secret is not configured")
	}
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return nil, apperr.Signature("webhook signature is missing")
	}

	expected := Sign(c.cfg.WebhookSecret, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, apperr.Signature("webhook signature mismatch")
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("malformed webhook body: %v", err)
	}
	if env.Event == "" {
		return nil, apperr.Validation("webhook event type is missing")
	}

	evt := &Event{Event: env.Event, CreatedAt: env.CreatedAt}
	if env.Payload.Payment != nil {
		p := env.Payload.Payment.Entity
		evt.Payment = &p
	}
	return evt, nil
}
