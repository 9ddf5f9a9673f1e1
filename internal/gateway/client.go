// Package gateway предоставляет клиент внешнего платёжного шлюза (API, совместимый с Razorpay).
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/validation"
)

// Mode определяет, обращается ли клиент к реальному шлюзу.
type Mode string

const (
	// ModeLive отправляет запросы в шлюз.
	ModeLive Mode = "live"
	// ModeMock синтезирует ответы шлюза без сетевых вызовов.
	ModeMock Mode = "mock"
)

const (
	mockOrderPrefix = "order_mock_"
	maxReceiptLen   = 40
)

// Config содержит параметры подключения к шлюзу.
type Config struct {
	Mode          Mode
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	cfg        Config
	httpClient *http.Client
	readClient *retryablehttp.Client
}

// Order описывает заказ в платёжном шлюзе.
type Order struct {
	ID         string            `json:"id"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	Notes      map[string]string `json:"notes,omitempty"`
}

// Payment описывает платёж в платёжном шлюзе.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Method   string `json:"method"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Статусы платежа в шлюзе.
const (
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusFailed     = "failed"
)

// Succeeded сообщает, подтверждён ли платёж шлюзом.
func (p Payment) Succeeded() bool {
	return p.Status == PaymentStatusAuthorized || p.Status == PaymentStatusCaptured
}

// New создаёт клиент шлюза в указанном режиме.
func New(cfg Config) (*Client, error) {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}

	switch cfg.Mode {
	case ModeLive:
		if cfg.KeyID == "" || cfg.KeySecret == "" {
			return nil, errors.New("gateway: live mode requires key id and key secret")
		}
		if cfg.BaseURL == "" {
			return nil, errors.New("gateway: live mode requires base url")
		}
	case ModeMock:
	default:
		return nil, fmt.Errorf("gateway: unknown mode %q", cfg.Mode)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{Timeout: 10 * time.Second}

	readClient := retryablehttp.NewClient()
	readClient.HTTPClient = httpClient
	readClient.RetryMax = 2
	readClient.RetryWaitMin = 200 * time.Millisecond
	readClient.RetryWaitMax = 2 * time.Second
	readClient.Logger = nil

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		readClient: readClient,
	}, nil
}

// Mode возвращает режим работы клиента.
func (c *Client) Mode() Mode {
	return c.cfg.Mode
}

// KeyID возвращает публичный идентификатор ключа, который передаётся клиенту для оплаты.
func (c *Client) KeyID() string {
	if c.cfg.Mode == ModeMock && c.cfg.KeyID == "" {
		return "rzp_mock_key"
	}
	return c.cfg.KeyID
}

// Currency возвращает валюту заказов.
func (c *Client) Currency() string {
	return c.cfg.Currency
}

type createOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder создаёт заказ на сумму amount в основных единицах валюты.
func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal, receipt string, notes map[string]string) (*Order, error) {
	minor := validation.ToMinorUnits(amount)
	if minor <= 0 {
		return nil, apperr.Validation("order amount must be positive")
	}
	if len(receipt) > maxReceiptLen {
		receipt = receipt[:maxReceiptLen]
	}

	if c.cfg.Mode == ModeMock {
		return c.mockOrder(minor, receipt, notes), nil
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   minor,
		Currency: c.cfg.Currency,
		Receipt:  receipt,
		Notes:    notes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)

	// Создание заказа не повторяется: повтор мог бы породить второй заказ в шлюзе.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("create order", err)
	}
	defer resp.Body.Close()

	var order Order
	if err := decodeResponse(resp, &order); err != nil {
		return nil, apperr.Upstream("create order", err)
	}
	if order.ID == "" {
		return nil, apperr.Upstream("create order", errors.New("empty order id"))
	}

	return &order, nil
}

// FetchOrder запрашивает актуальные данные заказа.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}

	if c.cfg.Mode == ModeMock {
		minor, err := parseMockOrder(orderID)
		if err != nil {
			return nil, apperr.NotFound("order %s", orderID)
		}
		return &Order{ID: orderID, Amount: minor, Currency: c.cfg.Currency, Status: "created"}, nil
	}

	var order Order
	if err := c.get(ctx, "/v1/orders/"+orderID, &order); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("fetch order", err)
	}
	return &order, nil
}

type paymentCollection struct {
	Count int       `json:"count"`
	Items []Payment `json:"items"`
}

// FetchOrderPayments запрашивает платежи, выполненные по заказу.
func (c *Client) FetchOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}

	if c.cfg.Mode == ModeMock {
		return nil, nil
	}

	var coll paymentCollection
	if err := c.get(ctx, "/v1/orders/"+orderID+"/payments", &coll); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("fetch order payments", err)
	}
	return coll.Items, nil
}

func (c *Client) get(ctx context.Context, path string, dst any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)

	resp, err := c.readClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound("gateway resource %s", path)
	}
	return decodeResponse(resp, dst)
}

func decodeResponse(resp *http.Response, dst any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// mockOrder синтезирует детерминированный заказ: сумма закодирована в идентификаторе,
// поэтому FetchOrder в режиме mock не требует состояния.
func (c *Client) mockOrder(minor int64, receipt string, notes map[string]string) *Order {
	sum := sha256.Sum256([]byte(receipt + ":" + strconv.FormatInt(minor, 10)))
	return &Order{
		ID:       mockOrderPrefix + strconv.FormatInt(minor, 10) + "_" + hex.EncodeToString(sum[:])[:14],
		Amount:   minor,
		Currency: c.cfg.Currency,
		Receipt:  receipt,
		Status:   "created",
		Notes:    notes,
	}
}

func parseMockOrder(orderID string) (int64, error) {
	rest, ok := strings.CutPrefix(orderID, mockOrderPrefix)
	if !ok {
		return 0, errors.New("not a mock order")
	}
	amount, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, errors.New("malformed mock order")
	}
	return strconv.ParseInt(amount, 10, 64)
}
