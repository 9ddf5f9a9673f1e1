package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/apperr"
)

func newLiveClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c, err := New(Config{
		Mode:          ModeLive,
		BaseURL:       baseURL,
		KeyID:         "rzp_test_key",
		KeySecret:     "key-secret",
		WebhookSecret: "webhook-secret",
		Currency:      "INR",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.readClient.RetryWaitMin = time.Millisecond
	c.readClient.RetryWaitMax = time.Millisecond
	return c
}

func TestCreateOrder_ConvertsToMinorUnits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/orders" {
			t.Fatalf("path = %s, want /v1/orders", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != "key-secret" {
			t.Fatalf("unexpected basic auth: %q %q %v", user, pass, ok)
		}

		var req createOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Amount != 45050 {
			t.Fatalf("amount = %d, want 45050", req.Amount)
		}
		if req.Currency != "INR" {
			t.Fatalf("currency = %s, want INR", req.Currency)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{
			ID:       "order_123",
			Amount:   req.Amount,
			Currency: req.Currency,
			Receipt:  req.Receipt,
			Status:   "created",
		})
	}))
	defer ts.Close()

	client := newLiveClient(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	order, err := client.CreateOrder(ctx, decimal.RequireFromString("450.50"), "rcpt_1", map[string]string{"transactionId": "t1"})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if order.ID != "order_123" || order.Amount != 45050 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestCreateOrder_UpstreamFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := newLiveClient(t, ts.URL)

	_, err := client.CreateOrder(context.Background(), decimal.NewFromInt(100), "rcpt", nil)
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCreateOrder_RejectsZeroAmount(t *testing.T) {
	client, err := New(Config{Mode: ModeMock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.CreateOrder(context.Background(), decimal.Zero, "rcpt", nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestFetchOrder_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/order_9" {
			t.Fatalf("path = %s, want /v1/orders/order_9", r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Order{ID: "order_9", Amount: 1000, Currency: "INR", Status: "attempted"})
	}))
	defer ts.Close()

	client := newLiveClient(t, ts.URL)

	order, err := client.FetchOrder(context.Background(), "order_9")
	if err != nil {
		t.Fatalf("FetchOrder error: %v", err)
	}
	if order.Status != "attempted" || order.Amount != 1000 {
		t.Fatalf("unexpected order: %+v", order)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestFetchOrder_MissingOrderIsNotFound(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The id provided does not exist"}}`))
	}))
	defer ts.Close()

	client := newLiveClient(t, ts.URL)

	_, err := client.FetchOrder(context.Background(), "order_gone")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("missing order must not be reported as an upstream failure: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFetchOrderPayments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/order_9/payments" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entity":"collection","count":1,"items":[{"id":"pay_1","order_id":"order_9","method":"upi","status":"captured","amount":1000}]}`))
	}))
	defer ts.Close()

	client := newLiveClient(t, ts.URL)

	payments, err := client.FetchOrderPayments(context.Background(), "order_9")
	if err != nil {
		t.Fatalf("FetchOrderPayments error: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != "pay_1" || !payments[0].Succeeded() {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestMockMode_IsDeterministicAndOffline(t *testing.T) {
	client, err := New(Config{Mode: ModeMock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	a, err := client.CreateOrder(ctx, decimal.NewFromInt(100), "rcpt_1", nil)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	b, err := client.CreateOrder(ctx, decimal.NewFromInt(100), "rcpt_1", nil)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("mock order ids differ: %s vs %s", a.ID, b.ID)
	}
	if a.Amount != 10000 || a.Currency != "INR" {
		t.Fatalf("unexpected mock order: %+v", a)
	}

	fetched, err := client.FetchOrder(ctx, a.ID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if fetched.Amount != 10000 {
		t.Fatalf("fetched amount = %d, want 10000", fetched.Amount)
	}

	if _, err := client.FetchOrder(ctx, "order_real"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("FetchOrder(non-mock) error = %v, want ErrNotFound", err)
	}
}

func TestNew_LiveRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Mode: ModeLive, BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected error for live mode without credentials")
	}
	if _, err := New(Config{Mode: "other"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
