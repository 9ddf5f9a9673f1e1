package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/parcelpay/internal/apperr"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/middleware"
	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/service"
)

type stubService struct {
	pkg       *model.Package
	pkgErr    error
	statusReq service.StatusChangeRequest

	txn    *model.Transaction
	txnErr error
	txns   []model.Transaction

	update       service.TransactionUpdate
	updateCalled bool

	order    *service.PaymentOrder
	orderErr error
	intent   service.PaymentIntent

	completed     *model.CompletedTransaction
	completedErr  error
	completedList []model.CompletedTransaction
	confirmation  service.PaymentConfirmation

	webhookBody []byte
	webhookSig  string
	webhookErr  error

	deleteErr error
}

func (s *stubService) GetPackage(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.Package, error) {
	return s.pkg, s.pkgErr
}

func (s *stubService) ApplyStatusChange(ctx context.Context, caller model.Caller, id uuid.UUID, req service.StatusChangeRequest) (*model.Package, error) {
	s.statusReq = req
	return s.pkg, s.pkgErr
}

func (s *stubService) GetTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.Transaction, error) {
	return s.txn, s.txnErr
}

func (s *stubService) ListTransactions(ctx context.Context, caller model.Caller, status *model.TransactionStatus) ([]model.Transaction, error) {
	return s.txns, s.txnErr
}

func (s *stubService) UpdateTransaction(ctx context.Context, caller model.Caller, id uuid.UUID, upd service.TransactionUpdate) (*model.Transaction, error) {
	s.updateCalled = true
	s.update = upd
	return s.txn, s.txnErr
}

func (s *stubService) SetDimensions(ctx context.Context, caller model.Caller, id uuid.UUID, dims model.Dimensions) (*model.Transaction, error) {
	return s.txn, s.txnErr
}

func (s *stubService) SetAdminTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string) (*model.Transaction, error) {
	return s.txn, s.txnErr
}

func (s *stubService) CompleteTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error) {
	return s.completed, s.completedErr
}

func (s *stubService) CreatePaymentOrder(ctx context.Context, caller model.Caller, in service.PaymentIntent) (*service.PaymentOrder, error) {
	s.intent = in
	return s.order, s.orderErr
}

func (s *stubService) FetchPaymentOrder(ctx context.Context, caller model.Caller, orderID string) (*gateway.Order, error) {
	return &gateway.Order{ID: orderID, Amount: 100, Currency: "INR", Status: "created"}, nil
}

func (s *stubService) VerifyPayment(ctx context.Context, caller model.Caller, in service.PaymentConfirmation) (*model.CompletedTransaction, error) {
	s.confirmation = in
	return s.completed, s.completedErr
}

func (s *stubService) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	s.webhookBody = body
	s.webhookSig = signature
	return s.webhookErr
}

func (s *stubService) GetCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) (*model.CompletedTransaction, error) {
	return s.completed, s.completedErr
}

func (s *stubService) ListCompletedTransactions(ctx context.Context, caller model.Caller) ([]model.CompletedTransaction, error) {
	return s.completedList, s.completedErr
}

func (s *stubService) SetPostCompletionStatus(ctx context.Context, caller model.Caller, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error) {
	return s.completed, s.completedErr
}

func (s *stubService) SetCompletedTrackingCode(ctx context.Context, caller model.Caller, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error) {
	return s.completed, s.completedErr
}

func (s *stubService) DeleteCompletedTransaction(ctx context.Context, caller model.Caller, id uuid.UUID) error {
	return s.deleteErr
}

const testSecret = "test-secret"

func newTestRouter(t *testing.T, svc Service) http.Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(testSecret)

	return NewHandler(svc, logger, auth).SetupRouter()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, role model.Role) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token := middleware.NewAuthMiddleware(testSecret).Token(42, role)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleCompleted() *model.CompletedTransaction {
	orderID := "order_1"
	return &model.CompletedTransaction{
		ID:                   uuid.New(),
		TransactionID:        uuid.New(),
		UserID:               42,
		OrderID:              &orderID,
		Amount:               decimal.RequireFromString("450.50"),
		Currency:             "INR",
		Status:               model.TransactionStatusCompleted,
		CompletedAt:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		PostCompletionStatus: model.PostCompletionProcessing,
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/transactions", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestUpdatePackageStatus(t *testing.T) {
	svc := &stubService{
		pkg: &model.Package{ID: uuid.New(), UserID: 42, Status: model.PackageStatusIndia, CurrentLocation: "Delhi"},
	}
	h := newTestRouter(t, svc)
	path := "/packages/" + uuid.NewString() + "/status"
	body := `{"status":"india","currentLocation":"Delhi"}`

	rec := doRequest(t, h, http.MethodPut, path, body, model.RoleUser)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = doRequest(t, h, http.MethodPut, path, body, model.RoleStaff)
	if rec.Code != http.StatusOK {
		t.Fatalf("staff status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if svc.statusReq.Status != model.PackageStatusIndia {
		t.Fatalf("status passed to service = %q", svc.statusReq.Status)
	}
	if svc.statusReq.CurrentLocation == nil || *svc.statusReq.CurrentLocation != "Delhi" {
		t.Fatalf("location not passed to service")
	}

	var resp packageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "india" {
		t.Fatalf("response status = %q, want india", resp.Status)
	}
}

func TestUpdatePackageStatus_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", apperr.Validation("unknown package status"), http.StatusBadRequest},
		{"not found", apperr.NotFound("package"), http.StatusNotFound},
		{"conflict", apperr.Conflict("busy"), http.StatusConflict},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &stubService{pkgErr: tt.err})

			rec := doRequest(t, h, http.MethodPut, "/packages/"+uuid.NewString()+"/status", `{"status":"lost"}`, model.RoleStaff)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "db down") {
				t.Fatalf("internal error leaked to client: %s", rec.Body.String())
			}
		})
	}
}

func TestMalformedID(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/transactions/not-a-uuid", "", model.RoleUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUpdateTransaction_OnlyWhitelistedFields(t *testing.T) {
	svc := &stubService{txn: &model.Transaction{ID: uuid.New(), Amount: decimal.RequireFromString("450.50")}}
	h := newTestRouter(t, svc)

	body := `{"amount":"450.50","status":"pending","userId":99,"orderId":"order_evil","paymentId":"pay_evil"}`
	rec := doRequest(t, h, http.MethodPut, "/transactions/"+uuid.NewString(), body, model.RoleStaff)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	if svc.update.Amount == nil || !svc.update.Amount.Equal(decimal.RequireFromString("450.5")) {
		t.Fatalf("amount = %v, want 450.50", svc.update.Amount)
	}
	if svc.update.Status == nil || *svc.update.Status != model.TransactionStatusPending {
		t.Fatalf("status = %v, want pending", svc.update.Status)
	}
	if svc.update.Description != nil {
		t.Fatalf("description must stay unset")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["amount"] != 450.5 {
		t.Fatalf("amount in response = %v, want 450.5", resp["amount"])
	}
}

func TestUpdateTransaction_BadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"non-numeric amount", `{"amount":"abc"}`},
		{"negative amount", `{"amount":-1}`},
		{"empty body", `{}`},
		{"malformed json", `{"amount":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			h := newTestRouter(t, svc)

			rec := doRequest(t, h, http.MethodPut, "/transactions/"+uuid.NewString(), tt.body, model.RoleStaff)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if svc.updateCalled {
				t.Fatalf("service must not be called")
			}
		})
	}
}

func TestCreateOrder(t *testing.T) {
	txnID := uuid.New()
	svc := &stubService{order: &service.PaymentOrder{
		OrderID:       "order_abc",
		Amount:        decimal.RequireFromString("450.50"),
		AmountMinor:   45050,
		Currency:      "INR",
		TransactionID: txnID,
		KeyID:         "rzp_key",
	}}
	h := newTestRouter(t, svc)

	body := `{"amount":"450.50","transactionId":"` + txnID.String() + `"}`
	rec := doRequest(t, h, http.MethodPost, "/payments/create-order", body, model.RoleUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	if svc.intent.TransactionID == nil || *svc.intent.TransactionID != txnID {
		t.Fatalf("transaction id not passed to service")
	}
	if svc.intent.Amount == nil || svc.intent.Amount.StringFixed(2) != "450.50" {
		t.Fatalf("amount = %v, want 450.50", svc.intent.Amount)
	}

	var resp createOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := createOrderResponse{OrderID: "order_abc", Amount: 45050, Currency: "INR", TransactionID: txnID.String(), KeyID: "rzp_key"}
	if resp != want {
		t.Fatalf("response = %+v, want %+v", resp, want)
	}
}

func TestCreateOrder_UpstreamError(t *testing.T) {
	svc := &stubService{orderErr: apperr.Upstream("create order", errors.New("timeout"))}
	h := newTestRouter(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/payments/create-order", `{"amount":10}`, model.RoleUser)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestVerifyPayment(t *testing.T) {
	c := sampleCompleted()
	svc := &stubService{completed: c}
	h := newTestRouter(t, svc)

	body := `{"orderId":"order_1","paymentId":"pay_1","signature":"abc","transactionId":"` + c.TransactionID.String() + `"}`
	rec := doRequest(t, h, http.MethodPost, "/payments/verify", body, model.RoleUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	if svc.confirmation.PaymentID != "pay_1" || svc.confirmation.TransactionID != c.TransactionID {
		t.Fatalf("confirmation = %+v", svc.confirmation)
	}

	var resp struct {
		Success     bool           `json:"success"`
		Transaction map[string]any `json:"transaction"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("success = false")
	}
	if resp.Transaction["packageStatus"] != "Processing" {
		t.Fatalf("packageStatus = %v, want Processing", resp.Transaction["packageStatus"])
	}
	if resp.Transaction["status"] != "completed" {
		t.Fatalf("status = %v, want completed", resp.Transaction["status"])
	}
}

func TestVerifyPayment_SignatureMismatch(t *testing.T) {
	svc := &stubService{completedErr: apperr.Signature("payment signature mismatch")}
	h := newTestRouter(t, svc)

	body := `{"orderId":"order_1","paymentId":"pay_1","signature":"bad","transactionId":"` + uuid.NewString() + `"}`
	rec := doRequest(t, h, http.MethodPost, "/payments/verify", body, model.RoleUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_PassesRawBody(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(t, svc)

	raw := []byte("{\"event\":\"payment.captured\",  \"payload\":{}}\n")
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(raw))
	req.Header.Set(gateway.SignatureHeader, "sig123")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(svc.webhookBody, raw) {
		t.Fatalf("body = %q, want raw %q", svc.webhookBody, raw)
	}
	if svc.webhookSig != "sig123" {
		t.Fatalf("signature = %q, want sig123", svc.webhookSig)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"received":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestWebhook_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad signature", apperr.Signature("webhook signature mismatch"), http.StatusBadRequest},
		{"order locked", apperr.Conflict("payment is being processed"), http.StatusConflict},
		{"storage failure", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &stubService{webhookErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListTransactions_NoContent(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/transactions", "", model.RoleUser)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestCompletedRoutes_StaffOnly(t *testing.T) {
	svc := &stubService{completed: sampleCompleted()}
	h := newTestRouter(t, svc)
	id := uuid.NewString()

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPatch, "/completed-transactions/" + id + "/status", `{"packageStatus":"Dispatch"}`},
		{http.MethodPatch, "/completed-transactions/" + id + "/tracking", `{"adminTrackingId":"ADM-1"}`},
		{http.MethodDelete, "/completed-transactions/" + id, ""},
		{http.MethodPost, "/transactions/" + id + "/complete", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.body, model.RoleUser)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("user status = %d, want %d", rec.Code, http.StatusForbidden)
			}

			rec = doRequest(t, h, tt.method, tt.path, tt.body, model.RoleStaff)
			if rec.Code >= 300 {
				t.Fatalf("staff status = %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x"), http.StatusBadRequest},
		{apperr.Signature("x"), http.StatusBadRequest},
		{apperr.Forbidden("x"), http.StatusForbidden},
		{apperr.NotFound("x"), http.StatusNotFound},
		{apperr.Conflict("x"), http.StatusConflict},
		{apperr.Upstream("x", errors.New("y")), http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGetOrder_CamelCaseFields(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/payments/orders/order_abc", "", model.RoleUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["orderId"] != "order_abc" {
		t.Fatalf("orderId = %v, want order_abc", resp["orderId"])
	}
	if _, ok := resp["amountPaid"]; !ok {
		t.Fatalf("amountPaid missing: %s", rec.Body.String())
	}
	for _, key := range []string{"id", "amount_paid"} {
		if _, ok := resp[key]; ok {
			t.Fatalf("unexpected key %q in response: %s", key, rec.Body.String())
		}
	}
}

func TestResponseCompression(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/payments/orders/order_abc", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	token := middleware.NewAuthMiddleware(testSecret).Token(42, model.RoleUser)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	body, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "order_abc" || resp.Amount != 100 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestResponseCompression_NotRequested(t *testing.T) {
	h := newTestRouter(t, &stubService{})

	rec := doRequest(t, h, http.MethodGet, "/payments/orders/order_abc", "", model.RoleUser)
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("Content-Encoding = %q, want none", got)
	}
}

func TestWebhook_GzipRequestBody(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(t, svc)

	raw := []byte(`{"event":"payment.captured","payload":{}}`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(svc.webhookBody, raw) {
		t.Fatalf("body = %q, want %q", svc.webhookBody, raw)
	}
}
