package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	custommiddleware "github.com/mmeshcher/parcelpay/internal/middleware"
)

var compressibleTypes = []string{"application/json", "text/html", "text/plain"}

const (
	paymentRateLimit = 30
	webhookRateLimit = 300
	rateWindow       = time.Minute
)

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// callerRateKey ограничивает платёжные запросы по пользователю, а без него по IP.
func callerRateKey(r *http.Request) (string, error) {
	if caller, ok := custommiddleware.GetCallerFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(caller.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sm.Process(w, r); err != nil {
			h.logger.Warn("secure headers blocked request", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса parcelpay.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(h.secureHeaders)
	r.Use(custommiddleware.DecompressRequest)
	r.Use(chimiddleware.Compress(5, compressibleTypes...))

	r.With(httprate.Limit(webhookRateLimit, rateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(tooManyRequests),
	)).Post("/payments/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/packages/{id}", h.GetPackage)
		r.With(custommiddleware.RequireStaff).Put("/packages/{id}/status", h.UpdatePackageStatus)

		r.Route("/payments", func(r chi.Router) {
			r.Use(httprate.Limit(paymentRateLimit, rateWindow,
				httprate.WithKeyFuncs(callerRateKey),
				httprate.WithLimitHandler(tooManyRequests),
			))
			r.Post("/create-order", h.CreateOrder)
			r.Post("/verify", h.VerifyPayment)
			r.Get("/orders/{orderId}", h.GetOrder)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Get("/{id}", h.GetTransaction)
			r.Put("/{id}/dimensions", h.SetDimensions)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireStaff)
				r.Put("/{id}", h.UpdateTransaction)
				r.Put("/{id}/tracking", h.SetTransactionTracking)
				r.Post("/{id}/complete", h.CompleteTransaction)
			})
		})

		r.Route("/completed-transactions", func(r chi.Router) {
			r.Get("/", h.ListCompleted)
			r.Get("/{id}", h.GetCompleted)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireStaff)
				r.Patch("/{id}/status", h.SetCompletedStatus)
				r.Patch("/{id}/tracking", h.SetCompletedTracking)
				r.Delete("/{id}", h.DeleteCompleted)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
