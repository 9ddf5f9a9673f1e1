// Package main запускает HTTP-сервер сервиса parcelpay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/parcelpay/internal/config"
	"github.com/mmeshcher/parcelpay/internal/gateway"
	"github.com/mmeshcher/parcelpay/internal/handler"
	"github.com/mmeshcher/parcelpay/internal/locker"
	"github.com/mmeshcher/parcelpay/internal/middleware"
	"github.com/mmeshcher/parcelpay/internal/repository"
	"github.com/mmeshcher/parcelpay/internal/service"
)

const (
	lockTTL  = 30 * time.Second
	lockWait = 5 * time.Second
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if cfg.AuthSecret == "" {
		sugar.Fatalw("configuration error", "error", "auth secret is required")
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var lk locker.Locker
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis connection error", "error", err.Error())
		}
		lk = locker.NewRedisLocker(client, lockTTL, lockWait)
	} else {
		lk = locker.NewLocalLocker(lockWait)
	}

	gw, err := gateway.New(cfg.Gateway())
	if err != nil {
		sugar.Fatalw("payment gateway configuration error", "error", err.Error())
	}
	sugar.Infow("payment gateway configured", "mode", gw.Mode(), "currency", gw.Currency())

	svc := service.NewService(repo, gw, lk, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка заказов, по которым не пришёл вебхук
	g.Go(func() error {
		svc.StartPaymentSweep(ctx, cfg.PaymentSweepInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting parcelpay server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
