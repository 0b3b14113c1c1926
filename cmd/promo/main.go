// Package main запускает HTTP-сервер промо-сервиса Shellff.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/config"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/discount"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/handler"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/limiter"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/middleware"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/pricing"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/redemption"
	"github.com/abtechsolutionagency/shellff-promo-system/internal/repository"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	redisClient, err := limiter.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		sugar.Fatalw("redis initialization error", "error", err.Error())
	}
	rateLimiter := limiter.NewRedisLimiter(redisClient)
	defer rateLimiter.Close()

	discountEngine := discount.NewEngine(repo, logger)
	pricingCalc := pricing.NewCalculator(discountEngine, logger)
	redemptionSvc := redemption.NewService(repo, rateLimiter, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(discountEngine, pricingCalc, redemptionSvc, repo, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting promo server", "addr", cfg.RunAddress)
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
