package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"OrderWallet/internal/app"
	"OrderWallet/internal/config"
	"OrderWallet/internal/gateway"
	"OrderWallet/internal/observability"
	"OrderWallet/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}
	defer a.Close()

	w := &worker.Worker{
		Orders:     a.Store,
		Refunds:    a.Refunds,
		Payments:   a.Orders,
		Schedule:   cfg.Reconcile.Schedule,
		BatchSize:  cfg.Reconcile.BatchSize,
		RetryDelay: cfg.GatewayRetryDelay(),
		Logger:     logger,
	}
	if len(cfg.Gateway.WSEndpoints) > 0 {
		endpoints, err := gateway.NewEndpoints(cfg.Gateway.WSEndpoints, cfg.Gateway.FailoverThreshold)
		if err != nil {
			logger.Fatal("gateway endpoints invalid", zap.Error(err))
		}
		w.Endpoints = endpoints
	}

	logger.Info("worker started",
		zap.Strings("gateway_endpoints", cfg.Gateway.WSEndpoints),
		zap.String("reconcile_schedule", cfg.Reconcile.Schedule),
	)
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
