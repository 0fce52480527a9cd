package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"futures-entry-bot/audit"
	"futures-entry-bot/config"
	"futures-entry-bot/execution"
	"futures-entry-bot/indicators"
	"futures-entry-bot/marketdata"
	"futures-entry-bot/precision"
	"futures-entry-bot/strategy"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	table := precision.DefaultTable()
	if cfg.PrecisionTablePath != "" {
		table, err = precision.LoadTable(cfg.PrecisionTablePath)
		if err != nil {
			logger.Fatal("precision table load failed",
				zap.String("path", cfg.PrecisionTablePath), zap.Error(err))
		}
	}
	formatter := precision.NewFormatter(table, logger)

	stream := marketdata.NewStream(marketdata.DefaultStreamConfig, logger)
	if err := stream.Start(); err != nil {
		logger.Warn("mark price stream unavailable, falling back to REST", zap.Error(err))
	}

	client := execution.NewClient(cfg.APIKey, cfg.APISecret, cfg.Testnet)
	gateway := execution.NewGateway(client, stream, logger)

	engine := indicators.NewEngine(gateway, logger)

	auditLog, err := audit.Open(cfg.AuditPath, logger)
	if err != nil {
		logger.Fatal("audit log open failed", zap.String("path", cfg.AuditPath), zap.Error(err))
	}
	defer auditLog.Close()

	orchestrator := strategy.NewOrchestrator(gateway, engine, formatter, auditLog, logger)

	dispatch := func(sig strategy.Signal) {
		go func() {
			runsInFlight.Inc()
			defer runsInFlight.Dec()
			orchestrator.Run(context.Background(), sig)
		}()
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newServer(cfg.AuthToken, dispatch, logger).router(),
	}

	go func() {
		logger.Info("webhook server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := stream.Stop(); err != nil {
		logger.Warn("stream stop failed", zap.Error(err))
	}
}
