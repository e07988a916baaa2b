// Package main - точка входа сервера синхронизации данных практики.
//
// Сервер держит локальный кеш коллекций, при наличии удалённого хранилища
// подписывается на его изменения и принимает изменения через REST API.
// Клиенты узнают об изменениях через websocket-поток /v1/changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ryzugai/wbl-sub000/config"
	"github.com/ryzugai/wbl-sub000/internal/bootstrap"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	httpserver "github.com/ryzugai/wbl-sub000/internal/interface/http"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := bootstrap.NewLogger(cfg)
	slog.SetDefault(log)
	log.Info("starting sync server",
		"version", cfg.App.Version,
		"cache", cfg.LocalCache.Driver,
		"remote", cfg.Remote.Driver,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. МЕТРИКИ
	// ─────────────────────────────────────────────────────────────────────────
	var m *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		m = metrics.New()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ЯДРО: КЕШ, УДАЛЁННОЕ ХРАНИЛИЩЕ, ШЛЮЗ
	// ─────────────────────────────────────────────────────────────────────────
	svc, err := bootstrap.NewCore(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("failed to build core: %w", err)
	}

	// Ошибка подписки не фатальна: сервер продолжает работать с кешем,
	// подписки восстановятся при следующем Start.
	if err := svc.Start(ctx); err != nil {
		log.Error("some remote subscriptions failed to start", logger.Err(err))
	}
	log.Info("core started", "mode", svc.Health().Mode)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ФОНОВЫЕ ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := bootstrap.NewScheduler(cfg, svc, log, m)
	if err != nil {
		return fmt.Errorf("failed to configure jobs: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. СОЗДАНИЕ HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	httpCfg.EnableMetrics = cfg.Observability.MetricsEnabled
	httpCfg.EnableStream = cfg.HTTP.StreamEnabled
	httpCfg.StreamBuffer = cfg.HTTP.StreamBuffer
	httpCfg.SessionTTL = cfg.HTTP.SessionTTL

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		Core:    svc,
		Metrics: m,
		Logger:  log,
		Version: cfg.App.Version,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ЗАПУСК СЕРВИСОВ
	// ─────────────────────────────────────────────────────────────────────────
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	serverErr := server.StartAsync()
	log.Info("http server listening", "address", server.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = err
			log.Error("http server failed", logger.Err(err))
		}
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Перестаём принимать запросы и закрываем потоки изменений
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}

	// 2. Дожидаемся фоновых задач
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop failed", logger.Err(err))
	}

	// 3. Отменяем подписки, закрываем удалённое хранилище и кеш
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("core shutdown failed", logger.Err(err))
		runErr = errors.Join(runErr, err)
	}

	log.Info("shutdown complete")
	return runErr
}
