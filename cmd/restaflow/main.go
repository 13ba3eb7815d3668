// Package main запускает HTTP-сервер синхронизации заказов RestaFlow.
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

	"github.com/mmeshcher/restaflow/internal/config"
	"github.com/mmeshcher/restaflow/internal/handler"
	"github.com/mmeshcher/restaflow/internal/ledger"
	"github.com/mmeshcher/restaflow/internal/middleware"
	"github.com/mmeshcher/restaflow/internal/notify"
	"github.com/mmeshcher/restaflow/internal/orderapi"
	"github.com/mmeshcher/restaflow/internal/poller"
	"github.com/mmeshcher/restaflow/internal/repository"
	"github.com/mmeshcher/restaflow/internal/service"
	"github.com/mmeshcher/restaflow/internal/session"
)

const outboxMaxErrors = 10

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	sessions := session.NewStatic(cfg.EmployeeID, cfg.APIToken)

	api := orderapi.NewClient(cfg.APIBase, sessions, orderapi.Options{
		Timeout:  cfg.HTTPTimeout,
		RetryMax: cfg.HTTPRetryMax,
		Logger:   logger.Named("orderapi"),
	})
	movements := ledger.New(api)

	var outbox ledger.Outbox = ledger.NewMemoryOutbox()
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresOutbox(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer pg.Close()
		outbox = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, undelivered movements are kept in memory")
	}

	var notifier service.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, notify.DefaultExchange)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer pub.Close()
		notifier = pub
	}

	coord := service.NewCoordinator(api, movements, outbox, sessions, notifier, logger.Named("coordinator"), service.Options{
		StepRetries: cfg.StepRetries,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tables := poller.New(ctx, coord.RefreshLastOrdersPerTable, poller.Options{
		Name:            "tables",
		Interval:        cfg.PollInterval,
		Immediate:       true,
		WatchVisibility: cfg.PollWatchVisibility,
		MaxErrors:       cfg.PollMaxErrors,
	}, logger)

	dispatcher := ledger.NewDispatcher(outbox, movements, logger.Named("outbox"), ledger.DispatcherOptions{
		MaxAttempts: cfg.OutboxMaxAttempts,
	})
	delivery := poller.New(ctx, dispatcher.Flush, poller.Options{
		Name:      "outbox",
		Interval:  cfg.OutboxFlushInterval,
		Immediate: true,
		MaxErrors: outboxMaxErrors,
	}, logger)

	auth := middleware.NewOperatorAuth(cfg.SessionSecret)
	h := handler.NewHandler(coord, tables, logger, auth)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting restaflow server", "addr", cfg.RunAddress, "api", cfg.APIBase)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		tables.Close()
		delivery.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		if err := dispatcher.Flush(shutdownCtx); err != nil {
			sugar.Warnw("final outbox flush failed", "error", err)
		}

		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
