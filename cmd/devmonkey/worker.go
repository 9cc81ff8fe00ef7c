package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mixelka/devmonkey/internal/dispatch"
	"github.com/mixelka/devmonkey/internal/engine"
	"github.com/mixelka/devmonkey/internal/notify"
)

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), a)
		},
	}
}

func runWorker(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("starting devmonkey worker", "workers", cfg.Workers)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	logger.Info("database migrations completed")

	box, err := a.secretBox()
	if err != nil {
		return err
	}

	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}

	// State changes always go to the log; chat delivery is optional
	notifier := notify.Multi{notify.NewLog(logger)}
	if cfg.NotifyEnabled() {
		tg, err := notify.NewTelegram(cfg.NotifyBotToken, logger)
		if err != nil {
			return err
		}
		notifier = append(notifier, tg)
		logger.Info("task notifications enabled")
	}

	eng := engine.New(engine.ConfigFrom(cfg), db, a.gateway(), box, notifier, logger,
		engine.WithThrottle(dispatch.NewRedisThrottle(client, cfg.QueueName+":throttle:")))

	pool := dispatch.NewPool(dispatch.PoolConfig{
		Workers:        cfg.Workers,
		PopTimeout:     cfg.PopTimeout,
		RequeueBackoff: cfg.RequeueBackoff,
		LockTTL:        cfg.LockTTL,
	}, db, dispatch.NewRedisQueue(client, cfg.QueueName, dispatch.WithConsumerTTL(cfg.ConsumerTTL)), dispatch.NewRedisLocker(client, cfg.QueueName+":lock:"), eng, logger)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker is running, press Ctrl+C to stop")
	if err := pool.Run(ctx); err != nil {
		return err
	}

	logger.Info("worker stopped")
	return nil
}
