package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"grading-pipeline/internal/config"
	"grading-pipeline/internal/grader"
	"grading-pipeline/internal/queue"
	"grading-pipeline/internal/store"
	"grading-pipeline/internal/telemetry"
	"grading-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg, "grading-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	engine := grader.NewClient(cfg.GraderURL, cfg.GradingTimeout)
	reporter := worker.NewReporter(cfg.CallbackURL, cfg.ReportAttempts, cfg.BackoffInitial, cfg.BackoffMax, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = worker.WorkerID(hostname, os.Getpid())
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	runner := worker.NewRunner(cfg, q, st, engine, reporter, workerID, logger)
	logger.Info().
		Str("queue", cfg.QueueName).
		Dur("dequeue_timeout", cfg.DequeueTimeout).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
