package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grading-pipeline/internal/api"
	"grading-pipeline/internal/config"
	"grading-pipeline/internal/memo"
	"grading-pipeline/internal/queue"
	"grading-pipeline/internal/ratelimit"
	"grading-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg, "grading-api")

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
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	assignments := store.NewCachedAssignments(st, memo.New())

	server := api.New(cfg, st, assignments, q, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
