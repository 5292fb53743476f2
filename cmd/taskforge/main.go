package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/antoniostano/taskforge/internal/config"
	"github.com/antoniostano/taskforge/internal/executor"
	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/httpapi"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/store"
	"github.com/antoniostano/taskforge/internal/task"
	"github.com/antoniostano/taskforge/internal/tools"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	taskStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer taskStore.Close()

	storeMode := "in-memory"
	if cfg.DatabaseURL != "" {
		storeMode = "postgres"
	}
	log.Printf("task store: %s", storeMode)

	ledger, err := store.NewLedger(ctx, cfg.RedisAddr, taskStore)
	if err != nil {
		log.Fatalf("ledger init failed: %v", err)
	}
	if cfg.RedisAddr != "" {
		log.Printf("usage ledger: redis at %s", cfg.RedisAddr)
	}

	costGuard := guard.New(guard.Limits{
		RequestsPerMinute:    cfg.RequestsPerMinute,
		RequestsPerHour:      cfg.RequestsPerHour,
		CostPerHourUSD:       cfg.CostPerHourUSD,
		CostPerDayUSD:        cfg.CostPerDayUSD,
		MaxCostPerRequestUSD: cfg.MaxCostPerRequestUSD,
	}, ledger)

	manager := task.NewManager(task.ManagerConfig{
		LeaseTTL:          cfg.LeaseTTL,
		MaxActivePerUser:  cfg.MaxActivePerUser,
		DefaultMaxRetries: cfg.MaxTaskRetries,
	}, taskStore)

	builder := plan.NewBuilder(plan.DefaultTemplates()...)
	registry := tools.DevRegistry(cfg.ToolTimeout)
	llm := provider.NewMock()

	exec := executor.New(executor.Config{
		EstCostPerCallUSD: cfg.EstCostPerCallUSD,
		LLMTimeout:        cfg.LLMTimeout,
	}, llm, registry, costGuard, metrics)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	manager.StartSweeper(runCtx, cfg.SweepInterval, func(err error) {
		log.Printf("sweep error: %v", err)
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		w := executor.NewWorker(executor.WorkerConfig{
			ID:              fmt.Sprintf("taskforge-%d", i),
			PollInterval:    cfg.WorkerPoll,
			MaxWallClock:    cfg.MaxWallClock,
			MaxSteps:        cfg.MaxSteps,
			MaxStepAttempts: cfg.MaxStepAttempts,
			RateLimitPause:  cfg.RateLimitPause,
		}, manager, taskStore, builder, exec, metrics)
		w.Logf = log.Printf
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(runCtx)
		}()
	}
	log.Printf("started %d embedded workers", cfg.Workers)

	api := httpapi.New(cfg, manager, builder, metrics, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	wg.Wait()

	log.Printf("shutdown complete")
}
