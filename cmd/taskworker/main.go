package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/antoniostano/taskforge/internal/config"
	"github.com/antoniostano/taskforge/internal/executor"
	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/plan"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/store"
	"github.com/antoniostano/taskforge/internal/task"
	"github.com/antoniostano/taskforge/internal/tools"
)

// taskworker runs claim loops against a shared store, with no HTTP surface.
// Scale task throughput by running more of these next to one taskforge
// server.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required: standalone workers need a shared store")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	taskStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	defer taskStore.Close()

	ledger, err := store.NewLedger(ctx, cfg.RedisAddr, taskStore)
	if err != nil {
		log.Fatalf("ledger init failed: %v", err)
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

	host, _ := os.Hostname()
	if host == "" {
		host = "taskworker"
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		w := executor.NewWorker(executor.WorkerConfig{
			ID:              fmt.Sprintf("%s-%d", host, i),
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
	log.Printf("started %d workers on %s", cfg.Workers, host)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	wg.Wait()
	log.Printf("shutdown complete")
}
