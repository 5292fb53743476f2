package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task kernel and its workers.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string
	RedisAddr   string

	LeaseTTL         time.Duration
	SweepInterval    time.Duration
	MaxActivePerUser int
	MaxTaskRetries   int

	Workers         int
	WorkerPoll      time.Duration
	MaxWallClock    time.Duration
	MaxSteps        int
	MaxStepAttempts int
	RateLimitPause  time.Duration

	LLMTimeout        time.Duration
	ToolTimeout       time.Duration
	EstCostPerCallUSD float64

	RequestsPerMinute    int
	RequestsPerHour      int
	CostPerHourUSD       float64
	CostPerDayUSD        float64
	MaxCostPerRequestUSD float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "taskforge"),
		AllowAnyOrigin:       false,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisAddr:            stringsTrimSpace("REDIS_ADDR"),
		ShutdownTimeout:      15 * time.Second,
		LeaseTTL:             30 * time.Second,
		SweepInterval:        5 * time.Second,
		MaxActivePerUser:     10,
		MaxTaskRetries:       2,
		Workers:              4,
		WorkerPoll:           500 * time.Millisecond,
		MaxWallClock:         300 * time.Second,
		MaxSteps:             20,
		MaxStepAttempts:      3,
		RateLimitPause:       time.Minute,
		LLMTimeout:           60 * time.Second,
		ToolTimeout:          30 * time.Second,
		EstCostPerCallUSD:    0.05,
		RequestsPerMinute:    20,
		RequestsPerHour:      300,
		CostPerHourUSD:       5,
		CostPerDayUSD:        25,
		MaxCostPerRequestUSD: 1,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LeaseTTL, err = durationFromEnv("TASK_LEASE_TTL", cfg.LeaseTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxActivePerUser, err = intFromEnv("TASK_MAX_ACTIVE_PER_USER", cfg.MaxActivePerUser)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTaskRetries, err = intFromEnv("TASK_MAX_RETRIES", cfg.MaxTaskRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.Workers, err = intFromEnv("WORKER_COUNT", cfg.Workers)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkerPoll, err = durationFromEnv("WORKER_POLL_INTERVAL", cfg.WorkerPoll)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxWallClock, err = durationFromEnv("WORKER_MAX_WALL_CLOCK", cfg.MaxWallClock)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSteps, err = intFromEnv("WORKER_MAX_STEPS", cfg.MaxSteps)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxStepAttempts, err = intFromEnv("WORKER_MAX_STEP_ATTEMPTS", cfg.MaxStepAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPause, err = durationFromEnv("WORKER_RATE_LIMIT_PAUSE", cfg.RateLimitPause)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EstCostPerCallUSD, err = floatFromEnv("GUARD_EST_COST_PER_CALL_USD", cfg.EstCostPerCallUSD)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestsPerMinute, err = intFromEnv("GUARD_REQUESTS_PER_MINUTE", cfg.RequestsPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestsPerHour, err = intFromEnv("GUARD_REQUESTS_PER_HOUR", cfg.RequestsPerHour)
	if err != nil {
		return Config{}, err
	}
	cfg.CostPerHourUSD, err = floatFromEnv("GUARD_COST_PER_HOUR_USD", cfg.CostPerHourUSD)
	if err != nil {
		return Config{}, err
	}
	cfg.CostPerDayUSD, err = floatFromEnv("GUARD_COST_PER_DAY_USD", cfg.CostPerDayUSD)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCostPerRequestUSD, err = floatFromEnv("GUARD_MAX_COST_PER_REQUEST_USD", cfg.MaxCostPerRequestUSD)
	if err != nil {
		return Config{}, err
	}

	if cfg.LeaseTTL < 5*time.Second {
		return Config{}, fmt.Errorf("TASK_LEASE_TTL must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_SWEEP_INTERVAL must be positive")
	}
	if cfg.MaxActivePerUser <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_ACTIVE_PER_USER must be positive")
	}
	if cfg.MaxTaskRetries < 0 {
		return Config{}, fmt.Errorf("TASK_MAX_RETRIES must be >= 0")
	}
	if cfg.Workers < 0 {
		return Config{}, fmt.Errorf("WORKER_COUNT must be >= 0")
	}
	if cfg.MaxSteps <= 0 {
		return Config{}, fmt.Errorf("WORKER_MAX_STEPS must be positive")
	}
	if cfg.MaxStepAttempts <= 0 {
		return Config{}, fmt.Errorf("WORKER_MAX_STEP_ATTEMPTS must be positive")
	}
	if cfg.MaxCostPerRequestUSD <= 0 {
		return Config{}, fmt.Errorf("GUARD_MAX_COST_PER_REQUEST_USD must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
