package config

import (
	"os"
	"strconv"
	"time"
)

// Backend selects the concurrency substrate executing probes.
const (
	BackendPool  = "pool"
	BackendNomad = "nomad"
)

type Config struct {
	TargetsFile string // JSON list of targets
	DatabaseURL string // empty means in-memory store
	LogDir      string
	Debug       bool
	APIAddr     string // ops endpoint bind address

	Backend    string // "pool" or "nomad"
	NomadAddr  string
	NomadJobID string // parameterized batch job running sitewatch-agent

	Concurrency int           // worker / dispatch ceiling
	QueueDepth  int           // pending tasks before submissions are deferred
	Tick        time.Duration // scheduler tick granularity
	Timeout     time.Duration // per-request budget, reused by every retry

	RetryLimit   int           // probe attempts for transient failures
	RetryBackoff time.Duration // pause between probe attempts

	SinkAttempts int           // persistence attempts before a result is dropped
	SinkBackoff  time.Duration // base backoff between persistence attempts

	Retention     time.Duration // raw results older than this get rolled up
	AggregateSpec string        // cron spec for the aggregation cycle

	ShutdownGrace time.Duration // how long in-flight probes may finish on shutdown
}

func FromEnv() Config {
	cfg := Config{
		TargetsFile:   envStr("TARGETS_FILE", "targets.json"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		LogDir:        envStr("LOG_DIR", "logs"),
		Debug:         os.Getenv("DEBUG") == "1",
		APIAddr:       envStr("API_ADDR", "127.0.0.1:8080"),
		Backend:       envStr("BACKEND", BackendPool),
		NomadAddr:     envStr("NOMAD_ADDR", "http://127.0.0.1:4646"),
		NomadJobID:    envStr("NOMAD_JOB_ID", "sitewatch-probe"),
		Concurrency:   envInt("CONCURRENCY", 10),
		QueueDepth:    envInt("QUEUE_DEPTH", 100),
		Tick:          envDurMS("TICK_MS", 250*time.Millisecond),
		Timeout:       envDurMS("TIMEOUT_MS", 10*time.Second),
		RetryLimit:    envInt("RETRY_LIMIT", 3),
		RetryBackoff:  envDurMS("RETRY_BACKOFF_MS", 300*time.Millisecond),
		SinkAttempts:  envInt("SINK_ATTEMPTS", 3),
		SinkBackoff:   envDurMS("SINK_BACKOFF_MS", 200*time.Millisecond),
		Retention:     time.Duration(envInt("RETENTION_DAYS", 7)) * 24 * time.Hour,
		AggregateSpec: envStr("AGGREGATE_SPEC", "30 3 * * *"),
		ShutdownGrace: envDurMS("SHUTDOWN_GRACE_MS", 15_000*time.Millisecond),
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
