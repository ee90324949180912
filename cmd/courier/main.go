// Package main is the entry point of the cmi5 courier: a headless harness
// that resolves a cmi5 launch, opens the session against the record store,
// replays producer statements from stdin and tears the session down
// cleanly on exit.
//
// The architecture follows Clean Architecture and DDD:
// - Domain: launch resolution, statement construction, session modeling
// - Infrastructure: record store client, session store backends
// - Engine: the delivery queue and lifecycle orchestration
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lrshub/cmi5-courier/config"
	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/statement"
	"github.com/lrshub/cmi5-courier/internal/engine"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/external/lrs"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/persistence/memory"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/persistence/postgres"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/persistence/redis"
	"github.com/lrshub/cmi5-courier/pkg/circuitbreaker"
	"github.com/lrshub/cmi5-courier/pkg/logger"
	"github.com/lrshub/cmi5-courier/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	launchURL := flag.String("launch-url", "", "full cmi5 launch URL (overrides COURIER_* env parameters)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, logger.ParseLevel(cfg.Observability.LogLevel))
	log.Info("starting courier",
		logger.String("version", cfg.App.Version),
		logger.String("environment", string(cfg.App.Environment)),
		logger.String("store", cfg.Store.Backend),
	)

	slogger := buildSlog(cfg)

	params, err := launchParams(cfg, *launchURL)
	if err != nil {
		return fmt.Errorf("launch parameters: %w", err)
	}

	// ── Session store ────────────────────────────────────────────────────

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer closeStore()

	// ── Record store client ──────────────────────────────────────────────

	transport := lrs.NewClient(lrs.ClientConfig{
		Timeout: cfg.LRS.RequestTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.LRS.MaxRetries,
			InitialDelay: cfg.LRS.RetryBaseDelay,
			MaxDelay:     cfg.LRS.RetryMaxDelay,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		Breaker: circuitbreaker.Config{
			Name:             "lrs",
			FailureThreshold: cfg.LRS.CircuitBreakerThreshold,
			SuccessThreshold: 2,
			Timeout:          cfg.LRS.CircuitBreakerTimeout,
			MaxHalfOpenCalls: cfg.LRS.CircuitBreakerHalfOpenMax,
		},
		RateLimiter: lrs.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.LRS.RateLimit),
			BurstSize:         cfg.LRS.RateLimitBurst,
		},
		SessionInvalidMarkers: cfg.LRS.SessionInvalidMarkers,
		Logger:                slogger,
	})

	// ── Engine ───────────────────────────────────────────────────────────

	eng := engine.New(engine.Config{
		FlushInterval:          cfg.Engine.FlushInterval,
		OfflineQueueCap:        cfg.Engine.OfflineQueueCap,
		TeardownTimeout:        cfg.Engine.TeardownTimeout,
		DisableImmediateFlush:  cfg.Engine.DisableImmediateFlush || !cfg.Features.IsEnabled(config.FeatureImmediateFlush, params.Registration),
		TeardownExit:           cfg.Features.IsEnabled(config.FeatureTeardownExit, params.Registration),
		SkipLearnerPreferences: !cfg.Features.IsEnabled(config.FeatureLearnerPreferences, params.Registration),
		RequireSessionID:       !cfg.Features.IsEnabled(config.FeatureSessionFallback, params.Registration),
		Logger:                 slogger,
	}, transport, store)

	if err := eng.Initialize(ctx, params); err != nil {
		log.Warn("initialization degraded", logger.Err(err))
	}
	log.Info("session ready",
		logger.Phase(eng.Phase().String()),
		logger.RegistrationID(params.Registration),
		logger.Bool("connected", eng.IsConnected()),
	)

	// ── Replay loop ──────────────────────────────────────────────────────

	done := make(chan error, 1)
	go func() { done <- replay(ctx, eng, os.Stdin, log) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("signal received, tearing down", logger.String("signal", sig.String()))
		cancel()
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("replay failed", logger.Err(err))
		}
	}

	// ── Teardown ─────────────────────────────────────────────────────────

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("teardown incomplete", logger.Err(err))
	}

	stats := eng.Stats()
	log.Info("courier stopped",
		logger.Int("submitted", int(stats.Submitted)),
		logger.Int("delivered", int(stats.Delivered)),
		logger.Int("dropped", int(stats.Dropped)),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

func buildSlog(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Observability.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// launchParams takes the launch identity from the -launch-url flag when
// given, falling back to the COURIER_* environment.
func launchParams(cfg *config.Config, launchURL string) (launch.Params, error) {
	if launchURL != "" {
		u, err := url.Parse(launchURL)
		if err != nil {
			return launch.Params{}, fmt.Errorf("parse launch URL: %w", err)
		}
		return launch.FromQuery(u.Query()), nil
	}
	return launch.Params{
		Endpoint:     cfg.Launch.Endpoint,
		FetchURL:     cfg.Launch.FetchURL,
		Actor:        cfg.Launch.Actor,
		Registration: cfg.Launch.Registration,
		ActivityID:   cfg.Launch.ActivityID,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		store, err := redis.NewStore(ctx, redis.Config{
			Host:         cfg.Store.Redis.Host,
			Port:         cfg.Store.Redis.Port,
			Password:     cfg.Store.Redis.Password,
			DB:           cfg.Store.Redis.DB,
			PoolSize:     cfg.Store.Redis.PoolSize,
			DialTimeout:  cfg.Store.Redis.DialTimeout,
			ReadTimeout:  cfg.Store.Redis.ReadTimeout,
			WriteTimeout: cfg.Store.Redis.WriteTimeout,
			SessionTTL:   cfg.Store.Redis.SessionTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Store.Postgres.URL,
			MaxConns:        int32(cfg.Store.Postgres.MaxConns),
			ConnMaxLifetime: cfg.Store.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Store.Postgres.QueryTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.NewStore(ctx, pool, cfg.Store.Postgres.QueryTimeout)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return memory.NewStore(), func() {}, nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLAY
// ══════════════════════════════════════════════════════════════════════════════

// replayCommand is one line of the stdin protocol. Either a producer
// submission (verb present) or a completion (complete present).
type replayCommand struct {
	Verb       string   `json:"verb,omitempty"`
	ObjectID   string   `json:"object_id,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Success    *bool    `json:"success,omitempty"`
	Completion *bool    `json:"completion,omitempty"`
	Response   string   `json:"response,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	Immediate  bool     `json:"immediate,omitempty"`

	// Complete ends the attempt with the given scaled score.
	Complete *float64 `json:"complete,omitempty"`
}

// replay reads newline-delimited JSON commands and feeds them to the
// engine. A malformed line is logged and skipped; replay ends at EOF or
// after a completion command.
func replay(ctx context.Context, eng *engine.Engine, r io.Reader, log *logger.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd replayCommand
		if err := json.Unmarshal(line, &cmd); err != nil {
			log.Warn("skipping malformed line", logger.Err(err))
			continue
		}

		if cmd.Complete != nil {
			if err := eng.CompleteCourse(ctx, *cmd.Complete); err != nil {
				log.Error("completion failed", logger.Err(err))
				return err
			}
			log.Info("course completed", logger.Phase(eng.Phase().String()))
			return nil
		}

		if cmd.Verb == "" {
			log.Warn("skipping line without verb")
			continue
		}

		sub := engine.Submission{
			Verb:       cmd.Verb,
			Score:      cmd.Score,
			Success:    cmd.Success,
			Completion: cmd.Completion,
			Response:   cmd.Response,
			Immediate:  cmd.Immediate,
		}
		if cmd.DurationMS > 0 {
			sub.Duration = time.Duration(cmd.DurationMS) * time.Millisecond
		}
		if cmd.ObjectID != "" {
			sub.Object = objectFor(cmd.ObjectID)
		}

		id, err := eng.Submit(ctx, sub)
		if err != nil {
			log.Warn("submission rejected", logger.Verb(cmd.Verb), logger.Err(err))
			continue
		}
		if id == "" {
			log.Debug("submission not reported", logger.Verb(cmd.Verb), logger.Phase(eng.Phase().String()))
			continue
		}
		log.Debug("submitted", logger.StatementID(id), logger.Verb(cmd.Verb), logger.QueueLen(eng.QueueLen()))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	return drain(ctx, eng)
}

func objectFor(id string) *statement.Object {
	return &statement.Object{ObjectType: "Activity", ID: id}
}

// drain flushes whatever is still queued before the caller tears down.
func drain(ctx context.Context, eng *engine.Engine) error {
	if eng.IsConnected() {
		return eng.Flush(ctx)
	}
	return nil
}
