package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrshub/cmi5-courier/config"
	"github.com/lrshub/cmi5-courier/internal/domain/launch"
	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/engine"
	"github.com/lrshub/cmi5-courier/internal/infrastructure/external/lrs"
	"github.com/lrshub/cmi5-courier/pkg/logger"
)

func TestLaunchParamsFromURL(t *testing.T) {
	cfg := &config.Config{}
	params, err := launchParams(cfg,
		"https://lms.example.org/launch?endpoint=https%3A%2F%2Flms.example.org%2Flrs%2F&fetch=https%3A%2F%2Flms.example.org%2Ffetch&registration=3fa85f64-5717-4562-b3fc-2c963f66afa6&activityId=https%3A%2F%2Fexample.org%2Fcourse")
	require.NoError(t, err)

	assert.Equal(t, "https://lms.example.org/lrs/", params.Endpoint)
	assert.Equal(t, "https://lms.example.org/fetch", params.FetchURL)
	assert.Equal(t, "3fa85f64-5717-4562-b3fc-2c963f66afa6", params.Registration)
	assert.Equal(t, "https://example.org/course", params.ActivityID)
}

func TestLaunchParamsFromEnvConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Launch = config.LaunchConfig{
		Endpoint:     "https://lms.example.org/lrs/",
		Registration: "3fa85f64-5717-4562-b3fc-2c963f66afa6",
	}

	params, err := launchParams(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Launch.Endpoint, params.Endpoint)
	assert.Equal(t, cfg.Launch.Registration, params.Registration)
}

func TestBuildStoreDefaultsToMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = config.StoreMemory

	store, closeStore, err := buildStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeStore()
	assert.NotNil(t, store)
}

func TestLRSClientConfigFromAppConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.LRS = config.LRSConfig{
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		RateLimit:      7,
		RateLimitBurst: 9,
	}

	client := lrs.NewClient(lrs.ClientConfig{
		Timeout: cfg.LRS.RequestTimeout,
		RateLimiter: lrs.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.LRS.RateLimit),
			BurstSize:         cfg.LRS.RateLimitBurst,
		},
	})
	assert.NotNil(t, client)
}

func TestReplayStandalone(t *testing.T) {
	eng := standaloneEngine(t)

	input := strings.Join([]string{
		`{"verb":"experienced"}`,
		`not json at all`,
		`{"response":"orphan line without a verb"}`,
		`{"verb":"answered","score":0.75,"duration_ms":1500,"object_id":"https://example.org/q/1"}`,
	}, "\n")

	err := replay(context.Background(), eng, strings.NewReader(input), testLog())
	require.NoError(t, err)
	assert.Equal(t, 2, eng.QueueLen(), "malformed and verbless lines are skipped")
}

func TestReplayCompletion(t *testing.T) {
	eng := standaloneEngine(t)

	err := replay(context.Background(), eng,
		strings.NewReader(`{"complete":0.9}`), testLog())
	require.NoError(t, err)
	assert.Equal(t, session.PhaseTerminated, eng.Phase())
}

func standaloneEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, closeStore, err := buildStore(context.Background(), &config.Config{})
	require.NoError(t, err)
	t.Cleanup(closeStore)

	eng := engine.New(engine.Config{
		FlushInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, lrs.NewClient(lrs.DefaultClientConfig()), store)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	require.NoError(t, eng.Initialize(context.Background(), launch.Params{}))
	return eng
}

func testLog() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError)
}
