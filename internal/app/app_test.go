// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/app"
	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/config"
	"github.com/a2bit/jobtracker/internal/dispatcher"
)

const board = `<html><body>
<div class="opening" data-id="r-1"><a href="/jobs/1"><h2>Platform Engineer</h2></a><span class="where">Berlin</span></div>
<div class="opening" data-id="r-2"><a href="/jobs/2"><h2>QA Lead</h2></a><span class="where">Remote</span></div>
</body></html>`

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 0, RequestTimeoutSeconds: 5},
		Database: config.DatabaseConfig{Backend: "memory"},
		Worker:   config.WorkerConfig{PollIntervalSeconds: 1, Replicas: 1},
		Sweep:    config.SweepConfig{IntervalSeconds: 60, TimeoutSeconds: 120},
		Collectors: config.CollectorsConfig{
			UserAgent:             "jobtracker-test",
			FetchTimeoutSeconds:   30,
			RequestTimeoutSeconds: 5,
			RateLimit:             config.RateLimitConfig{RPS: 100, Burst: 10},
		},
		Archive: config.ArchiveConfig{Backend: "memory", Prefix: "runs"},
	}
}

func boardConfig(t *testing.T, startURL string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kind":              "careerspage",
		"start_url":         startURL,
		"employer":          "Acme",
		"item_selector":     ".opening",
		"title_selector":    "h2",
		"link_selector":     "a",
		"location_selector": ".where",
		"id_attr":           "data-id",
	})
	require.NoError(t, err)
	return raw
}

func buildApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close(context.Background()))
	})
	return a
}

func TestBuild_MemoryBackend(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())

	assert.NotNil(t, a.Runs())
	assert.NotNil(t, a.Registry())
	assert.Nil(t, a.Pool())
	assert.NotNil(t, a.APIServer().Handler())
	assert.NotNil(t, a.Sweeper())
}

func TestBuild_LocalArchiveError(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testConfig()
	cfg.Archive = config.ArchiveConfig{Backend: "local", LocalDir: filepath.Join(blocker, "archive")}

	_, err := app.BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local archive init failed")
}

func TestBuild_PostgresUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Database = config.DatabaseConfig{Backend: "postgres", DSN: "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"}

	_, err := app.BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database init failed")
}

func TestWorkers_RejectsUnknownSource(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	_, err := a.Workers(context.Background(), "ghost", app.WorkerOptions{})
	require.ErrorIs(t, err, collector.ErrUnknownSource)
}

func TestWorkers_DisabledSourceWithInvalidConfigExitsCleanly(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	ctx := context.Background()
	_, err := a.Registry().Upsert(ctx, collector.Source{Name: "paused", Enabled: false, Config: json.RawMessage(`{"kind":"careerspage"}`)})
	require.NoError(t, err)

	runners, err := a.Workers(ctx, "paused", app.WorkerOptions{Replicas: 2, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, runners, 2)

	done := make(chan error, 1)
	go func() {
		done <- dispatcher.New(runners, zap.NewNop()).Run(ctx)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers for a disabled source did not exit")
	}
}

func TestWorkers_InvalidConfigFailsClaimedRuns(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.Registry().Upsert(ctx, collector.Source{Name: "broken", Enabled: true, Config: json.RawMessage(`{"kind":"careerspage"}`)})
	require.NoError(t, err)
	run, err := a.Runs().Enqueue(ctx, "broken", collector.TriggerManual)
	require.NoError(t, err)

	runners, err := a.Workers(ctx, "broken", app.WorkerOptions{Replicas: 1, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.New(runners, zap.NewNop()).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		src, err := a.Registry().Get(context.Background(), "broken")
		return err == nil && src.LastRunAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	got, err := a.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, collector.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "config_invalid")
	assert.Contains(t, got.Error, "start_url is required")

	src, err := a.Registry().Get(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, got.Error, src.LastError)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestEnabledWorkers_SkipsDisabledSources(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	ctx := context.Background()
	reg := a.Registry()

	_, err := reg.Upsert(ctx, collector.Source{Name: "acme", Enabled: true, Config: boardConfig(t, "https://acme.example/jobs")})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, collector.Source{Name: "paused", Enabled: false, Config: boardConfig(t, "https://paused.example/jobs")})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, collector.Source{Name: "broken", Enabled: true, Config: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// broken still gets workers so its runs are failed and surfaced.
	runners, err := a.EnabledWorkers(ctx, app.WorkerOptions{Replicas: 2})
	require.NoError(t, err)
	assert.Len(t, runners, 4)
}

func TestWorkers_ExecuteManualRun(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, board)
	}))
	t.Cleanup(srv.Close)

	a := buildApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.Registry().Upsert(ctx, collector.Source{Name: "acme", Enabled: true, Config: boardConfig(t, srv.URL+"/careers")})
	require.NoError(t, err)
	run, err := a.Runs().Enqueue(ctx, "acme", collector.TriggerManual)
	require.NoError(t, err)

	runners, err := a.Workers(ctx, "acme", app.WorkerOptions{Replicas: 1, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.New(runners, zap.NewNop()).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		got, err := a.Runs().Get(context.Background(), run.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	got, err := a.Runs().Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, collector.RunStatusSucceeded, got.Status, got.Error)
	assert.Equal(t, 2, got.RecordsFound)
	assert.Equal(t, 2, got.RecordsNew)

	src, err := a.Registry().Get(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, src.LastRunAt)
	assert.Empty(t, src.LastError)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	require.Error(t, a.Migrate(context.Background()))
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Schedule.Entries = []config.ScheduleEntry{{Source: "acme", Spec: "every tuesday"}}
	a := buildApp(t, cfg)

	_, err := a.Scheduler()
	require.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- a.Serve(ctx, app.ServeOptions{Sweep: true, Schedule: true, Workers: true})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
