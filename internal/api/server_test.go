package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/config"
	"github.com/a2bit/jobtracker/internal/storage/memory"
)

const careersConfig = `{"kind":"careerspage","start_url":"https://acme.example/jobs","employer":"Acme",` +
	`"item_selector":".job","title_selector":"h2"}`

type apiHarness struct {
	server   *Server
	runs     *memory.RunStore
	registry *memory.SourceRegistry
}

func newHarness(t *testing.T, cfg config.Config, pinger Pinger) *apiHarness {
	t.Helper()
	registry := memory.NewSourceRegistry(nil)
	runs := memory.NewRunStore(registry, nil)
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 5
	}
	return &apiHarness{
		server:   NewServer(runs, registry, pinger, cfg, zap.NewNop()),
		runs:     runs,
		registry: registry,
	}
}

func (h *apiHarness) seed(t *testing.T, name string, enabled bool) {
	t.Helper()
	_, err := h.registry.Upsert(context.Background(), collector.Source{
		Name:    name,
		Enabled: enabled,
		Config:  json.RawMessage(careersConfig),
	})
	require.NoError(t, err)
}

func (h *apiHarness) do(method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_TriggerRun_EnqueuesManualRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "acme-trigger", true)

	rec := h.do(http.MethodPost, "/api/v1/collectors/acme-trigger/runs", "")

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[triggerResponse](t, rec)
	assert.Equal(t, "acme-trigger", resp.Collector)
	assert.Equal(t, collector.RunStatusPending, resp.Status)

	run, err := h.runs.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, collector.TriggerManual, run.Trigger)

	rec = h.do(http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), `jobtracker_runs_enqueued_total{source="acme-trigger",trigger="manual"} 1`)
}

func TestServer_TriggerRun_UnknownCollector(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/api/v1/collectors/ghost/runs", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown source")
}

func TestServer_TriggerRun_DisabledCollector(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "paused", false)

	rec := h.do(http.MethodPost, "/api/v1/collectors/paused/runs", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	runs, err := h.runs.ListRecent(context.Background(), collector.RunFilter{Source: "paused"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestServer_ListAndGetCollectors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "beta", true)
	h.seed(t, "alpha", false)
	_, err := h.runs.Enqueue(context.Background(), "alpha", collector.TriggerScheduled)
	require.NoError(t, err)

	rec := h.do(http.MethodGet, "/api/v1/collectors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Collectors []collector.Source `json:"collectors"`
	}](t, rec)
	require.Len(t, list.Collectors, 2)
	assert.Equal(t, "alpha", list.Collectors[0].Name)

	rec = h.do(http.MethodGet, "/api/v1/collectors/alpha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[struct {
		Collector  collector.Source `json:"collector"`
		RecentRuns []collector.Run  `json:"recent_runs"`
	}](t, rec)
	assert.False(t, detail.Collector.Enabled)
	require.Len(t, detail.RecentRuns, 1)
	assert.Equal(t, collector.TriggerScheduled, detail.RecentRuns[0].Trigger)

	rec = h.do(http.MethodGet, "/api/v1/collectors/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UpsertCollector(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)

	rec := h.do(http.MethodPut, "/api/v1/collectors/acme", `{"config":`+careersConfig+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	src, err := h.registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, src.Enabled)

	rec = h.do(http.MethodPut, "/api/v1/collectors/acme", `{"enabled":false,"config":`+careersConfig+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	src, err = h.registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, src.Enabled)
}

func TestServer_UpsertCollector_RejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{invalid"},
		{name: "missing config", body: `{"enabled":true}`},
		{name: "unknown field", body: `{"config":` + careersConfig + `,"extra":1}`},
		{name: "unknown kind", body: `{"config":{"kind":"ftp"}}`},
		{name: "missing selectors", body: `{"config":{"kind":"careerspage","start_url":"https://acme.example"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, config.Config{}, nil)
			rec := h.do(http.MethodPut, "/api/v1/collectors/acme", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			_, err := h.registry.Get(context.Background(), "acme")
			assert.ErrorIs(t, err, collector.ErrUnknownSource)
		})
	}
}

func TestServer_UpdateCollector(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "acme", true)

	rec := h.do(http.MethodPatch, "/api/v1/collectors/acme", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	src, err := h.registry.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, src.Enabled)
	assert.JSONEq(t, careersConfig, string(src.Config))

	rec = h.do(http.MethodPatch, "/api/v1/collectors/acme", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/collectors/acme", `{"config":{"kind":"hiringcafe","max_pages":-1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPatch, "/api/v1/collectors/ghost", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "alpha", true)
	h.seed(t, "beta", true)
	ctx := context.Background()
	for range 3 {
		_, err := h.runs.Enqueue(ctx, "alpha", collector.TriggerManual)
		require.NoError(t, err)
	}
	_, err := h.runs.Enqueue(ctx, "beta", collector.TriggerManual)
	require.NoError(t, err)

	type runList struct {
		Runs []collector.Run `json:"runs"`
	}

	rec := h.do(http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[runList](t, rec).Runs, 4)

	rec = h.do(http.MethodGet, "/api/v1/runs?source=alpha&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[runList](t, rec).Runs
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, "alpha", run.Source)
	}

	rec = h.do(http.MethodGet, "/api/v1/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.seed(t, "alpha", true)
	run, err := h.runs.Enqueue(context.Background(), "alpha", collector.TriggerManual)
	require.NoError(t, err)

	rec := h.do(http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", run.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct {
		Run collector.Run `json:"run"`
	}](t, rec)
	assert.Equal(t, run.ID, got.Run.ID)

	rec = h.do(http.MethodGet, "/api/v1/runs/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/runs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}, nil)

	rec := h.do(http.MethodGet, "/api/v1/collectors", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/collectors", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/collectors", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/collectors", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Probes stay open.
	rec = h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, &fakePinger{})
	rec := h.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h = newHarness(t, config.Config{}, &fakePinger{err: errors.New("connection refused")})
	rec = h.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.Config{}, nil)
	h.do(http.MethodGet, "/healthz", "")

	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("get: %w", collector.ErrUnknownSource), want: http.StatusNotFound},
		{err: collector.ErrRunNotFound, want: http.StatusNotFound},
		{err: collector.ErrSourceDisabled, want: http.StatusConflict},
		{err: collector.ErrInvalidTransition, want: http.StatusConflict},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServer_StoreFailureHidesDetails(t *testing.T) {
	t.Parallel()

	registry := memory.NewSourceRegistry(nil)
	srv := NewServer(memory.NewRunStore(registry, nil), failingRegistry{registry}, nil, config.Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/collectors", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "dsn=secret")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	return p.err
}

type failingRegistry struct {
	collector.SourceRegistry
}

func (failingRegistry) List(context.Context) ([]collector.Source, error) {
	return nil, errors.New("pool exhausted dsn=secret")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
