package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/metrics"
)

const (
	recentRunsPerCollector = 10
	maxBodyBytes           = 1 << 20
)

type triggerResponse struct {
	RunID     int64               `json:"run_id"`
	Status    collector.RunStatus `json:"status"`
	Collector string              `json:"collector"`
}

type collectorRequest struct {
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// triggerRun handles POST /api/v1/collectors/{name}/runs. Disabled
// collectors are rejected with 409 before anything is enqueued.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	src, err := s.registry.Get(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, r, "load collector", err)
		return
	}
	if !src.Enabled {
		s.writeStoreError(w, r, "trigger run", fmt.Errorf("collector %q: %w", name, collector.ErrSourceDisabled))
		return
	}
	run, err := s.runs.Enqueue(r.Context(), name, collector.TriggerManual)
	if err != nil {
		s.writeStoreError(w, r, "enqueue run", err)
		return
	}
	metrics.ObserveEnqueue(name, string(collector.TriggerManual))
	s.logger.Info("manual run enqueued",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("source", name),
		zap.Int64("run_id", run.ID),
	)
	writeJSON(w, http.StatusAccepted, triggerResponse{RunID: run.ID, Status: run.Status, Collector: name})
}

func (s *Server) listCollectors(w http.ResponseWriter, r *http.Request) {
	sources, err := s.registry.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "list collectors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collectors": sources})
}

// getCollector handles GET /api/v1/collectors/{name}: the registry entry plus
// its most recent runs.
func (s *Server) getCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	src, err := s.registry.Get(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, r, "load collector", err)
		return
	}
	runs, err := s.runs.ListRecent(r.Context(), collector.RunFilter{Source: name, Limit: recentRunsPerCollector})
	if err != nil {
		s.writeStoreError(w, r, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector": src, "recent_runs": runs})
}

// upsertCollector handles PUT /api/v1/collectors/{name}.
func (s *Server) upsertCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, err := decodeCollectorRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "config is required")
		return
	}
	if _, err := collector.DecodeSourceConfig(name, req.Config); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src, err := s.registry.Upsert(r.Context(), collector.Source{Name: name, Enabled: enabled, Config: req.Config})
	if err != nil {
		s.writeStoreError(w, r, "upsert collector", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector": src})
}

// updateCollector handles PATCH /api/v1/collectors/{name}. Only the fields
// present in the body change.
func (s *Server) updateCollector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, err := decodeCollectorRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil && len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "enabled or config is required")
		return
	}
	if len(req.Config) > 0 {
		if _, err := collector.DecodeSourceConfig(name, req.Config); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	src, err := s.registry.Update(r.Context(), name, collector.SourceUpdate{Enabled: req.Enabled, Config: req.Config})
	if err != nil {
		s.writeStoreError(w, r, "update collector", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collector": src})
}

// listRuns handles GET /api/v1/runs?source=&limit=, newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := collector.RunFilter{Source: strings.TrimSpace(r.URL.Query().Get("source"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	runs, err := s.runs.ListRecent(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, r, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "run id must be a positive integer")
		return
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func decodeCollectorRequest(w http.ResponseWriter, r *http.Request) (collectorRequest, error) {
	var req collectorRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return collectorRequest{}, errors.New("invalid JSON body")
	}
	if bytes.Equal(bytes.TrimSpace(req.Config), []byte("null")) {
		req.Config = nil
	}
	return req, nil
}
