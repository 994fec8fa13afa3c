package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/health"
	"github.com/toshokan-dev/toshokan/internal/indexer"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/queue"
	"github.com/toshokan-dev/toshokan/internal/search"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Agents
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/agents/{name}/enable", s.handleEnableAgent)
	mux.HandleFunc("POST /api/v1/agents/{name}/disable", s.handleDisableAgent)
	mux.HandleFunc("POST /api/v1/agents/{name}/reset", s.handleResetAgent)

	// Search
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	mux.HandleFunc("GET /api/v1/index/search", s.handleIndexSearch)

	// Jobs
	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/pause", s.handlePauseJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/resume", s.handleResumeJob)

	// Operations
	mux.HandleFunc("GET /api/v1/operations", s.handleListOperations)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.handleGetOperation)

	// Progress stream
	mux.HandleFunc("GET /ws/progress", s.hub.HandleWS)

	// Prometheus scrape
	mux.Handle("GET /metrics", promhttp.Handler())
}

// --- Health / Version ---

type healthzResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Agents     int            `json:"agents"`
	WSClients  int            `json:"ws_clients"`
	Jobs       queue.Stats    `json:"jobs"`
	Operations progress.Stats `json:"operations"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthzResponse{
		Status:     "ok",
		Version:    Version,
		Agents:     s.registry.Count(),
		WSClients:  s.hub.Count(),
		Jobs:       s.jobs.Stats(),
		Operations: s.tracker.Stats(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// --- Agents ---

// agentView joins the registry snapshot with the health monitor's view.
type agentView struct {
	agent.Snapshot
	Health *health.Metrics `json:"health,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snaps := s.registry.Snapshots()
	out := make([]agentView, 0, len(snaps))
	for _, snap := range snaps {
		v := agentView{Snapshot: snap}
		if hm, ok := s.monitor.Metrics(snap.Descriptor.Name); ok {
			v.Health = &hm
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

func (s *Server) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.monitor.Enable(name); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	writeJSON(w, map[string]string{"status": "enabled", "agent": name})
}

func (s *Server) handleDisableAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.monitor.Disable(name); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	writeJSON(w, map[string]string{"status": "disabled", "agent": name})
}

func (s *Server) handleResetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.ResetCircuit(name); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	writeJSON(w, map[string]string{"status": "reset", "agent": name})
}

// --- Search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing query parameter q")
		return
	}
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 0)
	userID := r.URL.Query().Get("user_id")

	resp, err := s.searcher.Search(r.Context(), q, page, limit, userID)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", "search failed")
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing query parameter q")
		return
	}
	ms, err := s.index.Search(r.Context(), q, intParam(r, "limit", 0))
	if err != nil {
		if errors.Is(err, indexer.ErrEmptyQuery) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", "metadata search failed")
		return
	}
	writeJSON(w, ms)
}

// --- Jobs ---

type createJobRequest struct {
	Type       queue.Type     `json:"type"`
	Priority   queue.Priority `json:"priority,omitempty"`
	Payload    queue.Payload  `json:"payload"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	TimeoutS   int            `json:"timeout_s,omitempty"`
}

func validJobType(t queue.Type) bool {
	switch t {
	case queue.TypeChapterDownload, queue.TypeMangaDownload, queue.TypeCoverDownload,
		queue.TypePageDownload, queue.TypeBulkDownload, queue.TypeHealthCheck,
		queue.TypeProviderTest, queue.TypeOrganizeLibrary:
		return true
	}
	return false
}

func validJobPriority(p queue.Priority) bool {
	switch p {
	case "", queue.PriorityCritical, queue.PriorityHigh, queue.PriorityNormal,
		queue.PriorityLow, queue.PriorityBulk:
		return true
	}
	return false
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if !validJobType(req.Type) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown job type")
		return
	}
	if !validJobPriority(req.Priority) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown priority")
		return
	}

	job := queue.NewJob(req.Type, req.Priority, req.Payload)
	job.DependsOn = req.DependsOn
	if req.TimeoutS > 0 {
		job.TimeoutS = req.TimeoutS
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	if err := s.jobs.Add(job); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "enqueue failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.jobs.Cancel(id); {
	case errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, queue.ErrTerminal):
		writeJSONError(w, http.StatusConflict, "conflict", "job already finished")
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeJSON(w, map[string]string{"status": "cancelled", "id": id})
	}
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.jobs.Pause(id); {
	case errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, queue.ErrTerminal):
		writeJSONError(w, http.StatusConflict, "conflict", "job already finished")
	case err != nil:
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeJSON(w, map[string]string{"status": "paused", "id": id})
	}
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch err := s.jobs.Resume(id); {
	case errors.Is(err, queue.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
	case err != nil:
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeJSON(w, map[string]string{"status": "resumed", "id": id})
	}
}

// --- Operations ---

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	f := progress.Filter{
		Type:   r.URL.Query().Get("type"),
		UserID: r.URL.Query().Get("user_id"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = progress.Status(strings.ToUpper(st))
	}
	if v := r.URL.Query().Get("active"); v == "true" || v == "1" {
		f.Active = true
	}
	writeJSON(w, s.tracker.Operations(f))
}

// handleGetOperation serves live operations from the tracker and falls
// back to the store for ones already evicted from memory.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := s.tracker.Operation(id)
	if err == nil {
		writeJSON(w, op)
		return
	}
	if s.store != nil {
		if archived, serr := s.store.Operation(r.Context(), id); serr == nil {
			writeJSON(w, archived)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "operation not found")
}

// intParam reads a non-negative integer query parameter, falling back on
// absent or malformed values.
func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
