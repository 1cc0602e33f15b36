// Package api exposes the pipeline over HTTP: event intake, approvals,
// feedback, on-demand correlation and trend queries, plus health and
// stats surfaces.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sgerhart/triageflux/internal/cache"
	"github.com/sgerhart/triageflux/internal/config"
	"github.com/sgerhart/triageflux/internal/correlate"
	"github.com/sgerhart/triageflux/internal/feedback"
	"github.com/sgerhart/triageflux/internal/knowledge"
	"github.com/sgerhart/triageflux/internal/metrics"
	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/pipeline"
	"github.com/sgerhart/triageflux/internal/playbook"
	"github.com/sgerhart/triageflux/internal/trend"
)

// Server handles the HTTP surface.
type Server struct {
	pipeline   *pipeline.Pipeline
	playbooks  *playbook.Registry
	correlator *correlate.Correlator
	trends     *trend.Engine
	feedback   *feedback.Loop
	evidence   *cache.Cache
	knowledge  *knowledge.Store
	manager    *config.Manager
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Options bundles the server's collaborators.
type Options struct {
	Pipeline   *pipeline.Pipeline
	Playbooks  *playbook.Registry
	Correlator *correlate.Correlator
	Trends     *trend.Engine
	Feedback   *feedback.Loop
	Evidence   *cache.Cache
	Knowledge  *knowledge.Store
	Manager    *config.Manager
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewServer creates the HTTP server.
func NewServer(opts Options) *Server {
	return &Server{
		pipeline:   opts.Pipeline,
		playbooks:  opts.Playbooks,
		correlator: opts.Correlator,
		trends:     opts.Trends,
		feedback:   opts.Feedback,
		evidence:   opts.Evidence,
		knowledge:  opts.Knowledge,
		manager:    opts.Manager,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/playbooks", s.handleListPlaybooks).Methods(http.MethodGet)
	r.HandleFunc("/playbooks/execute", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)
	r.HandleFunc("/correlate", s.handleCorrelate).Methods(http.MethodPost)
	r.HandleFunc("/trends", s.handleTrends).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports degraded when the evidence cache is unavailable.
// The service still works without it, so this is 200 either way.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	if !s.evidence.Available() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"pipeline": s.pipeline.Stats(),
	}
	if cacheStats, err := s.evidence.Stats(); err == nil {
		stats["cache"] = cacheStats
	}
	if knowledgeStats, err := s.knowledge.Stats(); err == nil {
		stats["knowledge"] = knowledgeStats
	}
	if s.manager != nil {
		stats["tunables"] = s.manager.Tunables()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.pipeline.Process(r.Context(), event)
	if err != nil {
		s.logger.Error("Event processing failed",
			"source", event.Source, "item_id", event.ItemID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if result.Deduped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Params      []string `json:"params,omitempty"`
	}
	var out []entry
	for _, name := range s.playbooks.Names() {
		p, _ := s.playbooks.Get(name)
		out = append(out, entry{Name: p.Name, Description: p.Description, Params: p.Params})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"playbooks": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval payload")
		return
	}

	result, err := s.pipeline.Approve(r.Context(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if result == nil {
			status = http.StatusNotFound
		}
		s.logger.Warn("Approval request failed",
			"item_id", req.ItemID, "playbook", req.Playbook, "error", err)
		body := map[string]interface{}{"error": err.Error()}
		if result != nil {
			body["result"] = result
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID      string `json:"item_id"`
		ExecutionID string `json:"execution_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid verify payload")
		return
	}

	result, err := s.pipeline.Reverify(r.Context(), req.ItemID, req.ExecutionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID         string                `json:"event_id"`
		OriginalAction  model.TriageAction    `json:"original_action"`
		OriginalUrgency model.Urgency         `json:"original_urgency"`
		ActualOutcome   model.FeedbackOutcome `json:"actual_outcome"`
		Notes           string                `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback payload")
		return
	}

	entry, err := s.feedback.Record(req.EventID, req.OriginalAction, req.OriginalUrgency, req.ActualOutcome, req.Notes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	tunables := s.manager.Tunables()
	dryRun := r.URL.Query().Get("dry_run") == "true"

	result, err := s.correlator.Correlate(tunables.LookbackDays, tunables.MinCoOccurrences, dryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.CorrelationsStored.Add(float64(result.NewCorrelationsStored))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		writeError(w, http.StatusBadRequest, "metric query parameter is required")
		return
	}
	periodType := q.Get("period")
	if periodType == "" {
		periodType = "day"
	}
	lookbackDays := s.manager.Tunables().LookbackDays

	filter := map[string]string{}
	if source := q.Get("source"); source != "" {
		filter["source"] = source
	}
	if action := q.Get("action"); action != "" {
		filter["action"] = action
	}

	result, err := s.trends.Analyze(metric, periodType, lookbackDays, filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
