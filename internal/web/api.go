package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/deliberation"
	"github.com/mtzanidakis/synedrio/internal/health"
)

const maxQueryBody = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents (fixed at startup, mirrored in DB)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{name}", s.getAgent)

	// Run ledger
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type initialOutput struct {
	Agent    string         `json:"agent"`
	Response string         `json:"response"`
	Failure  *agent.Failure `json:"failure,omitempty"`
}

type deliberationOutput struct {
	Agent        string         `json:"agent"`
	Deliberation string         `json:"deliberation"`
	Failure      *agent.Failure `json:"failure,omitempty"`
}

// queryResponse keeps the field names existing frontends already read.
type queryResponse struct {
	RunID            string               `json:"runId"`
	UserQuery        string               `json:"userQuery"`
	SearchResults    []string             `json:"searchResults"`
	InitialResponses []initialOutput      `json:"initialResponses"`
	Deliberations    []deliberationOutput `json:"deliberations"`
	FinalResponse    string               `json:"finalResponse"`
}

func toQueryResponse(rec *deliberation.Record) queryResponse {
	out := queryResponse{
		RunID:            rec.RunID,
		UserQuery:        rec.Query,
		SearchResults:    rec.SearchContext,
		InitialResponses: make([]initialOutput, len(rec.Initial)),
		Deliberations:    make([]deliberationOutput, len(rec.Deliberations)),
		FinalResponse:    rec.FinalResponse,
	}
	for i, r := range rec.Initial {
		out.InitialResponses[i] = initialOutput{Agent: r.Agent, Response: r.Display(), Failure: r.Failure}
	}
	for i, r := range rec.Deliberations {
		out.Deliberations[i] = deliberationOutput{Agent: r.Agent, Deliberation: r.Display(), Failure: r.Failure}
	}
	return out
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	// A missing body reads as an empty query.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.pipeline.RunFrom(r.Context(), "http", body.Query)
	if err != nil {
		var synthErr *deliberation.SynthesisError
		switch {
		case errors.Is(err, deliberation.ErrInvalidInput):
			jsonError(w, "Query is required", http.StatusBadRequest)
		case errors.As(err, &synthErr):
			jsonErrorDetails(w, synthErr.Error(), synthErr.Hint(), http.StatusInternalServerError)
		default:
			slog.Error("query failed", "error", err)
			jsonErrorDetails(w, err.Error(), deliberation.InfrastructureHint, http.StatusInternalServerError)
		}
		return
	}

	jsonResponse(w, toQueryResponse(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reports := s.probe.Check(r.Context(), s.pipeline.Agents())
	jsonResponse(w, map[string]any{
		"status":    "ok",
		"reachable": health.Reachable(reports),
		"agents":    reports,
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonError(w, "registry disabled", http.StatusServiceUnavailable)
		return
	}
	agents, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"name":        a.Name,
			"endpoint":    a.Endpoint,
			"model":       a.Model,
			"position":    a.Position,
			"synthesizer": a.Position == 0,
		})
	}
	jsonResponse(w, out)
}

// getAgent returns one configured agent with a fresh health report.
func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		jsonError(w, "registry disabled", http.StatusServiceUnavailable)
		return
	}
	a, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	synth, _ := s.registry.Synthesizer()

	jsonResponse(w, map[string]any{
		"name":        a.Name,
		"endpoint":    a.Endpoint,
		"model":       a.Model,
		"synthesizer": a.Name == synth.Name,
		"health":      s.probe.Check(r.Context(), []agent.Agent{a})[0],
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "store disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "store disabled", http.StatusServiceUnavailable)
		return
	}
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"agents":     len(s.pipeline.Agents()),
		"ws_clients": s.hub.Len(),
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"timestamp":  time.Now().UTC(),
		"version":    strings.TrimSpace(s.version),
	}

	if s.bus != nil {
		status["nats"] = "ok"
		status["nats_clients"] = s.bus.NumClients()
	}
	if s.store != nil {
		if stats, err := s.store.GetRunStats(); err == nil {
			status["runs"] = stats
		}
	}

	jsonResponse(w, status)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonErrorDetails(w http.ResponseWriter, msg, details string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "details": details})
}
