package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/executor"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/manager"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

const defaultListLimit = 50

// Server is the manager's HTTP API: liveness/readiness, read views over
// operations and health history, maintenance windows, operation trigger
// and cancel, and a streaming event feed.
type Server struct {
	manager *manager.Manager
	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer wires the manager API.
func NewServer(mgr *manager.Manager) *Server {
	s := &Server{
		manager: mgr,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/api/operations", s.operationsHandler)
	s.mux.HandleFunc("/api/operations/", s.operationHandler)
	s.mux.HandleFunc("/api/health/", s.healthHistoryHandler)
	s.mux.HandleFunc("/api/windows", s.windowsHandler)
	s.mux.HandleFunc("/api/trigger", s.triggerHandler)
	s.mux.HandleFunc("/api/events", s.eventsHandler)

	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the API server. The events route streams indefinitely, so no
// write timeout is applied.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("manager API listening")
	return s.httpSrv.ListenAndServe()
}

// Close shuts the HTTP listener down.
func (s *Server) Close() error {
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

// healthHandler is a liveness check: 200 while the process is up.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// readyHandler checks the store is reachable before reporting ready.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]string{"storage": "ok"}
	status := http.StatusOK
	if _, err := s.manager.Store().RecentOperations(1); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":    map[int]string{http.StatusOK: "ready", http.StatusServiceUnavailable: "not ready"}[status],
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// operationsHandler lists recent operations, optionally filtered by target
// or status.
func (s *Server) operationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := limitParam(r)
	target := r.URL.Query().Get("target")
	status := r.URL.Query().Get("status")

	var err error
	var ops any
	switch {
	case target != "":
		ops, err = s.manager.Store().OperationsByTarget(target, limit)
	case status != "":
		ops, err = s.manager.Store().OperationsByStatus(types.OperationStatus(status), limit)
	default:
		ops, err = s.manager.Store().RecentOperations(limit)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// operationHandler serves GET /api/operations/{id} and
// POST /api/operations/{id}/cancel.
func (s *Server) operationHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/operations/")

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.manager.CancelOperation(id); err != nil {
			writeErr(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	op, err := s.manager.Store().GetOperation(rest)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// healthHistoryHandler serves GET /api/health/{target} (latest) and
// GET /api/health/{target}/history.
func (s *Server) healthHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/health/")
	if target, ok := strings.CutSuffix(rest, "/history"); ok {
		history, err := s.manager.Store().HealthHistory(target, limitParam(r))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
		return
	}

	status, err := s.manager.Store().LatestHealth(rest)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) windowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": s.manager.Windows()})
}

// triggerRequest asks for an ad-hoc operation.
type triggerRequest struct {
	Type        string `json:"type"`
	Target      string `json:"target"`
	SnapshotDir string `json:"snapshot_dir,omitempty"`
}

// triggerHandler launches an ad-hoc operation. A busy target answers 409.
func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var id string
	var err error
	switch req.Type {
	case "pruning":
		id, err = s.manager.RunPruning(req.Target, false)
	case "snapshot_creation":
		id, err = s.manager.RunSnapshot(req.Target, false)
	case "snapshot_restore":
		if req.SnapshotDir == "" {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("snapshot_dir is required for restore"))
			return
		}
		id, err = s.manager.RunRestore(req.Target, req.SnapshotDir, false)
	case "state_sync":
		id, err = s.manager.RunStateSync(req.Target, false)
	case "node_restart":
		id, err = s.manager.RunNodeRestart(req.Target, false)
	case "hermes_restart":
		id, err = s.manager.RunRelayerRestart(req.Target, false)
	case "log_truncation":
		id, err = s.manager.RunLogTruncation(req.Target, false)
	default:
		writeErr(w, http.StatusBadRequest, fmt.Errorf("unknown operation type %q", req.Type))
		return
	}

	switch {
	case errors.Is(err, executor.ErrLockBusy):
		writeErr(w, http.StatusConflict, err)
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
	}
}

// eventsHandler streams manager events as newline-delimited JSON until the
// client disconnects.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.manager.Events().Subscribe()
	defer s.manager.Events().Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
