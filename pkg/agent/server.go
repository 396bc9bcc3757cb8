package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Server is the agent's HTTP API. Every route except /health requires the
// bearer API key. Long-running routes answer with a job id and run the
// work asynchronously; everything else answers inline.
type Server struct {
	cfg     *config.Agent
	ops     *Operations
	jobs    *JobManager
	targets *OperationMap
	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer wires the agent API.
func NewServer(cfg *config.Agent, ops *Operations, jobs *JobManager) *Server {
	s := &Server{
		cfg:     cfg,
		ops:     ops,
		jobs:    jobs,
		targets: NewOperationMap(),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.auth(metrics.Handler().ServeHTTP))

	s.mux.HandleFunc("/command/execute", s.auth(s.handleCommandExecute))
	s.mux.HandleFunc("/service/status", s.auth(s.handleServiceStatus))
	s.mux.HandleFunc("/service/start", s.auth(s.handleServiceStart))
	s.mux.HandleFunc("/service/stop", s.auth(s.handleServiceStop))
	s.mux.HandleFunc("/service/uptime", s.auth(s.handleServiceUptime))
	s.mux.HandleFunc("/logs/truncate", s.auth(s.handleLogsTruncate))
	s.mux.HandleFunc("/logs/delete-all", s.auth(s.handleLogsDeleteAll))
	s.mux.HandleFunc("/pruning/execute", s.auth(s.handlePruning))
	s.mux.HandleFunc("/snapshot/create", s.auth(s.handleSnapshotCreate))
	s.mux.HandleFunc("/snapshot/restore", s.auth(s.handleSnapshotRestore))
	s.mux.HandleFunc("/snapshot/list", s.auth(s.handleSnapshotList))
	s.mux.HandleFunc("/snapshot/check-triggers", s.auth(s.handleCheckTriggers))
	s.mux.HandleFunc("/state-sync/execute", s.auth(s.handleStateSync))
	s.mux.HandleFunc("/operation/status/", s.auth(s.handleOperationStatus))

	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until it fails or is shut down. Long
// operations stream no response body, so only the read side is bounded.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	log.WithComponent("agent").Info().Str("addr", s.cfg.ListenAddr).Msg("agent API listening")
	return s.httpSrv.ListenAndServe()
}

// Close shuts the HTTP listener down.
func (s *Server) Close() error {
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}

// auth enforces the bearer API key.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			writeResponse(w, http.StatusUnauthorized, &types.AgentResponse{
				Success: false,
				Error:   "unauthorized",
			})
			return
		}
		next(w, r)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp *types.AgentResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeResponse(w, status, &types.AgentResponse{Success: false, Error: err.Error()})
}

func writeOutput(w http.ResponseWriter, output string) {
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true, Output: output})
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCommandExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.ops.ExecuteCommand(r.Context(), req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOutput(w, out)
}

type serviceRequest struct {
	ServiceName string `json:"service_name"`
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.ops.ServiceStatus(r.Context(), req.ServiceName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true, Output: string(state)})
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ops.ServiceStart(r.Context(), req.ServiceName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true})
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ops.ServiceStop(r.Context(), req.ServiceName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true})
}

func (s *Server) handleServiceUptime(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seconds, err := s.ops.ServiceUptime(r.Context(), req.ServiceName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, _ := json.Marshal(map[string]int64{"uptime_seconds": seconds})
	writeOutput(w, string(out))
}

func (s *Server) handleLogsTruncate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceName string `json:"service_name"`
		LogPath     string `json:"log_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ops.TruncateLogs(r.Context(), req.LogPath); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true})
}

func (s *Server) handleLogsDeleteAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogPath string `json:"log_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ops.DeleteAllLogs(r.Context(), req.LogPath); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true})
}

// startJob claims the target, spawns the work through the job manager, and
// answers with the job id. The per-target claim is released when the work
// finishes, however it finishes.
func (s *Server) startJob(w http.ResponseWriter, target string, opType types.OperationType, work func() (string, error)) {
	if err := s.targets.Acquire(target, opType); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	id := s.jobs.StartJob(func() (string, error) {
		defer s.targets.Release(target)
		return work()
	})

	log.WithComponent("agent").Info().
		Str("job_id", id).
		Str("target", target).
		Str("type", string(opType)).
		Msg("job started")

	writeResponse(w, http.StatusOK, &types.AgentResponse{Success: true, JobID: id})
}

func (s *Server) handlePruning(w http.ResponseWriter, r *http.Request) {
	var req types.PruningRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.startJob(w, req.ServiceName, types.OperationPruning, func() (string, error) {
		return s.ops.ExecutePruning(context.Background(), &req)
	})
}

func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req types.SnapshotCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.startJob(w, req.ServiceName, types.OperationSnapshotCreation, func() (string, error) {
		return s.ops.CreateSnapshot(context.Background(), &req)
	})
}

func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	var req types.SnapshotRestoreRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.startJob(w, req.ServiceName, types.OperationSnapshotRestore, func() (string, error) {
		return s.ops.RestoreSnapshot(context.Background(), &req)
	})
}

func (s *Server) handleStateSync(w http.ResponseWriter, r *http.Request) {
	var req types.StateSyncRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.startJob(w, req.ServiceName, types.OperationStateSync, func() (string, error) {
		return s.ops.ExecuteStateSync(context.Background(), &req)
	})
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupPath string `json:"backup_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshots, err := s.ops.ListSnapshots(req.BackupPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out, _ := json.Marshal(map[string]any{"snapshots": snapshots})
	writeOutput(w, string(out))
}

func (s *Server) handleCheckTriggers(w http.ResponseWriter, r *http.Request) {
	var req types.TriggerCheckRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	found, err := s.ops.CheckTriggers(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out, _ := json.Marshal(map[string]bool{"triggers_found": found})
	writeOutput(w, string(out))
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/operation/status/")
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job id is required"))
		return
	}

	job := s.jobs.GetStatus(id)
	if job == nil {
		writeResponse(w, http.StatusNotFound, &types.AgentResponse{
			Success: false,
			JobID:   id,
			Error:   "unknown job",
		})
		return
	}

	writeResponse(w, http.StatusOK, &types.AgentResponse{
		Success:   true,
		JobID:     job.ID,
		JobStatus: string(job.Status),
		Output:    job.Result,
		Error:     job.Error,
	})
}
