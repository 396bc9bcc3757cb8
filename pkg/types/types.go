package types

import (
	"encoding/json"
	"time"
)

// OperationType identifies a maintenance action.
type OperationType string

const (
	OperationPruning          OperationType = "pruning"
	OperationSnapshotCreation OperationType = "snapshot_creation"
	OperationSnapshotRestore  OperationType = "snapshot_restore"
	OperationStateSync        OperationType = "state_sync"
	OperationNodeRestart      OperationType = "node_restart"
	OperationHermesRestart    OperationType = "hermes_restart"
	OperationLogTruncation    OperationType = "log_truncation"
)

// OperationStatus represents the lifecycle state of an operation.
type OperationStatus string

const (
	OperationStarted   OperationStatus = "started"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// Operation is the persisted record of a maintenance action.
// Error is non-empty iff Status is failed.
type Operation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	Target      string          `json:"target"`
	Server      string          `json:"server"`
	Status      OperationStatus `json:"status"`
	Scheduled   bool            `json:"scheduled"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// MaintenanceWindow is an open interval during which health alerts are
// suppressed for a target and its per-target lock is held.
type MaintenanceWindow struct {
	Target           string        `json:"target"`
	Type             OperationType `json:"type"`
	StartedAt        time.Time     `json:"started_at"`
	EstimatedMinutes int           `json:"estimated_duration_minutes"`
	Server           string        `json:"server"`
}

// HealthStatus is one probe result for a node or relayer.
type HealthStatus struct {
	Target        string    `json:"target"`
	RPCURL        string    `json:"rpc_url,omitempty"`
	Healthy       bool      `json:"healthy"`
	CatchingUp    bool      `json:"catching_up"`
	BlockHeight   int64     `json:"block_height,omitempty"`
	Error         string    `json:"error,omitempty"`
	LastCheck     time.Time `json:"last_check"`
	Enabled       bool      `json:"enabled"`
	InMaintenance bool      `json:"in_maintenance"`
}

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// JobStatus is the agent-side lifecycle state of an async job.
type JobStatus string

const (
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// Job is the agent's in-memory counterpart to an operation.
type Job struct {
	ID          string     `json:"job_id"`
	Status      JobStatus  `json:"job_status"`
	Result      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentResponse is the uniform envelope for agent HTTP responses.
type AgentResponse struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	JobStatus string `json:"job_status,omitempty"`
}

// ServiceState is the reported state of a host service.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceFailed  ServiceState = "failed"
	ServiceUnknown ServiceState = "unknown"
)

// SnapshotCompression identifies how a snapshot artifact is stored on disk.
type SnapshotCompression string

const (
	CompressionDirectory SnapshotCompression = "directory"
	CompressionGzip      SnapshotCompression = "gzip"
	CompressionLZ4       SnapshotCompression = "lz4"
)

// SnapshotInfo describes one snapshot artifact in the backup area.
type SnapshotInfo struct {
	Filename    string              `json:"filename"`
	SizeBytes   int64               `json:"size_bytes"`
	Path        string              `json:"path"`
	Compression SnapshotCompression `json:"compression"`
}

// PruningRequest carries parameters for /pruning/execute.
type PruningRequest struct {
	ServiceName  string `json:"service_name"`
	DeployPath   string `json:"deploy_path"`
	KeepBlocks   int    `json:"keep_blocks"`
	KeepVersions int    `json:"keep_versions"`
}

// SnapshotCreateRequest carries parameters for /snapshot/create.
type SnapshotCreateRequest struct {
	ServiceName string `json:"service_name"`
	Network     string `json:"network"`
	DeployPath  string `json:"deploy_path"`
	BackupPath  string `json:"backup_path"`
	StopService bool   `json:"stop_service"`
	Compress    bool   `json:"compress"`
}

// SnapshotRestoreRequest carries parameters for /snapshot/restore.
type SnapshotRestoreRequest struct {
	ServiceName  string `json:"service_name"`
	DeployPath   string `json:"deploy_path"`
	SnapshotDir  string `json:"snapshot_dir"`
	LogPath      string `json:"log_path,omitempty"`
	TruncateLogs bool   `json:"truncate_logs"`
}

// StateSyncRequest carries parameters for /state-sync/execute.
type StateSyncRequest struct {
	ServiceName       string   `json:"service_name"`
	DeployPath        string   `json:"deploy_path"`
	DaemonBinary      string   `json:"daemon_binary"`
	LocalRPCURL       string   `json:"local_rpc_url"`
	RPCSources        []string `json:"rpc_sources"`
	TrustHeightOffset int64    `json:"trust_height_offset"`
	MaxSyncTimeoutSec int      `json:"max_sync_timeout_seconds"`
}

// TriggerCheckRequest carries parameters for /snapshot/check-triggers.
type TriggerCheckRequest struct {
	LogFile      string   `json:"log_file"`
	TriggerWords []string `json:"trigger_words"`
}

// Event is a manager-side notification about a state transition.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Target    string            `json:"target,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
