package storage

import (
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Store defines the interface for manager state persistence.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Operations
	PutOperation(op *types.Operation) error
	GetOperation(id string) (*types.Operation, error)
	UpdateOperationStatus(id string, status types.OperationStatus, completedAt *time.Time, opErr string) error
	RecentOperations(n int) ([]*types.Operation, error)
	OperationsByTarget(target string, n int) ([]*types.Operation, error)
	OperationsByStatus(status types.OperationStatus, n int) ([]*types.Operation, error)
	CleanupStuck(olderThan time.Duration) (int, error)

	// Health history
	AppendHealth(status *types.HealthStatus) error
	LatestHealth(target string) (*types.HealthStatus, error)
	HealthHistory(target string, n int) ([]*types.HealthStatus, error)

	// Utility
	Close() error
}
