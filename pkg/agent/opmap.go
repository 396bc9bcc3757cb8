package agent

import (
	"fmt"
	"sync"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// OperationMap refuses to start a second operation while one is active on
// the same target. This is a local defensive layer: the manager holds its
// own per-target lock, but the agent does not trust callers to be the
// manager.
type OperationMap struct {
	active map[string]types.OperationType
	mu     sync.Mutex
}

// NewOperationMap creates an empty map.
func NewOperationMap() *OperationMap {
	return &OperationMap{active: make(map[string]types.OperationType)}
}

// Acquire claims the target for opType or returns an error naming the
// operation already holding it.
func (m *OperationMap) Acquire(target string, opType types.OperationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[target]; ok {
		return fmt.Errorf("target %s is busy with %s", target, existing)
	}
	m.active[target] = opType
	return nil
}

// Release frees the target.
func (m *OperationMap) Release(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, target)
}

// Active reports whether the target has an operation in flight.
func (m *OperationMap) Active(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[target]
	return ok
}
