package maintenance

import (
	"sync"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Tracker is the single source of truth for per-target exclusivity and
// maintenance windows. A target lock is held iff a window is open for the
// same target; the two are created and torn down as a pair, which removes
// the class of bugs where a node is locked but monitored or vice versa.
type Tracker struct {
	windows map[string]*types.MaintenanceWindow
	mu      sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		windows: make(map[string]*types.MaintenanceWindow),
	}
}

// TryStart atomically checks that no window exists for target and opens one.
// On conflict it returns false and the type of the operation holding the
// window, with no side effect.
func (t *Tracker) TryStart(target string, opType types.OperationType, estimatedMinutes int, server string) (bool, types.OperationType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.windows[target]; ok {
		return false, existing.Type
	}

	t.windows[target] = &types.MaintenanceWindow{
		Target:           target,
		Type:             opType,
		StartedAt:        time.Now(),
		EstimatedMinutes: estimatedMinutes,
		Server:           server,
	}
	return true, ""
}

// End closes the window for target. A missing window is not an error; it is
// logged and reported via the return value.
func (t *Tracker) End(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.windows[target]; !ok {
		log.WithComponent("maintenance").Warn().
			Str("target", target).
			Msg("end requested but no window is open")
		return false
	}
	delete(t.windows, target)
	return true
}

// IsActive reports whether a window is currently open for target.
func (t *Tracker) IsActive(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.windows[target]
	return ok
}

// ActiveWindows returns a snapshot of all open windows.
func (t *Tracker) ActiveWindows() []*types.MaintenanceWindow {
	t.mu.Lock()
	defer t.mu.Unlock()

	windows := make([]*types.MaintenanceWindow, 0, len(t.windows))
	for _, w := range t.windows {
		copied := *w
		windows = append(windows, &copied)
	}
	return windows
}

// SweepExpired force-closes windows older than the cutoff and returns the
// number removed. Safety valve for operations that died without cleanup;
// observationally equivalent to End for the affected targets.
func (t *Tracker) SweepExpired(cutoff time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	now := time.Now()
	for target, w := range t.windows {
		if now.Sub(w.StartedAt) > cutoff {
			log.WithComponent("maintenance").Warn().
				Str("target", target).
				Str("type", string(w.Type)).
				Time("started_at", w.StartedAt).
				Msg("force-closing expired maintenance window")
			delete(t.windows, target)
			removed++
		}
	}
	return removed
}
