package monitor

import (
	"sync"
	"time"
)

// stallGrace is how long a node may sit at the same height before it is
// declared stalled and its height frozen as the unhealthy baseline.
const stallGrace = 5 * time.Minute

// nodeBaseline is the per-node block-progression state. Once a node stalls
// past the grace period its height is frozen as the unhealthy baseline;
// the node stays unhealthy until an observation strictly exceeds it.
type nodeBaseline struct {
	lastHeight     int64
	lastUpdated    time.Time
	unhealthyBaseline int64
	unhealthySince time.Time
	baselineSet    bool
}

// baselineTracker holds block-progression baselines for all nodes.
// Process-scoped; entries are initialised lazily on first observation.
type baselineTracker struct {
	nodes map[string]*nodeBaseline
	mu    sync.Mutex
}

func newBaselineTracker() *baselineTracker {
	return &baselineTracker{nodes: make(map[string]*nodeBaseline)}
}

// observe applies one height observation and reports whether the node's
// block progression is considered healthy at time now.
func (b *baselineTracker) observe(target string, height int64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.nodes[target]
	if !ok {
		b.nodes[target] = &nodeBaseline{lastHeight: height, lastUpdated: now}
		return true
	}

	if s.baselineSet {
		if height > s.unhealthyBaseline {
			// Recovery: strictly exceeding the frozen baseline clears it.
			s.baselineSet = false
			s.unhealthyBaseline = 0
			s.unhealthySince = time.Time{}
			s.lastHeight = height
			s.lastUpdated = now
			return true
		}
		s.lastHeight = height
		s.lastUpdated = now
		return false
	}

	if height > s.lastHeight {
		s.lastHeight = height
		s.lastUpdated = now
		return true
	}

	if now.Sub(s.lastUpdated) >= stallGrace {
		s.baselineSet = true
		s.unhealthyBaseline = height
		s.unhealthySince = now
		return false
	}

	// Grace period: height did not move but the stall is still young.
	s.lastHeight = height
	return true
}

// reset drops the baseline state for a target.
func (b *baselineTracker) reset(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, target)
}
