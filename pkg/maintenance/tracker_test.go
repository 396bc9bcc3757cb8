package maintenance

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestTryStartExclusivity(t *testing.T) {
	tracker := NewTracker()

	ok, _ := tracker.TryStart("nolus-1", types.OperationPruning, 120, "host-a")
	require.True(t, ok)

	// Second operation on the same target is refused and names the holder.
	ok, existing := tracker.TryStart("nolus-1", types.OperationSnapshotCreation, 180, "host-a")
	assert.False(t, ok)
	assert.Equal(t, types.OperationPruning, existing)

	// A different target is unaffected.
	ok, _ = tracker.TryStart("osmosis-1", types.OperationSnapshotCreation, 180, "host-b")
	assert.True(t, ok)
}

func TestEndReleasesWindow(t *testing.T) {
	tracker := NewTracker()

	ok, _ := tracker.TryStart("nolus-1", types.OperationPruning, 120, "host-a")
	require.True(t, ok)
	require.True(t, tracker.IsActive("nolus-1"))

	assert.True(t, tracker.End("nolus-1"))
	assert.False(t, tracker.IsActive("nolus-1"))

	// The target is immediately available again.
	ok, _ = tracker.TryStart("nolus-1", types.OperationStateSync, 90, "host-a")
	assert.True(t, ok)
}

func TestEndWithoutWindow(t *testing.T) {
	tracker := NewTracker()
	assert.False(t, tracker.End("nolus-1"))
}

func TestActiveWindowsSnapshot(t *testing.T) {
	tracker := NewTracker()
	tracker.TryStart("nolus-1", types.OperationPruning, 120, "host-a")
	tracker.TryStart("osmosis-1", types.OperationStateSync, 90, "host-b")

	windows := tracker.ActiveWindows()
	require.Len(t, windows, 2)

	// Mutating the snapshot must not affect the tracker.
	windows[0].Target = "mutated"
	for _, w := range tracker.ActiveWindows() {
		assert.NotEqual(t, "mutated", w.Target)
	}
}

func TestSweepExpired(t *testing.T) {
	tracker := NewTracker()
	tracker.TryStart("nolus-1", types.OperationPruning, 120, "host-a")
	tracker.TryStart("osmosis-1", types.OperationStateSync, 90, "host-b")

	// Age one window past the cutoff.
	tracker.mu.Lock()
	tracker.windows["nolus-1"].StartedAt = time.Now().Add(-7 * time.Hour)
	tracker.mu.Unlock()

	removed := tracker.SweepExpired(6 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.False(t, tracker.IsActive("nolus-1"))
	assert.True(t, tracker.IsActive("osmosis-1"))
}
