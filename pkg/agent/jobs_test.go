package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
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

// fakeRunner records commands and answers from a script keyed by substring.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	outputs  map[string]string
	errs     map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	for key, err := range f.errs {
		if strings.Contains(command, key) {
			return "", err
		}
	}
	for key, out := range f.outputs {
		if strings.Contains(command, key) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// waitJob polls until the job reaches a terminal state.
func waitJob(t *testing.T, jm *JobManager, id string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := jm.GetStatus(id)
		require.NotNil(t, job)
		if job.Status != types.JobRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", id)
	return nil
}

func TestJobLifecycleCompleted(t *testing.T) {
	jm := NewJobManager(time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	id := jm.StartJob(func() (string, error) {
		close(started)
		<-release
		return "all done", nil
	})
	require.NotEmpty(t, id)

	<-started
	job := jm.GetStatus(id)
	require.NotNil(t, job)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Nil(t, job.CompletedAt)

	close(release)
	job = waitJob(t, jm, id)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, "all done", job.Result)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.CompletedAt)
}

func TestJobLifecycleFailed(t *testing.T) {
	jm := NewJobManager(time.Hour)

	id := jm.StartJob(func() (string, error) {
		return "", errors.New("pruning failed: disk full")
	})

	job := waitJob(t, jm, id)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, "pruning failed: disk full", job.Error)
	assert.Empty(t, job.Result)
}

func TestGetStatusUnknownJob(t *testing.T) {
	jm := NewJobManager(time.Hour)
	assert.Nil(t, jm.GetStatus("no-such-job"))
}

func TestGetStatusReturnsCopy(t *testing.T) {
	jm := NewJobManager(time.Hour)
	id := jm.StartJob(func() (string, error) { return "x", nil })
	waitJob(t, jm, id)

	job := jm.GetStatus(id)
	job.Result = "mutated"
	assert.Equal(t, "x", jm.GetStatus(id).Result)
}

func TestCleanupOld(t *testing.T) {
	jm := NewJobManager(time.Hour)

	finished := jm.StartJob(func() (string, error) { return "ok", nil })
	waitJob(t, jm, finished)

	release := make(chan struct{})
	defer close(release)
	running := jm.StartJob(func() (string, error) {
		<-release
		return "", nil
	})

	// Age the finished job past the cutoff.
	jm.mu.Lock()
	old := time.Now().Add(-2 * time.Hour)
	jm.jobs[finished].CompletedAt = &old
	jm.mu.Unlock()

	removed := jm.CleanupOld(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Nil(t, jm.GetStatus(finished))

	// Running jobs survive any cutoff.
	assert.NotNil(t, jm.GetStatus(running))
	removed = jm.CleanupOld(0)
	assert.Zero(t, removed)
}

func TestOperationMapExclusivity(t *testing.T) {
	m := NewOperationMap()

	require.NoError(t, m.Acquire("nolusd", types.OperationPruning))
	assert.True(t, m.Active("nolusd"))

	err := m.Acquire("nolusd", types.OperationSnapshotCreation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(types.OperationPruning))

	// Other targets are unaffected.
	require.NoError(t, m.Acquire("osmosisd", types.OperationSnapshotCreation))

	m.Release("nolusd")
	assert.False(t, m.Active("nolusd"))
	require.NoError(t, m.Acquire("nolusd", types.OperationStateSync))
}
