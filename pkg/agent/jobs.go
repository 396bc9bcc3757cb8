package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// JobManager tracks asynchronous agent jobs in memory. Jobs live until the
// TTL sweep removes them; the manager polls job status until it observes a
// terminal state, so finished jobs must linger long enough to be read.
type JobManager struct {
	jobs   map[string]*types.Job
	mu     sync.Mutex
	ttl    time.Duration
	stopCh chan struct{}
}

// NewJobManager creates a job manager whose finished jobs are swept after ttl.
func NewJobManager(ttl time.Duration) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*types.Job),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic TTL sweep.
func (jm *JobManager) Start() {
	go jm.sweepLoop()
}

// Stop stops the TTL sweep.
func (jm *JobManager) Stop() {
	close(jm.stopCh)
}

// StartJob generates a job id, records it as running, and spawns the work.
// The work's return value becomes the job's terminal state.
func (jm *JobManager) StartJob(work func() (string, error)) string {
	id := uuid.New().String()

	jm.mu.Lock()
	jm.jobs[id] = &types.Job{
		ID:        id,
		Status:    types.JobRunning,
		StartedAt: time.Now(),
	}
	jm.mu.Unlock()

	metrics.JobsActive.Inc()

	go func() {
		result, err := work()
		jm.finish(id, result, err)
	}()

	return id
}

func (jm *JobManager) finish(id, result string, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return
	}

	now := time.Now()
	job.CompletedAt = &now
	metrics.JobsActive.Dec()

	if err != nil {
		job.Status = types.JobFailed
		job.Error = err.Error()
		metrics.JobsTotal.WithLabelValues(string(types.JobFailed)).Inc()
		log.WithComponent("jobs").Error().Err(err).Str("job_id", id).Msg("job failed")
		return
	}

	job.Status = types.JobCompleted
	job.Result = result
	metrics.JobsTotal.WithLabelValues(string(types.JobCompleted)).Inc()
	log.WithComponent("jobs").Info().Str("job_id", id).Msg("job completed")
}

// GetStatus returns a point-in-time copy of the job, or nil if unknown.
func (jm *JobManager) GetStatus(id string) *types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

// CleanupOld removes finished jobs older than the cutoff and returns the
// number removed. Running jobs are never removed.
func (jm *JobManager) CleanupOld(maxAge time.Duration) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		if job.Status == types.JobRunning {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(jm.jobs, id)
			removed++
		}
	}
	return removed
}

func (jm *JobManager) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := jm.CleanupOld(jm.ttl); removed > 0 {
				log.WithComponent("jobs").Info().Int("removed", removed).Msg("swept finished jobs")
			}
		case <-jm.stopCh:
			return
		}
	}
}
