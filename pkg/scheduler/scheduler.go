package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
)

// Services is the surface the scheduler fires into. Each method launches
// the corresponding operation with is_scheduled=true; overlapping fires on
// the same target are rejected by the per-target lock downstream.
type Services interface {
	RunScheduledPruning(node string)
	RunScheduledSnapshot(node string)
	RunScheduledStateSync(node string)
	RunScheduledRelayerRestart(relayer string)
}

// Scheduler registers per-node and per-relayer cron jobs and fires them
// into the operation services. Schedules are six-field cron expressions
// (sec min hour day month dow) evaluated in UTC.
type Scheduler struct {
	cron     *cron.Cron
	services Services
	jobs     int
	started  bool
}

// New creates a scheduler.
func New(services Services) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		services: services,
	}
}

// validateSpec rejects any schedule that is not exactly six fields. The
// cron library would reject most malformed specs too, but arity is checked
// up front so a five-field (minute-precision) schedule fails loudly at
// registration rather than being misparsed.
func validateSpec(spec string) error {
	fields := strings.Fields(spec)
	if len(fields) != 6 {
		return fmt.Errorf("schedule %q has %d fields, want 6 (sec min hour day month dow)", spec, len(fields))
	}
	return nil
}

// add registers one job after validating its schedule.
func (s *Scheduler) add(spec, target, kind string, fn func()) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("failed to register %s schedule for %s: %w", kind, target, err)
	}
	s.jobs++
	log.WithComponent("scheduler").Info().
		Str("target", target).
		Str("kind", kind).
		Str("schedule", spec).
		Msg("job registered")
	return nil
}

// Register enumerates all nodes and relayers and registers their enabled
// schedules. Returns the number of jobs registered.
func (s *Scheduler) Register(cfg *config.Manager) (int, error) {
	for name, node := range cfg.Nodes {
		name := name
		if node.PruningEnabled && node.PruningSchedule != "" {
			if err := s.add(node.PruningSchedule, name, "pruning", func() {
				s.services.RunScheduledPruning(name)
			}); err != nil {
				return s.jobs, err
			}
		}
		if node.SnapshotsEnabled && node.SnapshotSchedule != "" {
			if err := s.add(node.SnapshotSchedule, name, "snapshot", func() {
				s.services.RunScheduledSnapshot(name)
			}); err != nil {
				return s.jobs, err
			}
		}
		if node.StateSyncEnabled && node.StateSyncSchedule != "" {
			if err := s.add(node.StateSyncSchedule, name, "state-sync", func() {
				s.services.RunScheduledStateSync(name)
			}); err != nil {
				return s.jobs, err
			}
		}
	}

	for name, relayer := range cfg.Relayers {
		name := name
		if relayer.RestartSchedule != "" {
			if err := s.add(relayer.RestartSchedule, name, "relayer-restart", func() {
				s.services.RunScheduledRelayerRestart(name)
			}); err != nil {
				return s.jobs, err
			}
		}
	}

	return s.jobs, nil
}

// Start begins the cron run loop. A deployment with no registered jobs
// never starts the loop at all.
func (s *Scheduler) Start() {
	if s.jobs == 0 {
		log.WithComponent("scheduler").Info().Msg("no jobs registered, scheduler idle")
		return
	}
	s.cron.Start()
	s.started = true
	log.WithComponent("scheduler").Info().Int("jobs", s.jobs).Msg("scheduler started")
}

// Stop stops the cron run loop.
func (s *Scheduler) Stop() {
	if s.started {
		s.cron.Stop()
	}
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return s.jobs
}
