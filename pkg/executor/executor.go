package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/alerts"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/events"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/maintenance"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/storage"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// ErrLockBusy is returned when the target already has an operation in
// flight. Callers surface it as a 409-style rejection; it is never retried
// internally.
var ErrLockBusy = errors.New("target is busy with another operation")

// ServerResolver maps a target name to its server host.
type ServerResolver interface {
	ServerFor(target string) string
}

// Work is the body of an operation. It runs on a background goroutine and
// its error, if any, becomes the operation's terminal failure.
type Work func() error

// Executor is the single entry point for launching operations: it assigns
// the id, opens the maintenance window, persists the started record, runs
// the work in the background, and applies the terminal state.
type Executor struct {
	store    storage.Store
	tracker  *maintenance.Tracker
	alerts   *alerts.Service
	broker   *events.Broker
	resolver ServerResolver
}

// New creates an executor.
func New(store storage.Store, tracker *maintenance.Tracker, alertSvc *alerts.Service, broker *events.Broker, resolver ServerResolver) *Executor {
	return &Executor{
		store:    store,
		tracker:  tracker,
		alerts:   alertSvc,
		broker:   broker,
		resolver: resolver,
	}
}

// ExecuteAsync starts an operation and returns its id immediately. The
// caller observes progress through the operation record. Scheduled
// operations send one critical alert on failure; manual operations never
// alert, their outcome is already visible to whoever started them.
func (e *Executor) ExecuteAsync(opType types.OperationType, target string, estimatedMinutes int, scheduled bool, work Work) (string, error) {
	server := e.resolver.ServerFor(target)

	ok, existing := e.tracker.TryStart(target, opType, estimatedMinutes, server)
	if !ok {
		metrics.LockConflictsTotal.Inc()
		return "", fmt.Errorf("%w: %s is running %s", ErrLockBusy, target, existing)
	}

	op := &types.Operation{
		ID:        uuid.New().String(),
		Type:      opType,
		Target:    target,
		Server:    server,
		Status:    types.OperationStarted,
		Scheduled: scheduled,
		StartedAt: time.Now(),
	}

	if err := e.store.PutOperation(op); err != nil {
		// No record, no operation: release the window and refuse.
		e.tracker.End(target)
		return "", fmt.Errorf("failed to persist operation record: %w", err)
	}

	metrics.MaintenanceWindows.Set(float64(len(e.tracker.ActiveWindows())))
	e.broker.Publish(&types.Event{
		Type:    events.EventOperationStarted,
		Target:  target,
		Message: fmt.Sprintf("%s started on %s", opType, target),
		Metadata: map[string]string{
			"operation_id": op.ID,
			"server":       server,
		},
	})

	go e.run(op, work)

	return op.ID, nil
}

// run executes the work body and applies the terminal transition. Storage
// errors during the terminal update are logged, not raised: the in-memory
// outcome is authoritative and persistence is best-effort from here.
func (e *Executor) run(op *types.Operation, work Work) {
	opLog := log.WithOperation(op.ID)
	opLog.Info().
		Str("type", string(op.Type)).
		Str("target", op.Target).
		Bool("scheduled", op.Scheduled).
		Msg("operation started")

	err := work()
	now := time.Now()

	e.tracker.End(op.Target)
	metrics.MaintenanceWindows.Set(float64(len(e.tracker.ActiveWindows())))
	metrics.OperationDuration.WithLabelValues(string(op.Type)).Observe(now.Sub(op.StartedAt).Seconds())

	if err != nil {
		metrics.OperationsTotal.WithLabelValues(string(op.Type), string(types.OperationFailed)).Inc()
		if updateErr := e.store.UpdateOperationStatus(op.ID, types.OperationFailed, &now, err.Error()); updateErr != nil {
			opLog.Error().Err(updateErr).Msg("failed to persist terminal failure")
		}
		opLog.Error().Err(err).Str("target", op.Target).Msg("operation failed")

		e.broker.Publish(&types.Event{
			Type:    events.EventOperationFailed,
			Target:  op.Target,
			Message: fmt.Sprintf("%s failed on %s: %v", op.Type, op.Target, err),
			Metadata: map[string]string{
				"operation_id": op.ID,
			},
		})

		if op.Scheduled {
			details, _ := json.Marshal(map[string]string{"operation_id": op.ID, "error": err.Error()})
			e.alerts.Send(
				string(op.Type)+"_failed",
				types.SeverityCritical,
				op.Target,
				op.Server,
				fmt.Sprintf("scheduled %s failed: %v", op.Type, err),
				details,
			)
		}
		return
	}

	metrics.OperationsTotal.WithLabelValues(string(op.Type), string(types.OperationCompleted)).Inc()
	if updateErr := e.store.UpdateOperationStatus(op.ID, types.OperationCompleted, &now, ""); updateErr != nil {
		opLog.Error().Err(updateErr).Msg("failed to persist terminal completion")
	}
	opLog.Info().Str("target", op.Target).Msg("operation completed")

	e.broker.Publish(&types.Event{
		Type:    events.EventOperationCompleted,
		Target:  op.Target,
		Message: fmt.Sprintf("%s completed on %s", op.Type, op.Target),
		Metadata: map[string]string{
			"operation_id": op.ID,
		},
	})
}

// Cancel releases the target's window and marks the record failed. The
// agent's in-flight work is not interrupted; it completes or fails on its
// own and the agent record may diverge from the manager's. The manager is
// authoritative for scheduling, the agent for in-host execution.
func (e *Executor) Cancel(id string) error {
	op, err := e.store.GetOperation(id)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return fmt.Errorf("operation %s already %s", id, op.Status)
	}

	e.tracker.End(op.Target)
	metrics.MaintenanceWindows.Set(float64(len(e.tracker.ActiveWindows())))

	now := time.Now()
	if err := e.store.UpdateOperationStatus(id, types.OperationFailed, &now, "cancelled by operator"); err != nil {
		return err
	}

	log.WithOperation(id).Warn().Str("target", op.Target).Msg("operation cancelled; agent work continues")
	return nil
}
