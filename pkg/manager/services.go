package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/agentclient"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/executor"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Window duration estimates per operation type, in minutes. Only used for
// overdue detection; an operation past its estimate is not killed.
var estimatedMinutes = map[types.OperationType]int{
	types.OperationPruning:          120,
	types.OperationSnapshotCreation: 180,
	types.OperationSnapshotRestore:  240,
	types.OperationStateSync:        90,
	types.OperationNodeRestart:      10,
	types.OperationHermesRestart:    10,
	types.OperationLogTruncation:    10,
}

var errUnknownNode = errors.New("unknown node")

func (m *Manager) nodeClient(name string) (*agentclient.Client, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client := m.ClientFor(node.Server)
	if client == nil {
		return nil, fmt.Errorf("no agent configured for server %s", node.Server)
	}
	return client, nil
}

// RunPruning launches a pruning operation against the node's agent.
func (m *Manager) RunPruning(name string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationPruning, name, estimatedMinutes[types.OperationPruning], scheduled, func() error {
		_, err := client.Execute(context.Background(), "/pruning/execute", &types.PruningRequest{
			ServiceName:  node.ServiceName,
			DeployPath:   node.DeployPath,
			KeepBlocks:   node.PruningKeepBlocks,
			KeepVersions: node.PruningKeepVersions,
		})
		return err
	})
}

// RunSnapshot launches a snapshot creation against the node's agent.
func (m *Manager) RunSnapshot(name string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationSnapshotCreation, name, estimatedMinutes[types.OperationSnapshotCreation], scheduled, func() error {
		_, err := client.Execute(context.Background(), "/snapshot/create", &types.SnapshotCreateRequest{
			ServiceName: node.ServiceName,
			Network:     node.Network,
			DeployPath:  node.DeployPath,
			BackupPath:  node.BackupPath,
			StopService: node.SnapshotStopService,
			Compress:    node.SnapshotCompress,
		})
		return err
	})
}

// RunRestore launches a snapshot restore from the given snapshot directory.
func (m *Manager) RunRestore(name, snapshotDir string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationSnapshotRestore, name, estimatedMinutes[types.OperationSnapshotRestore], scheduled, func() error {
		_, err := client.Execute(context.Background(), "/snapshot/restore", &types.SnapshotRestoreRequest{
			ServiceName:  node.ServiceName,
			DeployPath:   node.DeployPath,
			SnapshotDir:  snapshotDir,
			LogPath:      node.LogPath,
			TruncateLogs: true,
		})
		return err
	})
}

// RunStateSync launches a state-sync rebuild against the node's agent.
func (m *Manager) RunStateSync(name string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationStateSync, name, estimatedMinutes[types.OperationStateSync], scheduled, func() error {
		_, err := client.Execute(context.Background(), "/state-sync/execute", &types.StateSyncRequest{
			ServiceName:       node.ServiceName,
			DeployPath:        node.DeployPath,
			DaemonBinary:      node.DaemonBinary,
			LocalRPCURL:       node.RPCURL,
			RPCSources:        node.StateSyncRPCSources,
			TrustHeightOffset: node.TrustHeightOffset,
			MaxSyncTimeoutSec: node.MaxSyncTimeoutSeconds,
		})
		return err
	})
}

// RunNodeRestart stops and starts the node's service through its agent.
func (m *Manager) RunNodeRestart(name string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationNodeRestart, name, estimatedMinutes[types.OperationNodeRestart], scheduled, func() error {
		return restartService(client, node.ServiceName)
	})
}

// RunRelayerRestart restarts a relayer's service through its agent.
func (m *Manager) RunRelayerRestart(name string, scheduled bool) (string, error) {
	relayer, ok := m.cfg.Relayers[name]
	if !ok {
		return "", fmt.Errorf("unknown relayer: %s", name)
	}
	client := m.ClientFor(relayer.Server)
	if client == nil {
		return "", fmt.Errorf("no agent configured for server %s", relayer.Server)
	}

	return m.executor.ExecuteAsync(types.OperationHermesRestart, name, estimatedMinutes[types.OperationHermesRestart], scheduled, func() error {
		return restartService(client, relayer.ServiceName)
	})
}

// RunLogTruncation truncates a node's logs through its agent.
func (m *Manager) RunLogTruncation(name string, scheduled bool) (string, error) {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return "", err
	}

	return m.executor.ExecuteAsync(types.OperationLogTruncation, name, estimatedMinutes[types.OperationLogTruncation], scheduled, func() error {
		resp, err := client.Post(context.Background(), "/logs/truncate", map[string]string{
			"service_name": node.ServiceName,
			"log_path":     node.LogPath,
		})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("agent error: %s", resp.Error)
		}
		return nil
	})
}

func restartService(client *agentclient.Client, serviceName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, step := range []string{"/service/stop", "/service/start"} {
		resp, err := client.Post(ctx, step, map[string]string{"service_name": serviceName})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("agent error on %s: %s", step, resp.Error)
		}
	}
	return nil
}

// AutoRestore launches the restore the health monitor asked for, using the
// node's configured restore snapshot directory. Completion alerts wrap the
// agent call so the fleet operator learns the outcome either way.
func (m *Manager) AutoRestore(name string) error {
	node, ok := m.cfg.Nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownNode, name)
	}
	if node.AutoRestoreSnapshotDir == "" {
		return fmt.Errorf("node %s has no restore snapshot directory configured", name)
	}
	client, err := m.nodeClient(name)
	if err != nil {
		return err
	}

	_, err = m.executor.ExecuteAsync(types.OperationSnapshotRestore, name, estimatedMinutes[types.OperationSnapshotRestore], false, func() error {
		out, err := client.Execute(context.Background(), "/snapshot/restore", &types.SnapshotRestoreRequest{
			ServiceName:  node.ServiceName,
			DeployPath:   node.DeployPath,
			SnapshotDir:  node.AutoRestoreSnapshotDir,
			LogPath:      node.LogPath,
			TruncateLogs: true,
		})
		if err != nil {
			m.alerts.Send("auto_restore_failed", types.SeverityCritical, name, node.Server,
				fmt.Sprintf("automatic snapshot restore failed: %v", err), nil)
			return err
		}
		m.alerts.Send("auto_restore_completed", types.SeverityInfo, name, node.Server,
			"automatic snapshot restore completed", json.RawMessage(out))
		return nil
	})
	return err
}

// Scheduler entry points. Lock conflicts are expected when a manual
// operation is already running; they are logged and the firing is skipped.

func (m *Manager) RunScheduledPruning(node string) {
	m.logScheduled("pruning", node, func() (string, error) { return m.RunPruning(node, true) })
}

func (m *Manager) RunScheduledSnapshot(node string) {
	m.logScheduled("snapshot", node, func() (string, error) { return m.RunSnapshot(node, true) })
}

func (m *Manager) RunScheduledStateSync(node string) {
	m.logScheduled("state-sync", node, func() (string, error) { return m.RunStateSync(node, true) })
}

func (m *Manager) RunScheduledRelayerRestart(relayer string) {
	m.logScheduled("relayer-restart", relayer, func() (string, error) { return m.RunRelayerRestart(relayer, true) })
}

func (m *Manager) logScheduled(kind, target string, run func() (string, error)) {
	id, err := run()
	logger := log.WithComponent("scheduler").With().Str("kind", kind).Str("target", target).Logger()
	switch {
	case errors.Is(err, executor.ErrLockBusy):
		logger.Warn().Err(err).Msg("scheduled firing skipped, target busy")
	case err != nil:
		logger.Error().Err(err).Msg("scheduled firing failed to launch")
	default:
		logger.Info().Str("operation_id", id).Msg("scheduled operation launched")
	}
}
