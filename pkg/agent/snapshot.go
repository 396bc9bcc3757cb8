package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// validatorStateFile is the signing-history file that must never regress.
const validatorStateFile = "priv_validator_state.json"

// validatorStateBackup is where the live signing state is parked during a
// restore, outside the data directory so the wipe cannot touch it.
const validatorStateBackup = "priv_validator_state_backup.json"

// CreateSnapshot copies the node's data and wasm directories into the
// backup area under a timestamped, network-prefixed name. When compression
// is requested the LZ4 archive is produced by a background task whose
// outcome is not part of this operation's result.
func (o *Operations) CreateSnapshot(ctx context.Context, req *types.SnapshotCreateRequest) (string, error) {
	if req.DeployPath == "" || req.BackupPath == "" || req.Network == "" {
		return "", fmt.Errorf("deploy_path, backup_path and network are required")
	}

	dataDir := filepath.Join(req.DeployPath, "data")
	if _, err := os.Stat(dataDir); err != nil {
		return "", fmt.Errorf("data directory missing: %w", err)
	}
	if err := os.MkdirAll(req.BackupPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup area: %w", err)
	}

	name := snapshotName(req.Network, time.Now())
	dest := filepath.Join(req.BackupPath, name)
	logger := log.WithComponent("snapshot").With().Str("snapshot", name).Logger()

	if req.StopService {
		if err := o.service.stop(ctx, req.ServiceName); err != nil {
			return "", err
		}
	}

	copyErr := func() error {
		if err := copyDir(dataDir, filepath.Join(dest, "data")); err != nil {
			return fmt.Errorf("failed to copy data directory: %w", err)
		}
		wasmDir := filepath.Join(req.DeployPath, "wasm")
		if _, err := os.Stat(wasmDir); err == nil {
			if err := copyDir(wasmDir, filepath.Join(dest, "wasm")); err != nil {
				return fmt.Errorf("failed to copy wasm directory: %w", err)
			}
		}
		return nil
	}()

	if req.StopService {
		if err := o.service.start(ctx, req.ServiceName); err != nil {
			if copyErr != nil {
				return "", fmt.Errorf("%w (service restart also failed: %v)", copyErr, err)
			}
			return "", err
		}
	}
	if copyErr != nil {
		os.RemoveAll(dest)
		return "", copyErr
	}

	size, err := dirSize(dest)
	if err != nil {
		return "", err
	}
	logger.Info().Int64("size_bytes", size).Msg("snapshot created")

	if req.Compress {
		go o.compressSnapshot(req.BackupPath, name)
	}

	result, _ := json.Marshal(map[string]any{
		"filename":    name,
		"path":        dest,
		"size_bytes":  size,
		"compressing": req.Compress,
	})
	return string(result), nil
}

// compressSnapshot turns a snapshot directory into a .tar.lz4 archive and
// removes the directory on success. Runs detached; failures are logged only.
func (o *Operations) compressSnapshot(backupPath, name string) {
	logger := log.WithComponent("snapshot").With().Str("snapshot", name).Logger()
	cmd := fmt.Sprintf("cd '%s' && tar -cf - '%s' | lz4 -q > '%s.tar.lz4' && rm -rf '%s'",
		backupPath, name, name, name)
	if _, err := o.runner.Run(context.Background(), cmd); err != nil {
		logger.Error().Err(err).Msg("background compression failed")
		return
	}
	logger.Info().Msg("snapshot compressed")
}

// RestoreSnapshot replaces the node's data and wasm directories with a
// snapshot's. The live priv_validator_state.json is carried across the
// wipe: the snapshot holds an older signing height and letting it win
// would expose the validator to double-signing.
func (o *Operations) RestoreSnapshot(ctx context.Context, req *types.SnapshotRestoreRequest) (string, error) {
	if req.DeployPath == "" || req.SnapshotDir == "" {
		return "", fmt.Errorf("deploy_path and snapshot_dir are required")
	}

	// Validation happens before any mutation.
	for _, dir := range []string{
		req.DeployPath,
		req.SnapshotDir,
		filepath.Join(req.SnapshotDir, "data"),
		filepath.Join(req.SnapshotDir, "wasm"),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("snapshot validation failed: %s: %w", dir, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("snapshot validation failed: %s is not a directory", dir)
		}
	}

	logger := log.WithComponent("snapshot").With().Str("service", req.ServiceName).Logger()

	if err := o.service.stop(ctx, req.ServiceName); err != nil {
		return "", err
	}

	liveState := filepath.Join(req.DeployPath, "data", validatorStateFile)
	backupState := filepath.Join(req.DeployPath, validatorStateBackup)
	stateBackedUp := false
	switch _, err := os.Stat(liveState); {
	case err == nil:
		if err := copyFile(liveState, backupState); err != nil {
			return "", fmt.Errorf("failed to back up validator state: %w", err)
		}
		stateBackedUp = true
	case os.IsNotExist(err):
		logger.Warn().Msg("no validator state to preserve, node may be fresh")
	default:
		return "", fmt.Errorf("failed to inspect validator state: %w", err)
	}

	for _, dir := range []string{"data", "wasm"} {
		if err := os.RemoveAll(filepath.Join(req.DeployPath, dir)); err != nil {
			return "", fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	if err := copyDir(filepath.Join(req.SnapshotDir, "data"), filepath.Join(req.DeployPath, "data")); err != nil {
		return "", fmt.Errorf("failed to copy snapshot data: %w", err)
	}
	if err := copyDir(filepath.Join(req.SnapshotDir, "wasm"), filepath.Join(req.DeployPath, "wasm")); err != nil {
		return "", fmt.Errorf("failed to copy snapshot wasm: %w", err)
	}

	if stateBackedUp {
		if err := copyFile(backupState, liveState); err != nil {
			return "", fmt.Errorf("failed to restore validator state: %w", err)
		}
	}

	if err := o.service.start(ctx, req.ServiceName); err != nil {
		return "", err
	}

	if req.TruncateLogs && req.LogPath != "" {
		if err := o.TruncateLogs(ctx, req.LogPath); err != nil {
			logger.Warn().Err(err).Msg("post-restore log truncation failed")
		}
	}

	logger.Info().Str("snapshot_dir", req.SnapshotDir).Bool("validator_state_preserved", stateBackedUp).Msg("snapshot restored")

	result, _ := json.Marshal(map[string]any{
		"snapshot_dir":              req.SnapshotDir,
		"validator_state_preserved": stateBackedUp,
	})
	return string(result), nil
}

// copyFile copies a regular file, preserving its mode.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyDir copies a directory tree. Symlinks are recreated, not followed.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target)
		}
	})
}
