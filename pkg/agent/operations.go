package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Operations implements the host-side maintenance actions. All OS command
// execution goes through the injected Runner; file motion is done directly.
type Operations struct {
	runner  Runner
	service serviceControl
}

// NewOperations creates the operation set on top of a runner.
func NewOperations(runner Runner) *Operations {
	return &Operations{
		runner:  runner,
		service: serviceControl{runner: runner},
	}
}

// ExecuteCommand runs an arbitrary shell command and returns its output.
func (o *Operations) ExecuteCommand(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is empty")
	}
	return o.runner.Run(ctx, command)
}

// ServiceStart starts a systemd service.
func (o *Operations) ServiceStart(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("service_name is required")
	}
	return o.service.start(ctx, name)
}

// ServiceStop stops a systemd service.
func (o *Operations) ServiceStop(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("service_name is required")
	}
	return o.service.stop(ctx, name)
}

// ServiceStatus returns the current state of a systemd service.
func (o *Operations) ServiceStatus(ctx context.Context, name string) (types.ServiceState, error) {
	if name == "" {
		return types.ServiceUnknown, fmt.Errorf("service_name is required")
	}
	return o.service.state(ctx, name), nil
}

// ServiceUptime returns how long a service has been active, in seconds.
func (o *Operations) ServiceUptime(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("service_name is required")
	}
	return int64(o.service.uptime(ctx, name).Seconds()), nil
}

// TruncateLogs empties out1.log under logPath and removes rotated copies.
// The live file is truncated in place so the writing process keeps its
// file descriptor valid.
func (o *Operations) TruncateLogs(ctx context.Context, logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log_path is required")
	}

	live := filepath.Join(logPath, "out1.log")
	if err := os.Truncate(live, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate %s: %w", live, err)
	}

	rotated, err := filepath.Glob(filepath.Join(logPath, "out1.log.*"))
	if err != nil {
		return fmt.Errorf("failed to list rotated logs: %w", err)
	}
	for _, f := range rotated {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove %s: %w", f, err)
		}
	}

	log.WithComponent("operations").Info().
		Str("log_path", logPath).
		Int("rotated_removed", len(rotated)).
		Msg("logs truncated")
	return nil
}

// DeleteAllLogs removes every regular file under logPath. The directory
// itself is kept.
func (o *Operations) DeleteAllLogs(ctx context.Context, logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log_path is required")
	}

	entries, err := os.ReadDir(logPath)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(logPath, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}

	log.WithComponent("operations").Info().
		Str("log_path", logPath).
		Int("removed", removed).
		Msg("log directory cleared")
	return nil
}

// triggerTailLines bounds how much of the log the trigger check reads.
const triggerTailLines = 500

// CheckTriggers greps the tail of a log file for any of the trigger words
// and reports whether one matched.
func (o *Operations) CheckTriggers(ctx context.Context, req *types.TriggerCheckRequest) (bool, error) {
	if req.LogFile == "" {
		return false, fmt.Errorf("log_file is required")
	}
	if len(req.TriggerWords) == 0 {
		return false, nil
	}

	escaped := make([]string, 0, len(req.TriggerWords))
	for _, w := range req.TriggerWords {
		escaped = append(escaped, strings.ReplaceAll(w, "'", `'\''`))
	}
	cmd := fmt.Sprintf("tail -n %d '%s' | grep -F -e '%s' || true",
		triggerTailLines,
		strings.ReplaceAll(req.LogFile, "'", `'\''`),
		strings.Join(escaped, "' -e '"))

	out, err := o.runner.Run(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("trigger check failed: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// ListSnapshots enumerates snapshot artifacts in the backup area,
// recognising both plain directories and .tar.lz4 archives.
func (o *Operations) ListSnapshots(backupPath string) ([]types.SnapshotInfo, error) {
	entries, err := os.ReadDir(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	snapshots := make([]types.SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		full := filepath.Join(backupPath, e.Name())
		switch {
		case e.IsDir():
			size, err := dirSize(full)
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, types.SnapshotInfo{
				Filename:    e.Name(),
				SizeBytes:   size,
				Path:        full,
				Compression: types.CompressionDirectory,
			})
		case strings.HasSuffix(e.Name(), ".tar.lz4"):
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, types.SnapshotInfo{
				Filename:    e.Name(),
				SizeBytes:   info.Size(),
				Path:        full,
				Compression: types.CompressionLZ4,
			})
		case strings.HasSuffix(e.Name(), ".tar.gz"):
			info, err := e.Info()
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, types.SnapshotInfo{
				Filename:    e.Name(),
				SizeBytes:   info.Size(),
				Path:        full,
				Compression: types.CompressionGzip,
			})
		}
	}
	return snapshots, nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", path, err)
	}
	return total, nil
}

// snapshotName builds the timestamped, network-prefixed artifact name.
func snapshotName(network string, now time.Time) string {
	return fmt.Sprintf("%s_%s", network, now.UTC().Format("20060102_150405"))
}
