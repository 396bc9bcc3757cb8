package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Runner executes host commands. It is the single seam between the agent's
// operation logic and the operating system; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellRunner runs commands through the shell and returns combined output.
type ShellRunner struct{}

// Run executes the command with sh -c. Output is returned even on failure
// so callers can surface it in error messages.
func (ShellRunner) Run(ctx context.Context, command string) (string, error) {
	start := time.Now()
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		log.WithComponent("runner").Debug().
			Str("command", command).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("command failed")
		if output != "" {
			return output, fmt.Errorf("command failed: %w: %s", err, output)
		}
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}

// serviceControl wraps systemd interaction on top of a Runner.
type serviceControl struct {
	runner Runner
}

func (s serviceControl) start(ctx context.Context, name string) error {
	_, err := s.runner.Run(ctx, "sudo systemctl start "+name)
	if err != nil {
		return fmt.Errorf("failed to start service %s: %w", name, err)
	}
	return nil
}

func (s serviceControl) stop(ctx context.Context, name string) error {
	_, err := s.runner.Run(ctx, "sudo systemctl stop "+name)
	if err != nil {
		return fmt.Errorf("failed to stop service %s: %w", name, err)
	}
	return nil
}

// state maps systemctl is-active output to a service state. is-active exits
// non-zero for anything but "active", so the error is ignored and only the
// printed state is inspected.
func (s serviceControl) state(ctx context.Context, name string) types.ServiceState {
	out, _ := s.runner.Run(ctx, "systemctl is-active "+name)
	switch strings.TrimSpace(out) {
	case "active", "activating":
		return types.ServiceRunning
	case "inactive":
		return types.ServiceStopped
	case "failed":
		return types.ServiceFailed
	default:
		return types.ServiceUnknown
	}
}

// uptime returns how long the service has been active, or zero if it is not
// running or the timestamp cannot be parsed.
func (s serviceControl) uptime(ctx context.Context, name string) time.Duration {
	out, err := s.runner.Run(ctx, "systemctl show "+name+" --property=ActiveEnterTimestamp --value")
	if err != nil {
		return 0
	}
	ts := strings.TrimSpace(out)
	if ts == "" || ts == "n/a" {
		return 0
	}
	// systemd prints e.g. "Mon 2025-01-06 12:34:56 UTC".
	entered, err := time.Parse("Mon 2006-01-02 15:04:05 MST", ts)
	if err != nil {
		return 0
	}
	if entered.After(time.Now()) {
		return 0
	}
	return time.Since(entered)
}
