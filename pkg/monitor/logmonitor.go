package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// logTailLines is how much of the log the pattern pass inspects each cycle.
const logTailLines = 200

// logPatternPass scans the logs of healthy, log-monitoring-enabled nodes
// for configured patterns. This channel is orthogonal to health alerting:
// it fires log_pattern_match alerts regardless of progressive-alert state.
func (m *Monitor) logPatternPass() {
	for name, node := range m.cfg.Nodes {
		if !node.Enabled || !node.LogMonitoringEnabled || len(node.LogPatterns) == 0 {
			continue
		}

		m.mu.Lock()
		healthy := !m.wasUnhealthy[name]
		m.mu.Unlock()
		if !healthy {
			continue
		}

		matches, err := m.grepLog(name, node)
		if err != nil {
			log.WithComponent("monitor").Warn().Err(err).Str("target", name).Msg("log pattern scan failed")
			continue
		}
		if matches == "" {
			continue
		}

		details, _ := json.Marshal(map[string]string{"matches": matches})
		m.alerts.Send("log_pattern_match", types.SeverityWarning, name, node.Server,
			fmt.Sprintf("log patterns matched in %s", node.LogPath), details)
	}
}

// grepLog tails the node log on its host and greps the regex union of the
// configured patterns with context lines.
func (m *Monitor) grepLog(name string, node *config.Node) (string, error) {
	client := m.clients(node.Server)
	if client == nil {
		return "", fmt.Errorf("no agent client for server %s", node.Server)
	}

	pattern := strings.Join(node.LogPatterns, "|")
	command := fmt.Sprintf("tail -n %d %s/out1.log | grep -E -C %d '%s' || true",
		logTailLines, node.LogPath, node.LogContextLines, pattern)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Post(ctx, "/command/execute", map[string]string{"command": command})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("agent error: %s", resp.Error)
	}
	return strings.TrimSpace(resp.Output), nil
}
