package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/events"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// checkAutoRestore evaluates the restore triggers for an unhealthy node.
// The checked flag guarantees at most one evaluation per unhealthy episode
// regardless of how long the episode lasts; it is cleared when the node
// returns to healthy.
func (m *Monitor) checkAutoRestore(name string, node *config.Node) {
	m.mu.Lock()
	if m.checked[name] {
		m.mu.Unlock()
		return
	}
	m.checked[name] = true

	if last, ok := m.lastRestore[name]; ok && time.Since(last) < restoreCooldown {
		m.mu.Unlock()
		log.WithComponent("monitor").Info().
			Str("target", name).
			Time("last_attempt", last).
			Msg("auto-restore cooldown active, skipping trigger check")
		return
	}
	m.mu.Unlock()

	found, err := m.triggersFound(name, node)
	if err != nil {
		log.WithComponent("monitor").Error().Err(err).Str("target", name).Msg("trigger check failed")
		return
	}
	if !found {
		log.WithComponent("monitor").Info().Str("target", name).Msg("no restore triggers in node log")
		return
	}

	m.mu.Lock()
	m.lastRestore[name] = time.Now()
	m.restoreCount[name]++
	attempt := m.restoreCount[name]
	m.mu.Unlock()

	m.broker.Publish(&types.Event{
		Type:    events.EventAutoRestore,
		Target:  name,
		Message: fmt.Sprintf("auto-restore triggered for %s (attempt %d)", name, attempt),
	})

	details, _ := json.Marshal(map[string]int{"attempt": attempt})
	m.alerts.Send("auto_restore_started", types.SeverityWarning, name, node.Server,
		"restore trigger matched in node log, starting snapshot restore", details)

	if err := m.restore(name); err != nil {
		m.alerts.Send("auto_restore_failed", types.SeverityCritical, name, node.Server,
			fmt.Sprintf("failed to start auto-restore: %v", err), nil)
	}
}

// triggersFound asks the node's agent to grep the tail of the node log for
// any configured trigger word.
func (m *Monitor) triggersFound(name string, node *config.Node) (bool, error) {
	client := m.clients(node.Server)
	if client == nil {
		return false, fmt.Errorf("no agent client for server %s", node.Server)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Post(ctx, "/snapshot/check-triggers", types.TriggerCheckRequest{
		LogFile:      filepath.Join(node.LogPath, "out1.log"),
		TriggerWords: node.AutoRestoreTriggers,
	})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		return false, fmt.Errorf("agent error: %s", resp.Error)
	}

	var out struct {
		TriggersFound bool `json:"triggers_found"`
	}
	if err := json.Unmarshal([]byte(resp.Output), &out); err != nil {
		return false, fmt.Errorf("failed to parse trigger check output: %w", err)
	}
	return out.TriggersFound, nil
}
