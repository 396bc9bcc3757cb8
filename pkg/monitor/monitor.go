package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/agentclient"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/alerts"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/events"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/maintenance"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/storage"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// alertThreshold is the number of consecutive failed cycles before the
// progressive alert path engages.
const alertThreshold = 3

// RestoreFunc launches an automatic snapshot restore for a node. The launch
// is asynchronous; a launch error means the restore never started.
type RestoreFunc func(node string) error

// ClientFunc resolves the agent client for a server name.
type ClientFunc func(server string) *agentclient.Client

// Monitor probes every enabled node each cycle, applies the
// block-progression law, drives progressive alerting, and evaluates
// auto-restore triggers once per unhealthy episode.
type Monitor struct {
	cfg     *config.Manager
	store   storage.Store
	tracker *maintenance.Tracker
	alerts  *alerts.Service
	broker  *events.Broker
	clients ClientFunc
	restore RestoreFunc

	baselines *baselineTracker
	probers   map[string]Prober

	mu           sync.Mutex
	failures     map[string]int
	wasUnhealthy map[string]bool
	checked      map[string]bool
	lastRestore  map[string]time.Time
	restoreCount map[string]int

	stopCh chan struct{}
}

// restoreCooldown is the minimum gap between auto-restore attempts per node.
const restoreCooldown = 2 * time.Hour

// New creates a monitor. restore may be nil when auto-restore is disabled
// fleet-wide.
func New(cfg *config.Manager, store storage.Store, tracker *maintenance.Tracker, alertSvc *alerts.Service, broker *events.Broker, clients ClientFunc, restore RestoreFunc) *Monitor {
	timeout := time.Duration(cfg.RPCTimeoutSeconds) * time.Second
	probers := make(map[string]Prober, len(cfg.Nodes))
	for name, node := range cfg.Nodes {
		probers[name] = ProberFor(node.Network, timeout)
	}

	return &Monitor{
		cfg:          cfg,
		store:        store,
		tracker:      tracker,
		alerts:       alertSvc,
		broker:       broker,
		clients:      clients,
		restore:      restore,
		baselines:    newBaselineTracker(),
		probers:      probers,
		failures:     make(map[string]int),
		wasUnhealthy: make(map[string]bool),
		checked:      make(map[string]bool),
		lastRestore:  make(map[string]time.Time),
		restoreCount: make(map[string]int),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	interval := time.Duration(m.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunCycle()
		case <-m.stopCh:
			return
		}
	}
}

// RunCycle performs one probe cycle: one concurrent probe per enabled,
// not-in-maintenance node, a service-state row per relayer, then the
// log-pattern pass over healthy nodes.
func (m *Monitor) RunCycle() {
	var wg sync.WaitGroup
	unhealthy := 0
	var unhealthyMu sync.Mutex

	for name, node := range m.cfg.Nodes {
		if !node.Enabled {
			continue
		}

		if m.tracker.IsActive(name) {
			// Probes are suspended during maintenance; alerts stay quiet.
			m.record(&types.HealthStatus{
				Target:        name,
				RPCURL:        node.RPCURL,
				Healthy:       false,
				Error:         "suspended",
				LastCheck:     time.Now(),
				Enabled:       true,
				InMaintenance: true,
			})
			continue
		}

		wg.Add(1)
		go func(name string, node *config.Node) {
			defer wg.Done()
			status := m.probeNode(name, node)
			m.record(status)
			m.react(name, node, status)
			if !status.Healthy {
				unhealthyMu.Lock()
				unhealthy++
				unhealthyMu.Unlock()
			}
		}(name, node)
	}

	wg.Wait()
	metrics.UnhealthyNodes.Set(float64(unhealthy))

	m.probeRelayers()
	m.logPatternPass()
}

// probeRelayers records one health row per relayer. Relayers expose no RPC;
// the agent's systemd view of the service is the only health signal.
func (m *Monitor) probeRelayers() {
	for name, relayer := range m.cfg.Relayers {
		if m.tracker.IsActive(name) {
			m.record(&types.HealthStatus{
				Target:        name,
				Healthy:       false,
				Error:         "suspended",
				LastCheck:     time.Now(),
				Enabled:       true,
				InMaintenance: true,
			})
			continue
		}
		m.record(m.probeRelayer(name, relayer))
	}
}

func (m *Monitor) probeRelayer(name string, relayer *config.Relayer) *types.HealthStatus {
	status := &types.HealthStatus{
		Target:    name,
		LastCheck: time.Now(),
		Enabled:   true,
	}

	client := m.clients(relayer.Server)
	if client == nil {
		status.Error = fmt.Sprintf("no agent client for server %s", relayer.Server)
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.RPCTimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := client.Post(ctx, "/service/status", map[string]string{"service_name": relayer.ServiceName})
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if !resp.Success {
		status.Error = fmt.Sprintf("agent error: %s", resp.Error)
		return status
	}

	status.Healthy = resp.Output == string(types.ServiceRunning)
	if !status.Healthy {
		status.Error = fmt.Sprintf("service %s is %s", relayer.ServiceName, resp.Output)
	}
	return status
}

// probeNode runs one RPC probe and applies the block-progression law.
func (m *Monitor) probeNode(name string, node *config.Node) *types.HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.RPCTimeoutSeconds)*time.Second)
	defer cancel()

	status := &types.HealthStatus{
		Target:    name,
		RPCURL:    node.RPCURL,
		LastCheck: time.Now(),
		Enabled:   true,
	}

	result, err := m.probers[name].Probe(ctx, node.RPCURL)
	if err != nil {
		status.Healthy = false
		status.Error = err.Error()
		metrics.HealthChecksTotal.WithLabelValues("error").Inc()
		return status
	}

	progressing := m.baselines.observe(name, result.Height, status.LastCheck)
	status.BlockHeight = result.Height
	status.CatchingUp = result.CatchingUp
	// A catching-up node is closing the gap to chain head; that counts as
	// healthy even when the height comparison has not fired yet.
	status.Healthy = progressing || result.CatchingUp
	if !status.Healthy {
		status.Error = fmt.Sprintf("block height stalled at %d", result.Height)
	}

	if status.Healthy {
		metrics.HealthChecksTotal.WithLabelValues("healthy").Inc()
	} else {
		metrics.HealthChecksTotal.WithLabelValues("unhealthy").Inc()
	}
	return status
}

func (m *Monitor) record(status *types.HealthStatus) {
	if err := m.store.AppendHealth(status); err != nil {
		log.WithComponent("monitor").Error().Err(err).Str("target", status.Target).Msg("failed to persist health status")
	}
}

// react updates failure counters and drives alerting and auto-restore.
func (m *Monitor) react(name string, node *config.Node, status *types.HealthStatus) {
	m.mu.Lock()
	if status.Healthy {
		was := m.wasUnhealthy[name]
		m.failures[name] = 0
		m.wasUnhealthy[name] = false
		m.checked[name] = false
		m.mu.Unlock()

		if was {
			m.broker.Publish(&types.Event{
				Type:    events.EventNodeRecovered,
				Target:  name,
				Message: fmt.Sprintf("%s recovered at height %d", name, status.BlockHeight),
			})
			if m.alerts.ClearAlarms(name) {
				m.alerts.Send("node_recovered", types.SeverityInfo, name, node.Server,
					fmt.Sprintf("node recovered at height %d", status.BlockHeight), nil)
			}
		}
		return
	}

	m.failures[name]++
	consecutive := m.failures[name]
	firstUnhealthy := !m.wasUnhealthy[name]
	m.wasUnhealthy[name] = true
	m.mu.Unlock()

	if firstUnhealthy {
		m.broker.Publish(&types.Event{
			Type:    events.EventNodeUnhealthy,
			Target:  name,
			Message: fmt.Sprintf("%s unhealthy: %s", name, status.Error),
		})
	}

	if consecutive >= alertThreshold && m.alerts.ShouldSendProgressive(name) {
		details, _ := json.Marshal(map[string]any{
			"consecutive_failures": consecutive,
			"block_height":         status.BlockHeight,
			"error":                status.Error,
		})
		m.alerts.Send("node_unhealthy", types.SeverityCritical, name, node.Server,
			fmt.Sprintf("node unhealthy for %d consecutive checks: %s", consecutive, status.Error), details)
		m.alerts.MarkAlarmSent(name)
	}

	if node.AutoRestoreEnabled && m.restore != nil {
		m.checkAutoRestore(name, node)
	}
}
