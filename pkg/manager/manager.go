package manager

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/agentclient"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/alerts"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/events"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/executor"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/maintenance"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/monitor"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/scheduler"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/storage"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Manager owns the control-plane components: persistent store, per-target
// lock tracker, alert service, operation executor, health monitor, cron
// scheduler, and the agent client pool.
type Manager struct {
	cfg       *config.Manager
	store     storage.Store
	tracker   *maintenance.Tracker
	alerts    *alerts.Service
	broker    *events.Broker
	executor  *executor.Executor
	monitor   *monitor.Monitor
	scheduler *scheduler.Scheduler

	clientsMu sync.Mutex
	clients   map[string]*agentclient.Client
}

// New wires the manager from configuration. The store is opened under the
// configured data directory.
func New(cfg *config.Manager) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		tracker: maintenance.NewTracker(),
		alerts:  alerts.NewService(cfg.AlarmWebhookURL),
		broker:  events.NewBroker(),
		clients: make(map[string]*agentclient.Client),
	}

	m.executor = executor.New(store, m.tracker, m.alerts, m.broker, cfg)
	m.monitor = monitor.New(cfg, store, m.tracker, m.alerts, m.broker, m.ClientFor, m.AutoRestore)
	m.scheduler = scheduler.New(m)

	return m, nil
}

// Start recovers from any previous crash, registers the cron jobs, and
// begins the background loops.
func (m *Manager) Start() error {
	logger := log.WithComponent("manager")

	// Operations left non-terminal by a crash are stale by now; their
	// windows died with the old process, only the records need repair.
	if n, err := m.store.CleanupStuck(time.Hour); err != nil {
		logger.Error().Err(err).Msg("startup operation sweep failed")
	} else if n > 0 {
		logger.Warn().Int("repaired", n).Msg("stale operations marked failed")
	}

	cutoff := time.Duration(m.cfg.WindowCutoffHours) * time.Hour
	if n := m.tracker.SweepExpired(cutoff); n > 0 {
		logger.Warn().Int("closed", n).Msg("expired maintenance windows closed")
	}

	jobs, err := m.scheduler.Register(m.cfg)
	if err != nil {
		return fmt.Errorf("failed to register schedules: %w", err)
	}
	logger.Info().
		Int("nodes", len(m.cfg.Nodes)).
		Int("relayers", len(m.cfg.Relayers)).
		Int("scheduled_jobs", jobs).
		Msg("manager starting")

	m.broker.Start()
	m.scheduler.Start()
	m.monitor.Start()
	return nil
}

// Stop shuts the background loops down and closes the store.
func (m *Manager) Stop() {
	m.monitor.Stop()
	m.scheduler.Stop()
	m.broker.Stop()
	if err := m.store.Close(); err != nil {
		log.WithComponent("manager").Error().Err(err).Msg("failed to close store")
	}
}

// ClientFor returns the pooled agent client for a server, or nil when the
// server is not configured.
func (m *Manager) ClientFor(server string) *agentclient.Client {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	if client, ok := m.clients[server]; ok {
		return client
	}
	srv, ok := m.cfg.Servers[server]
	if !ok {
		return nil
	}
	client := agentclient.New(m.cfg.AgentAddr(server), srv.APIKey)
	m.clients[server] = client
	return client
}

// Config returns the loaded configuration.
func (m *Manager) Config() *config.Manager {
	return m.cfg
}

// Store exposes the persistent store for the read API.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Windows returns the open maintenance windows.
func (m *Manager) Windows() []*types.MaintenanceWindow {
	return m.tracker.ActiveWindows()
}

// Events returns the broker for subscription by the API layer.
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// CancelOperation releases the target's window and marks the record
// failed. The agent-side work is not interrupted.
func (m *Manager) CancelOperation(id string) error {
	return m.executor.Cancel(id)
}

// RunHealthCycle triggers one immediate probe cycle.
func (m *Manager) RunHealthCycle() {
	m.monitor.RunCycle()
}
