package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manager is the top-level manager configuration.
type Manager struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	RPCTimeoutSeconds    int    `yaml:"rpc_timeout_seconds"`
	AlarmWebhookURL      string `yaml:"alarm_webhook_url"`
	WindowCutoffHours    int    `yaml:"maintenance_window_cutoff_hours"`

	Servers  map[string]*Server `yaml:"servers"`
	Nodes    map[string]*Node   `yaml:"nodes"`
	Relayers map[string]*Relayer `yaml:"relayers"`

	LogLevel string `yaml:"log_level"`
}

// Server describes one host running an agent.
type Server struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Node describes one blockchain full-node under management.
type Node struct {
	Server      string `yaml:"server"`
	Network     string `yaml:"network"`
	RPCURL      string `yaml:"rpc_url"`
	ServiceName string `yaml:"service_name"`
	DeployPath  string `yaml:"deploy_path"`
	BackupPath  string `yaml:"backup_path"`
	LogPath     string `yaml:"log_path"`
	Enabled     bool   `yaml:"enabled"`

	PruningEnabled   bool   `yaml:"pruning_enabled"`
	PruningSchedule  string `yaml:"pruning_schedule"`
	PruningKeepBlocks   int `yaml:"pruning_keep_blocks"`
	PruningKeepVersions int `yaml:"pruning_keep_versions"`

	SnapshotsEnabled bool   `yaml:"snapshots_enabled"`
	SnapshotSchedule string `yaml:"snapshot_schedule"`
	SnapshotCompress bool   `yaml:"snapshot_compress"`
	SnapshotStopService bool `yaml:"snapshot_stop_service"`

	StateSyncEnabled   bool     `yaml:"state_sync_enabled"`
	StateSyncSchedule  string   `yaml:"state_sync_schedule"`
	StateSyncRPCSources []string `yaml:"state_sync_rpc_sources"`
	DaemonBinary       string   `yaml:"daemon_binary"`
	TrustHeightOffset  int64    `yaml:"trust_height_offset"`
	MaxSyncTimeoutSeconds int   `yaml:"max_sync_timeout_seconds"`

	AutoRestoreEnabled  bool     `yaml:"auto_restore_enabled"`
	AutoRestoreTriggers []string `yaml:"auto_restore_triggers"`
	AutoRestoreSnapshotDir string `yaml:"auto_restore_snapshot_dir"`

	LogMonitoringEnabled bool     `yaml:"log_monitoring_enabled"`
	LogPatterns          []string `yaml:"log_patterns"`
	LogContextLines      int      `yaml:"log_context_lines"`
}

// Relayer describes one hermes relayer process under management.
type Relayer struct {
	Server          string   `yaml:"server"`
	ServiceName     string   `yaml:"service_name"`
	RestartSchedule string   `yaml:"restart_schedule"`
	LogPath         string   `yaml:"log_path"`
	DependentNodes  []string `yaml:"dependent_nodes"`
}

// Agent is the top-level agent configuration.
type Agent struct {
	ListenAddr  string `yaml:"listen_addr"`
	APIKey      string `yaml:"api_key"`
	JobTTLHours int    `yaml:"job_ttl_hours"`
	LogLevel    string `yaml:"log_level"`
}

// LoadManager reads and validates a manager configuration file.
func LoadManager(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Manager
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Agent
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if cfg.JobTTLHours <= 0 {
		cfg.JobTTLHours = 24
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agent api_key is required")
	}
	return &cfg, nil
}

func (c *Manager) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/nodesman"
	}
	if c.CheckIntervalSeconds <= 0 {
		c.CheckIntervalSeconds = 60
	}
	if c.RPCTimeoutSeconds <= 0 {
		c.RPCTimeoutSeconds = 10
	}
	if c.WindowCutoffHours <= 0 {
		c.WindowCutoffHours = 6
	}
	for _, n := range c.Nodes {
		if n.TrustHeightOffset <= 0 {
			n.TrustHeightOffset = 2000
		}
		if n.MaxSyncTimeoutSeconds <= 0 {
			n.MaxSyncTimeoutSeconds = 1800
		}
		if n.LogContextLines <= 0 {
			n.LogContextLines = 2
		}
	}
}

func (c *Manager) validate() error {
	for name, s := range c.Servers {
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", name)
		}
		if s.APIKey == "" {
			return fmt.Errorf("server %s: api_key is required", name)
		}
		if s.Port <= 0 {
			s.Port = 8090
		}
	}
	for name, n := range c.Nodes {
		if n.Server == "" {
			return fmt.Errorf("node %s: server is required", name)
		}
		if _, ok := c.Servers[n.Server]; !ok {
			return fmt.Errorf("node %s: unknown server %q", name, n.Server)
		}
		if n.Enabled && n.RPCURL == "" {
			return fmt.Errorf("node %s: rpc_url is required for enabled nodes", name)
		}
	}
	for name, r := range c.Relayers {
		if r.Server == "" {
			return fmt.Errorf("relayer %s: server is required", name)
		}
		if _, ok := c.Servers[r.Server]; !ok {
			return fmt.Errorf("relayer %s: unknown server %q", name, r.Server)
		}
		for _, dep := range r.DependentNodes {
			if _, ok := c.Nodes[dep]; !ok {
				return fmt.Errorf("relayer %s: unknown dependent node %q", name, dep)
			}
		}
	}
	return nil
}

// ServerFor resolves the server name for a node or relayer target.
// Falls back to "unknown" so alerting still carries a host field.
func (c *Manager) ServerFor(target string) string {
	if n, ok := c.Nodes[target]; ok {
		return n.Server
	}
	if r, ok := c.Relayers[target]; ok {
		return r.Server
	}
	return "unknown"
}

// AgentAddr returns the base URL of the agent on the named server.
func (c *Manager) AgentAddr(server string) string {
	s, ok := c.Servers[server]
	if !ok {
		return ""
	}
	host := s.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}
