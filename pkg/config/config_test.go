package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validManagerYAML = `
listen_addr: ":8080"
data_dir: /tmp/nodesman-test
alarm_webhook_url: https://hooks.example.com/alerts
servers:
  host-a:
    host: 10.0.0.1
    port: 8090
    api_key: key-a
nodes:
  nolus-1:
    server: host-a
    network: nolus
    rpc_url: http://10.0.0.1:26657
    service_name: nolusd
    deploy_path: /opt/nolus
    backup_path: /backups/nolus
    log_path: /var/log/nolus
    enabled: true
    pruning_enabled: true
    pruning_schedule: "0 0 2 * * 0"
    pruning_keep_blocks: 100000
    pruning_keep_versions: 100000
relayers:
  hermes-main:
    server: host-a
    service_name: hermes
    restart_schedule: "0 30 1 * * *"
    dependent_nodes: [nolus-1]
`

func TestLoadManager(t *testing.T) {
	cfg, err := LoadManager(writeConfig(t, validManagerYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	require.Contains(t, cfg.Nodes, "nolus-1")
	node := cfg.Nodes["nolus-1"]
	assert.Equal(t, "host-a", node.Server)
	assert.True(t, node.PruningEnabled)
	assert.Equal(t, 100000, node.PruningKeepBlocks)
	require.Contains(t, cfg.Relayers, "hermes-main")
	assert.Equal(t, []string{"nolus-1"}, cfg.Relayers["hermes-main"].DependentNodes)
}

func TestLoadManagerDefaults(t *testing.T) {
	cfg, err := LoadManager(writeConfig(t, `
servers:
  host-a:
    host: 10.0.0.1
    api_key: key-a
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 60, cfg.CheckIntervalSeconds)
	assert.Equal(t, 10, cfg.RPCTimeoutSeconds)
	assert.Equal(t, 6, cfg.WindowCutoffHours)
	assert.Equal(t, 8090, cfg.Servers["host-a"].Port)
}

func TestLoadManagerNodeDefaults(t *testing.T) {
	cfg, err := LoadManager(writeConfig(t, `
servers:
  host-a:
    host: 10.0.0.1
    api_key: key-a
nodes:
  nolus-1:
    server: host-a
    rpc_url: http://10.0.0.1:26657
    enabled: true
`))
	require.NoError(t, err)

	node := cfg.Nodes["nolus-1"]
	assert.Equal(t, int64(2000), node.TrustHeightOffset)
	assert.Equal(t, 1800, node.MaxSyncTimeoutSeconds)
	assert.Equal(t, 2, node.LogContextLines)
}

func TestLoadManagerValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "server without api key",
			yaml: `
servers:
  host-a:
    host: 10.0.0.1
`,
			wantErr: "api_key is required",
		},
		{
			name: "node referencing unknown server",
			yaml: `
servers:
  host-a: {host: 10.0.0.1, api_key: k}
nodes:
  nolus-1: {server: host-z, rpc_url: "http://x", enabled: true}
`,
			wantErr: `unknown server "host-z"`,
		},
		{
			name: "enabled node without rpc url",
			yaml: `
servers:
  host-a: {host: 10.0.0.1, api_key: k}
nodes:
  nolus-1: {server: host-a, enabled: true}
`,
			wantErr: "rpc_url is required",
		},
		{
			name: "relayer with unknown dependent node",
			yaml: `
servers:
  host-a: {host: 10.0.0.1, api_key: k}
relayers:
  hermes-main: {server: host-a, service_name: hermes, dependent_nodes: [ghost]}
`,
			wantErr: `unknown dependent node "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManager(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadManagerMissingFile(t *testing.T) {
	_, err := LoadManager(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestServerFor(t *testing.T) {
	cfg, err := LoadManager(writeConfig(t, validManagerYAML))
	require.NoError(t, err)

	assert.Equal(t, "host-a", cfg.ServerFor("nolus-1"))
	assert.Equal(t, "host-a", cfg.ServerFor("hermes-main"))
	assert.Equal(t, "unknown", cfg.ServerFor("ghost"))
}

func TestAgentAddr(t *testing.T) {
	cfg, err := LoadManager(writeConfig(t, validManagerYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.1:8090", cfg.AgentAddr("host-a"))
	assert.Empty(t, cfg.AgentAddr("ghost"))
}

func TestLoadAgent(t *testing.T) {
	cfg, err := LoadAgent(writeConfig(t, `
listen_addr: ":9000"
api_key: secret
job_ttl_hours: 48
`))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 48, cfg.JobTTLHours)
}

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent(writeConfig(t, `api_key: secret`))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, 24, cfg.JobTTLHours)
}

func TestLoadAgentRequiresAPIKey(t *testing.T) {
	_, err := LoadAgent(writeConfig(t, `listen_addr: ":9000"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}
