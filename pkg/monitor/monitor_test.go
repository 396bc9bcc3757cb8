package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/agentclient"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/alerts"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/config"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/events"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/maintenance"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/storage"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// fakeNode is a Tendermint-style RPC endpoint whose height and liveness the
// test controls.
type fakeNode struct {
	mu         sync.Mutex
	height     int64
	catchingUp bool
	down       bool
	srv        *httptest.Server
}

func newFakeNode(t *testing.T, height int64) *fakeNode {
	t.Helper()
	n := &fakeNode{height: height}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.down {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"sync_info": map[string]any{
					"latest_block_height": strconv.FormatInt(n.height, 10),
					"catching_up":         n.catchingUp,
				},
			},
		})
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) advance(by int64) {
	n.mu.Lock()
	n.height += by
	n.mu.Unlock()
}

func (n *fakeNode) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

type alertSink struct {
	mu       sync.Mutex
	payloads []alerts.Payload
	srv      *httptest.Server
}

func newAlertSink(t *testing.T) *alertSink {
	t.Helper()
	s := &alertSink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p alerts.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *alertSink) byType(alarmType string) []alerts.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Payload
	for _, p := range s.payloads {
		if p.AlarmType == alarmType {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	monitor *Monitor
	cfg     *config.Manager
	store   storage.Store
	tracker *maintenance.Tracker
	sink    *alertSink
	restore *atomic.Int32
}

// newTestEnv builds a monitor over one enabled node backed by rpc, with an
// optional agent for trigger checks.
func newTestEnv(t *testing.T, rpc *fakeNode, agentURL string) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := newAlertSink(t)
	tracker := maintenance.NewTracker()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := &config.Manager{
		CheckIntervalSeconds: 60,
		RPCTimeoutSeconds:    2,
		Servers: map[string]*config.Server{
			"host-a": {Host: "127.0.0.1", Port: 8090, APIKey: "k"},
		},
		Nodes: map[string]*config.Node{
			"nolus-1": {
				Server:      "host-a",
				Network:     "nolus",
				RPCURL:      rpc.srv.URL,
				ServiceName: "nolusd",
				LogPath:     "/var/log/nolus",
				Enabled:     true,
			},
		},
	}

	restoreCalls := &atomic.Int32{}
	clients := func(server string) *agentclient.Client {
		if agentURL == "" {
			return nil
		}
		return agentclient.New(agentURL, "k")
	}
	restoreFn := func(node string) error {
		restoreCalls.Add(1)
		return nil
	}

	m := New(cfg, store, tracker, alerts.NewService(sink.srv.URL), broker, clients, restoreFn)
	return &testEnv{monitor: m, cfg: cfg, store: store, tracker: tracker, sink: sink, restore: restoreCalls}
}

func TestCycleRecordsHealthyStatus(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, "")

	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("nolus-1")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(100), status.BlockHeight)
	assert.False(t, status.InMaintenance)
	assert.True(t, status.Enabled)
}

func TestCatchingUpNodeIsHealthy(t *testing.T) {
	rpc := newFakeNode(t, 100)
	rpc.catchingUp = true
	env := newTestEnv(t, rpc, "")

	// Same height repeatedly, but catching_up keeps it healthy.
	env.monitor.RunCycle()
	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("nolus-1")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.True(t, status.CatchingUp)
}

func TestMaintenanceSuspendsProbes(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, "")

	env.tracker.TryStart("nolus-1", types.OperationPruning, 120, "host-a")
	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("nolus-1")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.True(t, status.InMaintenance)
	assert.Equal(t, "suspended", status.Error)

	// No alerts while the window is open, no matter how many cycles pass.
	env.monitor.RunCycle()
	env.monitor.RunCycle()
	assert.Empty(t, env.sink.byType("node_unhealthy"))
}

func TestProgressiveAlertingThreshold(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, "")
	rpc.setDown(true)

	// Two failing cycles: below the threshold, no alert yet.
	env.monitor.RunCycle()
	env.monitor.RunCycle()
	assert.Empty(t, env.sink.byType("node_unhealthy"))

	// Third consecutive failure crosses the threshold.
	env.monitor.RunCycle()
	require.Len(t, env.sink.byType("node_unhealthy"), 1)
	alarm := env.sink.byType("node_unhealthy")[0]
	assert.Equal(t, types.SeverityCritical, alarm.Severity)
	assert.Equal(t, "nolus-1", alarm.NodeName)

	// The next cycle is inside the 6h escalation gap: still one alert.
	env.monitor.RunCycle()
	assert.Len(t, env.sink.byType("node_unhealthy"), 1)
}

func TestRecoveryAlertOnlyAfterAlarm(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, "")

	// Brief outage, no alarm sent, then recovery: no recovery alert.
	rpc.setDown(true)
	env.monitor.RunCycle()
	rpc.setDown(false)
	rpc.advance(1)
	env.monitor.RunCycle()
	assert.Empty(t, env.sink.byType("node_recovered"))

	// Long outage with an alarm, then recovery: one info recovery alert.
	rpc.setDown(true)
	env.monitor.RunCycle()
	env.monitor.RunCycle()
	env.monitor.RunCycle()
	require.Len(t, env.sink.byType("node_unhealthy"), 1)

	rpc.setDown(false)
	rpc.advance(1)
	env.monitor.RunCycle()
	recovered := env.sink.byType("node_recovered")
	require.Len(t, recovered, 1)
	assert.Equal(t, types.SeverityInfo, recovered[0].Severity)
}

// agentWithTriggers fakes the agent's check-triggers endpoint.
func agentWithTriggers(t *testing.T, found bool, calls *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/snapshot/check-triggers", r.URL.Path)
		calls.Add(1)
		out, _ := json.Marshal(map[string]bool{"triggers_found": found})
		_ = json.NewEncoder(w).Encode(&types.AgentResponse{Success: true, Output: string(out)})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestAutoRestoreOncePerEpisode(t *testing.T) {
	var checkCalls atomic.Int32
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithTriggers(t, true, &checkCalls))
	env.cfg.Nodes["nolus-1"].AutoRestoreEnabled = true
	env.cfg.Nodes["nolus-1"].AutoRestoreTriggers = []string{"wrong Block.Header.AppHash"}

	rpc.setDown(true)
	env.monitor.RunCycle()
	assert.Equal(t, int32(1), checkCalls.Load())
	assert.Equal(t, int32(1), env.restore.Load())

	// The episode continues: no second trigger check, no second restore.
	env.monitor.RunCycle()
	env.monitor.RunCycle()
	assert.Equal(t, int32(1), checkCalls.Load())
	assert.Equal(t, int32(1), env.restore.Load())

	// One auto_restore_started alert accompanied the launch.
	assert.Len(t, env.sink.byType("auto_restore_started"), 1)
}

func TestAutoRestoreCooldownAcrossEpisodes(t *testing.T) {
	var checkCalls atomic.Int32
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithTriggers(t, true, &checkCalls))
	env.cfg.Nodes["nolus-1"].AutoRestoreEnabled = true
	env.cfg.Nodes["nolus-1"].AutoRestoreTriggers = []string{"wrong Block.Header.AppHash"}

	rpc.setDown(true)
	env.monitor.RunCycle()
	require.Equal(t, int32(1), env.restore.Load())

	// Recover, then fall unhealthy again within the cooldown window: the
	// new episode re-arms the check but the cooldown refuses it.
	rpc.setDown(false)
	rpc.advance(1)
	env.monitor.RunCycle()
	rpc.setDown(true)
	env.monitor.RunCycle()

	assert.Equal(t, int32(1), checkCalls.Load())
	assert.Equal(t, int32(1), env.restore.Load())
}

func TestNoTriggersNoRestore(t *testing.T) {
	var checkCalls atomic.Int32
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithTriggers(t, false, &checkCalls))
	env.cfg.Nodes["nolus-1"].AutoRestoreEnabled = true
	env.cfg.Nodes["nolus-1"].AutoRestoreTriggers = []string{"wrong Block.Header.AppHash"}

	rpc.setDown(true)
	env.monitor.RunCycle()

	assert.Equal(t, int32(1), checkCalls.Load())
	assert.Zero(t, env.restore.Load())
	assert.Empty(t, env.sink.byType("auto_restore_started"))
}

// agentWithServiceState fakes the agent's service status endpoint.
func agentWithServiceState(t *testing.T, state string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/service/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(&types.AgentResponse{Success: true, Output: state})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRelayerHealthRecorded(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithServiceState(t, "running"))
	env.cfg.Relayers = map[string]*config.Relayer{
		"hermes-main": {Server: "host-a", ServiceName: "hermes"},
	}

	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("hermes-main")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.False(t, status.InMaintenance)
}

func TestRelayerStoppedServiceUnhealthy(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithServiceState(t, "stopped"))
	env.cfg.Relayers = map[string]*config.Relayer{
		"hermes-main": {Server: "host-a", ServiceName: "hermes"},
	}

	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("hermes-main")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Error, "stopped")
}

func TestRelayerInMaintenanceSuspended(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, agentWithServiceState(t, "running"))
	env.cfg.Relayers = map[string]*config.Relayer{
		"hermes-main": {Server: "host-a", ServiceName: "hermes"},
	}
	env.tracker.TryStart("hermes-main", types.OperationHermesRestart, 10, "host-a")

	env.monitor.RunCycle()

	status, err := env.store.LatestHealth("hermes-main")
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	assert.True(t, status.InMaintenance)
	assert.Equal(t, "suspended", status.Error)
}

func TestDisabledNodeSkipped(t *testing.T) {
	rpc := newFakeNode(t, 100)
	env := newTestEnv(t, rpc, "")
	env.cfg.Nodes["nolus-1"].Enabled = false

	env.monitor.RunCycle()

	_, err := env.store.LatestHealth("nolus-1")
	assert.Error(t, err)
}
