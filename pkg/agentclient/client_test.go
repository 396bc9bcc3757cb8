package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestClient(srv *httptest.Server) *Client {
	c := New(srv.URL, "test-key")
	c.pollPeriod = 5 * time.Millisecond
	c.pollStep = 5 * time.Millisecond
	c.pollMax = 20 * time.Millisecond
	return c
}

func writeEnvelope(w http.ResponseWriter, resp *types.AgentResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestExecuteInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/service/status", r.URL.Path)
		writeEnvelope(w, &types.AgentResponse{Success: true, Output: "running"})
	}))
	defer srv.Close()

	out, err := newTestClient(srv).Execute(context.Background(), "/service/status", map[string]string{"service_name": "nolusd"})
	require.NoError(t, err)
	// Non-JSON output is wrapped.
	assert.JSONEq(t, `{"output":"running"}`, string(out))
}

func TestExecuteInlineAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, &types.AgentResponse{Success: false, Error: "service not found"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Execute(context.Background(), "/service/status", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not found")
}

func TestExecuteLongRunningCompleted(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/snapshot/create":
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1"})
		case "/operation/status/job-1":
			if polls.Add(1) < 3 {
				writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1", JobStatus: "Running"})
				return
			}
			writeEnvelope(w, &types.AgentResponse{
				Success:   true,
				JobID:     "job-1",
				JobStatus: "Completed",
				Output:    `{"filename":"nolus_20250106_120000"}`,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	out, err := newTestClient(srv).Execute(context.Background(), "/snapshot/create", &types.SnapshotCreateRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"nolus_20250106_120000"}`, string(out))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestExecuteLongRunningFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pruning/execute":
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1"})
		default:
			writeEnvelope(w, &types.AgentResponse{
				Success:   true,
				JobID:     "job-1",
				JobStatus: "Failed",
				Error:     "pruning failed: disk full",
			})
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Execute(context.Background(), "/pruning/execute", &types.PruningRequest{})
	require.Error(t, err)
	// The agent's error text is surfaced verbatim.
	assert.Contains(t, err.Error(), "pruning failed: disk full")
}

func TestExecuteLongRunningMissingJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, &types.AgentResponse{Success: true})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Execute(context.Background(), "/snapshot/restore", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job id")
}

func TestPollGivesUpAfterConsecutiveFailures(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/state-sync/execute":
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1"})
		default:
			polls.Add(1)
			writeEnvelope(w, &types.AgentResponse{Success: false, Error: "job store unavailable"})
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Execute(context.Background(), "/state-sync/execute", &types.StateSyncRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive poll failures")
	assert.Equal(t, int32(maxPollFailures), polls.Load())
}

func TestPollFailureCounterResetsOnRunning(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pruning/execute":
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1"})
		default:
			// Alternate failures and Running so the failure counter never
			// accumulates to the limit; finish on the 12th poll.
			n := polls.Add(1)
			switch {
			case n >= 12:
				writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1", JobStatus: "Completed", Output: "done"})
			case n%2 == 0:
				writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1", JobStatus: "Running"})
			default:
				writeEnvelope(w, &types.AgentResponse{Success: false, Error: "flaky"})
			}
		}
	}))
	defer srv.Close()

	out, err := newTestClient(srv).Execute(context.Background(), "/pruning/execute", &types.PruningRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"output":"done"}`, string(out))
}

func TestPollHonoursContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/snapshot/create":
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1"})
		default:
			writeEnvelope(w, &types.AgentResponse{Success: true, JobID: "job-1", JobStatus: "Running"})
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv).Execute(ctx, "/snapshot/create", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", `{}`},
		{"json object", `{"a":1}`, `{"a":1}`},
		{"json array", `[1,2]`, `[1,2]`},
		{"plain text", "all good", `{"output":"all good"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(wrapOutput(tt.raw)))
		})
	}
}
