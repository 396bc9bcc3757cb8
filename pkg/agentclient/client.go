package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/metrics"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// Long-running endpoints respond with a job id and execute asynchronously;
// everything else returns its final result inline.
var longRunningPaths = map[string]bool{
	"/snapshot/create":    true,
	"/snapshot/restore":   true,
	"/pruning/execute":    true,
	"/state-sync/execute": true,
}

const (
	initialPollPeriod = 30 * time.Second
	pollPeriodStep    = 30 * time.Second
	maxPollPeriod     = 5 * time.Minute
	maxPollFailures   = 5
)

// Client talks to one agent over authenticated HTTP. Requests carry no
// client-side timeout: long operations are expected to take hours and are
// resolved through the job-status poll loop instead.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// Poll pacing, overridable in tests.
	pollPeriod time.Duration
	pollStep   time.Duration
	pollMax    time.Duration
}

// New creates a client for the agent at baseURL using the given API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		http:       &http.Client{},
		pollPeriod: initialPollPeriod,
		pollStep:   pollPeriodStep,
		pollMax:    maxPollPeriod,
	}
}

// Post sends one authenticated POST and decodes the envelope. It does not
// follow the async protocol; use Execute for that.
func (c *Client) Post(ctx context.Context, path string, body any) (*types.AgentResponse, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope types.AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return &envelope, nil
}

// Get sends one authenticated GET and decodes the envelope.
func (c *Client) Get(ctx context.Context, path string) (*types.AgentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope types.AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return &envelope, nil
}

// Execute runs one agent operation to completion. For long-running paths it
// starts the job and polls its status until a terminal state; for everything
// else it returns the inline result. The returned payload is the agent's
// output parsed as JSON, or wrapped as {"output": ...} when it is not JSON.
func (c *Client) Execute(ctx context.Context, path string, body any) (json.RawMessage, error) {
	resp, err := c.Post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("agent error: %s", resp.Error)
	}

	if !longRunningPaths[path] {
		return wrapOutput(resp.Output), nil
	}
	if resp.JobID == "" {
		return nil, fmt.Errorf("agent did not return a job id for %s", path)
	}
	return c.pollJob(ctx, resp.JobID)
}

// pollJob polls the agent's job status with additive backoff: 30s initial,
// +30s per poll, capped at 5 minutes. Five consecutive failures (transport
// errors, unparseable payloads, or success=false) give up; any recognised
// successful status resets the failure counter without resetting the
// backoff.
func (c *Client) pollJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	period := c.pollPeriod
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(period):
		}

		if period < c.pollMax {
			period += c.pollStep
			if period > c.pollMax {
				period = c.pollMax
			}
		}

		resp, err := c.Get(ctx, "/operation/status/"+jobID)
		if err != nil {
			failures++
			metrics.AgentPollsTotal.WithLabelValues("transport_error").Inc()
			log.WithComponent("agentclient").Warn().
				Err(err).
				Str("job_id", jobID).
				Int("consecutive_failures", failures).
				Msg("job status poll failed")
			if failures >= maxPollFailures {
				return nil, fmt.Errorf("job %s: %d consecutive poll failures: %w", jobID, failures, err)
			}
			continue
		}

		if !resp.Success {
			failures++
			metrics.AgentPollsTotal.WithLabelValues("agent_error").Inc()
			if failures >= maxPollFailures {
				return nil, fmt.Errorf("job %s: %d consecutive poll failures: agent error: %s", jobID, failures, resp.Error)
			}
			continue
		}

		switch types.JobStatus(resp.JobStatus) {
		case types.JobCompleted:
			metrics.AgentPollsTotal.WithLabelValues("completed").Inc()
			return wrapOutput(resp.Output), nil
		case types.JobFailed:
			metrics.AgentPollsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("agent error: %s", resp.Error)
		case types.JobRunning:
			failures = 0
			metrics.AgentPollsTotal.WithLabelValues("running").Inc()
		default:
			failures++
			metrics.AgentPollsTotal.WithLabelValues("unrecognised").Inc()
			if failures >= maxPollFailures {
				return nil, fmt.Errorf("job %s: %d consecutive poll failures: unrecognised status %q", jobID, failures, resp.JobStatus)
			}
		}
	}
}

// wrapOutput parses raw as JSON, or wraps it in an {"output": ...} object
// when it is not valid JSON.
func wrapOutput(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"output": raw})
	return json.RawMessage(wrapped)
}
