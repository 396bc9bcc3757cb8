package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ProbeResult is what one RPC probe learned about a node.
type ProbeResult struct {
	Height     int64
	CatchingUp bool
}

// Prober queries one node's RPC endpoint for liveness data.
type Prober interface {
	Probe(ctx context.Context, rpcURL string) (*ProbeResult, error)
}

// solanaPrefixes identify networks probed with the Solana RPC shape.
var solanaPrefixes = []string{"solana", "mainnet-beta", "testnet", "devnet"}

// ProberFor dispatches on the network name: Solana-family prefixes get the
// getHealth/getSlot prober, everything else the Cosmos status prober.
func ProberFor(network string, timeout time.Duration) Prober {
	name := strings.ToLower(network)
	for _, prefix := range solanaPrefixes {
		if strings.HasPrefix(name, prefix) {
			return &SolanaProber{client: &http.Client{Timeout: timeout}}
		}
	}
	return &CosmosProber{client: &http.Client{Timeout: timeout}}
}

// CosmosProber probes Tendermint-style nodes via the status JSON-RPC call.
type CosmosProber struct {
	client *http.Client
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (p *CosmosProber) Probe(ctx context.Context, rpcURL string) (*ProbeResult, error) {
	var resp struct {
		Result struct {
			SyncInfo struct {
				LatestBlockHeight string `json:"latest_block_height"`
				CatchingUp        bool   `json:"catching_up"`
			} `json:"sync_info"`
		} `json:"result"`
	}

	if err := postRPC(ctx, p.client, rpcURL, "status", &resp); err != nil {
		return nil, err
	}

	height, err := strconv.ParseInt(resp.Result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block height %q: %w", resp.Result.SyncInfo.LatestBlockHeight, err)
	}

	return &ProbeResult{
		Height:     height,
		CatchingUp: resp.Result.SyncInfo.CatchingUp,
	}, nil
}

// SolanaProber combines getHealth and getSlot into one probe.
type SolanaProber struct {
	client *http.Client
}

func (p *SolanaProber) Probe(ctx context.Context, rpcURL string) (*ProbeResult, error) {
	var health struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := postRPC(ctx, p.client, rpcURL, "getHealth", &health); err != nil {
		return nil, err
	}
	if health.Error != nil {
		return nil, fmt.Errorf("getHealth: %s", health.Error.Message)
	}
	if health.Result != "ok" {
		return nil, fmt.Errorf("getHealth returned %q", health.Result)
	}

	var slot struct {
		Result int64 `json:"result"`
	}
	if err := postRPC(ctx, p.client, rpcURL, "getSlot", &slot); err != nil {
		return nil, err
	}

	// A node answering getHealth ok is by definition not catching up.
	return &ProbeResult{Height: slot.Result, CatchingUp: false}, nil
}

func postRPC(ctx context.Context, client *http.Client, rpcURL, method string, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s returned HTTP %d", method, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc %s: failed to decode response: %w", method, err)
	}
	return nil
}
