package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

const (
	trustSourceTimeout = 15 * time.Second
	syncPollPeriod     = 30 * time.Second
)

// trustPoint is the height/hash pair the statesync config trusts.
type trustPoint struct {
	Height int64
	Hash   string
}

// ExecuteStateSync rebuilds the node's state from the network via state
// sync. The chain data is reset, so the sequence only starts after a trust
// point has been fetched and the config rewritten; any later step failure
// aborts and the caller records the operation failed.
func (o *Operations) ExecuteStateSync(ctx context.Context, req *types.StateSyncRequest) (string, error) {
	if req.ServiceName == "" || req.DeployPath == "" || req.DaemonBinary == "" {
		return "", fmt.Errorf("service_name, deploy_path and daemon_binary are required")
	}
	if len(req.RPCSources) == 0 {
		return "", fmt.Errorf("at least one rpc source is required")
	}
	if req.LocalRPCURL == "" {
		return "", fmt.Errorf("local_rpc_url is required")
	}

	logger := log.WithComponent("statesync").With().Str("service", req.ServiceName).Logger()

	trust, err := fetchTrustPoint(ctx, req.RPCSources, req.TrustHeightOffset)
	if err != nil {
		return "", err
	}
	logger.Info().Int64("trust_height", trust.Height).Str("trust_hash", trust.Hash).Msg("trust point fetched")

	if err := o.service.stop(ctx, req.ServiceName); err != nil {
		return "", err
	}

	configPath := filepath.Join(req.DeployPath, "config", "config.toml")
	if err := rewriteStateSyncConfig(configPath, map[string]string{
		"enable":       "true",
		"rpc_servers":  `"` + strings.Join(req.RPCSources, ",") + `"`,
		"trust_height": strconv.FormatInt(trust.Height, 10),
		"trust_hash":   `"` + trust.Hash + `"`,
	}); err != nil {
		return "", err
	}

	resetCmd := fmt.Sprintf("'%s' tendermint unsafe-reset-all --home '%s' --keep-addr-book",
		req.DaemonBinary, req.DeployPath)
	if _, err := o.runner.Run(ctx, resetCmd); err != nil {
		return "", fmt.Errorf("chain data reset failed: %w", err)
	}

	// The wasm cache holds compiled modules keyed to chain state; blobs
	// under wasm/wasm/state survive.
	cacheDir := filepath.Join(req.DeployPath, "wasm", "wasm", "cache")
	if err := os.RemoveAll(cacheDir); err != nil {
		return "", fmt.Errorf("failed to clean wasm cache: %w", err)
	}

	if err := o.service.start(ctx, req.ServiceName); err != nil {
		return "", err
	}

	timeout := time.Duration(req.MaxSyncTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	syncedHeight, err := waitForSync(ctx, req.LocalRPCURL, timeout)
	if err != nil {
		return "", err
	}

	if err := rewriteStateSyncConfig(configPath, map[string]string{"enable": "false"}); err != nil {
		return "", err
	}
	if err := o.service.stop(ctx, req.ServiceName); err != nil {
		return "", err
	}
	if err := o.service.start(ctx, req.ServiceName); err != nil {
		return "", err
	}

	logger.Info().Int64("height", syncedHeight).Msg("state sync completed")

	result, _ := json.Marshal(map[string]any{
		"trust_height": trust.Height,
		"sync_height":  syncedHeight,
	})
	return string(result), nil
}

// fetchTrustPoint derives the trust height from the first responsive RPC
// source (latest height minus the offset) and fetches that block's hash.
func fetchTrustPoint(ctx context.Context, sources []string, offset int64) (trustPoint, error) {
	var lastErr error
	for _, src := range sources {
		latest, err := fetchLatestHeight(ctx, src)
		if err != nil {
			lastErr = err
			continue
		}
		height := latest - offset
		if height <= 0 {
			lastErr = fmt.Errorf("source %s: latest height %d below trust offset %d", src, latest, offset)
			continue
		}
		hash, err := fetchBlockHash(ctx, src, height)
		if err != nil {
			lastErr = err
			continue
		}
		return trustPoint{Height: height, Hash: hash}, nil
	}
	return trustPoint{}, fmt.Errorf("no rpc source yielded a trust point: %w", lastErr)
}

func fetchLatestHeight(ctx context.Context, src string) (int64, error) {
	var status struct {
		Result struct {
			SyncInfo struct {
				LatestBlockHeight string `json:"latest_block_height"`
			} `json:"sync_info"`
		} `json:"result"`
	}
	if err := getJSON(ctx, strings.TrimRight(src, "/")+"/status", &status); err != nil {
		return 0, fmt.Errorf("source %s: %w", src, err)
	}
	height, err := strconv.ParseInt(status.Result.SyncInfo.LatestBlockHeight, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("source %s: bad height %q", src, status.Result.SyncInfo.LatestBlockHeight)
	}
	return height, nil
}

func fetchBlockHash(ctx context.Context, src string, height int64) (string, error) {
	var block struct {
		Result struct {
			BlockID struct {
				Hash string `json:"hash"`
			} `json:"block_id"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/block?height=%d", strings.TrimRight(src, "/"), height)
	if err := getJSON(ctx, url, &block); err != nil {
		return "", fmt.Errorf("source %s: %w", src, err)
	}
	if block.Result.BlockID.Hash == "" {
		return "", fmt.Errorf("source %s: no hash for block %d", src, height)
	}
	return block.Result.BlockID.Hash, nil
}

func getJSON(ctx context.Context, url string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, trustSourceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// waitForSync polls the local RPC until the reported height increases
// between two observations, or the timeout elapses.
func waitForSync(ctx context.Context, localRPC string, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	var lastHeight int64

	for {
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("node did not start syncing within %s", timeout)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(syncPollPeriod):
		}

		height, err := fetchLatestHeight(ctx, localRPC)
		if err != nil {
			// The node may still be replaying chunks; keep waiting.
			continue
		}
		if lastHeight > 0 && height > lastHeight {
			return height, nil
		}
		if height > 0 {
			lastHeight = height
		}
	}
}

// rewriteStateSyncConfig updates keys inside the [statesync] section of a
// tendermint config.toml, leaving every other line untouched.
func rewriteStateSyncConfig(path string, values map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}

	var lines []string
	inSection := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[") {
			inSection = trimmed == "[statesync]"
		} else if inSection {
			if key, ok := configKey(trimmed); ok {
				if val, hit := values[key]; hit {
					line = key + " = " + val
				}
			}
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return fmt.Errorf("failed to read config: %w", err)
	}
	f.Close()

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func configKey(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[:idx]), true
}
