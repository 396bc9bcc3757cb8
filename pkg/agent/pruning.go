package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nolus-protocol/nodes-manager-sub000/pkg/log"
	"github.com/nolus-protocol/nodes-manager-sub000/pkg/types"
)

// ExecutePruning compacts the node's block store with the external pruner
// binary. The service is stopped for the duration; any step failure aborts
// the sequence.
func (o *Operations) ExecutePruning(ctx context.Context, req *types.PruningRequest) (string, error) {
	if req.ServiceName == "" || req.DeployPath == "" {
		return "", fmt.Errorf("service_name and deploy_path are required")
	}
	if req.KeepBlocks <= 0 || req.KeepVersions <= 0 {
		return "", fmt.Errorf("keep_blocks and keep_versions must be positive")
	}

	logger := log.WithComponent("pruning").With().Str("service", req.ServiceName).Logger()

	if err := o.service.stop(ctx, req.ServiceName); err != nil {
		return "", err
	}

	dataDir := filepath.Join(req.DeployPath, "data")
	cmd := fmt.Sprintf("cosmos-pruner prune '%s' --blocks=%d --versions=%d",
		dataDir, req.KeepBlocks, req.KeepVersions)
	out, pruneErr := o.runner.Run(ctx, cmd)

	if err := o.service.start(ctx, req.ServiceName); err != nil {
		if pruneErr != nil {
			return "", fmt.Errorf("pruning failed: %w (service restart also failed: %v)", pruneErr, err)
		}
		return "", err
	}
	if pruneErr != nil {
		return "", fmt.Errorf("pruning failed: %w", pruneErr)
	}

	logger.Info().Int("keep_blocks", req.KeepBlocks).Int("keep_versions", req.KeepVersions).Msg("pruning completed")

	result, _ := json.Marshal(map[string]any{
		"keep_blocks":   req.KeepBlocks,
		"keep_versions": req.KeepVersions,
		"pruner_output": out,
	})
	return string(result), nil
}
