package builtin

import (
	"fmt"

	"github.com/harunnryd/kiroku/internal/config"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

// RegisterAll installs the builtin tools into the registry, applying
// per-tool limits from configuration.
func RegisterAll(registry *toolcore.Registry, cfg config.ToolsConfig) error {
	execTimeout, err := config.DurationOrDefault(cfg.Exec.Timeout, config.DefaultExecToolTimeout)
	if err != nil {
		return fmt.Errorf("tools.exec.timeout: %w", err)
	}
	fetchTimeout, err := config.DurationOrDefault(cfg.Fetch.Timeout, config.DefaultFetchToolTimeout)
	if err != nil {
		return fmt.Errorf("tools.fetch.timeout: %w", err)
	}

	maxOutput := cfg.Exec.MaxOutputSize
	if maxOutput <= 0 {
		maxOutput = config.DefaultExecToolMaxOutputSize
	}
	maxContent := cfg.Fetch.MaxContentLength
	if maxContent <= 0 {
		maxContent = config.DefaultFetchToolMaxContent
	}

	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&ListFilesTool{})
	registry.Register(&ExecCommandTool{Timeout: execTimeout, MaxOutputSize: maxOutput})
	registry.Register(&FetchTool{Timeout: fetchTimeout, MaxContentLength: maxContent})
	return nil
}
