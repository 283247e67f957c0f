package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kiroku/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Store      StoreConfig      `koanf:"store"`
	Models     ModelsConfig     `koanf:"models"`
	Governance GovernanceConfig `koanf:"governance"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Agent      AgentConfig      `koanf:"agent"`
	Compaction CompactionConfig `koanf:"compaction"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Tools      ToolsConfig      `koanf:"tools"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

type WorkspaceConfig struct {
	ID       string `koanf:"id"`
	RootPath string `koanf:"root_path"`
	// ProjectPath is the directory tool calls run against. Writes outside it
	// escalate risk classification.
	ProjectPath string `koanf:"project_path"`
}

type StoreConfig struct {
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	InboxSize    int    `koanf:"inbox_size"`
}

type ModelsConfig struct {
	Default       string          `koanf:"default"`
	ContextWindow int             `koanf:"context_window"`
	Registry      []ModelRegistry `koanf:"registry"`
}

type ModelRegistry struct {
	Name           string `koanf:"name"`
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
}

type GovernanceConfig struct {
	AutoAllow       []string `koanf:"auto_allow"`
	AlwaysDeny      []string `koanf:"always_deny"`
	SessionGrantTTL string   `koanf:"session_grant_ttl"`
}

type PipelineConfig struct {
	ToolTimeout      string `koanf:"tool_timeout"`
	AbandonGrace     string `koanf:"abandon_grace"`
	MaxParallelTools int    `koanf:"max_parallel_tools"`
}

type AgentConfig struct {
	MaxTurns     int    `koanf:"max_turns"`
	SystemPrompt string `koanf:"system_prompt"`
}

type CompactionConfig struct {
	Enabled bool `koanf:"enabled"`
	// Threshold is the fraction of the model context window that triggers
	// compaction of the thread's older history.
	Threshold     float64 `koanf:"threshold"`
	PreserveTail  int     `koanf:"preserve_tail"`
	SummaryPrompt string  `koanf:"summary_prompt"`
}

type SchedulerConfig struct {
	Enabled       bool   `koanf:"enabled"`
	SweepSchedule string `koanf:"sweep_schedule"`
}

type ToolsConfig struct {
	Exec  ExecToolConfig  `koanf:"exec"`
	Fetch FetchToolConfig `koanf:"fetch"`
}

type ExecToolConfig struct {
	Timeout       string `koanf:"timeout"`
	MaxOutputSize int    `koanf:"max_output_size"`
}

type FetchToolConfig struct {
	Timeout          string `koanf:"timeout"`
	MaxContentLength int    `koanf:"max_content_length"`
}

const (
	DefaultWorkspaceID              = "default"
	DefaultServerLogLevel           = "info"
	DefaultModelDefault             = "claude-sonnet-4-5"
	DefaultModelContextWindow       = 200000
	DefaultGovernanceSessionTTL     = "24h"
	DefaultStoreLockTimeout         = "30s"
	DefaultStoreLockRetry           = "100ms"
	DefaultStoreLockMaxRetry        = 300
	DefaultStoreInboxSize           = 256
	DefaultPipelineToolTimeout      = "120s"
	DefaultPipelineAbandonGrace     = "5s"
	DefaultPipelineMaxParallelTools = 8
	DefaultAgentMaxTurns            = 25
	DefaultAgentSystemPrompt        = "You are Kiroku, a careful coding agent. Use the available tools to complete the user's request. Every action you take is recorded."
	DefaultCompactionThreshold      = 0.8
	DefaultCompactionPreserveTail   = 20
	DefaultCompactionSummaryPrompt  = "Summarize the conversation so far for your own future reference. Preserve decisions made, file paths touched, tool outcomes, and any unresolved work. Be terse; this replaces the full history."
	DefaultSchedulerSweepSchedule   = "@every 10m"
	DefaultExecToolTimeout          = "60s"
	DefaultExecToolMaxOutputSize    = 64 * 1024
	DefaultFetchToolTimeout         = "10s"
	DefaultFetchToolMaxContent      = 100 * 1024
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":            DefaultServerLogLevel,
		"workspace.id":                DefaultWorkspaceID,
		"workspace.root_path":         "",
		"workspace.project_path":      "",
		"store.lock_timeout":          DefaultStoreLockTimeout,
		"store.lock_retry":            DefaultStoreLockRetry,
		"store.lock_max_retry":        DefaultStoreLockMaxRetry,
		"store.inbox_size":            DefaultStoreInboxSize,
		"models.default":              DefaultModelDefault,
		"models.context_window":       DefaultModelContextWindow,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "anthropic"},
			{Name: "gpt-4o", Provider: "openai"},
			{Name: "gemini-2.0-flash", Provider: "gemini"},
		},
		"governance.auto_allow":        []string{"read_file", "list_files"},
		"governance.always_deny":       []string{},
		"governance.session_grant_ttl": DefaultGovernanceSessionTTL,
		"pipeline.tool_timeout":        DefaultPipelineToolTimeout,
		"pipeline.abandon_grace":       DefaultPipelineAbandonGrace,
		"pipeline.max_parallel_tools":  DefaultPipelineMaxParallelTools,
		"agent.max_turns":              DefaultAgentMaxTurns,
		"agent.system_prompt":          DefaultAgentSystemPrompt,
		"compaction.enabled":           true,
		"compaction.threshold":         DefaultCompactionThreshold,
		"compaction.preserve_tail":     DefaultCompactionPreserveTail,
		"compaction.summary_prompt":    DefaultCompactionSummaryPrompt,
		"scheduler.enabled":            true,
		"scheduler.sweep_schedule":     DefaultSchedulerSweepSchedule,
		"tools.exec.timeout":           DefaultExecToolTimeout,
		"tools.exec.max_output_size":   DefaultExecToolMaxOutputSize,
		"tools.fetch.timeout":          DefaultFetchToolTimeout,
		"tools.fetch.max_content_length": DefaultFetchToolMaxContent,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kiroku", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KIROKU_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KIROKU_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "anthropic"
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "anthropic" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "openai" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "gemini" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	rootPath, err := pathutil.Expand(cfg.Workspace.RootPath)
	if err != nil {
		return err
	}
	cfg.Workspace.RootPath = rootPath

	projectPath, err := pathutil.Expand(cfg.Workspace.ProjectPath)
	if err != nil {
		return err
	}
	if projectPath == "" {
		if wd, wdErr := os.Getwd(); wdErr == nil {
			projectPath = wd
		}
	}
	cfg.Workspace.ProjectPath = projectPath

	return nil
}
