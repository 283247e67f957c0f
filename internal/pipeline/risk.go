package pipeline

import (
	"encoding/json"
	"path/filepath"

	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/pathutil"
	"github.com/harunnryd/kiroku/internal/tool"
)

// RiskLevel classifies a tool call before the approval gate sees it.
type RiskLevel string

const (
	RiskSafe        RiskLevel = "safe"
	RiskModerate    RiskLevel = "moderate"
	RiskDestructive RiskLevel = "destructive"
)

// AssessRisk derives a risk level from the tool's annotations and the call
// arguments. It is deterministic: the same descriptor, call, and project root
// always produce the same level. Writes that escape the project root escalate
// to destructive regardless of annotations.
func AssessRisk(descriptor tool.ToolDescriptor, call event.ToolCall, projectRoot string) RiskLevel {
	level := RiskModerate
	switch {
	case descriptor.Annotations.Destructive:
		level = RiskDestructive
	case descriptor.Annotations.ReadOnly:
		level = RiskSafe
	}

	if level == RiskDestructive {
		return level
	}

	// A non-destructive tool pointed outside the workspace is treated as
	// destructive: path arguments are the only channel a tool has to reach
	// beyond the project.
	if projectRoot != "" && !descriptor.Annotations.ReadOnly {
		for _, p := range pathArguments(call.Arguments) {
			if !filepath.IsAbs(p) {
				p = filepath.Join(projectRoot, p)
			}
			if !pathutil.Within(projectRoot, p) {
				return RiskDestructive
			}
		}
	}

	return level
}

// pathArguments extracts string values from argument keys that conventionally
// carry filesystem paths.
func pathArguments(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}

	var paths []string
	for _, key := range []string{"path", "file", "filename", "dir", "directory", "dest", "destination", "target"} {
		if v, ok := args[key].(string); ok && v != "" {
			paths = append(paths, v)
		}
	}
	return paths
}
