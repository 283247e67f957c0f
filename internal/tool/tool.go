package tool

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/model/contract"
)

// ExecutionContext is assembled by the execution pipeline and handed to the
// tool. Tools never reach back into orchestration state; everything they may
// touch is in here.
type ExecutionContext struct {
	// WorkDir is the resolved project working directory.
	WorkDir string
	// Env is the merged environment scoped to the owning project.
	Env []string
	// TempDir is scoped to this single call and removed afterwards.
	TempDir string
}

// Environ returns the environment for a spawned process. It falls back to the
// host environment when no project-scoped environment was merged.
func (e ExecutionContext) Environ() []string {
	if len(e.Env) > 0 {
		return e.Env
	}
	return os.Environ()
}

// Tool represents an executable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, call event.ToolCall, execCtx ExecutionContext) (event.ToolResult, error)
}

// Registry holds all available tools.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	name := NormalizeToolName(t.Name())
	if name == "" {
		panic("tool: empty tool name")
	}

	r.tools[name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	name = NormalizeToolName(name)
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) GetDescriptors() []ToolDescriptor {
	unique := make(map[string]ToolDescriptor)
	for _, t := range r.tools {
		name := NormalizeToolName(t.Name())
		if _, exists := unique[name]; exists {
			continue
		}

		annotations := Annotations{}
		if provider, ok := t.(AnnotationsProvider); ok {
			annotations = provider.ToolAnnotations()
		}

		unique[name] = ToolDescriptor{
			Definition: contract.ToolDef{
				Name:        name,
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
			Annotations: annotations,
		}
	}

	names := make([]string, 0, len(unique))
	for name := range unique {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, unique[name])
	}
	return descriptors
}

func NormalizeToolName(name string) string {
	return strings.TrimSpace(name)
}
