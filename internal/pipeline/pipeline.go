package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/store"
	"github.com/harunnryd/kiroku/internal/tool"
)

// Options carries the tunables for a Pipeline.
type Options struct {
	ProjectRoot  string
	Env          []string
	ToolTimeout  time.Duration
	AbandonGrace time.Duration
	MaxParallel  int
}

// Pipeline drives tool calls from request to recorded result. Every call that
// enters the pipeline leaves exactly one tool_result event in the thread log,
// whether it succeeded, failed, was denied, timed out, or was aborted.
type Pipeline struct {
	store    *store.Worker
	registry *tool.Registry
	broker   *ApprovalBroker
	opts     Options
}

func New(worker *store.Worker, registry *tool.Registry, broker *ApprovalBroker, opts Options) *Pipeline {
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 60 * time.Second
	}
	if opts.AbandonGrace <= 0 {
		opts.AbandonGrace = 5 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Pipeline{
		store:    worker,
		registry: registry,
		broker:   broker,
		opts:     opts,
	}
}

// Broker exposes the approval broker so interactive surfaces can submit
// decisions and list what is pending.
func (p *Pipeline) Broker() *ApprovalBroker {
	return p.broker
}

// ExecuteBatch runs the calls concurrently, bounded by MaxParallel, and
// returns one result per call in the same order. The error return covers
// infrastructure failures only (the event log refusing a write); tool failures
// come back as isError results.
func (p *Pipeline) ExecuteBatch(ctx context.Context, threadID string, calls []event.ToolCall) ([]event.ToolResult, error) {
	results := make([]event.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallel)
	for i, call := range calls {
		g.Go(func() error {
			result, err := p.Execute(gctx, threadID, call)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Execute runs one tool call through risk assessment, the approval gate, and
// execution, and records its result event.
func (p *Pipeline) Execute(ctx context.Context, threadID string, call event.ToolCall) (event.ToolResult, error) {
	result := p.run(ctx, threadID, call)
	if result.ID == "" {
		result.ID = call.ID
	}

	if _, err := p.store.Append(threadID, event.TypeToolResult, event.ToolResultPayload{Result: result}); err != nil {
		return event.ToolResult{}, fmt.Errorf("record tool result: %w", err)
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, threadID string, call event.ToolCall) event.ToolResult {
	t, ok := p.registry.Get(call.Name)
	if !ok {
		return event.ErrorResult(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if err := tool.ValidateInput(t.Parameters(), call.Arguments); err != nil {
		return event.ErrorResult(call.ID, fmt.Sprintf("invalid input for %s: %v", call.Name, err))
	}

	risk := AssessRisk(descriptorFor(t), call, p.opts.ProjectRoot)

	decision, err := p.broker.Gate(ctx, threadID, call, risk)
	if err != nil {
		return event.ErrorResult(call.ID, fmt.Sprintf("%s aborted before approval: %v", call.Name, err))
	}
	if decision == event.DecisionDeny {
		return event.ErrorResult(call.ID, fmt.Sprintf("%s was denied", call.Name))
	}

	tempDir, err := os.MkdirTemp("", "kiroku-tool-")
	if err != nil {
		return event.ErrorResult(call.ID, fmt.Sprintf("prepare execution context: %v", err))
	}
	defer os.RemoveAll(tempDir)

	execCtx := tool.ExecutionContext{
		WorkDir: p.opts.ProjectRoot,
		Env:     p.opts.Env,
		TempDir: tempDir,
	}

	return p.invoke(ctx, t, call, execCtx)
}

type toolOutcome struct {
	result event.ToolResult
	err    error
}

// invoke runs the tool with a deadline and panic recovery. Cancellation is
// cooperative through the call context; a tool that ignores it past the
// abandon grace is left behind and its eventual result discarded.
func (p *Pipeline) invoke(ctx context.Context, t tool.Tool, call event.ToolCall, execCtx tool.ExecutionContext) event.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.ToolTimeout)
	defer cancel()

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				done <- toolOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := t.Execute(callCtx, call, execCtx)
		done <- toolOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return p.finish(call, out)
	case <-callCtx.Done():
	}

	// The deadline or an abort fired. Give the tool a grace window to notice
	// the cancelled context and return, then abandon it.
	grace := time.NewTimer(p.opts.AbandonGrace)
	defer grace.Stop()
	select {
	case out := <-done:
		if callCtx.Err() == context.DeadlineExceeded && out.err == nil {
			out.err = fmt.Errorf("%s timed out after %s", call.Name, p.opts.ToolTimeout)
		}
		return p.finish(call, out)
	case <-grace.C:
		slog.Warn("Abandoning unresponsive tool", "tool", call.Name, "tool_call_id", call.ID)
		return event.ErrorResult(call.ID, fmt.Sprintf("%s did not stop after cancellation and was abandoned", call.Name))
	}
}

func (p *Pipeline) finish(call event.ToolCall, out toolOutcome) event.ToolResult {
	if out.err != nil {
		return event.ErrorResult(call.ID, fmt.Sprintf("%s failed: %v", call.Name, out.err))
	}
	result := out.result
	if result.ID == "" {
		result.ID = call.ID
	}
	return result
}

func descriptorFor(t tool.Tool) tool.ToolDescriptor {
	annotations := tool.Annotations{}
	if provider, ok := t.(tool.AnnotationsProvider); ok {
		annotations = provider.ToolAnnotations()
	}
	return tool.ToolDescriptor{Annotations: annotations}
}
