package modeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harunnryd/kiroku/internal/model/contract"
)

// Response configures one provider turn in a scripted sequence.
type Response struct {
	Completion contract.CompletionResponse
	Err        error
}

// ScriptedProvider is a deterministic provider for tests: it replays a fixed
// sequence of completions and fails once the script is exhausted.
type ScriptedProvider struct {
	mu        sync.Mutex
	index     int
	responses []Response

	// Requests records every request seen, for assertions.
	Requests []contract.CompletionRequest
}

func NewScriptedProvider(responses ...Response) *ScriptedProvider {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedProvider{responses: cloned}
}

func (p *ScriptedProvider) Name() string {
	return "scripted"
}

func (p *ScriptedProvider) Generate(_ context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	if p.index >= len(p.responses) {
		return nil, fmt.Errorf("script exhausted at step %d", p.index+1)
	}
	current := p.responses[p.index]
	p.index++
	if current.Err != nil {
		return nil, current.Err
	}
	completion := current.Completion
	return &completion, nil
}

// GenerateStream delivers the scripted content as a single delta before
// returning the full completion, mirroring a non-chunked stream.
func (p *ScriptedProvider) GenerateStream(ctx context.Context, req contract.CompletionRequest, onDelta func(string)) (*contract.CompletionResponse, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}

// Turns returns how many requests the script has served.
func (p *ScriptedProvider) Turns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}
