package model

import (
	"context"

	"github.com/harunnryd/kiroku/internal/model/contract"
)

// Provider is the normalized send contract. Wire-format translation is each
// adapter's problem; callers treat this as a black box.
type Provider interface {
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	Name() string
}

// Streamer is implemented by providers that can emit text incrementally.
// onDelta is called per text fragment as it arrives; the full response is
// still returned at the end.
type Streamer interface {
	GenerateStream(ctx context.Context, req contract.CompletionRequest, onDelta func(string)) (*contract.CompletionResponse, error)
}

type ModelRouter interface {
	Route(ctx context.Context, model string, req contract.CompletionRequest) (*contract.CompletionResponse, error)
	RouteStream(ctx context.Context, model string, req contract.CompletionRequest, onDelta func(string)) (*contract.CompletionResponse, error)
	ListModels() []string
}
