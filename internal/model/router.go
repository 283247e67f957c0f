package model

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/logger"
	"github.com/harunnryd/kiroku/internal/model/contract"
	"github.com/harunnryd/kiroku/internal/model/providers/anthropic"
	"github.com/harunnryd/kiroku/internal/model/providers/gemini"
	"github.com/harunnryd/kiroku/internal/model/providers/openai"
)

// DefaultRouter maps model names to provider adapters built from the
// registry config.
type DefaultRouter struct {
	providers    map[string]Provider // model name -> provider
	defaultModel string
}

func NewModelRouter(cfg config.ModelsConfig) (*DefaultRouter, error) {
	r := &DefaultRouter{
		providers:    make(map[string]Provider),
		defaultModel: cfg.Default,
	}

	for _, entry := range cfg.Registry {
		provider, err := buildProvider(entry)
		if err != nil {
			slog.Warn("Skipping provider", "model", entry.Name, "provider", entry.Provider, "error", err)
			continue
		}
		r.providers[entry.Name] = provider
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no usable model providers configured")
	}
	return r, nil
}

func buildProvider(entry config.ModelRegistry) (Provider, error) {
	switch entry.Provider {
	case "anthropic":
		return anthropic.New(entry.APIKey), nil
	case "openai":
		return openai.New(entry.APIKey, entry.BaseURL), nil
	case "gemini":
		return gemini.New(entry.APIKey)
	default:
		return nil, fmt.Errorf("unknown provider type %q", entry.Provider)
	}
}

// NewStaticRouter builds a router over a fixed provider map, bypassing the
// registry config. Used by tests and embedded callers.
func NewStaticRouter(defaultModel string, providers map[string]Provider) *DefaultRouter {
	r := &DefaultRouter{
		providers:    make(map[string]Provider, len(providers)),
		defaultModel: defaultModel,
	}
	for name, p := range providers {
		r.providers[name] = p
	}
	return r
}

// RegisterProvider installs a provider for a model name. Used by tests and by
// callers with out-of-band provider construction.
func (r *DefaultRouter) RegisterProvider(model string, p Provider) {
	r.providers[model] = p
}

func (r *DefaultRouter) lookup(model string) (Provider, string, error) {
	if model == "" {
		model = r.defaultModel
	}
	p, ok := r.providers[model]
	if !ok {
		return nil, "", kirokuErrors.NotFound("model: " + model)
	}
	return p, model, nil
}

func (r *DefaultRouter) Route(ctx context.Context, model string, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	p, resolved, err := r.lookup(model)
	if err != nil {
		return nil, err
	}
	req.Model = resolved
	slog.Debug("Routing completion", "model", resolved, "trace_id", logger.GetTraceID(ctx))

	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, kirokuErrors.MapError(err)
	}
	return resp, nil
}

func (r *DefaultRouter) RouteStream(ctx context.Context, model string, req contract.CompletionRequest, onDelta func(string)) (*contract.CompletionResponse, error) {
	p, resolved, err := r.lookup(model)
	if err != nil {
		return nil, err
	}
	req.Model = resolved
	slog.Debug("Routing streaming completion", "model", resolved, "trace_id", logger.GetTraceID(ctx))

	if s, ok := p.(Streamer); ok {
		resp, err := s.GenerateStream(ctx, req, onDelta)
		if err != nil {
			return nil, kirokuErrors.MapError(err)
		}
		return resp, nil
	}

	// Non-streaming providers deliver one batch.
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, kirokuErrors.MapError(err)
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}

func (r *DefaultRouter) ListModels() []string {
	models := make([]string, 0, len(r.providers))
	for name := range r.providers {
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}
