package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/kiroku/internal/event"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

// FetchTool retrieves a URL over HTTP. Responses are capped at
// MaxContentLength bytes.
type FetchTool struct {
	Timeout          time.Duration
	MaxContentLength int

	client *http.Client
}

func (t *FetchTool) Name() string {
	return "fetch"
}

func (t *FetchTool) Description() string {
	return "Fetch the contents of a URL over HTTP GET."
}

func (t *FetchTool) ToolAnnotations() toolcore.Annotations {
	return toolcore.Annotations{ReadOnly: true}
}

func (t *FetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch, must be http or https",
			},
		},
		"required": []interface{}{"url"},
	}
}

func (t *FetchTool) httpClient() *http.Client {
	if t.client == nil {
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		t.client = &http.Client{Timeout: timeout}
	}
	return t.client
}

func (t *FetchTool) Execute(ctx context.Context, call event.ToolCall, execCtx toolcore.ExecutionContext) (event.ToolResult, error) {
	_ = execCtx

	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return event.ToolResult{}, fmt.Errorf("invalid input: %w", err)
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return event.ToolResult{}, fmt.Errorf("unsupported url scheme: %s", args.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "kiroku/1.0")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("fetch %s: %w", args.URL, err)
	}
	defer resp.Body.Close()

	maxLen := t.MaxContentLength
	if maxLen <= 0 {
		maxLen = 100 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxLen)+1))
	if err != nil {
		return event.ToolResult{}, fmt.Errorf("read response: %w", err)
	}
	truncated := len(body) > maxLen
	if truncated {
		body = body[:maxLen]
	}

	if resp.StatusCode >= 400 {
		return event.ErrorResult(call.ID, fmt.Sprintf("fetch %s: HTTP %d\n%s", args.URL, resp.StatusCode, string(body))), nil
	}

	content := string(body)
	if truncated {
		content += "\n[content truncated]"
	}
	return event.ToolResult{
		ID:      call.ID,
		Content: []event.ContentBlock{event.TextBlock(content)},
		Metadata: map[string]string{
			"status":       fmt.Sprintf("%d", resp.StatusCode),
			"content_type": resp.Header.Get("Content-Type"),
		},
	}, nil
}
