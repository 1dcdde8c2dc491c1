package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxFetchBytes caps response bodies fed back to the model.
const maxFetchBytes = 128 * 1024

// HTTPFetchTool performs GET requests for the agent.
type HTTPFetchTool struct {
	client *http.Client
}

func NewHTTPFetchTool() *HTTPFetchTool {
	return &HTTPFetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL with HTTP GET and return the response body as text."
}

func (t *HTTPFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The http(s) URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPFetchTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	url := strings.TrimSpace(GetString(args, "url", ""))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	truncated := ""
	if len(body) > maxFetchBytes {
		body = body[:maxFetchBytes]
		truncated = "\n... (truncated)"
	}
	return fmt.Sprintf("HTTP %d\n%s%s", resp.StatusCode, string(body), truncated), nil
}

// DatetimeTool reports the current time.
type DatetimeTool struct {
	now func() time.Time
}

func NewDatetimeTool() *DatetimeTool {
	return &DatetimeTool{now: time.Now}
}

func (t *DatetimeTool) Name() string { return "get_datetime" }

func (t *DatetimeTool) Description() string {
	return "Get the current date and time in RFC 3339 format (UTC)."
}

func (t *DatetimeTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *DatetimeTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	return t.now().UTC().Format(time.RFC3339), nil
}
