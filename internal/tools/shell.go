package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// denyPatterns blocks obviously destructive commands regardless of what the
// model asks for.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[rf]+\s+)*[/~]`),
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\brm\s+-r[fF]?\s+\*`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bfdisk\b`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\s+/`),
	regexp.MustCompile(`:\(\)\s*{\s*:\|:&\s*};:`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bhalt\b`),
	regexp.MustCompile(`\binit\s+[0-6]\b`),
}

// ExecTool runs shell commands inside the session workspace.
type ExecTool struct {
	timeout time.Duration
}

// NewExecTool creates the shell tool. timeout <= 0 selects the default.
func NewExecTool(timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{timeout: timeout}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the session workspace and return its combined output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	command := strings.TrimSpace(GetString(args, "command", ""))
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return "", fmt.Errorf("command blocked by safety policy")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = tc.WorkspaceDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := strings.TrimSpace(out.String())
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", t.timeout)
	}
	if err != nil {
		if result == "" {
			return "", fmt.Errorf("command failed: %w", err)
		}
		return fmt.Sprintf("command failed: %v\n%s", err, result), nil
	}
	if result == "" {
		return "(no output)", nil
	}
	return result, nil
}
