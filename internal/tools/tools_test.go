package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

type fakeTool struct {
	name   string
	result string
	err    error
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "fake" }
func (t *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *fakeTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	return t.result, t.err
}

func TestRegistryRegisterReplace(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a", result: "first"})
	r.Register(&fakeTool{name: "a", result: "second"})
	if r.Size() != 1 {
		t.Fatalf("size = %d, want 1", r.Size())
	}
	out, err := r.Execute(context.Background(), "a", nil, &Context{})
	if err != nil || out != "second" {
		t.Errorf("execute = %q/%v, want second", out, err)
	}
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", map[string]any{"x": 1}, &Context{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T, want *ExecutionError", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound in chain")
	}
	if execErr.Tool != "ghost" || execErr.Args["x"] != 1 {
		t.Errorf("wrapped error lost tool name or args: %+v", execErr)
	}
}

func TestRegistryWrapsToolErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "broken", err: fmt.Errorf("kaboom")})
	args := map[string]any{"key": "value"}
	_, err := r.Execute(context.Background(), "broken", args, &Context{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T, want *ExecutionError", err)
	}
	if execErr.Tool != "broken" {
		t.Errorf("tool = %q, want broken", execErr.Tool)
	}
	if execErr.Args["key"] != "value" {
		t.Error("argument map not preserved")
	}
}

func TestRegistryDefinitionsShape(t *testing.T) {
	r := NewRegistry()
	r.Register(NewDatetimeTool())
	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "get_datetime" {
		t.Errorf("unexpected definition: %+v", defs[0])
	}
	if defs[0].Function.Parameters["type"] != "object" {
		t.Error("parameters must be a JSON-schema object")
	}
}

func TestRegistryFiltered(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "exec"})
	r.Register(&fakeTool{name: "spawn_subagent"})
	r.Register(&fakeTool{name: "send_message"})

	sub := r.Filtered([]string{"spawn_subagent", "send_message"})
	if sub.Size() != 1 || !sub.Has("exec") {
		t.Errorf("filtered registry wrong: size=%d", sub.Size())
	}
	// The original registry is untouched.
	if r.Size() != 3 {
		t.Error("filtering mutated the source registry")
	}
}

func TestExecToolRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(0)
	out, err := tool.Execute(context.Background(), map[string]any{"command": "pwd"}, &Context{WorkspaceDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if resolved, _ := filepath.EvalSymlinks(dir); !strings.Contains(out, filepath.Base(resolved)) {
		t.Errorf("pwd = %q, want workspace %q", out, dir)
	}
}

func TestExecToolDeniesDestructive(t *testing.T) {
	tool := NewExecTool(0)
	for _, cmd := range []string{"rm -rf /", "shutdown -h now", "dd if=/dev/zero of=/dev/sda"} {
		if _, err := tool.Execute(context.Background(), map[string]any{"command": cmd}, &Context{WorkspaceDir: t.TempDir()}); err == nil {
			t.Errorf("command %q not blocked", cmd)
		}
	}
}

func TestFilesystemToolsRoundtrip(t *testing.T) {
	dir := t.TempDir()
	tc := &Context{WorkspaceDir: dir}
	ctx := context.Background()

	if _, err := NewWriteFileTool().Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello world"}, tc); err != nil {
		t.Fatal(err)
	}
	out, err := NewReadFileTool().Execute(ctx, map[string]any{"path": "notes/a.txt"}, tc)
	if err != nil || out != "hello world" {
		t.Fatalf("read = %q/%v", out, err)
	}
	if _, err := NewEditFileTool().Execute(ctx, map[string]any{"path": "notes/a.txt", "old_string": "world", "new_string": "there"}, tc); err != nil {
		t.Fatal(err)
	}
	out, _ = NewReadFileTool().Execute(ctx, map[string]any{"path": "notes/a.txt"}, tc)
	if out != "hello there" {
		t.Errorf("after edit = %q", out)
	}
	listing, err := NewListDirTool().Execute(ctx, map[string]any{"path": "notes"}, tc)
	if err != nil || !strings.Contains(listing, "a.txt") {
		t.Errorf("listing = %q/%v", listing, err)
	}
}

func TestFilesystemEscapesBlocked(t *testing.T) {
	tc := &Context{WorkspaceDir: t.TempDir()}
	ctx := context.Background()
	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := NewReadFileTool().Execute(ctx, map[string]any{"path": p}, tc); err == nil {
			t.Errorf("path %q escaped the workspace", p)
		}
	}
	if _, err := NewWriteFileTool().Execute(ctx, map[string]any{"path": "../evil.txt", "content": "x"}, tc); err == nil {
		t.Error("write outside workspace not blocked")
	}
}
