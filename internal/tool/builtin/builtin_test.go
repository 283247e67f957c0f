package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/event"
	toolcore "github.com/harunnryd/kiroku/internal/tool"
)

func execContext(t *testing.T) toolcore.ExecutionContext {
	t.Helper()
	return toolcore.ExecutionContext{WorkDir: t.TempDir()}
}

func callWith(t *testing.T, name string, args map[string]interface{}) event.ToolCall {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return event.ToolCall{ID: "call-1", Name: name, Arguments: raw}
}

func TestReadFileRoundTrip(t *testing.T) {
	execCtx := execContext(t)
	path := filepath.Join(execCtx.WorkDir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	tool := &ReadFileTool{}
	result, err := tool.Execute(context.Background(), callWith(t, "read_file", map[string]interface{}{"path": "notes.txt"}), execCtx)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestReadFileMissing(t *testing.T) {
	tool := &ReadFileTool{}
	_, err := tool.Execute(context.Background(), callWith(t, "read_file", map[string]interface{}{"path": "nope.txt"}), execContext(t))
	require.Error(t, err)
}

func TestWriteFileCreatesParents(t *testing.T) {
	execCtx := execContext(t)
	tool := &WriteFileTool{}
	result, err := tool.Execute(context.Background(), callWith(t, "write_file", map[string]interface{}{
		"path":    "nested/dir/out.txt",
		"content": "payload",
	}), execCtx)
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].Text, "wrote 7 bytes")

	data, err := os.ReadFile(filepath.Join(execCtx.WorkDir, "nested/dir/out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestListFilesMarksDirectories(t *testing.T) {
	execCtx := execContext(t)
	require.NoError(t, os.Mkdir(filepath.Join(execCtx.WorkDir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(execCtx.WorkDir, "a.txt"), nil, 0644))

	tool := &ListFilesTool{}
	result, err := tool.Execute(context.Background(), callWith(t, "list_files", map[string]interface{}{}), execCtx)
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nsub/", result.Content[0].Text)
}

func TestExecCommandCapturesOutput(t *testing.T) {
	tool := &ExecCommandTool{Timeout: 5 * time.Second, MaxOutputSize: 1024}
	result, err := tool.Execute(context.Background(), callWith(t, "exec_command", map[string]interface{}{
		"command": "echo hello world",
	}), execContext(t))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "hello world")
}

func TestExecCommandFailureIsToolError(t *testing.T) {
	tool := &ExecCommandTool{Timeout: 5 * time.Second, MaxOutputSize: 1024}
	result, err := tool.Execute(context.Background(), callWith(t, "exec_command", map[string]interface{}{
		"command": "false",
	}), execContext(t))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecCommandTruncatesOutput(t *testing.T) {
	tool := &ExecCommandTool{Timeout: 5 * time.Second, MaxOutputSize: 8}
	result, err := tool.Execute(context.Background(), callWith(t, "exec_command", map[string]interface{}{
		"command": "echo aaaaaaaaaaaaaaaaaaaaaaaa",
	}), execContext(t))
	require.NoError(t, err)
	assert.Contains(t, result.Content[0].Text, "[output truncated]")
}

func TestFetchRejectsNonHTTPSchemes(t *testing.T) {
	tool := &FetchTool{}
	_, err := tool.Execute(context.Background(), callWith(t, "fetch", map[string]interface{}{
		"url": "file:///etc/passwd",
	}), execContext(t))
	require.Error(t, err)
}

func TestRegisterAllInstallsBuiltins(t *testing.T) {
	registry := toolcore.NewRegistry()
	require.NoError(t, RegisterAll(registry, config.ToolsConfig{}))

	for _, name := range []string{"read_file", "write_file", "list_files", "exec_command", "fetch"} {
		_, ok := registry.Get(name)
		assert.True(t, ok, "missing builtin %s", name)
	}

	descriptors := registry.GetDescriptors()
	assert.Len(t, descriptors, 5)
}
