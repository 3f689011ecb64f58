package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/synapsehq/synapse/internal/todo"
	"github.com/synapsehq/synapse/pkg/models"
)

// maxReadBytes caps how much of a file the read tool returns.
const maxReadBytes = 256 << 10

// TodoWriteTool replaces the process-wide todo list. It is the only mutation
// path into the todo store.
type TodoWriteTool struct {
	store *todo.Store
}

// NewTodoWriteTool creates the todo_write tool backed by the given store.
func NewTodoWriteTool(store *todo.Store) *TodoWriteTool {
	return &TodoWriteTool{store: store}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Replace the task list. Each item has content, active_form, and status (pending, in_progress, completed)."
}

func (t *TodoWriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"content": {"type": "string"},
						"active_form": {"type": "string"},
						"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
					},
					"required": ["content", "status"]
				}
			}
		},
		"required": ["todos"]
	}`)
}

func (t *TodoWriteTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Todos []models.TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Output: "invalid todo_write input: " + err.Error(), IsError: true}, nil
	}
	for i, item := range params.Todos {
		switch item.Status {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return &Result{Output: fmt.Sprintf("invalid status %q for todo %d", item.Status, i), IsError: true}, nil
		}
	}
	t.store.Set(params.Todos)
	remaining := 0
	for _, item := range params.Todos {
		if !item.Done() {
			remaining++
		}
	}
	return &Result{Output: fmt.Sprintf("Updated %d todos (%d remaining)", len(params.Todos), remaining)}, nil
}

// ReadFileTool reads a file from disk.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a UTF-8 text file. Returns at most 256KB of content."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Absolute or relative file path"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Output: "invalid read_file input: " + err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(params.Path)
	if err != nil {
		return &Result{Output: err.Error(), IsError: true}, nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return &Result{Output: string(data), Metadata: map[string]any{"path": params.Path, "bytes": len(data)}}, nil
}

// WriteFileTool writes a file to disk, creating parent directories.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating parent directories as needed."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Output: "invalid write_file input: " + err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return &Result{Output: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return &Result{Output: err.Error(), IsError: true}, nil
	}
	return &Result{Output: fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), params.Path)}, nil
}

// GlobTool lists files matching a glob pattern.
type GlobTool struct{}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "List files matching a glob pattern, sorted lexically."
}

func (t *GlobTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Output: "invalid glob input: " + err.Error(), IsError: true}, nil
	}
	matches, err := filepath.Glob(params.Pattern)
	if err != nil {
		return &Result{Output: err.Error(), IsError: true}, nil
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return &Result{Output: "No files match " + params.Pattern}, nil
	}
	return &Result{Output: strings.Join(matches, "\n"), Metadata: map[string]any{"count": len(matches)}}, nil
}

// RegisterBuiltins registers the builtin tool set on the registry.
func RegisterBuiltins(registry *Registry, todos *todo.Store) {
	registry.Register(NewTodoWriteTool(todos))
	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&GlobTool{})
}
