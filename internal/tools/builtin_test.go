package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/synapsehq/synapse/internal/todo"
)

func TestTodoWriteReplacesList(t *testing.T) {
	store := todo.NewStore()
	tool := NewTodoWriteTool(store)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{
		"todos": [
			{"content": "first", "status": "completed"},
			{"content": "second", "status": "pending"}
		]
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if res.Output != "Updated 2 todos (1 remaining)" {
		t.Errorf("output = %q", res.Output)
	}
	if len(store.Items()) != 2 {
		t.Errorf("store items = %d", len(store.Items()))
	}
}

func TestTodoWriteRejectsBadStatus(t *testing.T) {
	tool := NewTodoWriteTool(todo.NewStore())
	res, err := tool.Execute(context.Background(), json.RawMessage(`{
		"todos": [{"content": "x", "status": "done"}]
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Output, `invalid status "done"`) {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	os.WriteFile(path, []byte("hello world"), 0o644)

	tool := &ReadFileTool{}
	res, err := tool.Execute(context.Background(), json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Output != "hello world" {
		t.Errorf("result = %+v", res)
	}
}

func TestReadFileMissingIsResultError(t *testing.T) {
	tool := &ReadFileTool{}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"/nonexistent/file"}`))
	if err != nil {
		t.Fatalf("missing file must not return a Go error: %v", err)
	}
	if !res.IsError {
		t.Error("missing file not flagged as error result")
	}
}

func TestReadFileTruncatesLargeFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	os.WriteFile(path, []byte(strings.Repeat("a", maxReadBytes+100)), 0o644)

	tool := &ReadFileTool{}
	res, _ := tool.Execute(context.Background(), json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)))
	if len(res.Output) != maxReadBytes {
		t.Errorf("output = %d bytes, want %d", len(res.Output), maxReadBytes)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "out.txt")
	tool := &WriteFileTool{}
	res, err := tool.Execute(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"path":%q,"content":"written"}`, path)))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "written" {
		t.Errorf("file = %q, %v", data, err)
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.go"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "a.go"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "c.txt"), nil, 0o644)

	tool := &GlobTool{}
	res, err := tool.Execute(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"pattern":%q}`, filepath.Join(dir, "*.go"))))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(res.Output, "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "a.go") || !strings.HasSuffix(lines[1], "b.go") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestGlobNoMatches(t *testing.T) {
	tool := &GlobTool{}
	res, _ := tool.Execute(context.Background(),
		json.RawMessage(fmt.Sprintf(`{"pattern":%q}`, filepath.Join(t.TempDir(), "*.zig"))))
	if res.IsError || !strings.HasPrefix(res.Output, "No files match") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryOrderAndReplace(t *testing.T) {
	registry := NewRegistry()
	todos := todo.NewStore()
	RegisterBuiltins(registry, todos)

	want := []string{"todo_write", "read_file", "write_file", "glob"}
	got := registry.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names = %v, want %v", got, want)
		}
	}

	// Re-registering keeps a single entry.
	registry.Register(&GlobTool{})
	if registry.Len() != 4 {
		t.Errorf("len = %d after replace", registry.Len())
	}

	registry.Unregister("glob")
	if _, ok := registry.Get("glob"); ok {
		t.Error("glob survived Unregister")
	}
}
