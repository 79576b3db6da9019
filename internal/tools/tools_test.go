package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeTool struct {
	name string
	fn   func(args map[string]any) (any, error)
}

func (f *fakeTool) Name() string                      { return f.name }
func (f *fakeTool) Description() string               { return "fake tool" }
func (f *fakeTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (f *fakeTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return f.fn(args)
}

func TestRegistry_ExecuteSerializesResults(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "echo", fn: func(args map[string]any) (any, error) {
		return args["text"], nil
	}})
	r.Register(&fakeTool{name: "structured", fn: func(map[string]any) (any, error) {
		return map[string]int{"count": 3}, nil
	}})

	res := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	if res.Status != "ok" || res.Content != "hello" {
		t.Errorf("unexpected result: %+v", res)
	}

	res = r.Execute(context.Background(), "structured", nil)
	if res.Status != "ok" || res.Content != `{"count":3}` {
		t.Errorf("structured result not JSON encoded: %+v", res)
	}
}

func TestRegistry_ExecuteNeverThrows(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "boom", fn: func(map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	}})
	r.Register(&fakeTool{name: "panics", fn: func(map[string]any) (any, error) {
		panic("implementation bug")
	}})

	res := r.Execute(context.Background(), "boom", nil)
	if res.Status != "error" || res.Content != "disk on fire" {
		t.Errorf("tool error not surfaced as result: %+v", res)
	}

	res = r.Execute(context.Background(), "panics", nil)
	if res.Status != "error" || !strings.Contains(res.Content, "panicked") {
		t.Errorf("panic not converted to error result: %+v", res)
	}

	res = r.Execute(context.Background(), "missing", nil)
	if res.Status != "error" {
		t.Errorf("unknown tool not an error result: %+v", res)
	}
}

func TestRegistry_Subset(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{ReadFile, WriteFile, Bash} {
		n := name
		r.Register(&fakeTool{name: n, fn: func(map[string]any) (any, error) { return nil, nil }})
	}

	sub := r.Subset([]string{ReadFile, Bash, "not-registered"})
	names := sub.Names()
	if len(names) != 2 || names[0] != Bash || names[1] != ReadFile {
		t.Errorf("unexpected subset: %v", names)
	}
}

func TestIsWriteIntent(t *testing.T) {
	for _, name := range []string{WriteFile, EditFile, DeleteFile, ApplyPatch} {
		if !IsWriteIntent(name) {
			t.Errorf("%s should be write intent", name)
		}
	}
	for _, name := range []string{ReadFile, Bash, SpawnAgent} {
		if IsWriteIntent(name) {
			t.Errorf("%s should not be write intent", name)
		}
	}
}

func TestChangeTracker_UndoExactlyOnce(t *testing.T) {
	tracker := NewChangeTracker(nil)
	tracker.Record(FileChange{ID: "c1", Path: "a.go", Before: []byte("old")})

	const goroutines = 16
	var wg sync.WaitGroup
	var successes, failures int
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tracker.UndoChange("c1")
			mu.Lock()
			if err == nil {
				successes++
			} else {
				failures++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful undo, got %d", successes)
	}
	if failures != goroutines-1 {
		t.Errorf("expected %d already-undone failures, got %d", goroutines-1, failures)
	}
	if !tracker.IsUndone("c1") {
		t.Error("change not marked undone")
	}
}

func TestChangeTracker_UnknownChange(t *testing.T) {
	tracker := NewChangeTracker(nil)
	if err := tracker.UndoChange("ghost"); err == nil {
		t.Error("expected error for unknown change")
	}
}
