package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxSearchResults caps search_files output so one greedy query cannot
// flood the transcript.
const maxSearchResults = 50

// LocalConfig configures the local workspace tool set.
type LocalConfig struct {
	// Root is the workspace directory all paths resolve under.
	Root string
	// Tracker, when set, records write_file mutations for undo.
	Tracker *ChangeTracker
	// EnableBash registers the bash tool. Off by default; the policy
	// engine still gets the final say when it is on.
	EnableBash bool
	// BashTimeout bounds one bash invocation (default 60s).
	BashTimeout time.Duration
}

// RegisterLocal registers the concrete local-workspace tools on a
// registry: read_file, write_file, list_files, search_files and
// optionally bash.
func RegisterLocal(reg *Registry, cfg LocalConfig) {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = 60 * time.Second
	}
	reg.Register(&readFileTool{root: cfg.Root})
	reg.Register(&writeFileTool{root: cfg.Root, tracker: cfg.Tracker})
	reg.Register(&listFilesTool{root: cfg.Root})
	reg.Register(&searchFilesTool{root: cfg.Root})
	if cfg.EnableBash {
		reg.Register(&bashTool{root: cfg.Root, timeout: cfg.BashTimeout})
	}
}

// resolvePath confines a tool path argument to the workspace root.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Join(root, filepath.Clean("/"+path))
	return abs, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

type readFileTool struct {
	root string
}

func (t *readFileTool) Name() string        { return ReadFile }
func (t *readFileTool) Description() string { return "Read a file from the workspace" }
func (t *readFileTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
}

func (t *readFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, err := resolvePath(t.root, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stringArg(args, "path"), err)
	}
	return string(data), nil
}

type writeFileTool struct {
	root    string
	tracker *ChangeTracker
}

func (t *writeFileTool) Name() string        { return WriteFile }
func (t *writeFileTool) Description() string { return "Write a file in the workspace" }
func (t *writeFileTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}

func (t *writeFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	path, err := resolvePath(t.root, rel)
	if err != nil {
		return nil, err
	}
	content := []byte(stringArg(args, "content"))

	before, readErr := os.ReadFile(path)
	if readErr != nil {
		before = nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}

	if t.tracker != nil {
		t.tracker.Record(FileChange{
			ID:        uuid.NewString(),
			Path:      rel,
			Tool:      WriteFile,
			Before:    before,
			After:     content,
			AppliedAt: time.Now().UTC(),
		})
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

type listFilesTool struct {
	root string
}

func (t *listFilesTool) Name() string        { return ListFiles }
func (t *listFilesTool) Description() string { return "List files under a workspace directory" }
func (t *listFilesTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
}

func (t *listFilesTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	dir, err := resolvePath(t.root, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

type searchFilesTool struct {
	root string
}

func (t *searchFilesTool) Name() string        { return SearchFiles }
func (t *searchFilesTool) Description() string { return "Search workspace files for a substring" }
func (t *searchFilesTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (t *searchFilesTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	var hits []string
	err := filepath.WalkDir(t.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || len(hits) >= maxSearchResults {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || strings.HasPrefix(name, ".overmind") {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= maxSearchResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return "no matches", nil
	}
	return strings.Join(hits, "\n"), nil
}

type bashTool struct {
	root    string
	timeout time.Duration
}

func (t *bashTool) Name() string        { return Bash }
func (t *bashTool) Description() string { return "Run a shell command in the workspace" }
func (t *bashTool) ParametersSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
}

func (t *bashTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command := stringArg(args, "command")
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.root
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s\n%w", strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}
