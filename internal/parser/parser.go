// Package parser imports pre-decomposed plans from markdown files. A plan
// file is a sequence of level-2 "## Task <id>: <description>" sections
// whose bodies carry **Depends on**, **Files**, **Complexity**, **Type**
// and related metadata lines.
package parser

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/overmind/internal/models"
)

var (
	taskHeadingRegex = regexp.MustCompile(`^Task\s+([A-Za-z0-9._-]+):\s+(.+)$`)
	dependsRegex     = regexp.MustCompile(`\*\*Depends on\*\*:\s*(.+)`)
	filesRegex       = regexp.MustCompile(`\*\*Files\*\*:\s*(.+)`)
	complexityRegex  = regexp.MustCompile(`\*\*Complexity\*\*:\s*(\d+)`)
	typeRegex        = regexp.MustCompile(`\*\*Type\*\*:\s*(\S+)`)
	parallelRegex    = regexp.MustCompile(`\*\*Parallelizable\*\*:\s*(\S+)`)
	tokensRegex      = regexp.MustCompile(`\*\*Estimated tokens\*\*:\s*(\d+)`)
	backtickRegex    = regexp.MustCompile("`([^`]+)`")
)

// PlanParser parses markdown plan files into subtasks.
type PlanParser struct {
	markdown goldmark.Markdown
}

// NewPlanParser creates a PlanParser.
func NewPlanParser() *PlanParser {
	return &PlanParser{markdown: goldmark.New()}
}

// ParseFile parses the plan file at path.
func (p *PlanParser) ParseFile(path string) ([]models.Subtask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan file: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads markdown from r and returns the subtasks it declares, in
// document order. Task ids and dependencies are not validated here; use
// Validate for that.
func (p *PlanParser) Parse(r io.Reader) ([]models.Subtask, error) {
	source, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	doc := p.markdown.Parser().Parse(text.NewReader(source))

	var tasks []models.Subtask
	var current *models.Subtask
	var body strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		applyMetadata(current, body.String())
		tasks = append(tasks, *current)
		current = nil
		body.Reset()
	}

	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		if heading, ok := child.(*ast.Heading); ok && heading.Level == 2 {
			flush()
			title := headingText(heading, source)
			if matches := taskHeadingRegex.FindStringSubmatch(title); len(matches) == 3 {
				current = &models.Subtask{
					ID:          matches[1],
					Description: strings.TrimSpace(matches[2]),
				}
			}
			continue
		}
		if current == nil {
			continue
		}
		// Fenced code blocks are example content, never metadata.
		if _, ok := child.(*ast.FencedCodeBlock); ok {
			continue
		}
		body.WriteString(rawText(child, source))
		body.WriteString("\n")
	}
	flush()

	return tasks, nil
}

// applyMetadata fills a subtask's fields from its section body and sets
// the defaults the swarm expects.
func applyMetadata(task *models.Subtask, body string) {
	task.Status = models.StatusPending
	task.Type = "implement"
	task.Complexity = 3
	task.Parallelizable = true

	if matches := dependsRegex.FindStringSubmatch(body); len(matches) > 1 {
		task.Dependencies = parseDependencies(matches[1])
	}
	if matches := filesRegex.FindStringSubmatch(body); len(matches) > 1 {
		task.Modifies = parseFiles(matches[1])
	}
	if matches := complexityRegex.FindStringSubmatch(body); len(matches) > 1 {
		if n, err := strconv.Atoi(matches[1]); err == nil {
			task.Complexity = n
		}
	}
	if matches := typeRegex.FindStringSubmatch(body); len(matches) > 1 {
		task.Type = strings.ToLower(strings.TrimSpace(matches[1]))
	}
	if matches := parallelRegex.FindStringSubmatch(body); len(matches) > 1 {
		switch strings.ToLower(strings.TrimSpace(matches[1])) {
		case "no", "false":
			task.Parallelizable = false
		}
	}
	if matches := tokensRegex.FindStringSubmatch(body); len(matches) > 1 {
		if n, err := strconv.Atoi(matches[1]); err == nil {
			task.EstimatedTokens = n
		}
	}
}

// parseDependencies splits a comma-separated dependency list. "none" (in
// any case) clears the list.
func parseDependencies(s string) []string {
	if strings.Contains(strings.ToLower(s), "none") {
		return nil
	}
	var deps []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), "`"))
		if part != "" {
			deps = append(deps, part)
		}
	}
	return deps
}

// parseFiles extracts file paths: backtick-enclosed names win, falling
// back to a comma-separated list.
func parseFiles(s string) []string {
	var files []string
	if matches := backtickRegex.FindAllStringSubmatch(s, -1); len(matches) > 0 {
		for _, m := range matches {
			if f := strings.TrimSpace(m[1]); f != "" {
				files = append(files, f)
			}
		}
		return files
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" && !strings.EqualFold(part, "none") {
			files = append(files, part)
		}
	}
	return files
}

// headingText extracts the plain text of a heading node.
func headingText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
		}
	}
	return strings.TrimSpace(sb.String())
}

// rawText reconstructs the raw source lines under a block node, recursing
// through containers like lists.
func rawText(n ast.Node, source []byte) string {
	var sb strings.Builder
	var walk func(node ast.Node)
	walk = func(node ast.Node) {
		if node.Type() == ast.TypeBlock {
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
		}
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// Validate checks a parsed plan: at least one task, unique ids, known
// dependencies, no cycles, and per-task field validity.
func Validate(tasks []models.Subtask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan declares no tasks")
	}

	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return err
		}
		if seen[tasks[i].ID] {
			return fmt.Errorf("duplicate task id %q", tasks[i].ID)
		}
		seen[tasks[i].ID] = true
	}

	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %q", tasks[i].ID, dep)
			}
		}
	}

	if models.HasCyclicDependencies(tasks) {
		return fmt.Errorf("plan has cyclic dependencies")
	}
	return nil
}
