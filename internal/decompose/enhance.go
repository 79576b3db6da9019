package decompose

import (
	"sort"
	"strings"

	"github.com/harrison/overmind/internal/models"
)

// RepoMap is a lightweight index of the workspace: one entry per source
// chunk with its path, declared symbols, and size. Built by whatever
// indexer the caller has; the decomposer only scores against it.
type RepoMap struct {
	Chunks []RepoChunk
}

// RepoChunk describes one indexed region of a file.
type RepoChunk struct {
	Path    string
	Symbols []string
	Bytes   int
}

// maxRelevantFiles bounds how many files get attached per subtask.
const maxRelevantFiles = 6

// bytesPerToken is the rough conversion used for token estimates.
const bytesPerToken = 4

// estimateOverheadTokens covers the prompt scaffolding around the
// attached file content.
const estimateOverheadTokens = 2000

// enhanceWithRepoMap attaches RelevantFiles to each subtask by keyword
// overlap between the task description and chunk paths/symbols, sorted by
// score, and estimates tokens from the matched chunk sizes. Tasks that
// already carry relevant files keep them; their estimate is still filled
// when absent.
func enhanceWithRepoMap(tasks []models.Subtask, repo *RepoMap) {
	if repo == nil || len(repo.Chunks) == 0 {
		return
	}

	byPath := make(map[string]int, len(repo.Chunks))
	for _, chunk := range repo.Chunks {
		byPath[chunk.Path] += chunk.Bytes
	}

	for i := range tasks {
		t := &tasks[i]
		if len(t.RelevantFiles) == 0 {
			t.RelevantFiles = matchFiles(t.Description, repo)
		}
		if t.EstimatedTokens == 0 {
			total := 0
			for _, path := range t.RelevantFiles {
				total += byPath[path]
			}
			t.EstimatedTokens = estimateOverheadTokens + total/bytesPerToken
		}
	}
}

// matchFiles scores every chunk against the description's keywords and
// returns the best-matching file paths, highest score first.
func matchFiles(description string, repo *RepoMap) []string {
	keywords := keywordSet(description)
	if len(keywords) == 0 {
		return nil
	}

	scores := make(map[string]int)
	for _, chunk := range repo.Chunks {
		score := 0
		pathLower := strings.ToLower(chunk.Path)
		for kw := range keywords {
			if strings.Contains(pathLower, kw) {
				score += 2 // path hits outweigh symbol hits
			}
			for _, sym := range chunk.Symbols {
				if strings.Contains(strings.ToLower(sym), kw) {
					score++
				}
			}
		}
		if score > 0 {
			scores[chunk.Path] += score
		}
	}
	if len(scores) == 0 {
		return nil
	}

	paths := make([]string, 0, len(scores))
	for path := range scores {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(a, b int) bool {
		if scores[paths[a]] != scores[paths[b]] {
			return scores[paths[a]] > scores[paths[b]]
		}
		return paths[a] < paths[b]
	})
	if len(paths) > maxRelevantFiles {
		paths = paths[:maxRelevantFiles]
	}
	return paths
}

// stopWords are too common to discriminate between files.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "all": true, "add": true,
	"fix": true, "implement": true, "update": true, "make": true,
	"file": true, "files": true, "code": true, "new": true, "use": true,
}

func keywordSet(description string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_' && r != '.' && r != '/'
	})
	set := make(map[string]bool)
	for _, w := range words {
		w = strings.Trim(w, "./")
		if len(w) < 3 || stopWords[w] {
			continue
		}
		set[w] = true
	}
	return set
}
