package decompose

import (
	"fmt"

	"github.com/harrison/overmind/internal/models"
)

// DetectConflicts finds file-level collisions between tasks that could be
// dispatched concurrently (both pending or ready). Two writers of the same
// file are an error; a writer racing a reader is a warning.
func DetectConflicts(tasks []models.Subtask) []models.Conflict {
	var conflicts []models.Conflict

	eligible := func(t models.Subtask) bool {
		return t.Status == models.StatusPending || t.Status == models.StatusReady || t.Status == ""
	}

	for i := 0; i < len(tasks); i++ {
		if !eligible(tasks[i]) {
			continue
		}
		for j := i + 1; j < len(tasks); j++ {
			if !eligible(tasks[j]) {
				continue
			}
			a, b := tasks[i], tasks[j]

			for _, file := range intersect(a.Modifies, b.Modifies) {
				conflicts = append(conflicts, models.Conflict{
					Kind:     models.ConflictWriteWrite,
					Severity: models.SeverityError,
					TaskA:    a.ID,
					TaskB:    b.ID,
					File:     file,
					Suggestion: fmt.Sprintf(
						"serialize %s and %s with an explicit dependency; both modify %s",
						a.ID, b.ID, file),
				})
			}
			for _, file := range intersect(a.Modifies, b.Reads) {
				conflicts = append(conflicts, readWriteConflict(a.ID, b.ID, file))
			}
			for _, file := range intersect(b.Modifies, a.Reads) {
				conflicts = append(conflicts, readWriteConflict(b.ID, a.ID, file))
			}
		}
	}
	return conflicts
}

func readWriteConflict(writer, reader, file string) models.Conflict {
	return models.Conflict{
		Kind:     models.ConflictReadWrite,
		Severity: models.SeverityWarning,
		TaskA:    writer,
		TaskB:    reader,
		File:     file,
		Suggestion: fmt.Sprintf(
			"add a dependency so %s runs after %s finishes writing %s",
			reader, writer, file),
	}
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
