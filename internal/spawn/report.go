package spawn

import (
	"strings"

	"github.com/harrison/overmind/internal/jsonx"
	"github.com/harrison/overmind/internal/models"
)

// parseReportTail extracts the structured closure report from the end of
// a child's final text output. The report is the last balanced JSON
// object in the text that carries at least one known report field; prose
// after or around it is tolerated. Returns nil when no report is found.
func parseReportTail(output string) *models.StructuredReport {
	// Walk '{' positions from the end so a trailing report wins over any
	// JSON the model quoted earlier in its answer.
	for idx := strings.LastIndexByte(output, '{'); idx >= 0; idx = strings.LastIndexByte(output[:idx], '{') {
		candidate, ok := jsonx.ExtractObject(output[idx:])
		if !ok {
			continue
		}
		var report models.StructuredReport
		if _, err := jsonx.UnmarshalString(candidate, &report); err != nil {
			continue
		}
		if !reportShaped(report) {
			continue
		}
		report.Normalize()
		return &report
	}
	return nil
}

// reportShaped rejects arbitrary JSON objects that happen to sit at the
// tail: a report must populate at least one of its list fields or a
// status.
func reportShaped(r models.StructuredReport) bool {
	return r.Status != "" ||
		len(r.Findings) > 0 ||
		len(r.ActionsTaken) > 0 ||
		len(r.Failures) > 0 ||
		len(r.RemainingWork) > 0 ||
		len(r.SuggestedNextSteps) > 0
}
