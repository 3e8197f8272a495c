package run

import (
	"strings"
	"time"
)

// ThinkingSummary is one extracted "**bolded**" line from a thinking span,
// optionally timestamped.
type ThinkingSummary struct {
	CreatedAt time.Time
	Text      string
}

// ExtractThinkingSummaries implements the canonical thinking-summary parser
// from spec §6: within a span bounded by the control-marker lines "thinking"
// (open) and "final" (close), each trimmed line that both begins and ends
// with "**" and has length > 4 yields the inner text as a summary;
// consecutive duplicates are suppressed.
func ExtractThinkingSummaries(records []RollupRecord) []ThinkingSummary {
	var out []ThinkingSummary
	inSpan := false
	var last string

	for _, rec := range records {
		if rec.Type != RollupOutputLine {
			continue
		}
		if rec.IsControl {
			switch strings.ToLower(rec.Text) {
			case "thinking":
				inSpan = true
			case "final":
				inSpan = false
			}
			continue
		}
		if !inSpan {
			continue
		}
		for _, line := range strings.Split(rec.Text, "\n") {
			line = strings.TrimSpace(line)
			if len(line) <= 4 || !strings.HasPrefix(line, "**") || !strings.HasSuffix(line, "**") {
				continue
			}
			summary := strings.TrimSpace(line[2 : len(line)-2])
			if summary == last {
				continue
			}
			last = summary
			out = append(out, ThinkingSummary{CreatedAt: rec.CreatedAt, Text: summary})
		}
	}
	return out
}
