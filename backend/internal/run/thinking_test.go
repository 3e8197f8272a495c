package run

import (
	"testing"
	"time"
)

func line(text string, control bool) RollupRecord {
	return RollupRecord{Type: RollupOutputLine, CreatedAt: time.Now().UTC(), Text: text, IsControl: control}
}

func TestExtractThinkingSummariesBasic(t *testing.T) {
	records := []RollupRecord{
		line("thinking", true),
		line("**Looking at the failing test**", false),
		line("some unrelated reasoning", false),
		line("**Narrowing down the cause**", false),
		line("final", true),
		line("the actual agent message is ignored", false),
	}
	got := ExtractThinkingSummaries(records)
	if len(got) != 2 {
		t.Fatalf("got %d summaries, want 2: %+v", len(got), got)
	}
	if got[0].Text != "Looking at the failing test" {
		t.Errorf("got[0].Text = %q", got[0].Text)
	}
	if got[1].Text != "Narrowing down the cause" {
		t.Errorf("got[1].Text = %q", got[1].Text)
	}
}

func TestExtractThinkingSummariesOutsideSpanIgnored(t *testing.T) {
	records := []RollupRecord{
		line("**before any thinking span**", false),
		line("thinking", true),
		line("**inside span**", false),
		line("final", true),
		line("**after span closed**", false),
	}
	got := ExtractThinkingSummaries(records)
	if len(got) != 1 || got[0].Text != "inside span" {
		t.Fatalf("got %+v, want exactly one summary \"inside span\"", got)
	}
}

func TestExtractThinkingSummariesShortLineSkipped(t *testing.T) {
	records := []RollupRecord{
		line("thinking", true),
		line("****", false), // len 4, not > 4
		line("final", true),
	}
	got := ExtractThinkingSummaries(records)
	if len(got) != 0 {
		t.Fatalf("got %+v, want none", got)
	}
}

func TestExtractThinkingSummariesConsecutiveDuplicateSuppressed(t *testing.T) {
	records := []RollupRecord{
		line("thinking", true),
		line("**Same summary**", false),
		line("**Same summary**", false),
		line("**Different summary**", false),
		line("**Same summary**", false),
		line("final", true),
	}
	got := ExtractThinkingSummaries(records)
	texts := make([]string, len(got))
	for i, s := range got {
		texts[i] = s.Text
	}
	want := []string{"Same summary", "Different summary", "Same summary"}
	if len(texts) != len(want) {
		t.Fatalf("got %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestExtractThinkingSummariesMultilineRecord(t *testing.T) {
	records := []RollupRecord{
		line("thinking", true),
		line("**first line**\nplain text\n**second line**", false),
		line("final", true),
	}
	got := ExtractThinkingSummaries(records)
	if len(got) != 2 || got[0].Text != "first line" || got[1].Text != "second line" {
		t.Fatalf("got %+v", got)
	}
}

func TestExtractThinkingSummariesNonOutputLineIgnored(t *testing.T) {
	records := []RollupRecord{
		line("thinking", true),
		{Type: RollupAgentMessage, CreatedAt: time.Now().UTC(), Text: "**should not count**"},
		line("final", true),
	}
	got := ExtractThinkingSummaries(records)
	if len(got) != 0 {
		t.Fatalf("got %+v, want none (agentMessage records are not thinking lines)", got)
	}
}
