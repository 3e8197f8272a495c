// Package run implements the run lifecycle engine: the state machine, the
// per-run executor orchestration, the event broadcaster, the durable event
// log and derived rollup, the post-restart reconciler, and the store that
// backs the streaming-replay HTTP surface.
package run

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether status is one of the three final states.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Kind distinguishes an interactive exec run from a one-shot review run.
type Kind string

const (
	KindExec   Kind = "exec"
	KindReview Kind = "review"
)

// ReviewMode selects the review transport.
type ReviewMode string

const (
	ReviewModeExec      ReviewMode = "exec"
	ReviewModeAppserver ReviewMode = "appserver"
)

// ReviewDelivery selects how an app-server review result is delivered.
type ReviewDelivery string

const (
	ReviewDeliveryInline   ReviewDelivery = "inline"
	ReviewDeliveryDetached ReviewDelivery = "detached"
)

// Review is the nested review sub-record carried by kind=review runs.
type Review struct {
	Mode               ReviewMode     `json:"mode"`
	Delivery           ReviewDelivery `json:"delivery,omitempty"`
	Uncommitted        bool           `json:"uncommitted"`
	BaseBranch         string         `json:"baseBranch,omitempty"`
	CommitSHA          string         `json:"commitSha,omitempty"`
	Title              string         `json:"title,omitempty"`
	AdditionalOptions  []string       `json:"additionalOptions,omitempty"`
}

// DiffStat summarizes a `git diff --numstat` result, one entry per file.
type DiffStat struct {
	Files []DiffStatFile `json:"files"`
}

// DiffStatFile is one line of a `git diff --numstat` result.
type DiffStatFile struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary"`
}

// SafetyIssue is a single finding from the review safety scan (secrets,
// oversized binaries) surfaced on a completed review run.
type SafetyIssue struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Detail  string `json:"detail"`
}

// Run is the central entity: one invocation of the external Codex agent and
// everything the daemon knows about its lifecycle. Run values are treated as
// immutable snapshots — a mutation always produces a new value via Update,
// never an in-place field write on a value another goroutine may hold.
type Run struct {
	RunID       string     `json:"runId"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Cwd    string `json:"cwd"`
	Status Status `json:"status"`
	Kind   Kind   `json:"kind"`
	Prompt string `json:"prompt,omitempty"`
	Title  string `json:"title,omitempty"`

	Review *Review `json:"review,omitempty"`

	CodexThreadID           string     `json:"codexThreadId,omitempty"`
	CodexTurnID             string     `json:"codexTurnId,omitempty"`
	CodexRolloutPath        string     `json:"codexRolloutPath,omitempty"`
	CodexLastNotificationAt *time.Time `json:"codexLastNotificationAt,omitempty"`

	Model          string `json:"model,omitempty"`
	Effort         string `json:"effort,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`

	Error string `json:"error,omitempty"`

	DiffStat     *DiffStat     `json:"diffStat,omitempty"`
	SafetyIssues []SafetyIssue `json:"safetyIssues,omitempty"`
}

// Update returns a copy of r with fn applied, so callers never mutate a
// Run value another goroutine may be holding. Mirrors the "record with {…}"
// style called for by the immutable-transition design note, expressed as a
// single total helper rather than ad-hoc copy-and-set call sites.
func (r Run) Update(fn func(*Run)) Run {
	next := r
	if r.Review != nil {
		rv := *r.Review
		next.Review = &rv
	}
	fn(&next)
	return next
}

// EventType enumerates the envelope kinds recorded in events.jsonl and
// emitted over SSE.
type EventType string

const (
	EventRunMeta           EventType = "run.meta"
	EventRunCompleted      EventType = "run.completed"
	EventRunPaused         EventType = "run.paused"
	EventCodexNotification EventType = "codex.notification"
)

// Envelope is the common wrapper for raw events and SSE frames.
type Envelope struct {
	Type      EventType       `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// RollupType enumerates the two rollup record shapes.
type RollupType string

const (
	RollupOutputLine   RollupType = "outputLine"
	RollupAgentMessage RollupType = "agentMessage"
)

// RollupRecord is one line of a run's derived rollup.jsonl.
type RollupRecord struct {
	Type            RollupType `json:"type"`
	CreatedAt       time.Time  `json:"createdAt"`
	Source          string     `json:"source,omitempty"`
	Text            string     `json:"text"`
	EndsWithNewline bool       `json:"endsWithNewline,omitempty"`
	IsControl       bool       `json:"isControl,omitempty"`
}

// IndexEntry is one line of the global runs/index.jsonl.
type IndexEntry struct {
	RunID       string    `json:"runId"`
	CreatedAt   time.Time `json:"createdAt"`
	Cwd         string    `json:"cwd"`
	RelativeDir string    `json:"relativeDir"`
}

// CreateOptions is the validated, normalized input to Store.Create /
// Manager.CreateAndStart.
type CreateOptions struct {
	Cwd            string
	Prompt         string
	Kind           Kind
	Review         *Review
	Model          string
	Effort         string
	Sandbox        string
	ApprovalPolicy string
}
