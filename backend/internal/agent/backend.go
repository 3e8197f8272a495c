// Package agent defines the abstract interface the run engine uses to talk
// to an external Codex agent process. The concrete subprocess/SDK is an
// out-of-scope collaborator; everything in this package depends only on the
// shapes described here so the core can be tested against a fake.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// ThreadOptions configures a new or resumed agent thread.
type ThreadOptions struct {
	Dir              string // working directory for the thread.
	Model            string
	DeveloperMessage string // optional instructions injected at thread start.
	ResumeThreadID   string // non-empty to resume instead of starting fresh.
}

// TurnInput is the payload for starting a turn on an existing thread.
type TurnInput struct {
	TextInput      string
	Cwd            string
	Model          string
	ApprovalPolicy string
}

// ReviewTarget selects what a review turn diffs against. Exactly one of
// Uncommitted, BaseBranch, or CommitSHA should be set; the caller (Run
// Manager) is responsible for enforcing that invariant before calling.
type ReviewTarget struct {
	Uncommitted bool
	BaseBranch  string
	CommitSHA   string
	Title       string
}

// Notification is a single agent-originated JSON-RPC notification, kept in
// its raw wire shape ({method, params}) so the run engine can persist and
// replay it without lossy re-encoding.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Turn represents one in-flight agent turn (an interactive exchange or a
// review). Notifications arrive in order; Done closes when the turn has
// reached a terminal state, after which Result is valid.
type Turn interface {
	ID() string
	Notifications() <-chan Notification
	Done() <-chan struct{}
	Result() (status string, errMessage string)
	// Interrupt requests cancellation of the turn. Idempotent; safe to call
	// after the turn has already completed.
	Interrupt() error
}

// Thread is a handle to a started or resumed agent thread.
type Thread struct {
	ID          string
	RolloutPath string
}

// Client is the abstract agent client the Run Executor depends on. The
// concrete implementation (package codex) drives the app-server JSON-RPC
// protocol over a subprocess; tests substitute a fake.
type Client interface {
	// StartThread begins a brand new thread.
	StartThread(ctx context.Context, opts ThreadOptions) (*Thread, error)
	// ResumeThread reattaches to an existing thread by id.
	ResumeThread(ctx context.Context, threadID string) (*Thread, error)
	// StartTurn begins a turn on threadID and returns a handle streaming its
	// notifications until completion.
	StartTurn(ctx context.Context, threadID string, in TurnInput) (Turn, error)
	// StartReview begins a review turn on threadID.
	StartReview(ctx context.Context, threadID string, delivery string, target ReviewTarget) (Turn, error)
	// Steer sends turn/steer for the given (threadID, turnID) pair.
	Steer(ctx context.Context, threadID, turnID, prompt string) error
	// Close releases any resources (subprocess, connection) held by the
	// client. Safe to call multiple times.
	Close() error
}

// Usage holds best-effort token/cost accounting surfaced by the agent, used
// by the usage/quota endpoint and run completion records.
type Usage struct {
	InputTokens       int
	CachedInputTokens int
	OutputTokens      int
}

// RolloutWatermark describes the most recent timestamp materialized into
// the agent's own rollout file, as observed by a tail scan.
type RolloutWatermark struct {
	At      time.Time
	Fetched time.Time // when this watermark was last refreshed.
}
