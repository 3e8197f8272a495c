package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rundaemon/rund/backend/internal/agent"
)

// Hooks are the three function values the Run Manager exposes to an
// executing strategy, per the design note preferring closures over
// subclassing: publish an envelope, record newly-learned codex ids, and
// register the current interrupt handle.
type Hooks struct {
	Publish      func(EventType, any) error
	SetCodexIDs  func(threadID, turnID, rolloutPath string)
	SetInterrupt func(func() error)
}

// Outcome is what a Strategy reports once its run has finished.
type Outcome struct {
	Status Status
	Error  string

	// DiffStat and SafetyIssues are populated by ReviewStrategy once the
	// review target's diff has been inspected (spec extension §3); nil/empty
	// for kind=exec runs, for interrupted reviews, and for reviews that never
	// reached a terminal outcome.
	DiffStat     *DiffStat
	SafetyIssues []SafetyIssue
}

// Strategy dispatches one run to its agent transport and translates agent
// events into envelopes via hooks, per spec §4.5.
type Strategy interface {
	Run(ctx context.Context, r Run, hooks Hooks) Outcome
}

// chunkThreshold is the 2,048-char batching threshold for review-exec
// stdout/stderr chunking (spec §4.5).
const chunkThreshold = 2048

// ExecStrategy drives an interactive app-server thread/turn.
type ExecStrategy struct {
	Client agent.Client
}

func (e ExecStrategy) Run(ctx context.Context, r Run, hooks Hooks) Outcome {
	var thread *agent.Thread
	var err error
	if r.CodexThreadID != "" {
		thread, err = e.Client.ResumeThread(ctx, r.CodexThreadID)
	} else {
		thread, err = e.Client.StartThread(ctx, agent.ThreadOptions{Dir: r.Cwd, Model: r.Model})
	}
	if err != nil {
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("start thread: %v", err)}
	}
	hooks.SetCodexIDs(thread.ID, "", thread.RolloutPath)

	turn, err := e.Client.StartTurn(ctx, thread.ID, agent.TurnInput{
		TextInput:      r.Prompt,
		Cwd:            r.Cwd,
		Model:          r.Model,
		ApprovalPolicy: r.ApprovalPolicy,
	})
	if err != nil {
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("start turn: %v", err)}
	}
	hooks.SetCodexIDs(thread.ID, turn.ID(), thread.RolloutPath)
	hooks.SetInterrupt(turn.Interrupt)

	return drainTurn(ctx, turn, hooks)
}

func drainTurn(ctx context.Context, turn agent.Turn, hooks Hooks) Outcome {
	for {
		select {
		case n, ok := <-turn.Notifications():
			if !ok {
				continue
			}
			publishNotification(hooks, n)
		case <-turn.Done():
			status, errMsg := turn.Result()
			return Outcome{Status: mapAgentStatus(status), Error: errMsg}
		case <-ctx.Done():
			_ = turn.Interrupt()
			<-turn.Done()
			status, errMsg := turn.Result()
			out := Outcome{Status: mapAgentStatus(status), Error: errMsg}
			if out.Status == StatusSucceeded {
				out.Status = StatusInterrupted
			}
			return out
		}
	}
}

func publishNotification(hooks Hooks, n agent.Notification) {
	data := map[string]any{"method": n.Method, "params": json.RawMessage(n.Params)}
	if err := hooks.Publish(EventCodexNotification, data); err != nil {
		// Publish only fails when data cannot be marshalled; the turn
		// continues regardless.
		_ = err
	}
}

func mapAgentStatus(status string) Status {
	switch strings.ToLower(status) {
	case "succeeded", "completed", "success", "":
		return StatusSucceeded
	case "failed", "error":
		return StatusFailed
	case "interrupted", "cancelled", "canceled":
		return StatusInterrupted
	default:
		return StatusSucceeded
	}
}

// ReviewStrategy drives a one-shot review, in either exec or appserver
// sub-mode (spec §4.5).
type ReviewStrategy struct {
	Client       agent.Client
	ExecRunner   agent.ExecReviewRunner
}

func (e ReviewStrategy) Run(ctx context.Context, r Run, hooks Hooks) Outcome {
	if r.Review == nil {
		return Outcome{Status: StatusFailed, Error: "review run missing review target"}
	}
	var out Outcome
	switch r.Review.Mode {
	case ReviewModeExec:
		out = e.runExec(ctx, r, hooks)
	case ReviewModeAppserver:
		out = e.runAppserver(ctx, r, hooks)
	default:
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("unknown review mode %q", r.Review.Mode)}
	}
	e.attachDiffAndSafety(r, &out)
	return out
}

// diffSafetyTimeout bounds the post-hoc diff/safety enrichment below, run on
// its own background context so a run whose ctx was cancelled doesn't
// immediately fail the enrichment subprocess calls.
const diffSafetyTimeout = 60 * time.Second

// attachDiffAndSafety populates out.DiffStat for a succeeded or failed
// review outcome (interrupted and non-terminal outcomes are left without
// one) and out.SafetyIssues for a succeeded exec-mode review, per spec
// extension §3: a review-exec run is not reported succeeded until its diff
// has been scanned.
func (e ReviewStrategy) attachDiffAndSafety(r Run, out *Outcome) {
	if !out.Status.Terminal() || out.Status == StatusInterrupted {
		return
	}
	log := slog.With("component", "run.executor", "run", r.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), diffSafetyTimeout)
	defer cancel()

	ds, err := ComputeDiffStat(ctx, r.Cwd, r.Review)
	if err != nil {
		log.Warn("compute diffstat failed", "err", err)
		return
	}
	out.DiffStat = &ds

	if r.Review.Mode != ReviewModeExec || out.Status != StatusSucceeded {
		return
	}
	issues, err := CheckSafety(ctx, r.Cwd, r.Review, ds)
	if err != nil {
		log.Warn("safety scan failed", "err", err)
		return
	}
	out.SafetyIssues = issues
}

func (e ReviewStrategy) runExec(ctx context.Context, r Run, hooks Hooks) Outcome {
	if e.ExecRunner == nil {
		return Outcome{Status: StatusFailed, Error: "review exec runner unavailable"}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hooks.SetInterrupt(func() error { cancel(); return nil })

	stdoutBatcher := newChunkBatcher(func(chunk string) {
		_ = hooks.Publish(EventCodexNotification, map[string]any{
			"method": "item/agentMessage/delta",
			"params": map[string]any{"delta": chunk},
		})
	})
	defer stdoutBatcher.flush()

	var stderrTail strings.Builder
	stderrBatcher := newChunkBatcher(func(chunk string) {
		stderrTail.WriteString(chunk)
		_ = hooks.Publish(EventCodexNotification, map[string]any{
			"method": "item/commandExecution/outputDelta",
			"params": map[string]any{"delta": chunk},
		})
	})
	defer stderrBatcher.flush()

	exitCode, err := e.ExecRunner.RunReview(runCtx, agent.ExecReviewOptions{
		Dir:               r.Cwd,
		Prompt:            r.Prompt,
		AdditionalOptions: r.Review.AdditionalOptions,
	}, stdoutBatcher.add, stderrBatcher.add)

	if errors.Is(runCtx.Err(), context.Canceled) {
		return Outcome{Status: StatusInterrupted}
	}
	if err != nil {
		return Outcome{Status: StatusFailed, Error: err.Error()}
	}
	if exitCode != 0 {
		tail := stderrTail.String()
		if len(tail) > 64*1024 {
			tail = tail[len(tail)-64*1024:]
		}
		return Outcome{Status: StatusFailed, Error: tail}
	}
	return Outcome{Status: StatusSucceeded}
}

func (e ReviewStrategy) runAppserver(ctx context.Context, r Run, hooks Hooks) Outcome {
	if len(r.Review.AdditionalOptions) > 0 {
		return Outcome{Status: StatusFailed, Error: "additionalOptions not supported in appserver review mode"}
	}
	thread, err := e.Client.StartThread(ctx, agent.ThreadOptions{Dir: r.Cwd, Model: r.Model})
	if err != nil {
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("start thread: %v", err)}
	}
	hooks.SetCodexIDs(thread.ID, "", thread.RolloutPath)

	target := agent.ReviewTarget{
		Uncommitted: r.Review.Uncommitted,
		BaseBranch:  r.Review.BaseBranch,
		CommitSHA:   r.Review.CommitSHA,
		Title:       r.Review.Title,
	}
	turn, err := e.Client.StartReview(ctx, thread.ID, string(r.Review.Delivery), target)
	if err != nil {
		return Outcome{Status: StatusFailed, Error: fmt.Sprintf("start review: %v", err)}
	}
	hooks.SetCodexIDs(thread.ID, turn.ID(), thread.RolloutPath)
	hooks.SetInterrupt(turn.Interrupt)

	return drainTurn(ctx, turn, hooks)
}

// chunkBatcher accumulates characters and flushes at a "\n" boundary or once
// chunkThreshold characters have accumulated, matching spec §4.5's review
// exec stdout/stderr batching rule.
type chunkBatcher struct {
	emit func(string)
	buf  strings.Builder
	n    int // characters (runes) currently in buf
}

func newChunkBatcher(emit func(string)) *chunkBatcher {
	return &chunkBatcher{emit: emit}
}

func (b *chunkBatcher) add(s string) {
	for _, r := range s {
		b.buf.WriteRune(r)
		b.n++
		if r == '\n' || b.n >= chunkThreshold {
			b.flush()
		}
	}
}

func (b *chunkBatcher) flush() {
	if b.buf.Len() == 0 {
		return
	}
	chunk := b.buf.String()
	b.buf.Reset()
	b.n = 0
	b.emit(chunk)
}
