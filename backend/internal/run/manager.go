package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNotResumable is returned by Resume for a run that is not a paused exec
// run.
var ErrNotResumable = errors.New("run: not resumable")

// ErrMissingCodexIDs is returned by Steer when the run has no known
// codexThreadId/codexTurnId pair yet.
var ErrMissingCodexIDs = errors.New("run: missing codex thread/turn ids")

// orphanGrace is the 5s grace window from spec §4.6's reconciliation rule.
const orphanGrace = 5 * time.Second

// ActiveRun is the Run Manager's live bookkeeping for one in-flight run.
type ActiveRun struct {
	cancel         context.CancelFunc
	interruptMu    sync.Mutex
	interrupt      func() error
	stopRequested  atomic.Bool
	pauseRequested atomic.Bool
	done           chan struct{}
}

// StrategyFactory selects the Strategy for a run's kind/review mode.
type StrategyFactory func(r Run) (Strategy, error)

// Manager is the Run Manager state machine and orchestrator (spec §4.6).
type Manager struct {
	store       *Store
	broadcaster *Broadcaster
	backlog     *Backlog
	rollup      *RollupWriter
	strategy    StrategyFactory
	serverStart time.Time

	mu     sync.Mutex
	active *orderedmap.OrderedMap[string, *ActiveRun]

	log *slog.Logger
}

// NewManager constructs a Manager over the given collaborators.
func NewManager(store *Store, b *Broadcaster, backlog *Backlog, rollup *RollupWriter, strategy StrategyFactory) *Manager {
	return &Manager{
		store:       store,
		broadcaster: b,
		backlog:     backlog,
		rollup:      rollup,
		strategy:    strategy,
		serverStart: time.Now().UTC(),
		active:      orderedmap.New[string, *ActiveRun](),
		log:         slog.With("component", "run.manager"),
	}
}

// validateCreate normalizes and validates a CreateRun request per spec
// §4.6's "CreateAndStart" validation rule set.
func validateCreate(opts *CreateOptions) error {
	if opts.Cwd == "" {
		return errors.New("cwd is required")
	}
	if opts.Kind == "" {
		if opts.Review != nil {
			opts.Kind = KindReview
		} else {
			opts.Kind = KindExec
		}
	}
	switch opts.Kind {
	case KindExec:
		if opts.Prompt == "" {
			return errors.New("prompt is required for kind=exec")
		}
	case KindReview:
		if opts.Review == nil {
			opts.Review = &Review{}
		}
		if err := normalizeReviewTarget(opts.Review); err != nil {
			return err
		}
		if opts.Review.Mode == "" {
			opts.Review.Mode = ReviewModeExec
		}
		// A prompt combined with a review target under exec sub-mode is
		// promoted to appserver (scenario 3): exec mode has no way to carry
		// a free-form prompt alongside the target.
		if opts.Prompt != "" && opts.Review.Mode == ReviewModeExec {
			opts.Review.Mode = ReviewModeAppserver
		}
		if opts.Review.Mode == ReviewModeAppserver && len(opts.Review.AdditionalOptions) > 0 {
			return errors.New("additionalOptions is not supported in appserver review mode")
		}
	default:
		return fmt.Errorf("invalid kind %q", opts.Kind)
	}
	return nil
}

func normalizeReviewTarget(r *Review) error {
	set := 0
	if r.Uncommitted {
		set++
	}
	if r.BaseBranch != "" {
		set++
	}
	if r.CommitSHA != "" {
		set++
	}
	if set > 1 {
		return errors.New("at most one of uncommitted, baseBranch, commitSha may be set")
	}
	if set == 0 {
		r.Uncommitted = true
	}
	return nil
}

// CreateAndStart validates, persists, publishes run.meta, registers the
// active entry, and spawns the executor task.
func (m *Manager) CreateAndStart(opts CreateOptions) (Run, error) {
	if err := validateCreate(&opts); err != nil {
		return Run{}, err
	}
	created, err := m.store.Create(opts)
	if err != nil {
		return Run{}, err
	}
	r := created.Run
	m.publishMeta(r)
	m.spawn(r)
	return r, nil
}

func (m *Manager) publishMeta(r Run) {
	data, _ := json.Marshal(r)
	env := Envelope{Type: EventRunMeta, CreatedAt: time.Now().UTC(), Data: data}
	m.broadcaster.Publish(r.RunID, env)
	if err := m.store.AppendRawEvent(r.RunID, env); err != nil {
		m.log.Warn("append raw event failed", "run", r.RunID, "err", err)
	}
}

// AppendAndPublish implements the event-flow discipline of spec §4.6:
// broadcast, then raw-log append, then backlog (for codex.notification),
// then rollup; on terminal types the rollup's buffered line is flushed and
// the run's backlog is released.
func (m *Manager) AppendAndPublish(runID string, typ EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := Envelope{Type: typ, CreatedAt: time.Now().UTC(), Data: raw}

	m.broadcaster.Publish(runID, env)
	if err := m.store.AppendRawEvent(runID, env); err != nil {
		m.log.Warn("append raw event failed", "run", runID, "err", err)
	}
	if typ == EventCodexNotification {
		m.backlog.Add(runID, env)
		m.feedRollup(runID, raw)
	}
	if typ == EventRunCompleted || typ == EventRunPaused {
		m.rollup.Flush(runID)
		m.backlog.Release(runID)
	}
	return nil
}

// feedRollup extracts outputDelta / completed-agentMessage content from a
// codex.notification payload and feeds the Rollup Writer, per spec §4.4.
func (m *Manager) feedRollup(runID string, raw json.RawMessage) {
	var n struct {
		Method string `json:"method"`
		Params struct {
			Delta string `json:"delta"`
			Item  struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return
	}
	switch n.Method {
	case "item/delta", "item/agentMessage/delta", "item/commandExecution/outputDelta":
		if n.Params.Delta != "" {
			m.rollup.AddDelta(runID, n.Params.Delta)
		}
	case "item/completed":
		if n.Params.Item.Type == "agent_message" && n.Params.Item.Text != "" {
			m.rollup.AddAgentMessage(runID, n.Method, n.Params.Item.Text)
		}
	}
}

func (m *Manager) spawn(r Run) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &ActiveRun{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.active.Set(r.RunID, ar)
	m.mu.Unlock()

	go func() {
		defer close(ar.done)
		defer func() {
			m.mu.Lock()
			m.active.Delete(r.RunID)
			m.mu.Unlock()
		}()
		m.runExecutor(ctx, r, ar)
	}()
}

func (m *Manager) runExecutor(ctx context.Context, r Run, ar *ActiveRun) {
	running := r.Update(func(x *Run) {
		x.Status = StatusRunning
		now := time.Now().UTC()
		x.StartedAt = &now
	})
	if err := m.store.Update(running); err != nil {
		m.log.Warn("persist running state failed", "run", r.RunID, "err", err)
	}
	m.publishMeta(running)

	strat, err := m.strategy(running)
	if err != nil {
		m.finish(running, Outcome{Status: StatusFailed, Error: err.Error()})
		return
	}

	hooks := Hooks{
		Publish: func(t EventType, data any) error { return m.AppendAndPublish(r.RunID, t, data) },
		SetCodexIDs: func(threadID, turnID, rolloutPath string) {
			m.setCodexIDs(r.RunID, threadID, turnID, rolloutPath)
		},
		SetInterrupt: func(fn func() error) {
			ar.interruptMu.Lock()
			ar.interrupt = fn
			ar.interruptMu.Unlock()
		},
	}

	outcome := strat.Run(ctx, running, hooks)

	cur, err := m.store.TryGet(r.RunID)
	if err != nil {
		cur = running
	}

	// Distinguish "user pressed stop" (or a bulk pause) from an abrupt
	// interruption: only for kind=exec does a stop- or pause-requested
	// interruption land on paused rather than the terminal interrupted state.
	if outcome.Status == StatusInterrupted && (ar.stopRequested.Load() || ar.pauseRequested.Load()) && cur.Kind == KindExec {
		m.finish(cur, Outcome{Status: StatusPaused})
		return
	}
	// ctx is cancelled only by FailAllInProgress; a run it cancels ends failed.
	if outcome.Status == StatusInterrupted && ctx.Err() != nil {
		outcome.Status = StatusFailed
	}
	m.finish(cur, outcome)
}

func (m *Manager) setCodexIDs(runID, threadID, turnID, rolloutPath string) {
	cur, err := m.store.TryGet(runID)
	if err != nil {
		return
	}
	next := cur.Update(func(x *Run) {
		if threadID != "" {
			x.CodexThreadID = threadID
		}
		if turnID != "" {
			x.CodexTurnID = turnID
		}
		if rolloutPath != "" {
			x.CodexRolloutPath = rolloutPath
			m.backlog.SetRolloutPath(runID, rolloutPath)
		}
	})
	if err := m.store.Update(next); err != nil {
		m.log.Warn("persist codex ids failed", "run", runID, "err", err)
	}
}

func (m *Manager) finish(r Run, outcome Outcome) {
	next := r.Update(func(x *Run) {
		x.Status = outcome.Status
		x.Error = outcome.Error
		if outcome.Status.Terminal() {
			now := time.Now().UTC()
			x.CompletedAt = &now
		}
		if outcome.DiffStat != nil {
			x.DiffStat = outcome.DiffStat
		}
		if len(outcome.SafetyIssues) > 0 {
			x.SafetyIssues = outcome.SafetyIssues
		}
	})
	if err := m.store.Update(next); err != nil {
		m.log.Warn("persist final state failed", "run", r.RunID, "err", err)
	}

	evType := EventRunCompleted
	if next.Status == StatusPaused {
		evType = EventRunPaused
	}
	data, _ := json.Marshal(next)
	_ = m.AppendAndPublish(next.RunID, evType, json.RawMessage(data))
	m.publishMeta(next)
}

// TryInterrupt calls the registered interrupt hook for runID, if any.
func (m *Manager) TryInterrupt(runID string) bool {
	ar, ok := m.lookupActive(runID)
	if !ok {
		return false
	}
	ar.interruptMu.Lock()
	fn := ar.interrupt
	ar.interruptMu.Unlock()
	if fn == nil {
		return false
	}
	if err := fn(); err != nil {
		m.log.Warn("interrupt failed", "run", runID, "err", err)
	}
	return true
}

// TryStop marks stopRequested then interrupts; the executor goroutine
// resolves whether that lands on paused or interrupted.
func (m *Manager) TryStop(runID string) bool {
	ar, ok := m.lookupActive(runID)
	if !ok {
		return false
	}
	ar.stopRequested.Store(true)
	return m.TryInterrupt(runID)
}

func (m *Manager) lookupActive(runID string) (*ActiveRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Get(runID)
}

// Resume restarts a paused exec run, reusing codexThreadId for thread
// resume. Queued, running and terminal runs are not resumable.
func (m *Manager) Resume(runID string, prompt string, effort string) (Run, error) {
	cur, err := m.store.TryGet(runID)
	if err != nil {
		return Run{}, err
	}
	if cur.Kind != KindExec || cur.Status.Terminal() || cur.Status == StatusQueued || cur.Status == StatusRunning {
		return Run{}, ErrNotResumable
	}
	next := cur.Update(func(x *Run) {
		x.Status = StatusQueued
		x.Error = ""
		x.CompletedAt = nil
		if prompt != "" {
			x.Prompt = prompt
		}
		if effort != "" {
			x.Effort = effort
		}
	})
	if err := m.store.Update(next); err != nil {
		return Run{}, err
	}
	m.publishMeta(next)
	m.spawn(next)
	return next, nil
}

// Steer calls steer with runID's persisted codexThreadId/codexTurnId pair;
// the caller supplies the agent transport (turn/steer) as the steer func.
func (m *Manager) Steer(runID, prompt string, steer func(threadID, turnID, prompt string) error) error {
	cur, err := m.store.TryGet(runID)
	if err != nil {
		return err
	}
	if cur.CodexThreadID == "" || cur.CodexTurnID == "" {
		return ErrMissingCodexIDs
	}
	return steer(cur.CodexThreadID, cur.CodexTurnID, prompt)
}

// PauseAllInProgress transitions every active kind=exec run to paused;
// other kinds are left running (they fail via FailAllInProgress instead).
// Per spec §9's open question, concurrent invocation safety with
// FailAllInProgress relies on the caller serializing bulk-transition calls
// (documented, not internally locked against each other).
func (m *Manager) PauseAllInProgress(reason string) {
	for _, runID := range m.activeRunIDs() {
		r, err := m.store.TryGet(runID)
		if err != nil || r.Kind != KindExec {
			continue
		}
		ar, ok := m.lookupActive(runID)
		if !ok {
			continue
		}
		ar.pauseRequested.Store(true)
		m.TryInterrupt(runID)
	}
}

// FailAllInProgress cancels every active run outright; runExecutor records a
// run so cancelled as failed (for kinds that cannot be paused, or as a
// best-effort fail policy on shutdown).
func (m *Manager) FailAllInProgress(reason string) {
	for _, runID := range m.activeRunIDs() {
		ar, ok := m.lookupActive(runID)
		if !ok {
			continue
		}
		ar.cancel()
	}
}

func (m *Manager) activeRunIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, m.active.Len())
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// ReconcileOrphans scans the index at startup for any run persisted as
// `running` that predates this server instance by more than the grace
// window and is not in the active table, transitioning it to paused with
// the orphan error message (spec §4.6, scenario 4).
func (m *Manager) ReconcileOrphans() {
	runs, err := m.store.ListByCwd("", true)
	if err != nil {
		m.log.Warn("orphan reconciliation: list failed", "err", err)
		return
	}
	cutoff := m.serverStart.Add(-orphanGrace)
	for _, r := range runs {
		if r.Status != StatusRunning {
			continue
		}
		if _, active := m.lookupActive(r.RunID); active {
			continue
		}
		ts := r.CreatedAt
		if r.StartedAt != nil {
			ts = *r.StartedAt
		}
		if !ts.Before(cutoff) {
			continue
		}
		next := r.Update(func(x *Run) {
			x.Status = StatusPaused
			x.Error = "orphaned after runner restart (was running during previous server instance)"
			x.CompletedAt = nil
		})
		if err := m.store.Update(next); err != nil {
			m.log.Warn("orphan reconciliation: update failed", "run", r.RunID, "err", err)
			continue
		}
		m.publishMeta(next)
	}
}
