package run

import (
	"context"
	"testing"
	"time"
)

// controlledStrategy lets a test observe that a run has started (via
// started) and control exactly when/how it finishes (via release).
type controlledStrategy struct {
	started chan struct{}
	release chan Outcome
}

func newControlledStrategy() *controlledStrategy {
	return &controlledStrategy{started: make(chan struct{}), release: make(chan Outcome, 1)}
}

func (s *controlledStrategy) Run(ctx context.Context, r Run, hooks Hooks) Outcome {
	hooks.SetInterrupt(func() error { return nil })
	select {
	case <-s.started: // already closed by an earlier run (e.g. before a Resume)
	default:
		close(s.started)
	}
	select {
	case out := <-s.release:
		return out
	case <-ctx.Done():
		return Outcome{Status: StatusInterrupted}
	}
}

func newManagerForTest(t *testing.T, factory StrategyFactory) *Manager {
	t.Helper()
	store, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bcast := NewBroadcaster()
	backlog := NewBacklog()
	rollup := NewRollupWriter(store.AppendRollupRecord)
	return NewManager(store, bcast, backlog, rollup, factory)
}

func waitForStatus(t *testing.T, m *Manager, runID string, want Status) Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := m.store.TryGet(runID)
		if err == nil && r.Status == want {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q in time", runID, want)
	return Run{}
}

func TestValidateCreateRequiresCwd(t *testing.T) {
	opts := CreateOptions{Prompt: "hi"}
	if err := validateCreate(&opts); err == nil {
		t.Fatal("expected error for missing cwd")
	}
}

func TestValidateCreateExecRequiresPrompt(t *testing.T) {
	opts := CreateOptions{Cwd: "/tmp", Kind: KindExec}
	if err := validateCreate(&opts); err == nil {
		t.Fatal("expected error for missing prompt on kind=exec")
	}
}

func TestValidateCreateReviewDefaultsToUncommitted(t *testing.T) {
	opts := CreateOptions{Cwd: "/tmp", Review: &Review{}}
	if err := validateCreate(&opts); err != nil {
		t.Fatalf("validateCreate: %v", err)
	}
	if opts.Kind != KindReview {
		t.Errorf("Kind = %q, want review (inferred from Review != nil)", opts.Kind)
	}
	if !opts.Review.Uncommitted {
		t.Error("expected Uncommitted to default true when no target specified")
	}
	if opts.Review.Mode != ReviewModeExec {
		t.Errorf("Mode = %q, want exec (default)", opts.Review.Mode)
	}
}

func TestValidateCreateReviewRejectsMultipleTargets(t *testing.T) {
	opts := CreateOptions{Cwd: "/tmp", Review: &Review{Uncommitted: true, BaseBranch: "main"}}
	if err := validateCreate(&opts); err == nil {
		t.Fatal("expected error for multiple review targets")
	}
}

func TestValidateCreatePromptPromotesReviewToAppserver(t *testing.T) {
	opts := CreateOptions{Cwd: "/tmp", Prompt: "focus on auth", Review: &Review{Uncommitted: true}}
	if err := validateCreate(&opts); err != nil {
		t.Fatalf("validateCreate: %v", err)
	}
	if opts.Review.Mode != ReviewModeAppserver {
		t.Errorf("Mode = %q, want appserver (prompt forces promotion out of exec mode)", opts.Review.Mode)
	}
}

func TestValidateCreateAppserverRejectsAdditionalOptions(t *testing.T) {
	opts := CreateOptions{
		Cwd:    "/tmp",
		Review: &Review{Uncommitted: true, Mode: ReviewModeAppserver, AdditionalOptions: []string{"--foo"}},
	}
	if err := validateCreate(&opts); err == nil {
		t.Fatal("expected error: additionalOptions unsupported in appserver mode")
	}
}

func TestManagerCreateAndStartRunsToSuccess(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started
	strat.release <- Outcome{Status: StatusSucceeded}

	final := waitForStatus(t, m, r.RunID, StatusSucceeded)
	if final.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on a terminal run")
	}
}

func TestManagerTryInterruptUnknownRunReturnsFalse(t *testing.T) {
	m := newManagerForTest(t, func(Run) (Strategy, error) { return newControlledStrategy(), nil })
	if m.TryInterrupt("does-not-exist") {
		t.Error("TryInterrupt on an unknown run should return false")
	}
}

func TestManagerTryInterruptRegisteredHook(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started

	if !m.TryInterrupt(r.RunID) {
		t.Fatal("TryInterrupt should succeed once the strategy has registered a hook")
	}
	strat.release <- Outcome{Status: StatusInterrupted}
	waitForStatus(t, m, r.RunID, StatusInterrupted)
}

func TestManagerTryStopLandsOnPausedForExecRuns(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started

	if !m.TryStop(r.RunID) {
		t.Fatal("TryStop should succeed once the strategy has registered a hook")
	}
	// The strategy reports the abrupt outcome a cancelled turn would; the
	// manager is responsible for remapping it to paused since stop (not an
	// external interruption) was requested on an exec run.
	strat.release <- Outcome{Status: StatusInterrupted}
	waitForStatus(t, m, r.RunID, StatusPaused)
}

func TestManagerResumeRejectsTerminalRun(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started
	strat.release <- Outcome{Status: StatusSucceeded}
	waitForStatus(t, m, r.RunID, StatusSucceeded)

	if _, err := m.Resume(r.RunID, "", ""); err != ErrNotResumable {
		t.Errorf("Resume on a succeeded run: got %v, want ErrNotResumable", err)
	}
}

func TestManagerResumePausedRun(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started
	m.TryStop(r.RunID)
	strat.release <- Outcome{Status: StatusInterrupted}
	waitForStatus(t, m, r.RunID, StatusPaused)

	next, err := m.Resume(r.RunID, "continue please", "")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if next.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", next.Status)
	}
	if next.Prompt != "continue please" {
		t.Errorf("Prompt = %q, want the resume prompt", next.Prompt)
	}
}

func TestManagerSteerRequiresCodexIDs(t *testing.T) {
	m := newManagerForTest(t, func(Run) (Strategy, error) { return newControlledStrategy(), nil })
	created, err := m.store.Create(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = m.Steer(created.Run.RunID, "nudge", func(string, string, string) error { return nil })
	if err != ErrMissingCodexIDs {
		t.Errorf("Steer on a run with no codex ids: got %v, want ErrMissingCodexIDs", err)
	}
}

func TestManagerReconcileOrphansPausesStaleRunningRuns(t *testing.T) {
	m := newManagerForTest(t, func(Run) (Strategy, error) { return newControlledStrategy(), nil })
	created, err := m.store.Create(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	started := created.Run.CreatedAt.Add(-time.Hour)
	stale := created.Run.Update(func(x *Run) {
		x.Status = StatusRunning
		x.StartedAt = &started
	})
	if err := m.store.Update(stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	m.ReconcileOrphans()

	got, err := m.store.TryGet(created.Run.RunID)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	if got.Status != StatusPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}
	if got.Error == "" {
		t.Error("expected an orphan error message to be recorded")
	}
}

func TestManagerReconcileOrphansSkipsActiveRuns(t *testing.T) {
	strat := newControlledStrategy()
	m := newManagerForTest(t, func(Run) (Strategy, error) { return strat, nil })

	r, err := m.CreateAndStart(CreateOptions{Cwd: t.TempDir(), Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("CreateAndStart: %v", err)
	}
	<-strat.started

	// Backdate serverStart so the orphan-grace window would otherwise apply.
	m.serverStart = time.Now().UTC().Add(-time.Hour)
	m.ReconcileOrphans()

	got, err := m.store.TryGet(r.RunID)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want running (run is active, must not be reconciled)", got.Status)
	}
	strat.release <- Outcome{Status: StatusSucceeded}
	waitForStatus(t, m, r.RunID, StatusSucceeded)
}
