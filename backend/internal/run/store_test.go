package run

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreCreateAndTryGet(t *testing.T) {
	s, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(CreateOptions{Cwd: "/work", Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Run.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", created.Run.Status)
	}

	got, err := s.TryGet(created.Run.RunID)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	if got.RunID != created.Run.RunID || got.Cwd != "/work" {
		t.Errorf("got %+v", got)
	}
}

func TestStoreTryGetUnknownRun(t *testing.T) {
	s, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.TryGet("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown run id")
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	s, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(CreateOptions{Cwd: "/work", Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	next := created.Run.Update(func(r *Run) { r.Status = StatusRunning })
	if err := s.Update(next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.TryGet(created.Run.RunID)
	if err != nil {
		t.Fatalf("TryGet: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
}

func TestStoreListByCwdFiltersAndDeduplicates(t *testing.T) {
	s, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := s.Create(CreateOptions{Cwd: "/a", Prompt: "x", Kind: KindExec})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(CreateOptions{Cwd: "/b", Prompt: "y", Kind: KindExec}); err != nil {
		t.Fatal(err)
	}

	runsA, err := s.ListByCwd("/a", false)
	if err != nil {
		t.Fatalf("ListByCwd: %v", err)
	}
	if len(runsA) != 1 || runsA[0].RunID != a.Run.RunID {
		t.Fatalf("got %+v, want just run a", runsA)
	}

	all, err := s.ListByCwd("", true)
	if err != nil {
		t.Fatalf("ListByCwd(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d runs, want 2", len(all))
	}
}

func TestStoreAppendAndReadRawEventsTailClamp(t *testing.T) {
	s, err := NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(CreateOptions{Cwd: "/work", Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		env := Envelope{Type: EventCodexNotification, Data: []byte{byte('0' + i)}}
		if err := s.AppendRawEvent(created.Run.RunID, env); err != nil {
			t.Fatalf("AppendRawEvent: %v", err)
		}
	}
	tailed, err := s.ReadRawEvents(created.Run.RunID, 2)
	if err != nil {
		t.Fatalf("ReadRawEvents: %v", err)
	}
	if len(tailed) != 2 {
		t.Fatalf("got %d events, want 2", len(tailed))
	}
	if tailed[0].Data[0] != '3' || tailed[1].Data[0] != '4' {
		t.Errorf("got tail %q %q, want the last two events", tailed[0].Data, tailed[1].Data)
	}
}

func TestStoreAppendRawEventDisabledWhenPersistRawLogFalse(t *testing.T) {
	s, err := NewStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(CreateOptions{Cwd: "/work", Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendRawEvent(created.Run.RunID, Envelope{Type: EventRunMeta}); err != nil {
		t.Fatalf("AppendRawEvent: %v", err)
	}
	events, err := s.ReadRawEvents(created.Run.RunID, 0)
	if err != nil {
		t.Fatalf("ReadRawEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0 (raw log persistence disabled)", len(events))
	}
}

func TestStoreResolveRunDirectoryFallsBackToScanAndRepairsIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	created, err := s.Create(CreateOptions{Cwd: "/work", Prompt: "hi", Kind: KindExec})
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a fresh process: drop the index file and the in-memory cache,
	// forcing ResolveRunDirectory onto its directory-scan fallback.
	if err := os.Remove(filepath.Join(dir, "runs", indexFileName)); err != nil {
		t.Fatal(err)
	}
	s2, err := NewStore(dir, true)
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	got, err := s2.TryGet(created.Run.RunID)
	if err != nil {
		t.Fatalf("TryGet after index loss: %v", err)
	}
	if got.RunID != created.Run.RunID {
		t.Errorf("got %+v", got)
	}

	// The scan should have repaired the index.
	if _, err := os.Stat(filepath.Join(dir, "runs", indexFileName)); err != nil {
		t.Errorf("expected index file to be repaired: %v", err)
	}
}
