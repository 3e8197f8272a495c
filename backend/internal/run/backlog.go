package run

import (
	"log/slog"
	"os"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/buger/jsonparser"
)

// backlogCap is N from spec §4.3: the bounded ring size per run.
const backlogCap = 50_000

// materializationLag is the 2s lag spec §4.3 prunes against.
const materializationLag = 2 * time.Second

// rolloutTailRefresh is the minimum interval between rollout-tail rescans.
const rolloutTailRefresh = 250 * time.Millisecond

// rolloutTailBytes bounds how much of the rollout file is re-read per scan.
const rolloutTailBytes = 512 * 1024

type backlogRun struct {
	mu           sync.Mutex
	items        *list.List[Envelope]
	rolloutPath  string
	materialized time.Time
	lastScan     time.Time
}

// Backlog is the in-memory, per-run bounded deque of recently published
// codex.notification envelopes described in spec §4.3. It bridges the gap
// between the agent's own (authoritative but lagging) rollout file and
// freshly published notifications.
type Backlog struct {
	mu   sync.Mutex
	runs map[string]*backlogRun

	log *slog.Logger
}

// NewBacklog constructs an empty Backlog.
func NewBacklog() *Backlog {
	return &Backlog{
		runs: make(map[string]*backlogRun),
		log:  slog.With("component", "run.backlog"),
	}
}

func (b *Backlog) runFor(runID string) *backlogRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok {
		r = &backlogRun{items: list.New[Envelope]()}
		b.runs[runID] = r
	}
	return r
}

// SetRolloutPath records the agent rollout file path for runID, once known.
func (b *Backlog) SetRolloutPath(runID, path string) {
	r := b.runFor(runID)
	r.mu.Lock()
	r.rolloutPath = path
	r.mu.Unlock()
}

// Add enqueues env (dropping the oldest entry if at capacity), then
// opportunistically refreshes the materialization watermark and prunes
// entries that are now known-materialized.
func (b *Backlog) Add(runID string, env Envelope) {
	r := b.runFor(runID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items.PushBack(env)
	for r.items.Len() > backlogCap {
		r.items.Remove(r.items.Front())
	}

	r.refreshWatermarkLocked()
	r.pruneLocked()
}

func (r *backlogRun) refreshWatermarkLocked() {
	if r.rolloutPath == "" {
		return
	}
	now := time.Now()
	if now.Sub(r.lastScan) < rolloutTailRefresh {
		return
	}
	r.lastScan = now

	f, err := os.Open(r.rolloutPath)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	size := info.Size()
	start := int64(0)
	if size > rolloutTailBytes {
		start = size - rolloutTailBytes
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return
	}

	var last time.Time
	for _, line := range splitLines(buf) {
		ts, err := jsonparser.GetString(line, "timestamp")
		if err != nil {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil && t.After(last) {
			last = t
		}
	}
	if !last.IsZero() {
		r.materialized = last
	}
}

func (r *backlogRun) pruneLocked() {
	if r.materialized.IsZero() {
		return
	}
	cutoff := r.materialized.Add(-materializationLag)
	for e := r.items.Front(); e != nil; {
		next := e.Next()
		if e.Value.CreatedAt.After(cutoff) {
			break
		}
		r.items.Remove(e)
		e = next
	}
}

func splitLines(buf []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range buf {
		if c == '\n' {
			if i > start {
				out = append(out, buf[start:i])
			}
			start = i + 1
		}
	}
	if start < len(buf) {
		out = append(out, buf[start:])
	}
	return out
}

// SnapshotAfter returns every buffered envelope strictly newer than
// afterExclusive (zero time means "all").
func (b *Backlog) SnapshotAfter(runID string, afterExclusive time.Time) []Envelope {
	r := b.runFor(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for e := r.items.Front(); e != nil; e = e.Next() {
		if afterExclusive.IsZero() || e.Value.CreatedAt.After(afterExclusive) {
			out = append(out, e.Value)
		}
	}
	return out
}

// SnapshotPending returns every envelope not yet known-materialized.
func (b *Backlog) SnapshotPending(runID string) []Envelope {
	r := b.runFor(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for e := r.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}
	return out
}

// GetLastNotificationAt returns the most recent buffered envelope's
// timestamp, or the zero Time if the backlog for runID is empty.
func (b *Backlog) GetLastNotificationAt(runID string) time.Time {
	r := b.runFor(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items.Len() == 0 {
		return time.Time{}
	}
	return r.items.Back().Value.CreatedAt
}

// Release drops the backlog state for runID entirely, once a run is
// terminal and no longer needs bridging.
func (b *Backlog) Release(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}
