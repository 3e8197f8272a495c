package run

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxBufferedLine is the 64,000-char bound from spec §4.4 that forces a
// flush of a partial line to keep memory bounded.
const maxBufferedLine = 64_000

type rollupState struct {
	mu        sync.Mutex
	buf       strings.Builder
	pendingCr bool
	disabled  bool
}

// RollupWriter converts a run's streaming outputDelta notifications into
// newline-oriented outputLine records per spec §4.4, persisting each via
// persist and keeping no cross-run state beyond per-run buffers.
type RollupWriter struct {
	mu     sync.Mutex
	states map[string]*rollupState
	persist func(runID string, rec RollupRecord) error
	log    *slog.Logger
}

// NewRollupWriter constructs a RollupWriter that calls persist for every
// emitted record (normally Store.AppendRollupRecord).
func NewRollupWriter(persist func(runID string, rec RollupRecord) error) *RollupWriter {
	return &RollupWriter{
		states:  make(map[string]*rollupState),
		persist: persist,
		log:     slog.With("component", "run.rollup"),
	}
}

func (w *RollupWriter) stateFor(runID string) *rollupState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.states[runID]
	if !ok {
		s = &rollupState{}
		w.states[runID] = s
	}
	return s
}

func isControlMarker(delta string) bool {
	switch strings.ToLower(delta) {
	case "thinking", "final":
		return true
	default:
		return false
	}
}

// AddDelta feeds one outputDelta chunk for runID, emitting zero or more
// outputLine records.
func (w *RollupWriter) AddDelta(runID string, delta string) {
	s := w.stateFor(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}

	if isControlMarker(delta) {
		w.flushBufferedLocked(runID, s, true)
		w.emitLocked(runID, s, RollupRecord{
			Type:      RollupOutputLine,
			CreatedAt: time.Now().UTC(),
			Text:      strings.ToLower(delta),
			IsControl: true,
		})
		return
	}

	text := delta
	if s.pendingCr {
		s.pendingCr = false
		if strings.HasPrefix(text, "\n") {
			// CRLF split across deltas: the CR already terminated the
			// previous line, so flush it before consuming the paired LF.
			w.flushBufferedLocked(runID, s, true)
			text = text[1:]
		} else {
			w.flushBufferedLocked(runID, s, true)
		}
	}

	for len(text) > 0 {
		idx := strings.IndexAny(text, "\r\n")
		if idx < 0 {
			s.buf.WriteString(text)
			if s.buf.Len() >= maxBufferedLine {
				w.flushBufferedLocked(runID, s, false)
			}
			return
		}
		s.buf.WriteString(text[:idx])
		if text[idx] == '\r' {
			if idx+1 < len(text) && text[idx+1] == '\n' {
				idx++ // consume the paired \n
			} else if idx+1 == len(text) {
				// Could be a CRLF split across deltas; hold for next call.
				s.pendingCr = true
				text = text[idx+1:]
				continue
			}
		}
		w.flushBufferedLocked(runID, s, true)
		text = text[idx+1:]
	}
}

// flushBufferedLocked emits the current buffer as an outputLine record (if
// non-empty) and resets it. s.mu must already be held.
func (w *RollupWriter) flushBufferedLocked(runID string, s *rollupState, endsWithNewline bool) {
	if s.buf.Len() == 0 {
		return
	}
	text := s.buf.String()
	s.buf.Reset()
	w.emitLocked(runID, s, RollupRecord{
		Type:            RollupOutputLine,
		CreatedAt:       time.Now().UTC(),
		Text:            text,
		EndsWithNewline: endsWithNewline,
	})
}

// Flush force-flushes any buffered partial line for runID, trimming a
// trailing \r, as done on run terminal/paused per spec §4.4.
func (w *RollupWriter) Flush(runID string) {
	s := w.stateFor(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	text := strings.TrimSuffix(s.buf.String(), "\r")
	s.buf.Reset()
	s.pendingCr = false
	if text == "" {
		return
	}
	w.emitLocked(runID, s, RollupRecord{
		Type:            RollupOutputLine,
		CreatedAt:       time.Now().UTC(),
		Text:            text,
		EndsWithNewline: false,
	})
}

// AddAgentMessage emits a single agentMessage rollup record for a completed
// agent-message item.
func (w *RollupWriter) AddAgentMessage(runID, source, text string) {
	s := w.stateFor(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	w.emitLocked(runID, s, RollupRecord{
		Type:      RollupAgentMessage,
		CreatedAt: time.Now().UTC(),
		Source:    source,
		Text:      text,
	})
}

func (w *RollupWriter) emitLocked(runID string, s *rollupState, rec RollupRecord) {
	if err := w.persist(runID, rec); err != nil {
		s.disabled = true
		s.buf.Reset()
		w.log.Warn("rollup persist failed, disabling for run", "run", runID, "err", err)
	}
}

// Release drops all rollup state for runID.
func (w *RollupWriter) Release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.states, runID)
}
