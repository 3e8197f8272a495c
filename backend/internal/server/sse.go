// handleEvents implements the streaming-replay SSE endpoint: replay a run's
// durable event log, then (optionally) follow live events until the run
// reaches a terminal state or the client disconnects.
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rundaemon/rund/backend/internal/run"
)

const (
	sseDefaultTail = 0
	sseMaxTail     = 200000
	ssePingEvery   = 15 * time.Second

	sseEventRollupOutputLine   = "codex.rollup.outputLine"
	sseEventRollupAgentMessage = "codex.rollup.agentMessage"
)

// rollupEventName maps a rollup record's internal type to the SSE event
// name clients see on the wire.
func rollupEventName(t run.RollupType) string {
	if t == run.RollupAgentMessage {
		return sseEventRollupAgentMessage
	}
	return sseEventRollupOutputLine
}

type sseParams struct {
	replay       bool
	follow       bool
	tail         int
	replayFormat string // auto, raw, rollup
}

func parseSSEParams(r *http.Request) sseParams {
	q := r.URL.Query()
	p := sseParams{replay: true, follow: true, tail: sseDefaultTail, replayFormat: "auto"}
	if v := q.Get("replay"); v != "" {
		p.replay = v == "true" || v == "1"
	}
	if v := q.Get("follow"); v != "" {
		p.follow = v == "true" || v == "1"
	}
	if v := q.Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > sseMaxTail {
				n = sseMaxTail
			}
			p.tail = n
		}
	}
	switch q.Get("replayFormat") {
	case "raw", "rollup":
		p.replayFormat = q.Get("replayFormat")
	}
	return p
}

// sseWriter frames envelopes as text/event-stream messages and flushes after
// every write so replay/follow events reach the client without buffering.
type sseWriter struct {
	w  *bufio.Writer
	f  http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: bufio.NewWriter(w), f: f}, true
}

func (s *sseWriter) writeEvent(event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	for _, line := range splitLines(data) {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := s.w.WriteString("\n"); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) writeComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	lines = append(lines, data[start:])
	return lines
}

// handleEvents serves GET /v1/runs/{id}/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rn, err := s.getRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	params := parseSSEParams(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw, ok := newSSEWriter(w)
	if !ok {
		return
	}

	// Step 3: the current run.meta record is always emitted first, ahead of
	// any replay/follow, regardless of status.
	if err := s.writeRunMeta(sw, rn); err != nil {
		return
	}

	paused := rn.Status == run.StatusPaused
	follow := params.follow && !rn.Status.Terminal() && !paused
	var sub *run.Subscriber
	if follow {
		sub = s.bcast.Subscribe(rn.RunID)
		defer s.bcast.Unsubscribe(rn.RunID, sub)
	}

	var maxReplayedAt time.Time
	if params.replay {
		maxReplayedAt, err = s.replayEvents(sw, rn, params, follow)
		if err != nil {
			return
		}
	}

	if rn.Status.Terminal() || paused {
		_ = s.writeTerminalEvent(sw, rn)
		return
	}
	if !follow {
		return
	}

	s.followEvents(r, sw, rn.RunID, sub, maxReplayedAt)
}

// replayEvents drains the durable log up to the requested tail, returning
// the latest createdAt timestamp seen so followEvents can dedup against it.
// run.meta records are never replayed: step 3 already synthesized the
// current one fresh, ahead of replay.
func (s *Server) replayEvents(sw *sseWriter, rn run.Run, params sseParams, follow bool) (time.Time, error) {
	format := params.replayFormat
	if format == "auto" {
		format = "raw"
	}

	var maxReplayedAt time.Time
	var writeErr error
	emit := func(event string, createdAt time.Time, data []byte) {
		if writeErr != nil {
			return
		}
		if err := sw.writeEvent(event, data); err != nil {
			writeErr = err
			return
		}
		if createdAt.After(maxReplayedAt) {
			maxReplayedAt = createdAt
		}
	}

	if format == "rollup" {
		records, err := s.store.ReadRollup(rn.RunID, params.tail)
		if err != nil {
			return maxReplayedAt, err
		}
		for _, rec := range records {
			data, _ := json.Marshal(rec)
			emit(rollupEventName(rec.Type), rec.CreatedAt, data)
		}
		if follow {
			// The rollup log lags the agent's own notification stream by
			// however long the Rollup Writer takes to derive a line; bridge
			// that gap with whatever the Backlog already has buffered past
			// the rollup's watermark so a reconnecting client doesn't miss
			// notifications that haven't been turned into rollup lines yet.
			for _, env := range s.backlog.SnapshotAfter(rn.RunID, maxReplayedAt) {
				emit(string(env.Type), env.CreatedAt, env.Data)
			}
		}
		return maxReplayedAt, writeErr
	}

	events, err := s.store.ReadRawEvents(rn.RunID, params.tail)
	if err != nil {
		return maxReplayedAt, err
	}
	for _, env := range events {
		if env.Type == run.EventRunMeta {
			continue
		}
		emit(string(env.Type), env.CreatedAt, env.Data)
	}
	return maxReplayedAt, writeErr
}

// writeRunMeta emits the run's current state as a run.meta frame.
func (s *Server) writeRunMeta(sw *sseWriter, rn run.Run) error {
	data, _ := json.Marshal(toRunJSON(rn))
	return sw.writeEvent(string(run.EventRunMeta), data)
}

// writeTerminalEvent emits the synthesized terminal frame for a run that is
// already completed or paused when the client connects: run.completed or
// run.paused, matching whichever state actually applies.
func (s *Server) writeTerminalEvent(sw *sseWriter, rn run.Run) error {
	evType := run.EventRunCompleted
	if rn.Status == run.StatusPaused {
		evType = run.EventRunPaused
	}
	data, _ := json.Marshal(toRunJSON(rn))
	return sw.writeEvent(string(evType), data)
}

// followEvents streams live envelopes from the broadcaster until the run
// reaches a terminal state (run.completed or run.paused), the client
// disconnects, or a write fails, sending a keepalive comment every 15s of
// silence.
//
// A single goroutine owns sub.Next() for the lifetime of the call: it loops
// internally and forwards each envelope over an unbuffered channel, so a
// publish arriving between pings is always delivered to the one reader
// currently selecting on it rather than to an abandoned goroutine from a
// prior ping iteration.
func (s *Server) followEvents(r *http.Request, sw *sseWriter, runID string, sub *run.Subscriber, maxReplayedAt time.Time) {
	ctx := r.Context()
	envC := make(chan run.Envelope)
	doneC := make(chan struct{})
	defer close(doneC)
	go func() {
		for {
			env, ok := sub.Next()
			if !ok {
				close(envC)
				return
			}
			select {
			case envC <- env:
			case <-doneC:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sub.Dispose()
			return
		case <-time.After(ssePingEvery):
			if err := sw.writeComment("ping"); err != nil {
				return
			}
		case env, ok := <-envC:
			if !ok {
				return
			}
			if !env.CreatedAt.After(maxReplayedAt) {
				continue
			}
			maxReplayedAt = env.CreatedAt
			if err := sw.writeEvent(string(env.Type), env.Data); err != nil {
				return
			}
			if env.Type == run.EventRunCompleted || env.Type == run.EventRunPaused {
				return
			}
		}
	}
}
