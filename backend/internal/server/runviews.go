// Read-side handlers deriving small views from a run's rollup/raw event log:
// agent messages, thinking summaries, and diff stats.
package server

import (
	"net/http"
	"strconv"

	"github.com/rundaemon/rund/backend/internal/run"
	"github.com/rundaemon/rund/backend/internal/server/dto"
)

// parseTailEvents parses the ?tailEvents= query param, defaulting to 0 (all)
// and capping at 200000 per spec §6.
func parseTailEvents(q string) int {
	if q == "" {
		return 0
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	if n > 200000 {
		n = 200000
	}
	return n
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	rn, err := s.getRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tail := parseTailEvents(r.URL.Query().Get("tailEvents"))
	records, err := s.store.ReadRollup(rn.RunID, tail)
	if err != nil {
		writeError(w, dto.InternalError("read rollup").Wrap(err))
		return
	}
	items := make([]dto.MessageItem, 0, len(records))
	for _, rec := range records {
		if rec.Type != run.RollupAgentMessage {
			continue
		}
		items = append(items, dto.MessageItem{CreatedAt: rec.CreatedAt, Text: rec.Text})
	}
	writeJSONResponse(w, &dto.MessagesResp{Items: items}, nil)
}

func (s *Server) handleThinkingSummaries(w http.ResponseWriter, r *http.Request) {
	rn, err := s.getRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	tail := parseTailEvents(q.Get("tailEvents"))
	records, err := s.store.ReadRollup(rn.RunID, tail)
	if err != nil {
		writeError(w, dto.InternalError("read rollup").Wrap(err))
		return
	}
	summaries := run.ExtractThinkingSummaries(records)

	withTimestamps := q.Get("timestamps") == "true" || q.Get("timestamps") == "1"
	resp := dto.ThinkingSummariesResp{}
	if withTimestamps {
		items := make([]dto.ThinkingSummaryItem, len(summaries))
		for i, ts := range summaries {
			items[i] = dto.ThinkingSummaryItem{CreatedAt: ts.CreatedAt, Text: ts.Text}
		}
		resp.TimedItems = items
	} else {
		items := make([]string, len(summaries))
		for i, ts := range summaries {
			items[i] = ts.Text
		}
		resp.Items = items
	}
	writeJSONResponse(w, &resp, nil)
}

func (s *Server) handleDiffstat(w http.ResponseWriter, r *http.Request) {
	rn, err := s.getRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if rn.Review == nil {
		writeError(w, dto.BadRequest("run is not a review run"))
		return
	}
	// A completed review already has its diff stat attached by the
	// executor; only runs still in progress need a live, best-effort
	// recompute, which returns an empty result rather than erroring.
	if rn.DiffStat != nil {
		writeJSONResponse(w, &dto.DiffStatResp{Files: toDiffStatFilesJSON(rn.DiffStat.Files)}, nil)
		return
	}
	ds, err := run.ComputeDiffStat(r.Context(), rn.Cwd, rn.Review)
	if err != nil {
		writeJSONResponse(w, &dto.DiffStatResp{}, nil)
		return
	}
	writeJSONResponse(w, &dto.DiffStatResp{Files: toDiffStatFilesJSON(ds.Files)}, nil)
}
