// HTTP handlers for the /v1/runs collection and per-run control operations.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rundaemon/rund/backend/internal/run"
	"github.com/rundaemon/rund/backend/internal/server/dto"
)

func toRunJSON(r run.Run) dto.RunJSON {
	out := dto.RunJSON{
		RunID:                   r.RunID,
		CreatedAt:               r.CreatedAt,
		StartedAt:               r.StartedAt,
		CompletedAt:             r.CompletedAt,
		Cwd:                     r.Cwd,
		Status:                  string(r.Status),
		Kind:                    string(r.Kind),
		Prompt:                  r.Prompt,
		Title:                   r.Title,
		CodexThreadID:           r.CodexThreadID,
		CodexTurnID:             r.CodexTurnID,
		CodexRolloutPath:        r.CodexRolloutPath,
		CodexLastNotificationAt: r.CodexLastNotificationAt,
		Model:                   r.Model,
		Effort:                  r.Effort,
		Sandbox:                 r.Sandbox,
		ApprovalPolicy:          r.ApprovalPolicy,
		Error:                   r.Error,
	}
	if r.Review != nil {
		out.Review = &dto.ReviewJSON{
			Mode:              string(r.Review.Mode),
			Delivery:          string(r.Review.Delivery),
			Uncommitted:       r.Review.Uncommitted,
			BaseBranch:        r.Review.BaseBranch,
			CommitSHA:         r.Review.CommitSHA,
			Title:             r.Review.Title,
			AdditionalOptions: r.Review.AdditionalOptions,
		}
	}
	if r.DiffStat != nil {
		out.DiffStat = &dto.DiffStatJSON{Files: toDiffStatFilesJSON(r.DiffStat.Files)}
	}
	if len(r.SafetyIssues) > 0 {
		out.SafetyIssues = make([]dto.SafetyIssueJSON, len(r.SafetyIssues))
		for i, si := range r.SafetyIssues {
			out.SafetyIssues[i] = dto.SafetyIssueJSON{Kind: si.Kind, Path: si.Path, Detail: si.Detail}
		}
	}
	return out
}

func toDiffStatFilesJSON(files []run.DiffStatFile) []dto.DiffStatFileJSON {
	if len(files) == 0 {
		return nil
	}
	out := make([]dto.DiffStatFileJSON, len(files))
	for i, f := range files {
		out[i] = dto.DiffStatFileJSON{Path: f.Path, Added: f.Added, Deleted: f.Deleted, Binary: f.Binary}
	}
	return out
}

func fromReviewReq(r *dto.ReviewReq) *run.Review {
	if r == nil {
		return nil
	}
	return &run.Review{
		Mode:              run.ReviewMode(r.Mode),
		Delivery:          run.ReviewDelivery(r.Delivery),
		Uncommitted:       r.Uncommitted,
		BaseBranch:        r.BaseBranch,
		CommitSHA:         r.CommitSHA,
		Title:             r.Title,
		AdditionalOptions: r.AdditionalOptions,
	}
}

// createRun handles POST /v1/runs.
func (s *Server) createRun(ctx context.Context, req *dto.CreateRunRequest) (*dto.CreateRunResp, error) {
	opts := run.CreateOptions{
		Cwd:            req.Cwd,
		Prompt:         req.Prompt,
		Kind:           run.Kind(req.Kind),
		Review:         fromReviewReq(req.Review),
		Model:          req.Model,
		Effort:         req.Effort,
		Sandbox:        req.Sandbox,
		ApprovalPolicy: req.ApprovalPolicy,
	}
	r, err := s.manager.CreateAndStart(opts)
	if err != nil {
		return nil, dto.BadRequest(err.Error())
	}
	if s.titles != nil && req.Prompt != "" {
		go func(runID, prompt string) {
			title := s.titles.generate(context.Background(), runID, prompt)
			if title == "" {
				return
			}
			if cur, err := s.store.TryGet(runID); err == nil {
				next := cur.Update(func(x *run.Run) { x.Title = title })
				_ = s.store.Update(next)
			}
		}(r.RunID, req.Prompt)
	}
	return &dto.CreateRunResp{RunID: r.RunID, Status: string(r.Status)}, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cwd := q.Get("cwd")
	all := q.Get("all") == "true" || q.Get("all") == "1"
	if cwd == "" && !all {
		writeError(w, dto.BadRequest("cwd_required_unless_all"))
		return
	}
	runs, err := s.store.ListByCwd(cwd, all)
	if err != nil {
		writeError(w, dto.InternalError("list runs").Wrap(err))
		return
	}
	items := make([]dto.RunJSON, len(runs))
	for i, rn := range runs {
		items[i] = toRunJSON(rn)
	}
	writeJSONResponse(w, &dto.RunsResp{Items: items}, nil)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.getRun(r)
	if err != nil {
		writeError(w, err)
		return
	}
	j := toRunJSON(rn)
	writeJSONResponse(w, &j, nil)
}

func (s *Server) interruptRun(_ context.Context, rn run.Run, _ *dto.EmptyReq) (*dto.StatusResp, error) {
	if !s.manager.TryInterrupt(rn.RunID) {
		return nil, dto.NotFound("run (not running)")
	}
	return &dto.StatusResp{Status: "accepted"}, nil
}

func (s *Server) stopRun(_ context.Context, rn run.Run, _ *dto.EmptyReq) (*dto.StatusResp, error) {
	if !s.manager.TryStop(rn.RunID) {
		return nil, dto.NotFound("run (not running)")
	}
	return &dto.StatusResp{Status: "accepted"}, nil
}

func (s *Server) resumeRun(_ context.Context, rn run.Run, req *dto.ResumeReq) (*dto.CreateRunResp, error) {
	next, err := s.manager.Resume(rn.RunID, req.Prompt, req.Effort)
	if err != nil {
		if errors.Is(err, run.ErrNotResumable) {
			return nil, dto.NotFound("run (not resumable)")
		}
		return nil, dto.InternalError("resume run").Wrap(err)
	}
	return &dto.CreateRunResp{RunID: next.RunID, Status: string(next.Status)}, nil
}

func (s *Server) steerRun(_ context.Context, rn run.Run, req *dto.SteerReq) (*dto.StatusResp, error) {
	err := s.manager.Steer(rn.RunID, req.Prompt, s.steerTransport)
	if err != nil {
		if errors.Is(err, run.ErrMissingCodexIDs) {
			return nil, dto.Conflict("run_missing_codex_ids")
		}
		return nil, dto.InternalError("steer run").Wrap(err)
	}
	return &dto.StatusResp{Status: "ok"}, nil
}
