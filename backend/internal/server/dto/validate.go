// Request validation methods (excluded from tygo generation).
package dto

var validKinds = map[string]bool{"exec": true, "review": true, "": true}

// Validate checks cwd, prompt, kind, and review target fields. The deeper
// cross-field checks (target defaulting, mode/option combinations) live in
// run.Manager.CreateAndStart, which is the single place that owns the full
// CreateOptions normalization; this validation only rejects what can be
// judged from the wire shape alone.
func (r *CreateRunRequest) Validate() error {
	if r.Cwd == "" {
		return BadRequest("cwd is required")
	}
	if !validKinds[r.Kind] {
		return BadRequest("kind must be exec or review")
	}
	if r.Kind != "review" && r.Prompt == "" {
		return BadRequest("prompt is required")
	}
	if r.Review != nil {
		if r.Review.Mode != "" && r.Review.Mode != "exec" && r.Review.Mode != "appserver" {
			return BadRequest("review.mode must be exec or appserver")
		}
		if r.Review.Delivery != "" && r.Review.Delivery != "inline" && r.Review.Delivery != "detached" {
			return BadRequest("review.delivery must be inline or detached")
		}
		targets := 0
		if r.Review.Uncommitted {
			targets++
		}
		if r.Review.BaseBranch != "" {
			targets++
		}
		if r.Review.CommitSHA != "" {
			targets++
		}
		if targets > 1 {
			return BadRequest("only one of review.uncommitted, review.baseBranch, review.commitSha may be set")
		}
	}
	return nil
}

// Validate is a no-op; resume carries only optional overrides.
func (r *ResumeReq) Validate() error { return nil }

// Validate checks that a steer prompt was provided.
func (r *SteerReq) Validate() error {
	if r.Prompt == "" {
		return BadRequest("prompt_required")
	}
	return nil
}
