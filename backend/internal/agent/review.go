package agent

import "context"

// ExecReviewOptions configures a one-shot review subprocess invocation.
type ExecReviewOptions struct {
	Dir               string
	Prompt            string
	AdditionalOptions []string
}

// ExecReviewRunner drives the agent's one-shot review subprocess (the
// `review.mode=exec` sub-strategy). Stdout/stderr are delivered as they are
// produced; the caller is responsible for chunking policy.
type ExecReviewRunner interface {
	RunReview(ctx context.Context, opts ExecReviewOptions, onStdout, onStderr func(chunk string)) (exitCode int, err error)
}
