package dto

import (
	"net/http"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Run("EmptyReq", func(t *testing.T) {
		var r EmptyReq
		if err := r.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("CreateRunRequest", func(t *testing.T) {
		valid := CreateRunRequest{Cwd: "/tmp/proj", Prompt: "do stuff"}

		t.Run("Valid", func(t *testing.T) {
			r := valid
			if err := r.Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
		t.Run("MissingCwd", func(t *testing.T) {
			r := valid
			r.Cwd = ""
			assertBadRequest(t, r.Validate(), "cwd is required")
		})
		t.Run("MissingPrompt", func(t *testing.T) {
			r := valid
			r.Prompt = ""
			assertBadRequest(t, r.Validate(), "prompt is required")
		})
		t.Run("BadKind", func(t *testing.T) {
			r := valid
			r.Kind = "bogus"
			assertBadRequest(t, r.Validate(), "kind must be exec or review")
		})
		t.Run("ReviewKindWithoutPromptIsValid", func(t *testing.T) {
			r := CreateRunRequest{Cwd: "/tmp/proj", Kind: "review", Review: &ReviewReq{Uncommitted: true}}
			if err := r.Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
		t.Run("BadReviewMode", func(t *testing.T) {
			r := valid
			r.Review = &ReviewReq{Mode: "bogus"}
			assertBadRequest(t, r.Validate(), "review.mode must be exec or appserver")
		})
		t.Run("BadReviewDelivery", func(t *testing.T) {
			r := valid
			r.Review = &ReviewReq{Delivery: "bogus"}
			assertBadRequest(t, r.Validate(), "review.delivery must be inline or detached")
		})
		t.Run("MultipleReviewTargets", func(t *testing.T) {
			r := valid
			r.Review = &ReviewReq{Uncommitted: true, BaseBranch: "main"}
			assertBadRequest(t, r.Validate(), "only one of review.uncommitted, review.baseBranch, review.commitSha may be set")
		})
	})

	t.Run("ResumeReq", func(t *testing.T) {
		t.Run("Empty", func(t *testing.T) {
			if err := (&ResumeReq{}).Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
		t.Run("WithPrompt", func(t *testing.T) {
			if err := (&ResumeReq{Prompt: "continue"}).Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	})

	t.Run("SteerReq", func(t *testing.T) {
		t.Run("MissingPrompt", func(t *testing.T) {
			assertBadRequest(t, (&SteerReq{}).Validate(), "prompt_required")
		})
		t.Run("Valid", func(t *testing.T) {
			if err := (&SteerReq{Prompt: "keep going"}).Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	})
}

// assertBadRequest checks that err is an *APIError with 400 status and the expected message.
func assertBadRequest(t *testing.T, err error, wantMsg string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode() != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", apiErr.StatusCode(), http.StatusBadRequest)
	}
	if apiErr.Code() != CodeBadRequest {
		t.Errorf("code = %q, want %q", apiErr.Code(), CodeBadRequest)
	}
	if apiErr.Error() != wantMsg {
		t.Errorf("message = %q, want %q", apiErr.Error(), wantMsg)
	}
}
