// Exported request and response types for the rund API.
package dto

import (
	"encoding/json"
	"time"
)

// HealthResp is the response body for GET /v1/health.
type HealthResp struct {
	Status       string `json:"status"`
	CodexRuntime string `json:"codexRuntime"`
}

// InfoResp is the response body for GET /v1/info.
type InfoResp struct {
	StartedAtUTC         time.Time `json:"startedAtUtc"`
	RunnerID             string    `json:"runnerId"`
	Version              string    `json:"version"`
	InformationalVersion string    `json:"informationalVersion"`
	Listen               string    `json:"listen"`
	Port                 int       `json:"port"`
	RequireAuth          bool      `json:"requireAuth"`
	StateDir             string    `json:"stateDir"`
	BaseURL              string    `json:"baseUrl"`
}

// ReviewReq is the nested review sub-object of CreateRunRequest.
type ReviewReq struct {
	Mode              string   `json:"mode,omitempty"`
	Delivery          string   `json:"delivery,omitempty"`
	Uncommitted       bool     `json:"uncommitted,omitempty"`
	BaseBranch        string   `json:"baseBranch,omitempty"`
	CommitSHA         string   `json:"commitSha,omitempty"`
	Title             string   `json:"title,omitempty"`
	AdditionalOptions []string `json:"additionalOptions,omitempty"`
}

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	Cwd            string     `json:"cwd"`
	Prompt         string     `json:"prompt"`
	Kind           string     `json:"kind,omitempty"`
	Review         *ReviewReq `json:"review,omitempty"`
	Model          string     `json:"model,omitempty"`
	Effort         string     `json:"effort,omitempty"`
	Sandbox        string     `json:"sandbox,omitempty"`
	ApprovalPolicy string     `json:"approvalPolicy,omitempty"`
}

// CreateRunResp is the response body for POST /v1/runs and for
// POST /v1/runs/{id}/resume.
type CreateRunResp struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// RunsResp is the response body for GET /v1/runs.
type RunsResp struct {
	Items []RunJSON `json:"items"`
}

// ReviewJSON is the JSON representation of a Run's nested review record.
type ReviewJSON struct {
	Mode              string   `json:"mode"`
	Delivery          string   `json:"delivery,omitempty"`
	Uncommitted       bool     `json:"uncommitted"`
	BaseBranch        string   `json:"baseBranch,omitempty"`
	CommitSHA         string   `json:"commitSha,omitempty"`
	Title             string   `json:"title,omitempty"`
	AdditionalOptions []string `json:"additionalOptions,omitempty"`
}

// DiffStatFileJSON is one file entry of a Run's diff stat.
type DiffStatFileJSON struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary"`
}

// DiffStatJSON is the JSON representation of a Run's diff stat.
type DiffStatJSON struct {
	Files []DiffStatFileJSON `json:"files"`
}

// SafetyIssueJSON is one finding from the review safety scan.
type SafetyIssueJSON struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// RunJSON is the JSON representation of a Run sent to clients.
type RunJSON struct {
	RunID       string     `json:"runId"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Cwd    string `json:"cwd"`
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt,omitempty"`
	Title  string `json:"title,omitempty"`

	Review *ReviewJSON `json:"review,omitempty"`

	CodexThreadID           string     `json:"codexThreadId,omitempty"`
	CodexTurnID             string     `json:"codexTurnId,omitempty"`
	CodexRolloutPath        string     `json:"codexRolloutPath,omitempty"`
	CodexLastNotificationAt *time.Time `json:"codexLastNotificationAt,omitempty"`

	Model          string `json:"model,omitempty"`
	Effort         string `json:"effort,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`

	Error string `json:"error,omitempty"`

	DiffStat     *DiffStatJSON     `json:"diffStat,omitempty"`
	SafetyIssues []SafetyIssueJSON `json:"safetyIssues,omitempty"`
}

// ResumeReq is the request body for POST /v1/runs/{id}/resume.
type ResumeReq struct {
	Prompt string `json:"prompt,omitempty"`
	Effort string `json:"effort,omitempty"`
}

// SteerReq is the request body for POST /v1/runs/{id}/steer.
type SteerReq struct {
	Prompt string `json:"prompt"`
}

// StatusResp is a common response for simple mutation endpoints.
type StatusResp struct {
	Status string `json:"status"`
}

// MessageItem is one entry of MessagesResp.
type MessageItem struct {
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text"`
}

// MessagesResp is the response body for GET /v1/runs/{id}/messages.
type MessagesResp struct {
	Items []MessageItem `json:"items"`
}

// ThinkingSummaryItem is one entry of ThinkingSummariesResp when timestamps
// are requested.
type ThinkingSummaryItem struct {
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text"`
}

// ThinkingSummariesResp is the response body for
// GET /v1/runs/{id}/thinking-summaries. Exactly one of Items/TimedItems is
// populated depending on the timestamps query parameter.
type ThinkingSummariesResp struct {
	Items      []string              `json:"-"`
	TimedItems []ThinkingSummaryItem `json:"-"`
}

// MarshalJSON emits {"items": [...]} with either bare strings or
// {createdAt,text} objects depending on which slice is populated.
func (r ThinkingSummariesResp) MarshalJSON() ([]byte, error) {
	if r.TimedItems != nil {
		return json.Marshal(struct {
			Items []ThinkingSummaryItem `json:"items"`
		}{r.TimedItems})
	}
	items := r.Items
	if items == nil {
		items = []string{}
	}
	return json.Marshal(struct {
		Items []string `json:"items"`
	}{items})
}

// DiffStatResp is the response body for GET /v1/runs/{id}/diffstat.
type DiffStatResp struct {
	Files []DiffStatFileJSON `json:"files"`
}

// UsageWindow is a single rolling usage/quota window.
type UsageWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    string  `json:"resetsAt"`
}

// UsageResp is the response body for GET /v1/usage.
type UsageResp struct {
	FiveHour *UsageWindow `json:"fiveHour,omitempty"`
	SevenDay *UsageWindow `json:"sevenDay,omitempty"`
}

