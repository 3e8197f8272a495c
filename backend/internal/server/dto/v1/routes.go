// API route declarations used by the schema endpoint to generate JSON Schema
// for client tooling/codegen.
package v1

import (
	"reflect"
	"strings"

	"github.com/rundaemon/rund/backend/internal/server/dto"
)

// Route describes a single API endpoint for schema generation.
type Route struct {
	Name    string       // Function name, e.g. "createRun"
	Method  string       // "GET" or "POST"
	Path    string       // "/v1/runs/{id}/events"
	Req     reflect.Type // Request body type; nil for no body.
	Resp    reflect.Type // Response body type; nil for SSE streams.
	IsArray bool         // response is T[] not T
	IsSSE   bool         // SSE stream, not JSON
}

// ReqName returns the request type name, or "" if Req is nil.
func (r *Route) ReqName() string {
	if r.Req == nil {
		return ""
	}
	return r.Req.Name()
}

// RespName returns the response type name, or "" for SSE streams.
func (r *Route) RespName() string {
	if r.Resp == nil {
		return ""
	}
	return r.Resp.Name()
}

// CategoryName returns the doc section derived from the first path segment
// after "/v1/", with the first letter uppercased.
// For example "/v1/runs/{id}/events" → "Runs".
func (r *Route) CategoryName() string {
	p := strings.TrimPrefix(r.Path, "/v1/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "Other"
	}
	return strings.ToUpper(p[:1]) + p[1:]
}

// Routes is the list of API endpoints driving the GET /v1/schema/{name}
// JSON-Schema endpoint. server.go registers its handlers separately; keep
// this in sync with the route registrations there.
var Routes = []Route{
	{Name: "health", Method: "GET", Path: "/v1/health", Resp: reflect.TypeFor[dto.HealthResp]()},
	{Name: "info", Method: "GET", Path: "/v1/info", Resp: reflect.TypeFor[dto.InfoResp]()},
	{Name: "createRun", Method: "POST", Path: "/v1/runs", Req: reflect.TypeFor[dto.CreateRunRequest](), Resp: reflect.TypeFor[dto.CreateRunResp]()},
	{Name: "listRuns", Method: "GET", Path: "/v1/runs", Resp: reflect.TypeFor[dto.RunsResp]()},
	{Name: "getRun", Method: "GET", Path: "/v1/runs/{id}", Resp: reflect.TypeFor[dto.RunJSON]()},
	{Name: "interruptRun", Method: "POST", Path: "/v1/runs/{id}/interrupt", Resp: reflect.TypeFor[dto.StatusResp]()},
	{Name: "stopRun", Method: "POST", Path: "/v1/runs/{id}/stop", Resp: reflect.TypeFor[dto.StatusResp]()},
	{Name: "resumeRun", Method: "POST", Path: "/v1/runs/{id}/resume", Req: reflect.TypeFor[dto.ResumeReq](), Resp: reflect.TypeFor[dto.CreateRunResp]()},
	{Name: "steerRun", Method: "POST", Path: "/v1/runs/{id}/steer", Req: reflect.TypeFor[dto.SteerReq](), Resp: reflect.TypeFor[dto.StatusResp]()},
	{Name: "runMessages", Method: "GET", Path: "/v1/runs/{id}/messages", Resp: reflect.TypeFor[dto.MessagesResp]()},
	{Name: "runThinkingSummaries", Method: "GET", Path: "/v1/runs/{id}/thinking-summaries", Resp: reflect.TypeFor[dto.ThinkingSummariesResp]()},
	{Name: "runDiffstat", Method: "GET", Path: "/v1/runs/{id}/diffstat", Resp: reflect.TypeFor[dto.DiffStatResp]()},
	{Name: "runEvents", Method: "GET", Path: "/v1/runs/{id}/events", IsSSE: true},
	{Name: "usage", Method: "GET", Path: "/v1/usage", Resp: reflect.TypeFor[dto.UsageResp]()},
}
