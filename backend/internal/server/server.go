// Package server provides the HTTP server serving the run API.
package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/rundaemon/rund/backend/internal/agent"
	"github.com/rundaemon/rund/backend/internal/run"
	"github.com/rundaemon/rund/backend/internal/server/dto"
	v1 "github.com/rundaemon/rund/backend/internal/server/dto/v1"
)

// Info is the static process/build information reported on GET /v1/info.
type Info struct {
	RunnerID             string
	Version              string
	InformationalVersion string
	Listen               string
	Port                 int
	RequireAuth          bool
	StateDir             string
	BaseURL              string
}

// Server is the HTTP server for the rund daemon API.
type Server struct {
	manager *run.Manager
	store   *run.Store
	bcast   *run.Broadcaster
	backlog *run.Backlog
	status  *agent.RuntimeStatus
	client  agent.Client
	titles  *titleGenerator
	usage   *usageFetcher

	info         Info
	startedAtUTC time.Time
}

// Deps bundles the Server's collaborators, constructed by cmd/rund.
type Deps struct {
	Manager       *run.Manager
	Store         *run.Store
	Broadcaster   *run.Broadcaster
	Backlog       *run.Backlog
	Status        *agent.RuntimeStatus
	Client        agent.Client // used for steer, which the Manager delegates back to the caller
	TitleProvider string       // LLM provider name for title generation, "" to disable
	TitleModel    string
	Info          Info
}

// New creates a new Server.
func New(ctx context.Context, d Deps) *Server {
	return &Server{
		manager:      d.Manager,
		store:        d.Store,
		bcast:        d.Broadcaster,
		backlog:      d.Backlog,
		status:       d.Status,
		client:       d.Client,
		titles:       newTitleGenerator(ctx, d.TitleProvider, d.TitleModel),
		usage:        newUsageFetcher(ctx),
		info:         d.Info,
		startedAtUTC: time.Now().UTC(),
	}
}

// steerTransport adapts s.client.Steer to the closure shape run.Manager.Steer
// expects, using the server's background-bound request context.
func (s *Server) steerTransport(threadID, turnID, prompt string) error {
	return s.client.Steer(context.Background(), threadID, turnID, prompt)
}

// Mux builds the route table for the daemon's HTTP API plus, if dist is
// non-nil, the embedded frontend at "/".
func (s *Server) Mux(dist fs.FS) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/schema/{name}", s.handleSchema)

	mux.Handle("POST /v1/runs", handle(s.createRun))
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.Handle("POST /v1/runs/{id}/interrupt", handleWithRun(s, s.interruptRun))
	mux.Handle("POST /v1/runs/{id}/stop", handleWithRun(s, s.stopRun))
	mux.Handle("POST /v1/runs/{id}/resume", handleWithRun(s, s.resumeRun))
	mux.Handle("POST /v1/runs/{id}/steer", handleWithRun(s, s.steerRun))
	mux.HandleFunc("GET /v1/runs/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/runs/{id}/thinking-summaries", s.handleThinkingSummaries)
	mux.HandleFunc("GET /v1/runs/{id}/diffstat", s.handleDiffstat)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)

	if dist != nil {
		mux.Handle("GET /", http.FileServerFS(dist))
	}
	return mux
}

// ListenAndServe starts the HTTP server with compression middleware applied.
func (s *Server) ListenAndServe(ctx context.Context, addr string, dist fs.FS) error {
	handler := compressMiddleware(s.Mux(dist))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("listening", "addr", addr)
	return srv.ListenAndServe()
}

// getRun resolves the {id} path parameter to a Run, used by handleWithRun.
func (s *Server) getRun(r *http.Request) (run.Run, error) {
	id := r.PathValue("id")
	if id == "" {
		return run.Run{}, dto.BadRequest("id is required")
	}
	rn, err := s.store.TryGet(id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return run.Run{}, dto.NotFound("run")
		}
		return run.Run{}, dto.InternalError("read run").Wrap(err)
	}
	return rn, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "disabled"
	if s.status != nil {
		status = s.status.Get()
	}
	writeJSONResponse(w, &dto.HealthResp{Status: "ok", CodexRuntime: status}, nil)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := &dto.InfoResp{
		StartedAtUTC:         s.startedAtUTC,
		RunnerID:             s.info.RunnerID,
		Version:              s.info.Version,
		InformationalVersion: s.info.InformationalVersion,
		Listen:               s.info.Listen,
		Port:                 s.info.Port,
		RequireAuth:          s.info.RequireAuth,
		StateDir:             s.info.StateDir,
		BaseURL:              s.info.BaseURL,
	}
	writeJSONResponse(w, resp, nil)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	if s.usage == nil || !s.usage.hasToken() {
		writeJSONResponse(w, &dto.UsageResp{}, nil)
		return
	}
	resp := s.usage.get()
	if resp == nil {
		resp = &dto.UsageResp{}
	}
	writeJSONResponse(w, resp, nil)
}

// handleSchema serves JSON Schema for a named request/response DTO, driven
// by the route registry — a small enrichment endpoint for client codegen.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	for _, route := range v1.Routes {
		if route.Req != nil && route.ReqName() == name {
			writeJSONResponse(w, reflector.ReflectFromType(route.Req), nil)
			return
		}
		if route.Resp != nil && route.RespName() == name {
			writeJSONResponse(w, reflector.ReflectFromType(route.Resp), nil)
			return
		}
	}
	writeError(w, dto.NotFound("schema "+name))
}
