// Command rund is the per-host daemon that manages Codex agent run
// lifecycles over a local HTTP/SSE API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rundaemon/rund/backend/internal/agent"
	"github.com/rundaemon/rund/backend/internal/agent/codex"
	"github.com/rundaemon/rund/backend/internal/ident"
	"github.com/rundaemon/rund/backend/internal/run"
	"github.com/rundaemon/rund/backend/internal/server"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	listen        string
	port          int
	stateDir      string
	codexPath     string
	requireAuth   bool
	titleProvider string
	titleModel    string
	persistRawLog bool
	logLevel      string
	logJSON       bool
	shutdownGrace time.Duration
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:           "rund",
		Short:         "rund runs and supervises Codex agent runs for one host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run_(cmd.Context(), f)
		},
	}

	fs := root.Flags()
	fs.StringVar(&f.listen, "listen", "127.0.0.1", "interface to listen on")
	fs.IntVar(&f.port, "port", 0, "TCP port to listen on, 0 to pick an ephemeral port")
	fs.StringVar(&f.stateDir, "state-dir", defaultStateDir(), "directory for durable run state, identity, and rollup files")
	fs.StringVar(&f.codexPath, "codex-path", "codex", "path to the codex CLI/app-server binary")
	fs.BoolVar(&f.requireAuth, "require-auth", false, "report requireAuth in GET /v1/info; the bearer token is not checked on requests")
	fs.StringVar(&f.titleProvider, "title-provider", "", "genai provider name for run title generation, empty to disable")
	fs.StringVar(&f.titleModel, "title-model", "", "model name passed to the title provider")
	fs.BoolVar(&f.persistRawLog, "persist-raw-log", true, "persist the raw events.jsonl log alongside the derived rollup")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&f.logJSON, "log-json", false, "emit logs as JSON instead of the colorized console format")
	fs.DurationVar(&f.shutdownGrace, "shutdown-grace", 15*time.Second, "time allowed for in-flight HTTP requests to drain on shutdown")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("rund exited with error", "err", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".rund")
	}
	return ".rund"
}

func run_(ctx context.Context, f *flags) error {
	setupLogging(f)

	if err := os.MkdirAll(f.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	id, err := ident.LoadOrCreateIdentity(f.stateDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	store, err := run.NewStore(f.stateDir, f.persistRawLog)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	bcast := run.NewBroadcaster()
	backlog := run.NewBacklog()
	rollup := run.NewRollupWriter(store.AppendRollupRecord)

	status := agent.NewRuntimeStatus()
	client, err := codex.NewClient(ctx, f.codexPath, status)
	if err != nil {
		return fmt.Errorf("start codex app-server: %w", err)
	}
	defer client.Close()

	execRunner := codex.ExecRunner{CodexPath: f.codexPath}
	mgr := run.NewManager(store, bcast, backlog, rollup, strategyFactory(client, execRunner))
	mgr.ReconcileOrphans()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", f.listen, f.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://%s:%d", f.listen, actualPort)

	if err := ident.WriteRuntime(f.stateDir, ident.Runtime{
		BaseURL:      baseURL,
		Port:         actualPort,
		PID:          os.Getpid(),
		StartedAtUTC: time.Now().UTC(),
		StateDir:     f.stateDir,
		Version:      version,
	}); err != nil {
		return fmt.Errorf("write runtime file: %w", err)
	}

	srv := server.New(ctx, server.Deps{
		Manager:       mgr,
		Store:         store,
		Broadcaster:   bcast,
		Backlog:       backlog,
		Status:        status,
		Client:        client,
		TitleProvider: f.titleProvider,
		TitleModel:    f.titleModel,
		Info: server.Info{
			RunnerID:             id.RunnerID,
			Version:              version,
			InformationalVersion: version,
			Listen:               f.listen,
			Port:                 actualPort,
			RequireAuth:          f.requireAuth,
			StateDir:             f.stateDir,
			BaseURL:              baseURL,
		},
	})

	httpServer := &http.Server{
		Handler:           srv.Mux(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rund listening", "baseUrl", baseURL, "stateDir", f.stateDir, "runnerId", id.RunnerID)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownGrace)
	defer cancel()
	mgr.PauseAllInProgress("daemon shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("rund shutdown complete")
	return nil
}

// strategyFactory picks the Strategy for a run based on its kind and,
// for reviews, its transport mode.
func strategyFactory(client agent.Client, execRunner agent.ExecReviewRunner) run.StrategyFactory {
	return func(r run.Run) (run.Strategy, error) {
		switch r.Kind {
		case run.KindExec:
			return run.ExecStrategy{Client: client}, nil
		case run.KindReview:
			return run.ReviewStrategy{Client: client, ExecRunner: execRunner}, nil
		default:
			return nil, fmt.Errorf("unknown run kind %q", r.Kind)
		}
	}
}

func setupLogging(f *flags) {
	var level slog.Level
	switch f.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if f.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		w := colorable.NewColorable(os.Stderr)
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
			TimeFormat: time.Kitchen,
		})
	}
	slog.SetDefault(slog.New(handler))
}
