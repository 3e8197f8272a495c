// Codex usage/quota fetcher with caching, credential file watching, and
// exponential backoff on errors (spec extension §3, GET /v1/usage).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rundaemon/rund/backend/internal/server/dto"
)

const (
	usageAPIURL   = "https://api.openai.com/v1/codex/usage"
	usageCacheTTL = 30 * time.Second

	// Exponential backoff parameters for fetch errors.
	backoffMin = 30 * time.Second
	backoffMax = 1 * time.Hour
)

// usageFetcher fetches and caches Codex usage/quota data. It watches
// ~/.codex/auth.json for changes and applies exponential backoff when
// fetches fail. A fetcher with no token configured always returns nil from
// get; a nil fetcher (no home directory) is not callable and handleUsage
// checks for it — the endpoint never blocks run operations on it.
type usageFetcher struct {
	client *http.Client

	mu       sync.Mutex
	token    string
	cached   *dto.UsageResp
	fetchAt  time.Time     // when cached was last successfully fetched
	backoff  time.Duration // current backoff; 0 means no backoff
	errorAt  time.Time     // when the last error occurred
	watcher  *fsnotify.Watcher
	credPath string // resolved path to auth.json
}

// newUsageFetcher creates a fetcher and starts watching ~/.codex/auth.json
// for token changes. The watcher goroutine exits when ctx is cancelled.
func newUsageFetcher(ctx context.Context) *usageFetcher {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("cannot determine home dir; usage disabled", "err", err)
		return nil
	}
	credPath := filepath.Join(home, ".codex", "auth.json")

	token := os.Getenv("CODEX_API_KEY")
	if token == "" {
		token = readCredentialsToken(credPath)
	}
	if token == "" {
		slog.Warn("no Codex API token found; usage endpoint disabled (will watch for credentials)")
	}

	f := &usageFetcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		token:    token,
		credPath: credPath,
	}

	if err := f.startWatcher(ctx); err != nil {
		slog.Warn("failed to watch credentials file", "err", err)
	}
	return f
}

// startWatcher sets up fsnotify on the credentials file. It watches the
// parent directory so it catches creates/renames (atomic writes).
func (f *usageFetcher) startWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.credPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}
	f.watcher = w
	go f.watchLoop(ctx)
	return nil
}

func (f *usageFetcher) watchLoop(ctx context.Context) {
	defer func() { _ = f.watcher.Close() }()
	base := filepath.Base(f.credPath)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			f.onCredentialsChanged()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("credentials watcher error", "err", err)
		}
	}
}

func (f *usageFetcher) onCredentialsChanged() {
	token := readCredentialsToken(f.credPath)
	if token == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.token {
		return
	}
	f.token = token
	f.backoff = 0
	f.errorAt = time.Time{}
	f.cached = nil
	f.fetchAt = time.Time{}
	slog.Info("codex credentials updated, token refreshed")
}

// hasToken reports whether a token is available.
func (f *usageFetcher) hasToken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token != ""
}

// get returns the cached usage data, refreshing if stale. Respects
// exponential backoff on prior errors.
func (f *usageFetcher) get() *dto.UsageResp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return nil
	}
	if f.cached != nil && time.Since(f.fetchAt) < usageCacheTTL {
		return f.cached
	}
	if f.backoff > 0 && time.Since(f.errorAt) < f.backoff {
		return f.cached
	}
	resp, err := f.fetch()
	if err != nil {
		slog.Warn("failed to fetch codex usage", "err", err)
		f.errorAt = time.Now()
		if f.backoff == 0 {
			f.backoff = backoffMin
		} else {
			f.backoff *= 2
			if f.backoff > backoffMax {
				f.backoff = backoffMax
			}
		}
		return f.cached
	}
	f.backoff = 0
	f.cached = resp
	f.fetchAt = time.Now()
	return resp
}

func (f *usageFetcher) fetch() (*dto.UsageResp, error) {
	req, err := http.NewRequest(http.MethodGet, usageAPIURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("usage API returned %d: %s", resp.StatusCode, body)
	}

	var raw struct {
		FiveHour *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"five_hour"`
		SevenDay *struct {
			Utilization float64 `json:"utilization"`
			ResetsAt    string  `json:"resets_at"`
		} `json:"seven_day"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}

	out := &dto.UsageResp{}
	if raw.FiveHour != nil {
		out.FiveHour = &dto.UsageWindow{Utilization: raw.FiveHour.Utilization, ResetsAt: raw.FiveHour.ResetsAt}
	}
	if raw.SevenDay != nil {
		out.SevenDay = &dto.UsageWindow{Utilization: raw.SevenDay.Utilization, ResetsAt: raw.SevenDay.ResetsAt}
	}
	return out, nil
}

// readCredentialsToken reads the API token from a Codex auth.json file.
func readCredentialsToken(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // fixed well-known path
	if err != nil {
		return ""
	}
	var creds struct {
		APIKey string `json:"apiKey"`
	}
	if json.Unmarshal(data, &creds) != nil {
		return ""
	}
	return creds.APIKey
}
