package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rundaemon/rund/backend/internal/agent"
)

// Client drives a single `codex app-server` subprocess over its JSON-RPC 2.0
// stdio protocol, implementing agent.Client. One Client may host many
// threads/turns sequentially; the app-server multiplexes them by thread_id.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan rpcMessage

	turnsMu sync.Mutex
	turns   map[string]*turn // keyed by thread_id while in flight

	log *slog.Logger

	status *agent.RuntimeStatus

	closeOnce sync.Once
	closeErr  error
}

var _ agent.Client = (*Client)(nil)

// NewClient launches `codex app-server` and performs the initialize →
// initialized handshake. codexPath defaults to "codex" on the PATH. status,
// if non-nil, is updated as the subprocess's lifecycle advances (starting →
// ready → faulted/disposed) for GET /v1/health.
func NewClient(ctx context.Context, codexPath string, status *agent.RuntimeStatus) (*Client, error) {
	if codexPath == "" {
		codexPath = "codex"
	}
	if status == nil {
		status = agent.NewRuntimeStatus()
	}
	status.Set("starting")

	cmd := exec.CommandContext(ctx, codexPath, "app-server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		status.Set("faulted")
		return nil, fmt.Errorf("codex: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		status.Set("faulted")
		return nil, fmt.Errorf("codex: stdout pipe: %w", err)
	}
	cmd.Stderr = &slogWriter{}
	if err := cmd.Start(); err != nil {
		status.Set("faulted")
		return nil, fmt.Errorf("codex: start app-server: %w", err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan rpcMessage),
		turns:   make(map[string]*turn),
		log:     slog.With("component", "codex.client"),
		status:  status,
	}
	go c.readLoop(bufio.NewReaderSize(stdout, 1<<16))

	if err := c.handshake(ctx); err != nil {
		status.Set("faulted")
		_ = c.Close()
		return nil, fmt.Errorf("codex: handshake: %w", err)
	}
	status.Set("ready")
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	_, err := c.call(ctx, methodInitialize, map[string]any{
		"client_info":  map[string]string{"name": "rund", "version": "1.0.0"},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return c.notify(methodInitialized, nil)
}

// readLoop owns the subprocess's stdout for the client's lifetime: it routes
// JSON-RPC responses to their waiting caller and notifications to the turn
// registered for their thread_id.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.handleLine(line)
		}
		if err != nil {
			// Close kills the subprocess, which also ends up here; keep the
			// "disposed" status it set rather than reporting a fault.
			if c.status != nil && c.status.Get() != "disposed" {
				c.status.Set("faulted")
			}
			c.failAllPending(fmt.Errorf("codex: app-server stdout closed: %w", err))
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("unparseable app-server line", "err", err)
		return
	}
	if msg.isResponse() {
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	c.routeNotification(msg)
}

func (c *Client) routeNotification(msg rpcMessage) {
	if msg.Method == methodTurnCompleted {
		var p turnCompletedParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			c.turnsMu.Lock()
			t := c.turns[p.ThreadID]
			c.turnsMu.Unlock()
			if t != nil {
				t.complete(p.Turn.Status, errMessage(p.Turn.Error))
				return
			}
		}
	}

	var scoped threadScopedParams
	_ = json.Unmarshal(msg.Params, &scoped)
	c.turnsMu.Lock()
	t := c.turns[scoped.ThreadID]
	c.turnsMu.Unlock()
	if t == nil {
		c.log.Debug("notification for unknown/inactive thread", "method", msg.Method, "threadId", scoped.ThreadID)
		return
	}
	t.deliver(agent.Notification{Method: msg.Method, Params: msg.Params})
}

func errMessage(e *struct {
	Message string `json:"message"`
}) string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcMessage)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- rpcMessage{Error: &rpcError{Message: err.Error()}}
	}

	c.turnsMu.Lock()
	turns := c.turns
	c.turns = make(map[string]*turn)
	c.turnsMu.Unlock()
	for _, t := range turns {
		t.complete("failed", err.Error())
	}
}

// call sends a JSON-RPC request and blocks for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: data}

	ch := make(chan rpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: data})
}

func (c *Client) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	return err
}

// StartThread sends thread/start and returns the new thread handle.
func (c *Client) StartThread(ctx context.Context, opts agent.ThreadOptions) (*agent.Thread, error) {
	params := map[string]any{}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.DeveloperMessage != "" {
		params["developer_message"] = opts.DeveloperMessage
	}
	if opts.Dir != "" {
		params["cwd"] = opts.Dir
	}
	raw, err := c.call(ctx, methodThreadStart, params)
	if err != nil {
		return nil, err
	}
	var res threadStartedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse thread/start result: %w", err)
	}
	if res.Thread.ID == "" {
		return nil, errors.New("thread/start response missing thread.id")
	}
	return &agent.Thread{ID: res.Thread.ID, RolloutPath: res.Thread.RolloutPath}, nil
}

// ResumeThread sends thread/resume for an existing thread id.
func (c *Client) ResumeThread(ctx context.Context, threadID string) (*agent.Thread, error) {
	raw, err := c.call(ctx, methodThreadResume, map[string]any{"thread_id": threadID})
	if err != nil {
		return nil, err
	}
	var res threadStartedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse thread/resume result: %w", err)
	}
	if res.Thread.ID == "" {
		res.Thread.ID = threadID
	}
	return &agent.Thread{ID: res.Thread.ID, RolloutPath: res.Thread.RolloutPath}, nil
}

// StartTurn sends turn/start and returns a handle streaming its
// notifications until turn/completed.
func (c *Client) StartTurn(ctx context.Context, threadID string, in agent.TurnInput) (agent.Turn, error) {
	params := map[string]any{
		"thread_id": threadID,
		"input":     in.TextInput,
	}
	if in.Cwd != "" {
		params["cwd"] = in.Cwd
	}
	if in.Model != "" {
		params["model"] = in.Model
	}
	if in.ApprovalPolicy != "" {
		params["approval_policy"] = in.ApprovalPolicy
	}
	return c.startTurn(ctx, threadID, methodTurnStart, params)
}

// StartReview sends review/start and returns a handle streaming its
// notifications until turn/completed.
func (c *Client) StartReview(ctx context.Context, threadID string, delivery string, target agent.ReviewTarget) (agent.Turn, error) {
	reviewParams := map[string]any{}
	switch {
	case target.CommitSHA != "":
		reviewParams["commit_sha"] = target.CommitSHA
	case target.BaseBranch != "":
		reviewParams["base_branch"] = target.BaseBranch
	default:
		reviewParams["uncommitted"] = true
	}
	if target.Title != "" {
		reviewParams["title"] = target.Title
	}
	params := map[string]any{
		"thread_id": threadID,
		"review":    reviewParams,
	}
	if delivery != "" {
		params["delivery"] = delivery
	}
	return c.startTurn(ctx, threadID, methodReviewStart, params)
}

func (c *Client) startTurn(ctx context.Context, threadID, method string, params map[string]any) (agent.Turn, error) {
	t := newTurn()
	c.turnsMu.Lock()
	c.turns[threadID] = t
	c.turnsMu.Unlock()

	raw, err := c.call(ctx, method, params)
	if err != nil {
		c.turnsMu.Lock()
		delete(c.turns, threadID)
		c.turnsMu.Unlock()
		return nil, err
	}
	var res turnStartedResult
	_ = json.Unmarshal(raw, &res)
	t.setID(res.Turn.ID)
	t.client, t.threadID = c, threadID
	return t, nil
}

// Steer sends turn/steer for the given (threadID, turnID) pair.
func (c *Client) Steer(ctx context.Context, threadID, turnID, prompt string) error {
	_, err := c.call(ctx, methodTurnSteer, map[string]any{
		"thread_id": threadID,
		"turn_id":   turnID,
		"input":     prompt,
	})
	return err
}

// Close terminates the app-server subprocess.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.status != nil {
			c.status.Set("disposed")
		}
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		c.closeErr = c.cmd.Wait()
	})
	return c.closeErr
}

// slogWriter forwards app-server stderr lines to slog, matching the
// teacher's stderr-to-structured-log posture.
type slogWriter struct {
	buf []byte
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := indexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if line != "" {
			slog.Warn("codex app-server stderr", "line", line)
		}
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
