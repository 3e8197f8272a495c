package codex

import (
	"context"
	"sync"

	"github.com/rundaemon/rund/backend/internal/agent"
)

// turn implements agent.Turn for one in-flight app-server turn/review.
type turn struct {
	client   *Client
	threadID string

	idMu sync.Mutex
	id   string

	notifyCh chan agent.Notification
	doneCh   chan struct{}

	resultMu sync.Mutex
	status   string
	errMsg   string
}

func newTurn() *turn {
	return &turn{
		notifyCh: make(chan agent.Notification, 256),
		doneCh:   make(chan struct{}),
	}
}

func (t *turn) setID(id string) {
	t.idMu.Lock()
	t.id = id
	t.idMu.Unlock()
}

func (t *turn) ID() string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return t.id
}

func (t *turn) Notifications() <-chan agent.Notification { return t.notifyCh }
func (t *turn) Done() <-chan struct{}                     { return t.doneCh }

func (t *turn) Result() (string, string) {
	t.resultMu.Lock()
	defer t.resultMu.Unlock()
	return t.status, t.errMsg
}

// deliver enqueues a notification for the caller to drain via
// Notifications(). The channel is generously buffered and drained promptly
// by the executor's drain loop; a full buffer blocks the read loop rather
// than drop data.
func (t *turn) deliver(n agent.Notification) {
	t.notifyCh <- n
}

// complete marks the turn terminal, unblocking Done() exactly once.
func (t *turn) complete(status, errMsg string) {
	t.resultMu.Lock()
	if t.status != "" {
		t.resultMu.Unlock()
		return
	}
	t.status = status
	t.errMsg = errMsg
	t.resultMu.Unlock()

	if t.client != nil {
		t.client.turnsMu.Lock()
		delete(t.client.turns, t.threadID)
		t.client.turnsMu.Unlock()
	}
	close(t.doneCh)
}

// Interrupt sends turn/interrupt for this turn, best-effort and idempotent.
func (t *turn) Interrupt() error {
	select {
	case <-t.doneCh:
		return nil
	default:
	}
	if t.client == nil {
		return nil
	}
	_, err := t.client.call(context.Background(), methodTurnInterrupt, map[string]any{
		"thread_id": t.threadID,
		"turn_id":   t.ID(),
	})
	return err
}

var _ agent.Turn = (*turn)(nil)
