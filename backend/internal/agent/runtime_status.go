package agent

import "sync/atomic"

// RuntimeStatus reports the lifecycle state of the underlying Codex
// subprocess for GET /v1/health. It is a thin, lock-free status holder: the
// transport updates it, the HTTP surface reads it.
type RuntimeStatus struct {
	v atomic.Value
}

// NewRuntimeStatus returns a RuntimeStatus initialized to "disabled".
func NewRuntimeStatus() *RuntimeStatus {
	s := &RuntimeStatus{}
	s.Set("disabled")
	return s
}

// Set updates the current status. Expected values: disabled, starting,
// ready, restarting, faulted, disposed.
func (s *RuntimeStatus) Set(v string) { s.v.Store(v) }

// Get returns the current status, or "disabled" if never set.
func (s *RuntimeStatus) Get() string {
	v, _ := s.v.Load().(string)
	if v == "" {
		return "disabled"
	}
	return v
}
