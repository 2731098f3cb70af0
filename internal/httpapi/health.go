// v0
// internal/httpapi/health.go
package httpapi

import "sync/atomic"

// HealthState carries the readiness flag. Liveness holds while the process
// serves requests; readiness starts false and is raised once the monitor is
// wired, then lowered again during shutdown.
type HealthState struct {
	ready atomic.Bool
}

func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips readiness.
func (h *HealthState) SetReady(value bool) {
	h.ready.Store(value)
}

func (h *HealthState) Ready() bool {
	return h.ready.Load()
}
