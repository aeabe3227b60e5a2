package auth

import (
	"sync"
	"time"
)

// DefaultSessionLifetime bounds every accepted session regardless of activity.
const DefaultSessionLifetime = 10 * time.Minute

// LifetimeGuard terminates a session once its lifetime elapses.
type LifetimeGuard struct {
	timer *time.Timer
	once  sync.Once
}

// StartLifetimeGuard schedules terminate after limit. A non-positive limit uses
// DefaultSessionLifetime.
func StartLifetimeGuard(limit time.Duration, terminate func()) *LifetimeGuard {
	if limit <= 0 {
		limit = DefaultSessionLifetime
	}
	return &LifetimeGuard{timer: time.AfterFunc(limit, terminate)}
}

// Stop cancels the pending termination. Repeated calls are no-ops.
func (g *LifetimeGuard) Stop() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.timer.Stop()
	})
}
