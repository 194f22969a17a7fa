package server

import (
	"context"
	"time"
)

// activeRun tracks a single in-flight run for cancellation.
type activeRun struct {
	ID        string
	StartedAt time.Time
	Cancel    context.CancelFunc
}

// trackRun registers a cancellable context for a run; the returned
// cleanup must be deferred by the goroutine driving the run.
func (s *Server) trackRun(parent context.Context, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.activeRuns.Store(runID, &activeRun{
		ID:        runID,
		StartedAt: time.Now(),
		Cancel:    cancel,
	})

	cleanup := func() {
		s.activeRuns.Delete(runID)
		cancel()
	}

	return ctx, cleanup
}
