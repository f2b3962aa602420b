package run

import (
	"time"

	logx "testdeck/pkg/logx"
)

const defaultCancelGrace = 10 * time.Second

// Coordinator mediates user-initiated cancellation against the tracker
// and the worker pool. The terminal status is settled through the
// tracker first, so a racing worker result cannot overwrite it; for a
// running run the backend process is then killed and reaped within a
// grace period.
type Coordinator struct {
	tracker *Tracker
	pool    *Pool
	grace   time.Duration
	log     logx.Logger
}

func NewCoordinator(tracker *Tracker, pool *Pool, grace time.Duration, log logx.Logger) *Coordinator {
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{tracker: tracker, pool: pool, grace: grace, log: log}
}

// Cancel attempts to cancel a run. It returns true only when this call
// moved the run to cancelled. Unknown or already-terminal runs return
// false with an explanatory message, as does losing the race to a run
// that finished on its own.
func (c *Coordinator) Cancel(runID string) (bool, string) {
	snap, ok := c.tracker.Snapshot(runID)
	if !ok {
		return false, "Run is not active."
	}

	switch snap.Status {
	case StatusQueued:
		// Still waiting for a worker. Marking it terminal means the
		// worker's later start transition fails and the run is skipped,
		// which is the effective dequeue.
		if c.tracker.Transition(runID, StatusCancelled, TransitionDetails{ErrorDetails: "cancelled before start"}) {
			c.log.Info("run cancelled while queued", logx.String("run", runID))
			return true, "Run cancelled before it started."
		}
		// Lost the race to a worker or another canceller; retry against
		// the fresh state.
		return c.cancelRunning(runID)

	case StatusRunning:
		return c.cancelRunning(runID)

	default:
		return false, "Run is not active."
	}
}

func (c *Coordinator) cancelRunning(runID string) (bool, string) {
	if !c.tracker.Transition(runID, StatusCancelled, TransitionDetails{ErrorDetails: "cancelled by user while running"}) {
		s, ok := c.tracker.Snapshot(runID)
		if !ok || !s.Status.Terminal() {
			return false, "Run is not active."
		}
		return false, "Run already finished with status " + string(s.Status) + "."
	}

	// Status is settled; now reap the backend process. The worker's own
	// terminal transition will be a no-op against the cancelled state.
	if c.pool.KillActive(runID) {
		if !c.awaitRelease(runID) {
			c.log.Warn("backend process not reaped within grace period", logx.String("run", runID))
		}
	}
	c.log.Info("run cancelled", logx.String("run", runID))
	return true, "Run cancelled."
}

// awaitRelease waits up to the grace period for the worker to finish
// with the killed process and release its handle.
func (c *Coordinator) awaitRelease(runID string) bool {
	deadline := time.Now().Add(c.grace)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if !c.pool.Active(runID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-tick.C
	}
}
