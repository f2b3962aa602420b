package run

import (
	"context"
	"strings"
	"sync"
	"time"

	"testdeck/internal/eventbus"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// Tracker is the authoritative record of every run's current status and
// accumulated output. It is the single mutation entry point: workers,
// the dispatcher and the cancellation coordinator all write through
// Transition/AppendOutput, which serializes racing writers and makes
// terminal states final (late duplicate terminal signals are no-ops).
type Tracker struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	bc    *Broadcaster

	mu   sync.Mutex
	runs map[string]*Run
}

// TransitionDetails carries the optional payload of a transition.
type TransitionDetails struct {
	ErrorDetails string
	ReportURL    string
}

func NewTracker(store storage.Store, bus eventbus.Bus, bc *Broadcaster, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		store: store,
		bus:   bus,
		log:   log,
		bc:    bc,
		runs:  map[string]*Run{},
	}
}

// Register makes a freshly dispatched run visible to snapshot callers
// and subscribers. The dispatcher has already persisted the record.
func (t *Tracker) Register(r Run) {
	if r.Status == "" {
		r.Status = StatusQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := r
	t.mu.Lock()
	t.runs[r.ID] = &cp
	t.mu.Unlock()

	t.publishBus("run.dispatched", cp)
}

// Transition applies a status change. It returns false (a no-op, not an
// error) when the run is unknown, already terminal, or the change is
// not a legal edge of the state machine. First terminal transition
// wins; everything after is ignored.
func (t *Tracker) Transition(id string, to Status, d TransitionDetails) bool {
	t.mu.Lock()
	r, ok := t.runs[id]
	if !ok || r.Status.Terminal() || !legalEdge(r.Status, to) {
		t.mu.Unlock()
		return false
	}

	now := time.Now()
	r.Status = to
	switch {
	case to == StatusRunning:
		r.StartedAt = now
	case to.Terminal():
		r.CompletedAt = now
		if d.ErrorDetails != "" {
			r.ErrorDetails = d.ErrorDetails
		}
		if d.ReportURL != "" {
			r.ReportURL = d.ReportURL
		}
	}
	snap := *r
	if to.Terminal() {
		// Complete inside the lock so the terminal event is totally
		// ordered after every published output chunk.
		t.bc.Complete(id, Event{Kind: EventComplete, Status: snap.Status, ErrorDetails: snap.ErrorDetails})
	}
	t.mu.Unlock()

	t.persist(snap)

	if to == StatusRunning {
		t.publishBus("run.started", snap)
	} else {
		t.publishBus("run.finished", snap)
	}
	return true
}

// AppendOutput appends one console chunk and notifies subscribers in
// append order. Output on a terminal run is dropped.
func (t *Tracker) AppendOutput(id, line string) bool {
	t.mu.Lock()
	r, ok := t.runs[id]
	if !ok || r.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	r.Output = append(r.Output, line)
	t.bc.Publish(id, Event{Kind: EventConsole, Line: line})
	t.mu.Unlock()
	return true
}

// Snapshot returns the current state of a run for late subscribers and
// status queries.
func (t *Tracker) Snapshot(id string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	if !ok {
		return Run{}, false
	}
	cp := *r
	cp.Output = append([]string(nil), r.Output...)
	return cp, true
}

// Subscribe returns a live, ordered event stream for a run. Output
// already accumulated is replayed first, so a subscriber that joins
// before any output sees every chunk. Already-terminal runs get the
// complete event immediately and a closed channel.
func (t *Tracker) Subscribe(id string) (<-chan Event, func(), bool) {
	t.mu.Lock()
	r, ok := t.runs[id]
	if !ok {
		t.mu.Unlock()
		return nil, nil, false
	}
	backlog := append([]string(nil), r.Output...)
	var terminal *Event
	if r.Status.Terminal() {
		terminal = &Event{Kind: EventComplete, Status: r.Status, ErrorDetails: r.ErrorDetails}
	}
	ch, cancel := t.bc.subscribeLocked(id, backlog, terminal)
	t.mu.Unlock()
	return ch, cancel, true
}

func (t *Tracker) persist(r Run) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case r.Status == StatusRunning:
		err = t.store.MarkRunStarted(ctx, r.ID, r.StartedAt)
	case r.Status.Terminal():
		err = t.store.FinishRun(ctx, toRecord(r))
	}
	if err != nil {
		// Persistence failures are scoped to this run; the in-memory
		// state stays authoritative for the life of the process.
		t.log.Error("run persist failed", logx.String("run", r.ID), logx.String("status", string(r.Status)), logx.Err(err))
	}
}

func (t *Tracker) publishBus(typ string, r Run) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Data: BusEvent{
		RunID:         r.ID,
		TestID:        r.TestID,
		RequirementID: r.RequirementID,
		ExecType:      r.ExecType,
		Status:        string(r.Status),
		ErrorDetails:  r.ErrorDetails,
	}})
}

func legalEdge(from, to Status) bool {
	switch from {
	case StatusQueued:
		// A queued run may start, be cancelled before starting, or be
		// failed outright when the backend cannot be launched.
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

func toRecord(r Run) storage.RunRecord {
	return storage.RunRecord{
		ID:            r.ID,
		OwnerKind:     r.OwnerKind,
		OwnerID:       r.OwnerID,
		TestID:        r.TestID,
		RequirementID: r.RequirementID,
		ExecType:      r.ExecType,
		Status:        string(r.Status),
		Output:        joinOutput(r.Output),
		ReportURL:     r.ReportURL,
		ErrorDetails:  r.ErrorDetails,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func joinOutput(lines []string) string {
	return strings.Join(lines, "\n")
}
