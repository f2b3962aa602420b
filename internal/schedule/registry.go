// Package schedule keeps cron timers for jobs and monitors in sync with
// their persisted definitions and dispatches a run each time one fires.
// The clock only triggers; all execution goes through the run dispatcher.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"testdeck/internal/observability"
	"testdeck/internal/run"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// ErrScheduleInvalid marks a cron expression the parser rejected. It is
// never fatal to owner creation; the owner is simply left without an
// active timer.
var ErrScheduleInvalid = errors.New("invalid cron expression")

// Dispatcher is the slice of the execution core the registry needs to
// turn a fire into a run.
type Dispatcher interface {
	Dispatch(ctx context.Context, req run.Request) (string, error)
}

// Watcher lets a fire hold its per-definition gate until the dispatched
// run reaches a terminal status.
type Watcher interface {
	Subscribe(id string) (<-chan run.Event, func(), bool)
}

// Config controls the trigger clock.
type Config struct {
	// Timezone for cron evaluation; empty means the host zone.
	Timezone string
	// RetryLimit bounds dispatch retries per fire when the definition
	// carries none of its own.
	RetryLimit int
	// RetryBase is the backoff unit between dispatch retries.
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	return c
}

// Registry owns the live timers. One entry per enabled definition;
// re-registering an id replaces its timer.
type Registry struct {
	log     logx.Logger
	store   storage.Store
	disp    Dispatcher
	watcher Watcher
	cfg     Config
	parser  cron.Parser
	cron    *cron.Cron

	mu       sync.Mutex
	entries  map[string]cron.EntryID
	defs     map[string]storage.ScheduleDefinition
	inflight map[string]bool
	pending  *pendingReconcile
}

type pendingReconcile struct {
	done chan struct{}
	err  error
}

func NewRegistry(cfg Config, store storage.Store, disp Dispatcher, watcher Watcher, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Registry{
		log:      log,
		store:    store,
		disp:     disp,
		watcher:  watcher,
		cfg:      cfg,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries:  map[string]cron.EntryID{},
		defs:     map[string]storage.ScheduleDefinition{},
		inflight: map[string]bool{},
	}, nil
}

// Start begins evaluating timers. Definitions registered earlier (e.g.
// by a pre-start ReconcileAll) fire from their next occurrence.
func (r *Registry) Start() {
	r.cron.Start()
	r.log.Info("scheduler started", logx.Int("timers", len(r.snapshotIDs())))
}

// Stop halts the clock and waits for in-progress fire callbacks.
func (r *Registry) Stop(ctx context.Context) {
	done := r.cron.Stop().Done()
	select {
	case <-done:
		r.log.Info("scheduler stopped")
	case <-ctx.Done():
		r.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Validate checks a cron expression without touching any timer.
func (r *Registry) Validate(expr string) error {
	if _, err := r.parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrScheduleInvalid, expr, err)
	}
	return nil
}

// Register validates the definition and installs (or replaces) its
// timer. A disabled definition unregisters instead. The recomputed
// next-fire time is persisted so restarts can tell stale timers from
// live ones.
func (r *Registry) Register(ctx context.Context, def storage.ScheduleDefinition) error {
	if !def.Enabled {
		r.Unregister(def.ID)
		return nil
	}
	sched, err := r.parser.Parse(def.CronExpr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrScheduleInvalid, def.CronExpr, err)
	}

	r.mu.Lock()
	if old, ok := r.entries[def.ID]; ok {
		r.cron.Remove(old)
	}
	d := def
	id, err := r.cron.AddFunc(def.CronExpr, func() { r.fire(d) })
	if err != nil {
		delete(r.entries, def.ID)
		delete(r.defs, def.ID)
		r.mu.Unlock()
		return fmt.Errorf("%w: %q: %v", ErrScheduleInvalid, def.CronExpr, err)
	}
	r.entries[def.ID] = id
	r.defs[def.ID] = d
	r.mu.Unlock()

	// The cron runner fills in entry times lazily once started, so the
	// next fire is derived from the expression itself. Registration on
	// the startup reconcile path happens before Start and must still
	// leave a persisted next-fire timestamp behind.
	next := sched.Next(time.Now())
	if !next.IsZero() {
		if err := r.store.UpdateScheduleNextFire(ctx, def.ID, next); err != nil {
			r.log.Warn("persist next fire failed", logx.String("schedule", def.ID), logx.Err(err))
		}
	}
	r.log.Debug("schedule registered",
		logx.String("schedule", def.ID),
		logx.String("cron", def.CronExpr),
		logx.Time("next", next))
	return nil
}

// Unregister removes the live timer for a definition, if any.
func (r *Registry) Unregister(scheduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[scheduleID]; ok {
		r.cron.Remove(id)
		delete(r.entries, scheduleID)
		delete(r.defs, scheduleID)
		r.log.Debug("schedule unregistered", logx.String("schedule", scheduleID))
	}
}

// ReconcileAll drops every timer and rebuilds the set from the enabled
// definitions in the store. Concurrent callers do not stack reconciles:
// they await the one already in progress and share its result.
func (r *Registry) ReconcileAll(ctx context.Context) error {
	r.mu.Lock()
	if p := r.pending; p != nil {
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingReconcile{done: make(chan struct{})}
	r.pending = p
	r.mu.Unlock()

	err := r.reconcile(ctx)

	r.mu.Lock()
	p.err = err
	r.pending = nil
	r.mu.Unlock()
	close(p.done)
	return err
}

func (r *Registry) reconcile(ctx context.Context) error {
	defs, err := r.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	r.mu.Lock()
	for sid, eid := range r.entries {
		r.cron.Remove(eid)
		delete(r.entries, sid)
		delete(r.defs, sid)
	}
	r.mu.Unlock()

	registered := 0
	for _, def := range defs {
		if err := r.Register(ctx, def); err != nil {
			// A definition that went bad in storage must not block the
			// rest of the set.
			r.log.Warn("skipping schedule",
				logx.String("schedule", def.ID),
				logx.String("cron", def.CronExpr),
				logx.Err(err))
			continue
		}
		registered++
	}
	r.log.Info("schedules reconciled",
		logx.Int("registered", registered),
		logx.Int("skipped", len(defs)-registered))
	return nil
}

// Count reports the number of live timers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshotIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// fire runs on the cron goroutine when a timer elapses. It persists the
// recomputed next-fire time and dispatches one run for the owner. A fire
// never overlaps a still-pending fire of the same definition: the gate
// is held until the dispatched run reaches a terminal status.
func (r *Registry) fire(def storage.ScheduleDefinition) {
	r.mu.Lock()
	if r.inflight[def.ID] {
		r.mu.Unlock()
		observability.ScheduleFires.WithLabelValues("skipped").Inc()
		r.log.Debug("fire skipped, previous still pending", logx.String("schedule", def.ID))
		return
	}
	r.inflight[def.ID] = true
	eid, registered := r.entries[def.ID]
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.inflight, def.ID)
		r.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if registered {
		if next := r.cron.Entry(eid).Next; !next.IsZero() {
			if err := r.store.UpdateScheduleNextFire(ctx, def.ID, next); err != nil {
				r.log.Warn("persist next fire failed", logx.String("schedule", def.ID), logx.Err(err))
			}
		}
	}

	runID, err := r.dispatchWithRetry(ctx, def)
	if err != nil {
		release()
		observability.ScheduleFires.WithLabelValues("error").Inc()
		// Dispatch failures never unregister the schedule; the next
		// occurrence gets a fresh attempt.
		r.log.Error("trigger dispatch failed",
			logx.String("schedule", def.ID),
			logx.String("owner", def.OwnerID),
			logx.Err(err))
		return
	}

	observability.ScheduleFires.WithLabelValues("ok").Inc()
	r.log.Info("schedule fired",
		logx.String("schedule", def.ID),
		logx.String("run", runID))

	if r.watcher == nil {
		release()
		return
	}
	ch, cancelSub, ok := r.watcher.Subscribe(runID)
	if !ok {
		release()
		return
	}
	go func() {
		defer release()
		defer cancelSub()
		for range ch {
		}
	}()
}

func (r *Registry) dispatchWithRetry(ctx context.Context, def storage.ScheduleDefinition) (string, error) {
	limit := def.RetryLimit
	if limit <= 0 {
		limit = r.cfg.RetryLimit
	}

	req := run.Request{
		ExecType:  def.ExecType,
		ScriptRef: def.ScriptRef,
		Target:    def.Target,
		OwnerKind: def.OwnerKind,
		OwnerID:   def.OwnerID,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		runID, err := r.disp.Dispatch(ctx, req)
		if err == nil {
			return runID, nil
		}
		lastErr = err
		if attempt >= limit {
			break
		}
		delay := r.cfg.RetryBase << attempt
		r.log.Warn("dispatch retry",
			logx.String("schedule", def.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("backoff", delay),
			logx.Err(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}
