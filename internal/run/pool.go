package run

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"testdeck/internal/observability"
	rtsup "testdeck/internal/runtime/supervisor"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// PoolConfig controls the execution dispatcher and worker pool.
type PoolConfig struct {
	// MaxConcurrentRuns caps parallel executions.
	MaxConcurrentRuns int
	// QueueSize bounds how many dispatched runs may wait for a slot.
	QueueSize int
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	return c
}

type queuedRun struct {
	run        Run
	req        Request
	enqueuedAt time.Time
}

// Pool turns dispatch requests into runs and executes them on a bounded
// set of workers. Beyond the concurrency limit, runs wait in FIFO order
// in a bounded queue.
type Pool struct {
	log     logx.Logger
	store   storage.Store
	tracker *Tracker
	backend Backend

	mu       sync.Mutex
	cfg      PoolConfig
	q        chan queuedRun
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	// active maps a running run to its backend handle so the
	// cancellation coordinator can reach the underlying process.
	activeMu sync.Mutex
	active   map[string]Handle
}

func NewPool(cfg PoolConfig, store storage.Store, tracker *Tracker, backend Backend, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		log:     log,
		store:   store,
		tracker: tracker,
		backend: backend,
		cfg:     cfg.withDefaults(),
		active:  map[string]Handle{},
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.q = make(chan queuedRun, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	queue := p.q
	stopCh := p.stopCh

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "runpool"))),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.MaxConcurrentRuns; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go(name, func(c context.Context) error {
			p.worker(c, stopCh, queue)
			return nil
		})
	}

	p.log.Info("worker pool started",
		logx.Int("workers", cfg.MaxConcurrentRuns),
		logx.Int("queue", cap(queue)))
}

// Stop shuts the pool down, waiting for in-flight runs up to ctx.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
	}
}

// Reconfigure applies a new pool configuration by draining the current
// workers and starting fresh ones. Used by config hot reload.
func (p *Pool) Reconfigure(ctx context.Context, cfg PoolConfig) {
	p.Stop(ctx)
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	p.Start(ctx)
}

// Dispatch creates a Run with status queued, persists it, enqueues it
// FIFO, and returns its id immediately; execution is asynchronous.
func (p *Pool) Dispatch(ctx context.Context, req Request) (string, error) {
	if !ValidType(req.ExecType) {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, req.ExecType)
	}
	if strings.TrimSpace(req.Script) == "" && strings.TrimSpace(req.ScriptRef) == "" {
		return "", ErrInvalidScript
	}

	p.mu.Lock()
	q := p.q
	stopping := p.stopDone != nil
	p.mu.Unlock()
	if q == nil || stopping {
		return "", ErrStopped
	}

	r := Run{
		ID:            uuid.NewString(),
		OwnerKind:     req.OwnerKind,
		OwnerID:       req.OwnerID,
		TestID:        req.TestID,
		RequirementID: req.RequirementID,
		ExecType:      req.ExecType,
		Status:        StatusQueued,
		CreatedAt:     time.Now(),
	}
	if err := p.store.InsertRun(ctx, toRecord(r)); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}
	p.tracker.Register(r)

	select {
	case q <- queuedRun{run: r, req: req, enqueuedAt: time.Now()}:
	default:
		// Queue full: the run exists for the audit trail but is
		// terminated immediately rather than left queued forever.
		p.tracker.Transition(r.ID, StatusError, TransitionDetails{ErrorDetails: "dispatch rejected: run queue is full"})
		observability.RunsFinished.WithLabelValues(string(StatusError)).Inc()
		return "", ErrQueueFull
	}

	observability.RunsDispatched.Inc()
	observability.QueueDepth.Set(float64(len(q)))
	p.log.Debug("run dispatched",
		logx.String("run", r.ID),
		logx.String("type", r.ExecType),
		logx.Int("queue_len", len(q)))
	return r.ID, nil
}

// QueueLen reports runs waiting for a slot.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q == nil {
		return 0
	}
	return len(p.q)
}

// Active reports whether a worker currently holds a backend handle for
// the run.
func (p *Pool) Active(runID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[runID]
	return ok
}

// KillActive signals the backend process of a running run to terminate.
// It reports whether a live handle was found.
func (p *Pool) KillActive(runID string) bool {
	p.activeMu.Lock()
	h, ok := p.active[runID]
	p.activeMu.Unlock()
	if !ok {
		return false
	}
	h.Kill()
	return true
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedRun) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qr, ok := <-queue:
			if !ok {
				return
			}
			observability.QueueDepth.Set(float64(len(queue)))
			p.execOne(ctx, qr)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, qr queuedRun) {
	id := qr.run.ID

	// The tracker is the arbiter: a run cancelled while queued is
	// already terminal and the transition fails, so it never starts.
	if !p.tracker.Transition(id, StatusRunning, TransitionDetails{}) {
		p.log.Debug("skipping dequeued run (already terminal)", logx.String("run", id))
		return
	}

	timeout := qr.req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := Spec{
		RunID:     id,
		ExecType:  qr.req.ExecType,
		Script:    qr.req.Script,
		ScriptRef: qr.req.ScriptRef,
		Target:    qr.req.Target,
		Timeout:   timeout,
	}

	handle, err := p.backend.Start(runCtx, spec)
	if err != nil {
		// Backend unavailable: terminal error, never stuck in queued.
		p.tracker.Transition(id, StatusError, TransitionDetails{
			ErrorDetails: fmt.Sprintf("execution backend unavailable: %v", err),
		})
		observability.RunsFinished.WithLabelValues(string(StatusError)).Inc()
		p.log.Warn("backend start failed", logx.String("run", id), logx.Err(err))
		return
	}

	p.activeMu.Lock()
	p.active[id] = handle
	p.activeMu.Unlock()
	observability.RunsInFlight.Inc()
	defer func() {
		p.activeMu.Lock()
		delete(p.active, id)
		p.activeMu.Unlock()
		observability.RunsInFlight.Dec()
	}()

	// Relay console output as it arrives so subscribers see live
	// progress, then settle the terminal status. If cancellation won
	// the race, the transition is a no-op.
	for line := range handle.Output() {
		p.tracker.AppendOutput(id, line)
	}
	res := handle.Wait()
	applied := p.tracker.Transition(id, res.Status, TransitionDetails{
		ErrorDetails: res.Details,
		ReportURL:    res.ReportURL,
	})

	final := res.Status
	if !applied {
		if snap, ok := p.tracker.Snapshot(id); ok {
			final = snap.Status
		}
	}
	observability.RunsFinished.WithLabelValues(string(final)).Inc()
	p.log.Info("run finished",
		logx.String("run", id),
		logx.String("status", string(final)),
		logx.Duration("queue_delay", time.Since(qr.enqueuedAt)))
}
