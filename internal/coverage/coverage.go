// Package coverage maintains the per-requirement coverage aggregate:
// which requirements are exercised by linked tests and whether those
// tests currently pass.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"testdeck/internal/eventbus"
	"testdeck/internal/run"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// Coverage statuses.
const (
	StatusMissing = "missing"
	StatusCovered = "covered"
	StatusFailing = "failing"
)

// Service recomputes coverage snapshots from run history. Recompute is
// a pure function of the link table and latest terminal runs, so it is
// idempotent and safe to call concurrently.
type Service struct {
	store storage.Store
	log   logx.Logger
}

func NewService(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

// Recompute derives and persists the snapshot for one requirement.
//
// No linked tests means missing with zero counts. Otherwise each linked
// test contributes its latest terminal run; a test that has never
// finished a run counts as not passed. Covered requires every linked
// test to pass; anything less is failing.
func (s *Service) Recompute(ctx context.Context, requirementID string) (storage.CoverageSnapshot, error) {
	tests, err := s.store.ListLinkedTests(ctx, requirementID)
	if err != nil {
		return storage.CoverageSnapshot{}, fmt.Errorf("list linked tests: %w", err)
	}

	snap := storage.CoverageSnapshot{
		RequirementID:   requirementID,
		Status:          StatusMissing,
		LinkedTestCount: len(tests),
		EvaluatedAt:     time.Now(),
	}

	if len(tests) > 0 {
		for _, testID := range tests {
			status, ok, err := s.store.LatestTerminalStatus(ctx, testID)
			if err != nil {
				return storage.CoverageSnapshot{}, fmt.Errorf("latest terminal status for %s: %w", testID, err)
			}
			if ok && status == string(run.StatusPassed) {
				snap.PassedCount++
			} else {
				snap.FailedCount++
			}
		}
		if snap.PassedCount == len(tests) {
			snap.Status = StatusCovered
		} else {
			snap.Status = StatusFailing
		}
	}

	if err := s.store.UpsertCoverage(ctx, snap); err != nil {
		return storage.CoverageSnapshot{}, fmt.Errorf("persist coverage: %w", err)
	}
	s.log.Debug("coverage recomputed",
		logx.String("requirement", requirementID),
		logx.String("status", snap.Status),
		logx.Int("linked", snap.LinkedTestCount),
		logx.Int("passed", snap.PassedCount))
	return snap, nil
}

// Link attaches a test to a requirement and refreshes the snapshot.
func (s *Service) Link(ctx context.Context, requirementID, testID string) (storage.CoverageSnapshot, error) {
	if err := s.store.LinkTest(ctx, requirementID, testID); err != nil {
		return storage.CoverageSnapshot{}, fmt.Errorf("link test: %w", err)
	}
	return s.Recompute(ctx, requirementID)
}

// Unlink detaches a test from a requirement and refreshes the snapshot.
func (s *Service) Unlink(ctx context.Context, requirementID, testID string) (storage.CoverageSnapshot, error) {
	if err := s.store.UnlinkTest(ctx, requirementID, testID); err != nil {
		return storage.CoverageSnapshot{}, fmt.Errorf("unlink test: %w", err)
	}
	return s.Recompute(ctx, requirementID)
}

// Get returns the stored snapshot, computing one on demand when the
// requirement has never been evaluated.
func (s *Service) Get(ctx context.Context, requirementID string) (storage.CoverageSnapshot, error) {
	snap, err := s.store.GetCoverage(ctx, requirementID)
	if err == nil {
		return snap, nil
	}
	if err != storage.ErrNotFound {
		return storage.CoverageSnapshot{}, err
	}
	return s.Recompute(ctx, requirementID)
}

const defaultSweepInterval = time.Minute

// Updater subscribes to run lifecycle events and recomputes coverage
// whenever a run linked to a requirement reaches a terminal status.
//
// The bus delivers best-effort: under a burst of terminal runs an event
// may be dropped. A periodic sweep over all linked requirements
// re-converges any snapshot that went stale that way.
type Updater struct {
	svc        *Service
	bus        eventbus.Bus
	log        logx.Logger
	sweepEvery time.Duration

	stop      func()
	sweepStop chan struct{}
	done      chan struct{}
}

func NewUpdater(svc *Service, bus eventbus.Bus, sweepEvery time.Duration, log logx.Logger) *Updater {
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Updater{svc: svc, bus: bus, sweepEvery: sweepEvery, log: log}
}

// Start begins consuming run.finished events and the background sweep.
// Idempotent per instance.
func (u *Updater) Start(ctx context.Context) {
	if u.done != nil {
		return
	}
	ch, unsub := u.bus.Subscribe(64)
	u.stop = unsub
	u.sweepStop = make(chan struct{})
	u.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				u.handle(ctx, ev)
			}
		}
	}()
	go func() {
		defer wg.Done()
		tick := time.NewTicker(u.sweepEvery)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-u.sweepStop:
				return
			case <-tick.C:
				u.sweep(ctx)
			}
		}
	}()
	go func() {
		wg.Wait()
		close(u.done)
	}()
}

// Stop unsubscribes and waits for both loops to drain.
func (u *Updater) Stop() {
	if u.stop == nil {
		return
	}
	u.stop()
	close(u.sweepStop)
	<-u.done
	u.stop = nil
	u.sweepStop = nil
	u.done = nil
}

// sweep recomputes every requirement with at least one linked test.
func (u *Updater) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ids, err := u.svc.store.ListRequirementIDs(sctx)
	if err != nil {
		u.log.Warn("coverage sweep listing failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		if _, err := u.svc.Recompute(sctx, id); err != nil {
			u.log.Warn("coverage sweep recompute failed", logx.String("requirement", id), logx.Err(err))
		}
	}
}

func (u *Updater) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Type != "run.finished" {
		return
	}
	be, ok := busEvent(ev.Data)
	if !ok {
		return
	}
	if !run.Status(be.Status).Terminal() {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// The run may name its requirement directly; otherwise every
	// requirement linking the test is affected by the new terminal run.
	seen := map[string]bool{}
	if be.RequirementID != "" {
		seen[be.RequirementID] = true
	}
	if be.TestID != "" {
		reqs, err := u.svc.store.ListRequirementsForTest(rctx, be.TestID)
		if err != nil {
			u.log.Error("requirement lookup failed", logx.String("test", be.TestID), logx.Err(err))
		}
		for _, id := range reqs {
			seen[id] = true
		}
	}
	for id := range seen {
		if _, err := u.svc.Recompute(rctx, id); err != nil {
			u.log.Error("coverage update failed",
				logx.String("requirement", id),
				logx.String("run", be.RunID),
				logx.Err(err))
		}
	}
}

func busEvent(data any) (run.BusEvent, bool) {
	switch v := data.(type) {
	case run.BusEvent:
		return v, true
	case *run.BusEvent:
		if v != nil {
			return *v, true
		}
	case []byte:
		var be run.BusEvent
		if json.Unmarshal(v, &be) == nil {
			return be, true
		}
	}
	return run.BusEvent{}, false
}
