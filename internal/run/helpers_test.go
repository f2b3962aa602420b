package run

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"testdeck/internal/eventbus"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestTracker(t *testing.T) (*Tracker, storage.Store) {
	t.Helper()
	st := openTestStore(t)
	bc := NewBroadcaster(16, logx.Nop())
	return NewTracker(st, eventbus.New(), bc, logx.Nop()), st
}

// fakeBackend scripts execution results without real processes. Start
// order is observable via started; block (when set) holds every handle
// open until closed or killed.
type fakeBackend struct {
	mu       sync.Mutex
	startErr error
	lines    []string
	result   Result
	killRes  Result
	block    chan struct{}
	started  chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		result:  Result{Status: StatusPassed},
		killRes: Result{Status: StatusPassed},
		started: make(chan string, 32),
	}
}

func (b *fakeBackend) Start(_ context.Context, spec Spec) (Handle, error) {
	b.mu.Lock()
	startErr, lines, res, killRes, block := b.startErr, b.lines, b.result, b.killRes, b.block
	b.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}

	h := &fakeHandle{
		out:    make(chan string, len(lines)+1),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
		res:    res,
	}
	b.started <- spec.RunID
	go func() {
		for _, l := range lines {
			h.out <- l
		}
		if block != nil {
			select {
			case <-block:
			case <-h.killed:
				h.res = killRes
			}
		}
		close(h.out)
		close(h.done)
	}()
	return h, nil
}

type fakeHandle struct {
	out    chan string
	done   chan struct{}
	killed chan struct{}
	res    Result
	once   sync.Once
}

func (h *fakeHandle) Output() <-chan string { return h.out }

func (h *fakeHandle) Wait() Result {
	<-h.done
	return h.res
}

func (h *fakeHandle) Kill() {
	h.once.Do(func() { close(h.killed) })
}

func waitStatus(t *testing.T, tr *Tracker, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := tr.Snapshot(id); ok && snap.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := tr.Snapshot(id)
	t.Fatalf("run %s: status = %q, want %q", id, snap.Status, want)
}

func waitTerminal(t *testing.T, tr *Tracker, id string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := tr.Snapshot(id); ok && snap.Status.Terminal() {
			return snap.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", id)
	return ""
}
