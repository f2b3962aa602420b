package run

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func registerRun(tr *Tracker, id string) {
	tr.Register(Run{ID: id, ExecType: TypeAPI, Status: StatusQueued})
}

func TestTransitionLifecycle(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")

	if !tr.Transition("r1", StatusRunning, TransitionDetails{}) {
		t.Fatal("queued -> running rejected")
	}
	if !tr.Transition("r1", StatusPassed, TransitionDetails{}) {
		t.Fatal("running -> passed rejected")
	}
	snap, ok := tr.Snapshot("r1")
	if !ok || snap.Status != StatusPassed {
		t.Fatalf("status = %q, want passed", snap.Status)
	}
	if snap.StartedAt.IsZero() || snap.CompletedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	tr.Transition("r1", StatusCancelled, TransitionDetails{ErrorDetails: "cancelled by user while running"})

	for _, to := range []Status{StatusPassed, StatusFailed, StatusError, StatusRunning, StatusCancelled} {
		if tr.Transition("r1", to, TransitionDetails{}) {
			t.Fatalf("transition to %q applied on terminal run", to)
		}
	}
	snap, _ := tr.Snapshot("r1")
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", snap.Status)
	}
	if snap.ErrorDetails != "cancelled by user while running" {
		t.Fatalf("details = %q", snap.ErrorDetails)
	}
}

func TestIllegalEdges(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)

	if tr.Transition("missing", StatusRunning, TransitionDetails{}) {
		t.Fatal("transition on unknown run applied")
	}
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	if tr.Transition("r1", StatusRunning, TransitionDetails{}) {
		t.Fatal("running -> running applied")
	}
}

func TestQueuedRunCanGoTerminalDirectly(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")

	if !tr.Transition("r1", StatusCancelled, TransitionDetails{ErrorDetails: "cancelled before start"}) {
		t.Fatal("queued -> cancelled rejected")
	}
	if tr.Transition("r1", StatusRunning, TransitionDetails{}) {
		t.Fatal("cancelled run started")
	}
}

func TestSubscribeOrderedRoundTrip(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})

	ch, cancel, ok := tr.Subscribe("r1")
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer cancel()

	const n = 10
	for i := 0; i < n; i++ {
		tr.AppendOutput("r1", fmt.Sprintf("line %d", i))
	}
	tr.Transition("r1", StatusPassed, TransitionDetails{})

	var (
		consoles  int
		completes int
	)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, open := <-ch:
			if !open {
				if consoles != n {
					t.Fatalf("console events = %d, want %d", consoles, n)
				}
				if completes != 1 {
					t.Fatalf("complete events = %d, want exactly 1", completes)
				}
				return
			}
			switch e.Kind {
			case EventConsole:
				if completes > 0 {
					t.Fatal("console event after complete")
				}
				if want := fmt.Sprintf("line %d", consoles); e.Line != want {
					t.Fatalf("line = %q, want %q", e.Line, want)
				}
				consoles++
			case EventComplete:
				completes++
				if e.Status != StatusPassed {
					t.Fatalf("complete status = %q, want passed", e.Status)
				}
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	tr.AppendOutput("r1", "early 0")
	tr.AppendOutput("r1", "early 1")

	ch, cancel, ok := tr.Subscribe("r1")
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer cancel()

	tr.AppendOutput("r1", "late 2")
	tr.Transition("r1", StatusFailed, TransitionDetails{ErrorDetails: "test assertions failed"})

	want := []string{"early 0", "early 1", "late 2"}
	var got []string
	for e := range ch {
		if e.Kind == EventConsole {
			got = append(got, e.Line)
			continue
		}
		if e.Status != StatusFailed || e.ErrorDetails != "test assertions failed" {
			t.Fatalf("complete = %+v", e)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeAfterTerminal(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	tr.AppendOutput("r1", "only line")
	tr.Transition("r1", StatusError, TransitionDetails{ErrorDetails: "execution timed out"})

	ch, cancel, ok := tr.Subscribe("r1")
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer cancel()

	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (backlog + complete)", len(events))
	}
	if events[0].Kind != EventConsole || events[0].Line != "only line" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Kind != EventComplete || events[1].Status != StatusError {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestOutputDroppedAfterTerminal(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(t)
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	tr.Transition("r1", StatusPassed, TransitionDetails{})

	if tr.AppendOutput("r1", "too late") {
		t.Fatal("output accepted on terminal run")
	}
	snap, _ := tr.Snapshot("r1")
	if len(snap.Output) != 0 {
		t.Fatalf("output = %v, want empty", snap.Output)
	}
}

func TestTerminalRunPersisted(t *testing.T) {
	t.Parallel()
	tr, st := newTestTracker(t)

	rec := toRecord(Run{ID: "r1", ExecType: TypeAPI, Status: StatusQueued, CreatedAt: time.Now()})
	if err := st.InsertRun(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	registerRun(tr, "r1")
	tr.Transition("r1", StatusRunning, TransitionDetails{})
	tr.AppendOutput("r1", "hello")
	tr.Transition("r1", StatusPassed, TransitionDetails{ReportURL: "file:///reports/r1.html"})

	got, err := st.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != string(StatusPassed) {
		t.Fatalf("persisted status = %q", got.Status)
	}
	if got.Output != "hello" {
		t.Fatalf("persisted output = %q", got.Output)
	}
	if got.ReportURL != "file:///reports/r1.html" {
		t.Fatalf("persisted report url = %q", got.ReportURL)
	}
}
