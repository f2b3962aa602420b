// Package run contains the execution core: the dispatcher and worker
// pool, the run status tracker, the per-run event broadcaster, and the
// cancellation coordinator.
package run

import (
	"errors"
	"time"
)

// Status is the run lifecycle state.
//
// queued and running are non-terminal; passed/failed/error/cancelled
// are terminal and final. Cancellation is a first-class terminal status
// so consumers never misread a user-initiated stop as a backend
// failure.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Execution types accepted by the dispatcher.
const (
	TypeBrowser     = "browser"
	TypeAPI         = "api"
	TypeDatabase    = "database"
	TypeCustom      = "custom"
	TypePerformance = "performance"
	TypeMonitor     = "monitor"
)

func ValidType(t string) bool {
	switch t {
	case TypeBrowser, TypeAPI, TypeDatabase, TypeCustom, TypePerformance, TypeMonitor:
		return true
	}
	return false
}

// Run is an immutable snapshot of one execution instance.
type Run struct {
	ID            string
	OwnerKind     string
	OwnerID       string
	TestID        string
	RequirementID string
	ExecType      string
	Status        Status
	Output        []string
	ReportURL     string
	ErrorDetails  string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Request describes a run to dispatch, either from a schedule trigger
// or an explicit "run now".
type Request struct {
	ExecType  string
	Script    string // inline script content
	ScriptRef string // or a stored-script reference
	Target    string

	// Optional linkage for auditing and coverage.
	OwnerKind     string // "job" | "monitor" | ""
	OwnerID       string
	TestID        string
	RequirementID string

	Timeout time.Duration
}

// EventKind distinguishes stream events.
type EventKind string

const (
	EventConsole  EventKind = "console"
	EventComplete EventKind = "complete"
)

// Event is one element of a run's subscriber stream. For a given
// subscriber, console events arrive in append order and the complete
// event is always last.
type Event struct {
	Kind         EventKind
	Line         string // console
	Status       Status // complete
	ErrorDetails string // complete
}

// BusEvent is the payload published on the process event bus for run
// lifecycle changes ("run.dispatched", "run.started", "run.finished").
type BusEvent struct {
	RunID         string `json:"run_id"`
	TestID        string `json:"test_id,omitempty"`
	RequirementID string `json:"requirement_id,omitempty"`
	ExecType      string `json:"exec_type"`
	Status        string `json:"status"`
	ErrorDetails  string `json:"error_details,omitempty"`
}

var (
	ErrInvalidScript = errors.New("script or script reference is required")
	ErrInvalidType   = errors.New("unknown execution type")
	ErrQueueFull     = errors.New("run queue is full")
	ErrStopped       = errors.New("worker pool is stopped")
)
