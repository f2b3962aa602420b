package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScheduleDefinition is the durable description of a recurring trigger
// attached to a job or monitor. The registry reads these at startup and
// on every owner create/edit/delete; the persisted definition is the
// source of truth for the live timer.
type ScheduleDefinition struct {
	ID         string
	OwnerKind  string // "job" | "monitor"
	OwnerID    string
	CronExpr   string
	Enabled    bool
	NextFireAt time.Time // zero when unknown
	RetryLimit int

	// Execution payload used to dispatch a run when the trigger fires.
	ExecType  string
	ScriptRef string
	Target    string

	UpdatedAt time.Time
}

// RunRecord is the persisted form of a run. The in-memory tracker is
// authoritative while the process lives; terminal state is written back
// here so history survives restarts.
type RunRecord struct {
	ID            string
	OwnerKind     string
	OwnerID       string
	TestID        string
	RequirementID string
	ExecType      string
	Status        string
	Output        string
	ReportURL     string
	ErrorDetails  string
	CreatedAt     time.Time
	StartedAt     time.Time // zero until running
	CompletedAt   time.Time // zero until terminal
}

// CoverageSnapshot is the per-requirement derived aggregate.
type CoverageSnapshot struct {
	RequirementID   string
	Status          string // "missing" | "covered" | "failing"
	LinkedTestCount int
	PassedCount     int
	FailedCount     int
	EvaluatedAt     time.Time
}
