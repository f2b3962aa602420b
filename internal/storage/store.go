package storage

import (
	"context"
	"time"

	logx "testdeck/pkg/logx"
)

// Store is the persistence API used by the scheduler, dispatcher and
// coverage updater.
type Store interface {
	// Schedule definitions.
	UpsertSchedule(ctx context.Context, def ScheduleDefinition) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (ScheduleDefinition, error)
	ListEnabledSchedules(ctx context.Context) ([]ScheduleDefinition, error)
	UpdateScheduleNextFire(ctx context.Context, id string, next time.Time) error

	// Runs.
	InsertRun(ctx context.Context, rec RunRecord) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, id string) (RunRecord, error)
	LatestTerminalStatus(ctx context.Context, testID string) (status string, ok bool, err error)
	RecoverStrandedRuns(ctx context.Context, details string) (int64, error)

	// Requirement coverage.
	LinkTest(ctx context.Context, requirementID, testID string) error
	UnlinkTest(ctx context.Context, requirementID, testID string) error
	ListLinkedTests(ctx context.Context, requirementID string) ([]string, error)
	ListRequirementsForTest(ctx context.Context, testID string) ([]string, error)
	ListRequirementIDs(ctx context.Context) ([]string, error)
	UpsertCoverage(ctx context.Context, snap CoverageSnapshot) error
	GetCoverage(ctx context.Context, requirementID string) (CoverageSnapshot, error)

	Close() error
}

// Open initializes the SQLite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
