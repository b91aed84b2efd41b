// Package migration defines the data model shared by the loader, the
// planner, and the executor: the on-disk migration, the on-database
// record, and the plan that reconciles the two.
package migration

import "time"

// Direction is the sense in which a plan or a single step moves the
// database: forward through versions, or backward.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func (d Direction) String() string { return string(d) }

// Status is a record's position in the lifecycle state machine described
// in the records schema: fresh or ROLLED_BACK -> APPLIED -> ROLLED_BACK,
// fresh or ROLLED_BACK -> TESTED via a dry run that never commits, and
// FAILED whenever a step's script fails.
type Status string

const (
	StatusApplied    Status = "APPLIED"
	StatusTested     Status = "TESTED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusFailed     Status = "FAILED"
)

// Active reports whether a record with this status counts toward the
// database's current version.
func (s Status) Active() bool {
	return s == StatusApplied || s == StatusTested
}

// LocalMigration is a single migration discovered on disk: a version-
// prefixed directory containing up.sql and/or down.sql.
type LocalMigration struct {
	VersionID    uint64
	Slug         string
	UpSQL        string
	DownSQL      string
	HasUp        bool
	HasDown      bool
	UpChecksum   string
	DownChecksum string
}

// RecordedMigration is a row of swellow.records.
type RecordedMigration struct {
	VersionID        uint64
	ObjectType       string
	ObjectNameBefore string
	ObjectNameAfter  string
	Status           Status
	Checksum         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether this record currently counts as installed.
func (r RecordedMigration) Active() bool {
	return r.Status.Active()
}

// PlanStep is one migration script to execute, in the direction and order
// the planner decided.
type PlanStep struct {
	VersionID uint64
	Direction Direction
	Slug      string
	SQL       string
	Checksum  string
}

// Mode selects how the executor treats a plan.
type Mode string

const (
	ModeExecute  Mode = "execute"
	ModePlanOnly Mode = "plan_only"
	ModeDryRun   Mode = "dry_run"
)

// Diagnostic is a non-fatal warning attached to a plan: the breaking-
// change heuristic, an orphan-record notice, or a PartialApply risk on an
// engine without transactional DDL. VersionID is 0 for a plan-wide
// diagnostic that isn't tied to one step.
type Diagnostic struct {
	VersionID uint64
	Kind      string
	Message   string
}

const (
	DiagnosticBreakingChange = "BreakingChange"
	DiagnosticOrphanRecord   = "OrphanRecord"
	DiagnosticPartialApply   = "PartialApply"
)

// Plan is the ordered, immutable result of reconciling on-disk migrations
// against recorded state. Planning never mutates the filesystem or the
// database.
type Plan struct {
	Mode        Mode
	Direction   Direction
	FromVersion uint64
	ToVersion   uint64
	Steps       []PlanStep
	Diagnostics []Diagnostic
}

// IsEmpty reports whether the plan has no steps to run.
func (p Plan) IsEmpty() bool {
	return len(p.Steps) == 0
}
