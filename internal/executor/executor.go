// Package executor applies a migration.Plan against a live engine.Adapter
// session: plan_only emits nothing, execute commits each step under the
// advisory lock, and dry_run exercises every step inside a transaction it
// always rolls back.
package executor

import (
	"context"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

// StepResult reports what happened to one plan step, for --json and
// instrumented tests that assert ordering (§8 property 7).
type StepResult struct {
	VersionID uint64
	Direction migration.Direction
	Status    migration.Status
}

// Result is the outcome of running a plan to completion or to the point of
// failure/cancellation.
type Result struct {
	Steps []StepResult
}

// Options carries the flags that change execution behavior but are not
// part of the plan itself.
type Options struct {
	IgnoreLocks   bool
	NoTransaction bool
}

// Run applies plan against sess using adapter, per plan.Mode.
func Run(ctx context.Context, adapter engine.Adapter, sess engine.Session, plan migration.Plan, opts Options) (Result, error) {
	switch plan.Mode {
	case migration.ModePlanOnly:
		return Result{}, nil
	case migration.ModeDryRun:
		return runDryRun(ctx, adapter, sess, plan, opts)
	default:
		return runExecute(ctx, adapter, sess, plan, opts)
	}
}

func acquireLock(ctx context.Context, adapter engine.Adapter, sess engine.Session, ignoreLocks bool) (engine.LockGuard, error) {
	if ignoreLocks {
		return noOpLock{}, nil
	}
	return adapter.AcquireLock(ctx, sess)
}

type noOpLock struct{}

func (noOpLock) Release(ctx context.Context) error { return nil }

func runExecute(ctx context.Context, adapter engine.Adapter, sess engine.Session, plan migration.Plan, opts Options) (Result, error) {
	lock, err := acquireLock(ctx, adapter, sess, opts.IgnoreLocks)
	if err != nil {
		return Result{}, err
	}
	defer lock.Release(ctx)

	result := Result{}
	appliedStatus := migration.StatusApplied
	if plan.Direction == migration.Down {
		appliedStatus = migration.StatusRolledBack
	}

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return result, swerr.Wrap(swerr.Cancelled, "cancelled between steps", err)
		}

		if err := runStep(ctx, adapter, sess, step, appliedStatus, opts.NoTransaction); err != nil {
			return result, err
		}
		result.Steps = append(result.Steps, StepResult{VersionID: step.VersionID, Direction: step.Direction, Status: appliedStatus})
	}

	return result, nil
}

func runStep(ctx context.Context, adapter engine.Adapter, sess engine.Session, step migration.PlanStep, appliedStatus migration.Status, noTransaction bool) error {
	tx, err := adapter.Begin(ctx, sess)
	if err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to begin step transaction", err).
			WithContext("version_id", step.VersionID, "direction", step.Direction.String())
	}

	if err := adapter.Execute(ctx, tx, step.SQL); err != nil {
		// Best effort: on a transactional engine this undoes the failed
		// step's partial DDL. On a NoOpTx engine there is nothing to
		// roll back, and the DDL may already be partially applied.
		_ = adapter.Rollback(ctx, tx)
		markFailed(ctx, adapter, sess, step)
		return swerr.Wrap(swerr.ExecutionFailed, "migration step failed", err).
			WithContext("version_id", step.VersionID, "direction", step.Direction.String())
	}

	record := migration.RecordedMigration{
		VersionID:        step.VersionID,
		ObjectType:       "migration",
		ObjectNameBefore: step.Slug,
		ObjectNameAfter:  step.Slug,
		Status:           appliedStatus,
		Checksum:         step.Checksum,
	}

	if noTransaction {
		// The step's SQL ran inside tx like any other step; here tx is
		// committed on its own first and the record is committed
		// separately, in a second transaction, rather than atomically with
		// the DDL. The SQL itself is not run outside a transaction, so a
		// statement PostgreSQL refuses inside a transaction block (such as
		// CREATE INDEX CONCURRENTLY) still fails.
		if err := adapter.Commit(ctx, tx); err != nil {
			return swerr.Wrap(swerr.ExecutionFailed, "failed to commit step", err).
				WithContext("version_id", step.VersionID)
		}

		recordTx, err := adapter.Begin(ctx, sess)
		if err != nil {
			return swerr.Wrap(swerr.ExecutionFailed, "failed to begin record transaction", err).
				WithContext("version_id", step.VersionID)
		}
		if err := adapter.UpsertRecord(ctx, recordTx, record); err != nil {
			_ = adapter.Rollback(ctx, recordTx)
			return swerr.Wrap(swerr.ExecutionFailed, "failed to record migration step", err).
				WithContext("version_id", step.VersionID)
		}
		return adapter.Commit(ctx, recordTx)
	}

	if err := adapter.UpsertRecord(ctx, tx, record); err != nil {
		_ = adapter.Rollback(ctx, tx)
		return swerr.Wrap(swerr.ExecutionFailed, "failed to record migration step", err).
			WithContext("version_id", step.VersionID)
	}

	if err := adapter.Commit(ctx, tx); err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to commit step", err).
			WithContext("version_id", step.VersionID)
	}
	return nil
}

// markFailed persists a FAILED record in a fresh transaction after a step's
// own transaction has already been rolled back, so the failure itself is
// durable even though the attempted DDL was not.
func markFailed(ctx context.Context, adapter engine.Adapter, sess engine.Session, step migration.PlanStep) {
	tx, err := adapter.Begin(ctx, sess)
	if err != nil {
		return
	}
	record := migration.RecordedMigration{
		VersionID:        step.VersionID,
		ObjectType:       "migration",
		ObjectNameBefore: step.Slug,
		ObjectNameAfter:  step.Slug,
		Status:           migration.StatusFailed,
		Checksum:         step.Checksum,
	}
	if err := adapter.UpsertRecord(ctx, tx, record); err != nil {
		_ = adapter.Rollback(ctx, tx)
		return
	}
	_ = adapter.Commit(ctx, tx)
}

func runDryRun(ctx context.Context, adapter engine.Adapter, sess engine.Session, plan migration.Plan, opts Options) (Result, error) {
	if !adapter.SupportsDryRun() {
		return Result{}, swerr.New(swerr.DryRunUnsupported, "engine does not support dry runs")
	}

	lock, err := acquireLock(ctx, adapter, sess, opts.IgnoreLocks)
	if err != nil {
		return Result{}, err
	}
	defer lock.Release(ctx)

	result := Result{}
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return result, swerr.Wrap(swerr.Cancelled, "cancelled between steps", err)
		}

		tx, err := adapter.Begin(ctx, sess)
		if err != nil {
			return result, swerr.Wrap(swerr.ExecutionFailed, "failed to begin dry-run transaction", err)
		}

		if err := adapter.Execute(ctx, tx, step.SQL); err != nil {
			_ = adapter.Rollback(ctx, tx)
			return result, swerr.Wrap(swerr.ExecutionFailed, "dry-run step failed", err).
				WithContext("version_id", step.VersionID)
		}

		record := migration.RecordedMigration{
			VersionID:        step.VersionID,
			ObjectType:       "migration",
			ObjectNameBefore: step.Slug,
			ObjectNameAfter:  step.Slug,
			Status:           migration.StatusTested,
			Checksum:         step.Checksum,
		}
		if err := adapter.UpsertRecord(ctx, tx, record); err != nil {
			_ = adapter.Rollback(ctx, tx)
			return result, swerr.Wrap(swerr.ExecutionFailed, "failed to record dry-run step", err)
		}

		// Dry run is observationally read-only: the TESTED record is never
		// committed, regardless of how the statements themselves behaved.
		if err := adapter.Rollback(ctx, tx); err != nil {
			return result, swerr.Wrap(swerr.ExecutionFailed, "failed to roll back dry-run transaction", err)
		}

		result.Steps = append(result.Steps, StepResult{VersionID: step.VersionID, Direction: step.Direction, Status: migration.StatusTested})
	}

	return result, nil
}
