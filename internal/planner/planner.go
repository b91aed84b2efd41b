// Package planner reconciles the migrations found on disk against the
// database's recorded state into an ordered, immutable Plan. Planning
// never touches the filesystem or the database beyond the records already
// fetched by the caller.
package planner

import (
	"fmt"
	"sort"

	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/records"
	"github.com/swellow-db/swellow/internal/swerr"
)

// Request bundles everything the planner needs to reconcile local
// migrations against recorded state for one direction.
type Request struct {
	Locals        []migration.LocalMigration
	Store         *records.Store
	Direction     migration.Direction
	TargetVersion *uint64 // nil selects the default per direction
}

// Plan reconciles locals against the store and returns an ordered Plan, or
// an error if the target is invalid or a tamper check fails.
func Plan(req Request) (migration.Plan, error) {
	localByVersion := make(map[uint64]migration.LocalMigration, len(req.Locals))
	maxVersion := uint64(0)
	for _, l := range req.Locals {
		localByVersion[l.VersionID] = l
		if l.VersionID > maxVersion {
			maxVersion = l.VersionID
		}
	}

	if err := checkTampering(req.Locals, req.Store); err != nil {
		return migration.Plan{}, err
	}

	current := req.Store.CurrentVersion()

	var plan migration.Plan
	var err error
	switch req.Direction {
	case migration.Up:
		plan, err = planUp(req, localByVersion, maxVersion, current)
	case migration.Down:
		plan, err = planDown(req, localByVersion, current)
	default:
		return migration.Plan{}, swerr.New(swerr.ArgumentError, fmt.Sprintf("unknown direction %q", req.Direction))
	}
	if err != nil {
		return migration.Plan{}, err
	}

	appendOrphanRecordDiagnostics(&plan, req.Store, localByVersion)
	return plan, nil
}

// appendOrphanRecordDiagnostics warns about active records with no
// corresponding on-disk migration: the database believes a version is
// installed, but nothing in the migrations directory can roll it back or
// tamper-check it. This never blocks the plan.
func appendOrphanRecordDiagnostics(plan *migration.Plan, store *records.Store, localByVersion map[uint64]migration.LocalMigration) {
	for _, r := range store.All() {
		if !r.Active() {
			continue
		}
		if _, ok := localByVersion[r.VersionID]; ok {
			continue
		}
		plan.Diagnostics = append(plan.Diagnostics, migration.Diagnostic{
			VersionID: r.VersionID,
			Kind:      migration.DiagnosticOrphanRecord,
			Message:   fmt.Sprintf("version %d is recorded as active but has no local migration", r.VersionID),
		})
	}
}

// checkTampering asserts that every local migration with an active record
// still matches the checksum stored at apply time. It runs before any step
// is generated so a mismatch is reported without partial plan output.
func checkTampering(locals []migration.LocalMigration, store *records.Store) error {
	for _, l := range locals {
		rec, ok := store.ByVersion(l.VersionID)
		if !ok || !rec.Active() {
			continue
		}
		if rec.Checksum != l.UpChecksum {
			return swerr.New(swerr.ChecksumMismatch,
				fmt.Sprintf("version %d has been modified since it was applied", l.VersionID)).
				WithContext("version_id", l.VersionID, "recorded_checksum", rec.Checksum, "local_checksum", l.UpChecksum)
		}
	}
	return nil
}

func planUp(req Request, localByVersion map[uint64]migration.LocalMigration, maxVersion, current uint64) (migration.Plan, error) {
	target := maxVersion
	if req.TargetVersion != nil {
		target = *req.TargetVersion
		if _, exists := localByVersion[target]; target != current && !exists {
			return migration.Plan{}, swerr.New(swerr.ArgumentError,
				fmt.Sprintf("target version %d does not exist", target)).WithContext("target_version_id", target)
		}
		if target < current {
			return migration.Plan{}, swerr.New(swerr.ArgumentError,
				fmt.Sprintf("target version %d is behind current version %d", target, current)).
				WithContext("target_version_id", target, "current_version_id", current)
		}
	}

	plan := migration.Plan{
		Mode:        migration.ModeExecute,
		Direction:   migration.Up,
		FromVersion: current,
		ToVersion:   target,
	}
	if target <= current {
		return plan, nil
	}

	var versions []uint64
	for v := range localByVersion {
		if v > current && v <= target {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		if req.Store.IsActive(v) {
			continue
		}
		l := localByVersion[v]
		if !l.HasUp {
			return migration.Plan{}, swerr.New(swerr.MissingUp,
				fmt.Sprintf("version %d has no up.sql", v)).WithContext("version_id", v)
		}
		plan.Steps = append(plan.Steps, migration.PlanStep{
			VersionID: v,
			Direction: migration.Up,
			Slug:      l.Slug,
			SQL:       l.UpSQL,
			Checksum:  l.UpChecksum,
		})
	}

	appendBreakingChangeDiagnostics(&plan)
	return plan, nil
}

func planDown(req Request, localByVersion map[uint64]migration.LocalMigration, current uint64) (migration.Plan, error) {
	target := uint64(0)
	if req.TargetVersion != nil {
		target = *req.TargetVersion
	}
	if target > current {
		return migration.Plan{}, swerr.New(swerr.ArgumentError,
			fmt.Sprintf("target version %d is ahead of current version %d", target, current)).
			WithContext("target_version_id", target, "current_version_id", current)
	}

	plan := migration.Plan{
		Mode:        migration.ModeExecute,
		Direction:   migration.Down,
		FromVersion: current,
		ToVersion:   target,
	}
	if target == current {
		return plan, nil
	}

	var versions []uint64
	for _, r := range req.Store.All() {
		if r.Active() && r.VersionID > target && r.VersionID <= current {
			versions = append(versions, r.VersionID)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	for _, v := range versions {
		l, ok := localByVersion[v]
		if !ok || !l.HasDown {
			return migration.Plan{}, swerr.New(swerr.MissingDown,
				fmt.Sprintf("version %d has no down.sql", v)).WithContext("version_id", v)
		}
		plan.Steps = append(plan.Steps, migration.PlanStep{
			VersionID: v,
			Direction: migration.Down,
			Slug:      l.Slug,
			SQL:       l.DownSQL,
			Checksum:  l.DownChecksum,
		})
	}

	appendBreakingChangeDiagnostics(&plan)
	return plan, nil
}
