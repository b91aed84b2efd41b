// Package snapshot implements the snapshot command: capture the current
// schema as a synthetic migration so a fresh environment can be brought up
// to the current state without replaying every historical step.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/loader"
	"github.com/swellow-db/swellow/internal/records"
	"github.com/swellow-db/swellow/internal/swerr"
)

const downStub = "-- rollback is not meaningful for a snapshot; this file intentionally has no statements.\n"

// Run captures adapter's current schema and writes it as a new migration
// directory under dir. It holds the advisory lock for the duration so the
// captured schema and the version number it's stamped with stay consistent,
// and never modifies the database itself.
func Run(ctx context.Context, adapter engine.Adapter, sess engine.Session, store *records.Store, dir string) (string, error) {
	lock, err := adapter.AcquireLock(ctx, sess)
	if err != nil {
		return "", err
	}
	defer lock.Release(ctx)

	next, err := nextVersion(dir, store)
	if err != nil {
		return "", err
	}

	sql, err := adapter.Snapshot(ctx, sess)
	if err != nil {
		return "", err
	}

	targetDir := filepath.Join(dir, fmt.Sprintf("%06d_snapshot", next))
	tmpDir := targetDir + ".tmp"
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", swerr.Wrap(swerr.SnapshotFailed, "failed to create snapshot directory", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "up.sql"), []byte(sql), 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return "", swerr.Wrap(swerr.SnapshotFailed, "failed to write snapshot up.sql", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "down.sql"), []byte(downStub), 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return "", swerr.Wrap(swerr.SnapshotFailed, "failed to write snapshot down.sql", err)
	}

	if err := os.Rename(tmpDir, targetDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", swerr.Wrap(swerr.SnapshotFailed, "failed to publish snapshot directory", err)
	}

	return targetDir, nil
}

// nextVersion folds over both the records table and the on-disk directory,
// so a snapshot taken against a database that is behind the migrations
// already on disk still gets a version number that doesn't collide with an
// unapplied migration sitting in the directory.
func nextVersion(dir string, store *records.Store) (uint64, error) {
	highest := store.CurrentVersion()

	locals, err := loader.Load(dir)
	if err != nil {
		return 0, err
	}
	for _, l := range locals {
		if l.VersionID > highest {
			highest = l.VersionID
		}
	}

	return highest + 1, nil
}
