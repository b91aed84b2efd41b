// Package records provides typed queries over the raw rows an
// engine.Adapter fetches from swellow.records: current version resolution,
// active/inactive lookups, and the disable-above operation used by the
// current-version-id override.
package records

import (
	"context"
	"sort"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/migration"
)

// Store wraps a flat slice of RecordedMigration with the queries the
// planner and snapshot commands need. It never talks to the database
// itself; FetchRecords is the adapter's job.
type Store struct {
	records []migration.RecordedMigration
}

// New builds a Store from records already fetched from the engine,
// keeping them ordered by version_id ascending.
func New(records []migration.RecordedMigration) *Store {
	sorted := append([]migration.RecordedMigration(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VersionID < sorted[j].VersionID })
	return &Store{records: sorted}
}

// CurrentVersion is the highest version_id with an active (APPLIED or
// TESTED) record, or 0 if the database has no active migrations.
func (s *Store) CurrentVersion() uint64 {
	var current uint64
	for _, r := range s.records {
		if r.Active() && r.VersionID > current {
			current = r.VersionID
		}
	}
	return current
}

// IsActive reports whether version has an active record.
func (s *Store) IsActive(version uint64) bool {
	for _, r := range s.records {
		if r.VersionID == version && r.Active() {
			return true
		}
	}
	return false
}

// ByVersion returns the record for version, if one exists. The zero value
// and false are returned when there is no record at all, mirroring the
// original's Option-typed lookup.
func (s *Store) ByVersion(version uint64) (migration.RecordedMigration, bool) {
	for _, r := range s.records {
		if r.VersionID == version {
			return r, true
		}
	}
	return migration.RecordedMigration{}, false
}

// All returns every record in ascending version order.
func (s *Store) All() []migration.RecordedMigration {
	return append([]migration.RecordedMigration(nil), s.records...)
}

// DisableAbove marks every active record with version_id greater than
// version as FAILED, without running any down migration. This backs the
// --current-version-id override: an operator asserting the database is
// already at a given state without swellow having driven it there, so
// records above that point must stop counting as installed.
func DisableAbove(ctx context.Context, adapter engine.Adapter, tx engine.Tx, store *Store, version uint64) error {
	for _, r := range store.records {
		if r.VersionID > version && r.Active() {
			r.Status = migration.StatusFailed
			if err := adapter.UpsertRecord(ctx, tx, r); err != nil {
				return err
			}
		}
	}
	return nil
}
