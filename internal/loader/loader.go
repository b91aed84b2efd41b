// Package loader scans a migration directory on disk and produces the
// ordered sequence of LocalMigration the planner reconciles against
// recorded state. It never interprets SQL, only reads and hashes it.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

var dirNamePattern = regexp.MustCompile(`^([0-9]+)_([A-Za-z0-9][A-Za-z0-9_-]*)$`)

const (
	upFileName   = "up.sql"
	downFileName = "down.sql"
)

// Load scans dir for version-prefixed subdirectories and returns them
// sorted ascending by version_id.
//
// Non-directory entries are skipped. A directory name that doesn't match
// `^([0-9]+)_([A-Za-z0-9][A-Za-z0-9_-]*)$` fails with MalformedDirectoryName.
// Two directories sharing a version_id fail with DuplicateVersion. A
// directory with neither up.sql nor down.sql fails with EmptyMigration.
func Load(dir string) ([]migration.LocalMigration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, swerr.Wrap(swerr.ArgumentError, fmt.Sprintf("cannot read migration directory %q", dir), err)
	}

	seen := make(map[uint64]string, len(entries))
	migrations := make([]migration.LocalMigration, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		match := dirNamePattern.FindStringSubmatch(name)
		if match == nil {
			return nil, swerr.New(swerr.MalformedName,
				fmt.Sprintf("migration directory name %q does not match NNNNNN_slug", name)).
				WithContext("directory", name)
		}

		versionID, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			return nil, swerr.Wrap(swerr.MalformedName, fmt.Sprintf("invalid version prefix in %q", name), err)
		}

		if first, ok := seen[versionID]; ok {
			return nil, swerr.New(swerr.DuplicateVersion,
				fmt.Sprintf("version %d appears in both %q and %q", versionID, first, name)).
				WithContext("version_id", versionID)
		}
		seen[versionID] = name

		local, err := loadOne(filepath.Join(dir, name), versionID, match[2])
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, local)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].VersionID < migrations[j].VersionID
	})

	return migrations, nil
}

func loadOne(path string, versionID uint64, slug string) (migration.LocalMigration, error) {
	local := migration.LocalMigration{VersionID: versionID, Slug: slug}

	up, hasUp, err := readIfExists(filepath.Join(path, upFileName))
	if err != nil {
		return migration.LocalMigration{}, swerr.Wrap(swerr.ArgumentError, fmt.Sprintf("failed to read %s", upFileName), err)
	}
	down, hasDown, err := readIfExists(filepath.Join(path, downFileName))
	if err != nil {
		return migration.LocalMigration{}, swerr.Wrap(swerr.ArgumentError, fmt.Sprintf("failed to read %s", downFileName), err)
	}

	if !hasUp && !hasDown {
		return migration.LocalMigration{}, swerr.New(swerr.EmptyMigration,
			fmt.Sprintf("migration %d_%s has neither up.sql nor down.sql", versionID, slug)).
			WithContext("version_id", versionID)
	}

	local.HasUp, local.UpSQL = hasUp, up
	local.HasDown, local.DownSQL = hasDown, down
	if hasUp {
		local.UpChecksum = migration.Checksum([]byte(up))
	}
	if hasDown {
		local.DownChecksum = migration.Checksum([]byte(down))
	}

	return local, nil
}

func readIfExists(path string) (contents string, present bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}
