package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/records"
	"github.com/swellow-db/swellow/internal/swerr"
)

func local(version uint64, upSQL, downSQL string) migration.LocalMigration {
	l := migration.LocalMigration{VersionID: version}
	if upSQL != "" {
		l.HasUp = true
		l.UpSQL = upSQL
		l.UpChecksum = migration.Checksum([]byte(upSQL))
	}
	if downSQL != "" {
		l.HasDown = true
		l.DownSQL = downSQL
		l.DownChecksum = migration.Checksum([]byte(downSQL))
	}
	return l
}

func applied(l migration.LocalMigration) migration.RecordedMigration {
	return migration.RecordedMigration{
		VersionID:  l.VersionID,
		ObjectType: "table",
		Status:     migration.StatusApplied,
		Checksum:   l.UpChecksum,
	}
}

func TestPlan_FreshUpToMax(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "DROP TABLE t;")
	l2 := local(2, "ALTER TABLE t ADD COLUMN n TEXT;", "ALTER TABLE t DROP COLUMN n;")

	plan, err := Plan(Request{
		Locals:    []migration.LocalMigration{l1, l2},
		Store:     records.New(nil),
		Direction: migration.Up,
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, uint64(1), plan.Steps[0].VersionID)
	assert.Equal(t, uint64(2), plan.Steps[1].VersionID)
	assert.Equal(t, uint64(2), plan.ToVersion)
}

func TestPlan_UpIsDeterministic(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "")
	l2 := local(2, "CREATE TABLE u(id INT);", "")
	req := Request{Locals: []migration.LocalMigration{l2, l1}, Store: records.New(nil), Direction: migration.Up}

	p1, err := Plan(req)
	require.NoError(t, err)
	p2, err := Plan(req)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestPlan_TamperDetectionBlocksBeforeAnyStep(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "")
	tampered := local(1, "CREATE TABLE t(id BIGINT);", "")
	store := records.New([]migration.RecordedMigration{applied(l1)})

	_, err := Plan(Request{
		Locals:    []migration.LocalMigration{tampered},
		Store:     store,
		Direction: migration.Up,
	})
	require.Error(t, err)
	assert.Equal(t, swerr.KindOf(err), swerr.ChecksumMismatch)
}

func TestPlan_MissingUpSQLFails(t *testing.T) {
	downOnly := migration.LocalMigration{VersionID: 1, HasDown: true, DownSQL: "DROP TABLE t;"}

	_, err := Plan(Request{
		Locals:    []migration.LocalMigration{downOnly},
		Store:     records.New(nil),
		Direction: migration.Up,
	})
	require.Error(t, err)
	assert.Equal(t, swerr.KindOf(err), swerr.MissingUp)
}

func TestPlan_RollbackPlanOrdersDescending(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "DROP TABLE t;")
	l2 := local(2, "ALTER TABLE t ADD COLUMN n TEXT;", "ALTER TABLE t DROP COLUMN n;")
	store := records.New([]migration.RecordedMigration{applied(l1), applied(l2)})

	target := uint64(1)
	plan, err := Plan(Request{
		Locals:        []migration.LocalMigration{l1, l2},
		Store:         store,
		Direction:     migration.Down,
		TargetVersion: &target,
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, uint64(2), plan.Steps[0].VersionID)
	assert.Equal(t, migration.Down, plan.Steps[0].Direction)
}

func TestPlan_MissingDownSQLFails(t *testing.T) {
	l1 := migration.LocalMigration{VersionID: 1, HasUp: true, UpSQL: "CREATE TABLE t(id INT);", UpChecksum: migration.Checksum([]byte("CREATE TABLE t(id INT);"))}
	store := records.New([]migration.RecordedMigration{applied(l1)})

	target := uint64(0)
	_, err := Plan(Request{
		Locals:        []migration.LocalMigration{l1},
		Store:         store,
		Direction:     migration.Down,
		TargetVersion: &target,
	})
	require.Error(t, err)
	assert.Equal(t, swerr.KindOf(err), swerr.MissingDown)
}

func TestPlan_RolledBackVersionIsEligibleAgainForUp(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "DROP TABLE t;")
	store := records.New([]migration.RecordedMigration{
		{VersionID: 1, Status: migration.StatusRolledBack, Checksum: l1.UpChecksum},
	})

	plan, err := Plan(Request{
		Locals:    []migration.LocalMigration{l1},
		Store:     store,
		Direction: migration.Up,
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
}

func TestPlan_BreakingChangeHeuristicWarnsWithoutBlocking(t *testing.T) {
	l1 := local(1, "DROP TABLE t;", "")

	plan, err := Plan(Request{
		Locals:    []migration.LocalMigration{l1},
		Store:     records.New(nil),
		Direction: migration.Up,
	})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.NotEmpty(t, plan.Diagnostics)
	assert.Equal(t, uint64(1), plan.Diagnostics[0].VersionID)
}

func TestPlan_OrphanRecordWarnsWithoutBlocking(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "DROP TABLE t;")
	orphan := migration.RecordedMigration{VersionID: 2, Status: migration.StatusApplied, Checksum: "whatever"}
	store := records.New([]migration.RecordedMigration{applied(l1), orphan})

	plan, err := Plan(Request{
		Locals:    []migration.LocalMigration{l1},
		Store:     store,
		Direction: migration.Up,
	})
	require.NoError(t, err)

	require.NotEmpty(t, plan.Diagnostics)
	found := false
	for _, d := range plan.Diagnostics {
		if d.Kind == migration.DiagnosticOrphanRecord && d.VersionID == 2 {
			found = true
		}
	}
	assert.True(t, found, "expected an orphan-record diagnostic for version 2")
}

func TestPlan_NoOpWhenTargetEqualsCurrent(t *testing.T) {
	l1 := local(1, "CREATE TABLE t(id INT);", "")
	store := records.New([]migration.RecordedMigration{applied(l1)})

	target := uint64(1)
	plan, err := Plan(Request{
		Locals:        []migration.LocalMigration{l1},
		Store:         store,
		Direction:     migration.Up,
		TargetVersion: &target,
	})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

