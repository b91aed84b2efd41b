package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

// fakeAdapter is an in-memory engine.Adapter recording every call it
// receives, used to assert step ordering and crash-window semantics
// without a real database.
type fakeAdapter struct {
	tag             engine.Tag
	supportsDryRun  bool
	failOnSQL       string
	lockHeld        bool
	executedSQL     []string
	upsertedRecords []migration.RecordedMigration
	rolledBack      int
	committed       int
}

type fakeSession struct{}

func (fakeSession) Close(ctx context.Context) error { return nil }

type fakeTx struct{}

func (fakeTx) IsNoOp() bool { return false }

func (a *fakeAdapter) Tag() engine.Tag                          { return a.tag }
func (a *fakeAdapter) SupportsDryRun() bool                     { return a.supportsDryRun }
func (a *fakeAdapter) SupportsTransactionalDDL() bool           { return true }
func (a *fakeAdapter) Connect(context.Context, string) (engine.Session, error) {
	return fakeSession{}, nil
}
func (a *fakeAdapter) EnsureRecordsSchema(context.Context, engine.Session) error { return nil }
func (a *fakeAdapter) FetchRecords(context.Context, engine.Session) ([]migration.RecordedMigration, error) {
	return a.upsertedRecords, nil
}
func (a *fakeAdapter) Begin(context.Context, engine.Session) (engine.Tx, error) { return fakeTx{}, nil }
func (a *fakeAdapter) Commit(context.Context, engine.Tx) error {
	a.committed++
	return nil
}
func (a *fakeAdapter) Rollback(context.Context, engine.Tx) error {
	a.rolledBack++
	return nil
}
func (a *fakeAdapter) Execute(ctx context.Context, tx engine.Tx, sql string) error {
	if sql == a.failOnSQL {
		return assertError("boom")
	}
	a.executedSQL = append(a.executedSQL, sql)
	return nil
}
func (a *fakeAdapter) AcquireLock(context.Context, engine.Session) (engine.LockGuard, error) {
	if a.lockHeld {
		return nil, swerr.New(swerr.Locked, "already locked")
	}
	a.lockHeld = true
	return &fakeLock{a}, nil
}
func (a *fakeAdapter) UpsertRecord(ctx context.Context, tx engine.Tx, record migration.RecordedMigration) error {
	a.upsertedRecords = append(a.upsertedRecords, record)
	return nil
}
func (a *fakeAdapter) Snapshot(context.Context, engine.Session) (string, error) { return "", nil }

type fakeLock struct{ a *fakeAdapter }

func (l *fakeLock) Release(ctx context.Context) error {
	l.a.lockHeld = false
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestRun_PlanOnlyTouchesNothing(t *testing.T) {
	a := &fakeAdapter{}
	plan := migration.Plan{Mode: migration.ModePlanOnly, Steps: []migration.PlanStep{{VersionID: 1, SQL: "CREATE TABLE t(id INT);"}}}

	result, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Steps)
	assert.Empty(t, a.executedSQL)
	assert.Empty(t, a.upsertedRecords)
}

func TestRun_ExecuteAppliesStepsInOrder(t *testing.T) {
	a := &fakeAdapter{}
	plan := migration.Plan{
		Mode:      migration.ModeExecute,
		Direction: migration.Up,
		Steps: []migration.PlanStep{
			{VersionID: 1, Direction: migration.Up, Slug: "create_t", SQL: "CREATE TABLE t(id INT);"},
			{VersionID: 2, Direction: migration.Up, Slug: "add_n", SQL: "ALTER TABLE t ADD COLUMN n TEXT;"},
		},
	}

	result, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, uint64(1), result.Steps[0].VersionID)
	assert.Equal(t, uint64(2), result.Steps[1].VersionID)
	assert.Equal(t, []string{"CREATE TABLE t(id INT);", "ALTER TABLE t ADD COLUMN n TEXT;"}, a.executedSQL)
	require.Len(t, a.upsertedRecords, 2)
	assert.Equal(t, migration.StatusApplied, a.upsertedRecords[0].Status)
	assert.Equal(t, "create_t", a.upsertedRecords[0].ObjectNameBefore)
	assert.Equal(t, "create_t", a.upsertedRecords[0].ObjectNameAfter)
}

func TestRun_DownMarksRolledBack(t *testing.T) {
	a := &fakeAdapter{}
	plan := migration.Plan{
		Mode:      migration.ModeExecute,
		Direction: migration.Down,
		Steps:     []migration.PlanStep{{VersionID: 1, Direction: migration.Down, SQL: "DROP TABLE t;"}},
	}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.NoError(t, err)
	require.Len(t, a.upsertedRecords, 1)
	assert.Equal(t, migration.StatusRolledBack, a.upsertedRecords[0].Status)
}

func TestRun_FailureMarksFailedAndAbortsRemainingSteps(t *testing.T) {
	a := &fakeAdapter{failOnSQL: "BAD SQL;"}
	plan := migration.Plan{
		Mode:      migration.ModeExecute,
		Direction: migration.Up,
		Steps: []migration.PlanStep{
			{VersionID: 1, Direction: migration.Up, SQL: "BAD SQL;"},
			{VersionID: 2, Direction: migration.Up, SQL: "CREATE TABLE u(id INT);"},
		},
	}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.Error(t, err)
	assert.Equal(t, swerr.ExecutionFailed, swerr.KindOf(err))
	require.Len(t, a.upsertedRecords, 1)
	assert.Equal(t, migration.StatusFailed, a.upsertedRecords[0].Status)
	assert.Empty(t, a.executedSQL) // the second step never ran
}

func TestRun_DryRunRollsBackEveryStep(t *testing.T) {
	a := &fakeAdapter{supportsDryRun: true}
	plan := migration.Plan{
		Mode:      migration.ModeDryRun,
		Direction: migration.Up,
		Steps:     []migration.PlanStep{{VersionID: 1, Direction: migration.Up, SQL: "CREATE TABLE t(id INT);"}},
	}

	result, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, migration.StatusTested, result.Steps[0].Status)
	assert.Equal(t, 1, a.rolledBack)
	assert.Equal(t, 0, a.committed)
}

func TestRun_DryRunHonorsIgnoreLocks(t *testing.T) {
	a := &fakeAdapter{supportsDryRun: true, lockHeld: true}
	plan := migration.Plan{
		Mode:      migration.ModeDryRun,
		Direction: migration.Up,
		Steps:     []migration.PlanStep{{VersionID: 1, Direction: migration.Up, SQL: "CREATE TABLE t(id INT);"}},
	}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{IgnoreLocks: true})
	require.NoError(t, err)
}

func TestRun_DryRunFailsWhenUnsupported(t *testing.T) {
	a := &fakeAdapter{supportsDryRun: false}
	plan := migration.Plan{Mode: migration.ModeDryRun, Steps: []migration.PlanStep{{VersionID: 1}}}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.Error(t, err)
	assert.Equal(t, swerr.DryRunUnsupported, swerr.KindOf(err))
}

func TestRun_LockContentionReturnsLocked(t *testing.T) {
	a := &fakeAdapter{lockHeld: true}
	plan := migration.Plan{Mode: migration.ModeExecute, Steps: []migration.PlanStep{{VersionID: 1, SQL: "SELECT 1;"}}}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{})
	require.Error(t, err)
	assert.Equal(t, swerr.Locked, swerr.KindOf(err))
}

func TestRun_IgnoreLocksBypassesAcquisition(t *testing.T) {
	a := &fakeAdapter{lockHeld: true}
	plan := migration.Plan{Mode: migration.ModeExecute, Steps: []migration.PlanStep{{VersionID: 1, SQL: "SELECT 1;"}}}

	_, err := Run(context.Background(), a, fakeSession{}, plan, Options{IgnoreLocks: true})
	require.NoError(t, err)
}

func TestRun_CancellationBetweenStepsStopsRemainingSteps(t *testing.T) {
	a := &fakeAdapter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := migration.Plan{
		Mode: migration.ModeExecute,
		Steps: []migration.PlanStep{
			{VersionID: 1, SQL: "CREATE TABLE t(id INT);"},
		},
	}

	_, err := Run(ctx, a, fakeSession{}, plan, Options{})
	require.Error(t, err)
	assert.Equal(t, swerr.Cancelled, swerr.KindOf(err))
}
