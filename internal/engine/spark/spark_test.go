package spark

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swellow-db/swellow/internal/engine/spark/transport"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

// fakeTransport is an in-memory stand-in for a live Spark Connect session,
// just enough to exercise the adapter's SQL-shaped record and lock logic
// without a real cluster.
type fakeTransport struct {
	statements []string
	queries    []string
	rows       []transport.Row
	queryErr   error
}

func (f *fakeTransport) ExecuteStatement(ctx context.Context, sql string) error {
	f.statements = append(f.statements, sql)
	return nil
}

func (f *fakeTransport) Query(ctx context.Context, sql string) ([]transport.Row, error) {
	f.queries = append(f.queries, sql)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeTransport) Close(ctx context.Context) error { return nil }

func newTestAdapter(flavor CatalogFlavor) (*Adapter, *session) {
	ft := &fakeTransport{}
	return &Adapter{flavor: flavor}, &session{transport: ft, database: "bird_watch"}
}

func TestAdapter_SupportsNoDryRunOrTransactionalDDL(t *testing.T) {
	a, _ := newTestAdapter(FlavorDelta)
	assert.False(t, a.SupportsDryRun())
	assert.False(t, a.SupportsTransactionalDDL())
}

func TestAdapter_RollbackAlwaysFailsDryRunUnsupported(t *testing.T) {
	a, sess := newTestAdapter(FlavorDelta)
	tx, err := a.Begin(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, tx.IsNoOp())

	err = a.Rollback(context.Background(), tx)
	require.Error(t, err)
	assert.Equal(t, swerr.DryRunUnsupported, swerr.KindOf(err))
}

func TestAdapter_ExecuteSplitsAndSendsEachStatement(t *testing.T) {
	a, sess := newTestAdapter(FlavorDelta)
	tx, err := a.Begin(context.Background(), sess)
	require.NoError(t, err)

	err = a.Execute(context.Background(), tx, "CREATE TABLE a (x INT); INSERT INTO a VALUES (1);")
	require.NoError(t, err)

	ft := sess.transport.(*fakeTransport)
	require.Len(t, ft.statements, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", ft.statements[0])
	assert.Equal(t, "INSERT INTO a VALUES (1)", ft.statements[1])
}

func TestAdapter_AcquireLockFailsWhenSentinelRowExists(t *testing.T) {
	a, sess := newTestAdapter(FlavorDelta)
	ft := sess.transport.(*fakeTransport)
	ft.rows = []transport.Row{{"object_name_before": "some-holder"}}

	_, err := a.AcquireLock(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, swerr.Locked, swerr.KindOf(err))
}

func TestAdapter_FetchRecordsRejectsUnknownStatus(t *testing.T) {
	a, sess := newTestAdapter(FlavorDelta)
	ft := sess.transport.(*fakeTransport)
	ft.rows = []transport.Row{
		{"version_id": float64(1), "status": "BOGUS", "object_type": "table", "object_name_before": "", "object_name_after": "a", "checksum": "x"},
	}

	_, err := a.FetchRecords(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, swerr.CorruptRecord, swerr.KindOf(err))
}

func TestAdapter_UpsertRecordDeletesThenInserts(t *testing.T) {
	a, sess := newTestAdapter(FlavorDelta)
	tx, err := a.Begin(context.Background(), sess)
	require.NoError(t, err)

	rec := migration.RecordedMigration{
		VersionID:        1,
		ObjectType:       "table",
		ObjectNameBefore: "",
		ObjectNameAfter:  "a",
		Status:           migration.StatusApplied,
		Checksum:         "abc",
	}
	require.NoError(t, a.UpsertRecord(context.Background(), tx, rec))

	ft := sess.transport.(*fakeTransport)
	require.Len(t, ft.statements, 2)
	assert.Contains(t, ft.statements[0], "DELETE FROM swellow.records")
	assert.Contains(t, ft.statements[1], "INSERT INTO swellow.records")
}

func TestAdapter_SnapshotEnumeratesTargetDatabaseNotSwellow(t *testing.T) {
	a, sess := newTestAdapter(FlavorIceberg)
	ft := sess.transport.(*fakeTransport)
	ft.rows = []transport.Row{{"tableName": "sightings"}}

	_, err := a.Snapshot(context.Background(), sess)
	require.NoError(t, err)

	require.NotEmpty(t, ft.queries)
	assert.Equal(t, "SHOW TABLES IN bird_watch", ft.queries[0])
	for _, q := range ft.queries {
		assert.NotContains(t, q, "swellow")
	}
}
