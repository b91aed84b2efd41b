// Package spark implements engine.Adapter for Apache Spark reached over
// Spark Connect, shared between the Delta and Iceberg catalog flavors.
// Spark has no multi-statement transactional DDL, so Begin returns a
// no-op Tx and the advisory lock is emulated with a sentinel row rather
// than a native lock primitive.
package spark

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/engine/spark/transport"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

func init() {
	engine.Register(engine.SparkDelta, newFactory(FlavorDelta))
	engine.Register(engine.SparkIceberg, newFactory(FlavorIceberg))
}

// CatalogFlavor distinguishes the two Spark catalog backends the core
// supports; they share every code path except table creation DDL and
// snapshot reconstruction.
type CatalogFlavor string

const (
	FlavorDelta   CatalogFlavor = "delta"
	FlavorIceberg CatalogFlavor = "iceberg"
)

// Adapter is the Spark engine.Adapter, parameterized by catalog flavor.
type Adapter struct {
	flavor CatalogFlavor
}

func newFactory(flavor CatalogFlavor) engine.Factory {
	return func(cfg engine.Config) (engine.Adapter, error) {
		return &Adapter{flavor: flavor}, nil
	}
}

func (a *Adapter) Tag() engine.Tag {
	if a.flavor == FlavorDelta {
		return engine.SparkDelta
	}
	return engine.SparkIceberg
}

func (a *Adapter) SupportsDryRun() bool          { return false }
func (a *Adapter) SupportsTransactionalDDL() bool { return false }

type session struct {
	transport transport.Transport
	database  string
}

func (s *session) Close(ctx context.Context) error { return s.transport.Close(ctx) }

func (a *Adapter) Connect(ctx context.Context, connString string) (engine.Session, error) {
	endpoint, err := transport.ParseEndpoint(connString)
	if err != nil {
		return nil, err
	}

	tr, err := transport.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	// Fail fast: a trivial statement proves the session is reachable.
	if err := tr.ExecuteStatement(ctx, "SELECT 1"); err != nil {
		tr.Close(ctx)
		return nil, swerr.Wrap(swerr.Connectivity, "spark connect session is unreachable", err)
	}

	return &session{transport: tr, database: endpoint.Database}, nil
}

func (a *Adapter) EnsureRecordsSchema(ctx context.Context, sess engine.Session) error {
	s := sess.(*session)

	if err := s.transport.ExecuteStatement(ctx, "CREATE DATABASE IF NOT EXISTS swellow"); err != nil {
		return swerr.Wrap(swerr.Connectivity, "failed to create swellow database", err)
	}

	using := "DELTA"
	if a.flavor == FlavorIceberg {
		using = "ICEBERG"
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS swellow.records (
			version_id          BIGINT,
			object_type         STRING,
			object_name_before  STRING,
			object_name_after   STRING,
			status              STRING,
			checksum            STRING,
			dtm_created_at      TIMESTAMP,
			dtm_updated_at      TIMESTAMP
		) USING %s
	`, using)
	if err := s.transport.ExecuteStatement(ctx, ddl); err != nil {
		return swerr.Wrap(swerr.Connectivity, "failed to create swellow.records", err)
	}
	return nil
}

func (a *Adapter) FetchRecords(ctx context.Context, sess engine.Session) ([]migration.RecordedMigration, error) {
	s := sess.(*session)

	rows, err := s.transport.Query(ctx, "SELECT * FROM swellow.records ORDER BY version_id ASC")
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to fetch swellow.records", err)
	}

	records := make([]migration.RecordedMigration, 0, len(rows))
	for _, row := range rows {
		versionID, _ := toUint64(row["version_id"])
		statusStr, _ := row["status"].(string)

		status, err := parseStatus(statusStr)
		if err != nil {
			return nil, swerr.New(swerr.CorruptRecord,
				fmt.Sprintf("record for version %d has unknown status %q", versionID, statusStr)).
				WithContext("version_id", versionID)
		}

		objectType, _ := row["object_type"].(string)
		nameBefore, _ := row["object_name_before"].(string)
		nameAfter, _ := row["object_name_after"].(string)

		records = append(records, migration.RecordedMigration{
			VersionID:        versionID,
			ObjectType:       objectType,
			ObjectNameBefore: nameBefore,
			ObjectNameAfter:  nameAfter,
			Status:           status,
			Checksum:         fmt.Sprintf("%v", row["checksum"]),
		})
	}
	return records, nil
}

func parseStatus(s string) (migration.Status, error) {
	switch migration.Status(s) {
	case migration.StatusApplied, migration.StatusTested, migration.StatusRolledBack, migration.StatusFailed:
		return migration.Status(s), nil
	default:
		return "", fmt.Errorf("unrecognized status %q", s)
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

// noOpTx is the Tx returned by Begin on an engine without transactional
// DDL. Rollback on it must fail with DryRunUnsupported.
type noOpTx struct {
	sess *session
}

func (t *noOpTx) IsNoOp() bool { return true }

func (a *Adapter) Begin(ctx context.Context, sess engine.Session) (engine.Tx, error) {
	return &noOpTx{sess: sess.(*session)}, nil
}

func (a *Adapter) Commit(ctx context.Context, t engine.Tx) error {
	// A no-op transaction has already had every statement committed as it
	// ran; there is nothing left to flush.
	return nil
}

func (a *Adapter) Rollback(ctx context.Context, t engine.Tx) error {
	return swerr.New(swerr.DryRunUnsupported,
		fmt.Sprintf("%s cannot roll back DDL already applied outside a transaction", a.Tag()))
}

func (a *Adapter) Execute(ctx context.Context, t engine.Tx, sql string) error {
	s := t.(*noOpTx).sess
	for _, stmt := range SplitStatements(sql) {
		if err := s.transport.ExecuteStatement(ctx, stmt); err != nil {
			return swerr.Wrap(swerr.ExecutionFailed, "migration statement failed", err)
		}
	}
	return nil
}

// lockGuard releases the sentinel lock row on Release. Spark has no native
// advisory lock primitive, so the lock is emulated with a row in
// swellow.records keyed by the reserved version_id 0.
type lockGuard struct {
	sess *session
}

func (g *lockGuard) Release(ctx context.Context) error {
	return g.sess.transport.ExecuteStatement(ctx,
		`DELETE FROM swellow.records WHERE version_id = 0 AND object_type = 'lock'`)
}

func (a *Adapter) AcquireLock(ctx context.Context, sess engine.Session) (engine.LockGuard, error) {
	s := sess.(*session)

	rows, err := s.transport.Query(ctx,
		`SELECT * FROM swellow.records WHERE version_id = 0 AND object_type = 'lock'`)
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to check swellow lock sentinel", err)
	}
	if len(rows) > 0 {
		holder, _ := rows[0]["object_name_before"].(string)
		holderSince := fmt.Sprintf("%v", rows[0]["dtm_created_at"])
		return nil, swerr.New(swerr.Locked, "another migrator holds the swellow lock").
			WithContext("holder", holder, "holder_since", holderSince)
	}

	holder := uuid.NewString()
	insertSQL := fmt.Sprintf(
		`INSERT INTO swellow.records VALUES (0, 'lock', '%s', '', 'LOCKED', '', current_timestamp(), current_timestamp())`,
		holder,
	)
	if err := s.transport.ExecuteStatement(ctx, insertSQL); err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to insert swellow lock sentinel", err)
	}

	// Re-read to detect the race where two migrators inserted concurrently;
	// only the row matching this holder's id means the lock is actually ours.
	rows, err = s.transport.Query(ctx,
		`SELECT * FROM swellow.records WHERE version_id = 0 AND object_type = 'lock'`)
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to verify swellow lock sentinel", err)
	}
	if len(rows) != 1 || rows[0]["object_name_before"] != holder {
		return nil, swerr.New(swerr.Locked, "lost the race to acquire the swellow lock")
	}

	return &lockGuard{sess: s}, nil
}

// Snapshot delegates catalog reconstruction to the flavor-specific
// implementation, since Delta and Iceberg expose schema through different
// SQL surfaces (DESCRIBE DETAIL versus SHOW CREATE TABLE). It enumerates
// the session's target database — the schema migrations actually apply
// to — never swellow's own bookkeeping database, which holds nothing but
// the records table and the lock sentinel.
func (a *Adapter) Snapshot(ctx context.Context, sess engine.Session) (string, error) {
	s := sess.(*session)
	tables, err := listTables(ctx, s.transport, s.database)
	if err != nil {
		return "", err
	}

	switch a.flavor {
	case FlavorDelta:
		return snapshotDelta(ctx, s.transport, s.database, tables)
	case FlavorIceberg:
		return snapshotIceberg(ctx, s.transport, s.database, tables)
	default:
		return "", swerr.New(swerr.ArgumentError, fmt.Sprintf("unknown catalog flavor %q", a.flavor))
	}
}

func listTables(ctx context.Context, tr transport.Transport, database string) ([]string, error) {
	rows, err := tr.Query(ctx, fmt.Sprintf("SHOW TABLES IN %s", database))
	if err != nil {
		return nil, swerr.Wrap(swerr.SnapshotFailed, "failed to enumerate tables", err)
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["tableName"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (a *Adapter) UpsertRecord(ctx context.Context, t engine.Tx, record migration.RecordedMigration) error {
	s := t.(*noOpTx).sess
	// Spark's SQL dialect lacks a portable ON CONFLICT clause across Delta
	// and Iceberg, so upsert is expressed as delete-then-insert against the
	// composite key, matching what MERGE INTO would do for a single row.
	deleteSQL := fmt.Sprintf(
		`DELETE FROM swellow.records WHERE version_id = %d AND object_type = '%s' AND object_name_before = '%s' AND object_name_after = '%s'`,
		record.VersionID, record.ObjectType, record.ObjectNameBefore, record.ObjectNameAfter,
	)
	if err := s.transport.ExecuteStatement(ctx, deleteSQL); err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to clear prior migration record", err)
	}

	insertSQL := fmt.Sprintf(
		`INSERT INTO swellow.records VALUES (%d, '%s', '%s', '%s', '%s', '%s', current_timestamp(), current_timestamp())`,
		record.VersionID, record.ObjectType, record.ObjectNameBefore, record.ObjectNameAfter,
		string(record.Status), record.Checksum,
	)
	if err := s.transport.ExecuteStatement(ctx, insertSQL); err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to upsert migration record", err)
	}
	return nil
}
