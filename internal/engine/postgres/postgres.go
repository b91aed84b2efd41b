// Package postgres implements the engine.Adapter contract against a real
// PostgreSQL server: gorm.io/gorm over gorm.io/driver/postgres for pooled
// connections and simple-query submission, pg_try_advisory_lock for the
// cross-process mutex, and the external pg_dump binary for snapshotting.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os/exec"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/swerr"
)

func init() {
	engine.Register(engine.Postgres, New)
}

// advisoryLockKey is the fixed constant every migrator locks on, derived
// once from the string "swellow migrator lock" the same way a human would
// pick a memorable pg_try_advisory_lock key.
var advisoryLockKey = func() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("swellow migrator lock"))
	return int64(h.Sum64() >> 1) // keep it in the positive bigint range
}()

// Adapter is the PostgreSQL engine.Adapter.
type Adapter struct {
	connString string
}

// New constructs the PostgreSQL adapter. It satisfies engine.Factory.
func New(cfg engine.Config) (engine.Adapter, error) {
	return &Adapter{connString: cfg.ConnString}, nil
}

func (a *Adapter) Tag() engine.Tag { return engine.Postgres }

func (a *Adapter) SupportsDryRun() bool          { return true }
func (a *Adapter) SupportsTransactionalDDL() bool { return true }

// session wraps the pooled *gorm.DB and the connection string pg_dump is
// given. The advisory lock checks out its own dedicated *sql.Conn from the
// pool (see lockGuard), since pg_try_advisory_lock is scoped to the backend
// connection that took it.
type session struct {
	db         *gorm.DB
	connString string
}

func (s *session) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *Adapter) Connect(ctx context.Context, connString string) (engine.Session, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  connString,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to connect to postgres", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to obtain sql.DB handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "postgres is unreachable", err)
	}

	a.connString = connString
	return &session{db: db.WithContext(ctx), connString: connString}, nil
}

func (a *Adapter) EnsureRecordsSchema(ctx context.Context, sess engine.Session) error {
	db := sess.(*session).db.WithContext(ctx)

	if err := db.Exec(`CREATE SCHEMA IF NOT EXISTS swellow`).Error; err != nil {
		return swerr.Wrap(swerr.Connectivity, "failed to create swellow schema", err)
	}

	err := db.Exec(`
		CREATE TABLE IF NOT EXISTS swellow.records (
			version_id          BIGINT NOT NULL,
			object_type         TEXT NOT NULL,
			object_name_before  TEXT NOT NULL,
			object_name_after   TEXT NOT NULL,
			status              TEXT NOT NULL,
			checksum            TEXT NOT NULL,
			dtm_created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			dtm_updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (version_id, object_type, object_name_before, object_name_after)
		)
	`).Error
	if err != nil {
		return swerr.Wrap(swerr.Connectivity, "failed to create swellow.records", err)
	}
	return nil
}

type recordRow struct {
	VersionID        int64  `gorm:"column:version_id"`
	ObjectType       string `gorm:"column:object_type"`
	ObjectNameBefore string `gorm:"column:object_name_before"`
	ObjectNameAfter  string `gorm:"column:object_name_after"`
	Status           string `gorm:"column:status"`
	Checksum         string `gorm:"column:checksum"`
}

func (recordRow) TableName() string { return "swellow.records" }

func (a *Adapter) FetchRecords(ctx context.Context, sess engine.Session) ([]migration.RecordedMigration, error) {
	db := sess.(*session).db.WithContext(ctx)

	var rows []recordRow
	if err := db.Order("version_id ASC").Find(&rows).Error; err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to fetch swellow.records", err)
	}

	records := make([]migration.RecordedMigration, 0, len(rows))
	for _, row := range rows {
		status, err := parseStatus(row.Status)
		if err != nil {
			return nil, swerr.New(swerr.CorruptRecord,
				fmt.Sprintf("record for version %d has unknown status %q", row.VersionID, row.Status)).
				WithContext("version_id", row.VersionID)
		}
		records = append(records, migration.RecordedMigration{
			VersionID:        uint64(row.VersionID),
			ObjectType:       row.ObjectType,
			ObjectNameBefore: row.ObjectNameBefore,
			ObjectNameAfter:  row.ObjectNameAfter,
			Status:           status,
			Checksum:         row.Checksum,
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

// tx wraps a real gorm transaction; PostgreSQL always supports
// transactional DDL, so it is never a no-op.
type tx struct {
	db *gorm.DB
}

func (t *tx) IsNoOp() bool { return false }

func (a *Adapter) Begin(ctx context.Context, sess engine.Session) (engine.Tx, error) {
	db := sess.(*session).db.WithContext(ctx).Begin()
	if db.Error != nil {
		return nil, swerr.Wrap(swerr.ExecutionFailed, "failed to begin transaction", db.Error)
	}
	return &tx{db: db}, nil
}

func (a *Adapter) Commit(ctx context.Context, t engine.Tx) error {
	pgTx := t.(*tx)
	if err := pgTx.db.Commit().Error; err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to commit transaction", err)
	}
	return nil
}

func (a *Adapter) Rollback(ctx context.Context, t engine.Tx) error {
	pgTx := t.(*tx)
	if err := pgTx.db.Rollback().Error; err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to roll back transaction", err)
	}
	return nil
}

// Execute submits sql as a single simple-query message, matching
// PreferSimpleProtocol so multi-statement scripts run in one round trip.
func (a *Adapter) Execute(ctx context.Context, t engine.Tx, sql string) error {
	pgTx := t.(*tx)
	if err := pgTx.db.WithContext(ctx).Exec(sql).Error; err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "migration script failed", err)
	}
	return nil
}

// lockGuard releases the advisory lock on the exact backend connection
// that acquired it.
type lockGuard struct {
	conn *sql.Conn
}

func (g *lockGuard) Release(ctx context.Context) error {
	defer g.conn.Close()
	_, err := g.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	return err
}

func (a *Adapter) AcquireLock(ctx context.Context, sess engine.Session) (engine.LockGuard, error) {
	sqlDB, err := sess.(*session).db.DB()
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to obtain sql.DB handle", err)
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, swerr.Wrap(swerr.Connectivity, "failed to check out a dedicated connection", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, swerr.Wrap(swerr.Connectivity, "failed to evaluate pg_try_advisory_lock", err)
	}
	if !acquired {
		holderPID, holderSince := lookupLockHolder(ctx, conn)
		conn.Close()
		return nil, swerr.New(swerr.Locked, "another migrator holds the swellow advisory lock").
			WithContext("holder_pid", holderPID, "holder_since", holderSince)
	}

	return &lockGuard{conn: conn}, nil
}

// lookupLockHolder identifies the backend currently holding advisoryLockKey
// and, best effort, when it started the statement that took the lock.
// pg_advisory_lock's single bigint-key form stores the key's high 32 bits
// as classid and low 32 bits as objid with objsubid 1, per Postgres's own
// SET_LOCKTAG_ADVISORY convention; pg_locks carries no lock-grant
// timestamp, so query_start is the closest available proxy.
func lookupLockHolder(ctx context.Context, conn *sql.Conn) (int64, string) {
	var pid int64
	var queryStart sql.NullTime
	err := conn.QueryRowContext(ctx, `
		SELECT a.pid, a.query_start
		FROM pg_locks l
		JOIN pg_stat_activity a ON a.pid = l.pid
		WHERE l.locktype = 'advisory'
		  AND l.objsubid = 1
		  AND l.classid = ($1::bigint >> 32)::int
		  AND l.objid = ($1::bigint & 4294967295)::int
		LIMIT 1
	`, advisoryLockKey).Scan(&pid, &queryStart)
	if err != nil {
		return 0, ""
	}
	if queryStart.Valid {
		return pid, queryStart.Time.Format(time.RFC3339)
	}
	return pid, ""
}

func (a *Adapter) UpsertRecord(ctx context.Context, t engine.Tx, record migration.RecordedMigration) error {
	pgTx := t.(*tx)
	err := pgTx.db.WithContext(ctx).Exec(`
		INSERT INTO swellow.records (
			version_id, object_type, object_name_before, object_name_after, status, checksum, dtm_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (version_id, object_type, object_name_before, object_name_after)
		DO UPDATE SET status = EXCLUDED.status, checksum = EXCLUDED.checksum, dtm_updated_at = now()
	`, record.VersionID, record.ObjectType, record.ObjectNameBefore, record.ObjectNameAfter,
		string(record.Status), record.Checksum).Error
	if err != nil {
		return swerr.Wrap(swerr.ExecutionFailed, "failed to upsert migration record", err)
	}
	return nil
}

// Snapshot shells out to pg_dump --schema-only, matching the teacher's use
// of external commands for operations the driver itself cannot express.
func (a *Adapter) Snapshot(ctx context.Context, sess engine.Session) (string, error) {
	connString := sess.(*session).connString
	cmd := exec.CommandContext(ctx, "pg_dump", "--schema-only", "--no-owner", "--no-privileges", connString)
	out, err := cmd.Output()
	if err != nil {
		return "", swerr.Wrap(swerr.SnapshotFailed, "pg_dump failed", err)
	}
	return string(out), nil
}
