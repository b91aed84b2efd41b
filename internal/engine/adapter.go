// Package engine defines the narrow, backend-agnostic contract the rest of
// the core depends on: a Session that can execute SQL inside or outside a
// transaction, a lock that serializes migrators, and a snapshot. Concrete
// backends (postgres, spark) live in sibling packages and are selected at
// startup through a flat dispatch table — the set of engines is closed and
// small, so no inheritance hierarchy is warranted.
package engine

import (
	"context"

	"github.com/swellow-db/swellow/internal/migration"
)

// Tag identifies a backend by its CLI/config name.
type Tag string

const (
	Postgres     Tag = "postgres"
	SparkDelta   Tag = "spark-delta"
	SparkIceberg Tag = "spark-iceberg"
)

// Session is a live, authenticated connection to the target database.
type Session interface {
	Close(ctx context.Context) error
}

// Tx is a unit of transactional work. NoOpTx implementations (used by
// engines without transactional DDL) report IsNoOp() true; Rollback on a
// no-op transaction must fail with DryRunUnsupported.
type Tx interface {
	IsNoOp() bool
}

// LockGuard is the sole cross-process mutex, held for the lifetime of one
// command. Release must be safe to call more than once and on all exit
// paths, including a recovered panic.
type LockGuard interface {
	Release(ctx context.Context) error
}

// Adapter is the per-backend implementation of the database contract. It
// is the only surface the planner and executor depend on.
type Adapter interface {
	Tag() Tag

	// Connect establishes authentication and reachability. It must fail
	// fast with Connectivity if the target is unreachable.
	Connect(ctx context.Context, connString string) (Session, error)

	// EnsureRecordsSchema creates schema swellow and table swellow.records
	// if absent. Idempotent: two processes racing this must both succeed.
	EnsureRecordsSchema(ctx context.Context, sess Session) error

	FetchRecords(ctx context.Context, sess Session) ([]migration.RecordedMigration, error)

	Begin(ctx context.Context, sess Session) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error

	// Execute submits one migration script, possibly containing multiple
	// statements, using the engine-native submission strategy.
	Execute(ctx context.Context, tx Tx, sql string) error

	// AcquireLock obtains the process-wide advisory lock. Acquisition is
	// non-blocking: it fails immediately with Locked if another holder
	// exists.
	AcquireLock(ctx context.Context, sess Session) (LockGuard, error)

	UpsertRecord(ctx context.Context, tx Tx, record migration.RecordedMigration) error

	// Snapshot produces SQL that recreates the current schema.
	Snapshot(ctx context.Context, sess Session) (string, error)

	// SupportsDryRun reports whether a transaction started by this
	// adapter can be rolled back after DDL has run inside it.
	SupportsDryRun() bool

	// SupportsTransactionalDDL reports whether Begin/Commit/Rollback wrap
	// real, multi-statement transactional DDL rather than a NoOpTx.
	SupportsTransactionalDDL() bool
}

// Config carries the connection parameters common to every backend plus
// the operator overrides. Neither backend reads IgnoreLocks; lock bypass
// is done by the callers that would otherwise call AcquireLock.
type Config struct {
	ConnString  string
	IgnoreLocks bool
}

// Factory constructs an Adapter for a given Tag. Backends register
// themselves in the package-level registry via Register.
type Factory func(cfg Config) (Adapter, error)

var registry = map[Tag]Factory{}

// Register adds a backend constructor to the dispatch table. Called from
// each backend package's init().
func Register(tag Tag, factory Factory) {
	registry[tag] = factory
}

// Open builds the Adapter for tag, or an ArgumentError if tag is unknown.
func Open(tag Tag, cfg Config) (Adapter, error) {
	factory, ok := registry[tag]
	if !ok {
		return nil, unknownEngine(tag)
	}
	return factory(cfg)
}
