package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	swconfig "github.com/swellow-db/swellow/internal/config"
	"github.com/swellow-db/swellow/internal/engine"
	"github.com/swellow-db/swellow/internal/executor"
	"github.com/swellow-db/swellow/internal/loader"
	"github.com/swellow-db/swellow/internal/logging"
	"github.com/swellow-db/swellow/internal/migration"
	"github.com/swellow-db/swellow/internal/planner"
	"github.com/swellow-db/swellow/internal/records"
	"github.com/swellow-db/swellow/internal/snapshot"
	"github.com/swellow-db/swellow/internal/swerr"
)

// commandContext bundles the resolved config, logger, adapter, and open
// session every command needs; built once per invocation and torn down by
// the caller's defer.
type commandContext struct {
	cfg     swconfig.Config
	log     *zap.Logger
	adapter engine.Adapter
	sess    engine.Session
	store   *records.Store
}

func bootstrap(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (*commandContext, error) {
	cfg, err := swconfig.Load(v, cmd.Flags())
	if err != nil {
		return nil, swerr.Wrap(swerr.ArgumentError, "failed to load configuration", err)
	}
	if cfg.ConnString == "" {
		return nil, swerr.New(swerr.ArgumentError, "no connection string; pass --db or set DB_CONNECTION_STRING")
	}

	log, err := logging.New(cfg.Verbosity, cfg.Quiet, cfg.JSON)
	if err != nil {
		return nil, swerr.Wrap(swerr.ArgumentError, "failed to construct logger", err)
	}

	if cfg.IgnoreLocks {
		log.Warn("advisory lock acquisition bypassed via --ignore-locks")
	}

	adapter, err := engine.Open(engine.Tag(cfg.Engine), engine.Config{ConnString: cfg.ConnString, IgnoreLocks: cfg.IgnoreLocks})
	if err != nil {
		return nil, err
	}

	sess, err := adapter.Connect(ctx, cfg.ConnString)
	if err != nil {
		return nil, err
	}

	if err := adapter.EnsureRecordsSchema(ctx, sess); err != nil {
		sess.Close(ctx)
		return nil, err
	}

	recs, err := adapter.FetchRecords(ctx, sess)
	if err != nil {
		sess.Close(ctx)
		return nil, err
	}

	return &commandContext{cfg: cfg, log: log, adapter: adapter, sess: sess, store: records.New(recs)}, nil
}

func (c *commandContext) close(ctx context.Context) {
	_ = c.log.Sync()
	_ = c.sess.Close(ctx)
}

// warnPartialApplyRisk attaches a PartialApply diagnostic to the plan when
// the adapter has no transactional DDL: a crash between a step's DDL commit
// and its records upsert leaves the schema changed with nothing recorded,
// and the operator needs that risk surfaced before execution, not after.
func warnPartialApplyRisk(plan *migration.Plan, adapter engine.Adapter) {
	if plan.IsEmpty() || adapter.SupportsTransactionalDDL() {
		return
	}
	plan.Diagnostics = append(plan.Diagnostics, migration.Diagnostic{
		Kind: migration.DiagnosticPartialApply,
		Message: fmt.Sprintf("%s has no transactional DDL; a crash between a step's schema change and its record commit leaves the two out of sync", adapter.Tag()),
	})
}

// logDiagnostics reports every diagnostic attached to a plan at warn level,
// tagged with its kind so breaking-change, orphan-record, and PartialApply
// warnings are distinguishable in log output.
func logDiagnostics(log *zap.Logger, plan migration.Plan) {
	for _, d := range plan.Diagnostics {
		log.Warn("plan diagnostic", zap.String("kind", d.Kind), zap.Uint64("version_id", d.VersionID), zap.String("message", d.Message))
	}
}

// report renders a command's outcome, either as the --json envelope or as
// plain text, and returns err unchanged so cobra can map it to an exit
// code without printing it again.
func report(cfg swconfig.Config, command string, data any, err error) error {
	if cfg.JSON {
		envelope := swerr.NewEnvelope(command, data, err)
		out, marshalErr := json.Marshal(envelope)
		if marshalErr != nil {
			fmt.Fprintln(os.Stderr, marshalErr)
			return err
		}
		fmt.Println(string(out))
		return err
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		return err
	}
	if data != nil {
		fmt.Printf("%s: %+v\n", command, data)
	} else {
		fmt.Printf("%s: ok\n", command)
	}
	return nil
}

func newPeckCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "peck",
		Short: "connect and ensure the records schema exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			c, err := bootstrap(ctx, cmd, v)
			if err != nil {
				return report(loadConfigOrZero(v, cmd), "peck", nil, err)
			}
			defer c.close(ctx)
			return report(c.cfg, "peck", nil, nil)
		},
	}
}

func newUpCommand(v *viper.Viper) *cobra.Command {
	var targetVersion uint64
	var hasTarget bool
	var currentVersion uint64
	var hasCurrentVersion bool
	var planOnly bool
	var dryRun bool
	var noTransaction bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "apply pending migrations forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if dryRun && noTransaction {
				return report(loadConfigOrZero(v, cmd), "up", nil,
					swerr.New(swerr.ArgumentError, "--dry-run and --no-transaction are mutually exclusive"))
			}

			c, err := bootstrap(ctx, cmd, v)
			if err != nil {
				return report(loadConfigOrZero(v, cmd), "up", nil, err)
			}
			defer c.close(ctx)

			if hasCurrentVersion {
				if err := applyCurrentVersionOverride(ctx, c, currentVersion); err != nil {
					return report(c.cfg, "up", nil, err)
				}
			}

			locals, err := loader.Load(c.cfg.Dir)
			if err != nil {
				return report(c.cfg, "up", nil, err)
			}

			var target *uint64
			if hasTarget {
				target = &targetVersion
			}

			plan, err := planner.Plan(planner.Request{
				Locals:        locals,
				Store:         c.store,
				Direction:     migration.Up,
				TargetVersion: target,
			})
			if err != nil {
				return report(c.cfg, "up", nil, err)
			}

			mode := migration.ModeExecute
			switch {
			case planOnly:
				mode = migration.ModePlanOnly
			case dryRun:
				mode = migration.ModeDryRun
			}
			plan.Mode = mode

			warnPartialApplyRisk(&plan, c.adapter)
			logDiagnostics(c.log, plan)

			if planOnly {
				return report(c.cfg, "up", plan, nil)
			}

			result, err := executor.Run(ctx, c.adapter, c.sess, plan, executor.Options{
				IgnoreLocks:   c.cfg.IgnoreLocks,
				NoTransaction: noTransaction,
			})
			return report(c.cfg, "up", result, err)
		},
	}

	cmd.Flags().Uint64Var(&targetVersion, "target-version-id", 0, "target version; defaults to the highest available")
	cmd.Flags().Uint64Var(&currentVersion, "current-version-id", 0, "declare the database's current version, overriding the records table, before planning")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "print the plan without touching the database")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute and roll back every step; requires engine support")
	cmd.Flags().BoolVar(&noTransaction, "no-transaction", false, "commit each step's SQL in its own transaction, separately from its record")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hasTarget = cmd.Flags().Changed("target-version-id")
		hasCurrentVersion = cmd.Flags().Changed("current-version-id")
		return nil
	}

	return cmd
}

func newDownCommand(v *viper.Viper) *cobra.Command {
	var targetVersion uint64
	var currentVersion uint64
	var hasCurrentVersion bool
	var planOnly bool
	var noTransaction bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "roll migrations back to a target version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, err := bootstrap(ctx, cmd, v)
			if err != nil {
				return report(loadConfigOrZero(v, cmd), "down", nil, err)
			}
			defer c.close(ctx)

			if hasCurrentVersion {
				if err := applyCurrentVersionOverride(ctx, c, currentVersion); err != nil {
					return report(c.cfg, "down", nil, err)
				}
			}

			locals, err := loader.Load(c.cfg.Dir)
			if err != nil {
				return report(c.cfg, "down", nil, err)
			}

			target := targetVersion
			plan, err := planner.Plan(planner.Request{
				Locals:        locals,
				Store:         c.store,
				Direction:     migration.Down,
				TargetVersion: &target,
			})
			if err != nil {
				return report(c.cfg, "down", nil, err)
			}

			if planOnly {
				plan.Mode = migration.ModePlanOnly
				warnPartialApplyRisk(&plan, c.adapter)
				return report(c.cfg, "down", plan, nil)
			}
			plan.Mode = migration.ModeExecute

			warnPartialApplyRisk(&plan, c.adapter)
			logDiagnostics(c.log, plan)

			result, err := executor.Run(ctx, c.adapter, c.sess, plan, executor.Options{
				IgnoreLocks:   c.cfg.IgnoreLocks,
				NoTransaction: noTransaction,
			})
			return report(c.cfg, "down", result, err)
		},
	}

	cmd.Flags().Uint64Var(&targetVersion, "target-version-id", 0, "target version to roll back to")
	cmd.Flags().Uint64Var(&currentVersion, "current-version-id", 0, "declare the database's current version, overriding the records table, before planning")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "print the plan without touching the database")
	cmd.Flags().BoolVar(&noTransaction, "no-transaction", false, "commit each step's SQL in its own transaction, separately from its record")
	_ = cmd.MarkFlagRequired("target-version-id")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hasCurrentVersion = cmd.Flags().Changed("current-version-id")
		return nil
	}

	return cmd
}

func newSnapshotCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "capture the current schema as a new migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, err := bootstrap(ctx, cmd, v)
			if err != nil {
				return report(loadConfigOrZero(v, cmd), "snapshot", nil, err)
			}
			defer c.close(ctx)

			target, err := snapshot.Run(ctx, c.adapter, c.sess, c.store, c.cfg.Dir)
			return report(c.cfg, "snapshot", target, err)
		},
	}
}

// noOpLockGuard is used to bypass advisory lock acquisition for the
// current-version-id override under --ignore-locks, matching the
// executor's own handling of that flag.
type noOpLockGuard struct{}

func (noOpLockGuard) Release(ctx context.Context) error { return nil }

// applyCurrentVersionOverride backs --current-version-id: it declares the
// database's current version explicitly, under the advisory lock, by
// marking every active record above version FAILED, then refreshes c.store
// so planning proceeds against the adjusted state.
func applyCurrentVersionOverride(ctx context.Context, c *commandContext, version uint64) error {
	var lock engine.LockGuard
	if c.cfg.IgnoreLocks {
		lock = noOpLockGuard{}
	} else {
		acquired, err := c.adapter.AcquireLock(ctx, c.sess)
		if err != nil {
			return err
		}
		lock = acquired
	}
	defer lock.Release(ctx)

	tx, err := c.adapter.Begin(ctx, c.sess)
	if err != nil {
		return err
	}
	if err := records.DisableAbove(ctx, c.adapter, tx, c.store, version); err != nil {
		_ = c.adapter.Rollback(ctx, tx)
		return err
	}
	if err := c.adapter.Commit(ctx, tx); err != nil {
		return err
	}

	recs, err := c.adapter.FetchRecords(ctx, c.sess)
	if err != nil {
		return err
	}
	c.store = records.New(recs)
	return nil
}

// loadConfigOrZero tolerates a bootstrap failure that happened before
// config resolution itself could complete, so report() still has a
// best-effort JSON flag to honor.
func loadConfigOrZero(v *viper.Viper, cmd *cobra.Command) swconfig.Config {
	cfg, err := swconfig.Load(v, cmd.Flags())
	if err != nil {
		return swconfig.Config{}
	}
	return cfg
}
