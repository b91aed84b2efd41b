// Command swellow is the CLI entrypoint: connect, ensure the records
// schema, plan, execute, and snapshot, against whichever engine --engine
// selects.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	swconfig "github.com/swellow-db/swellow/internal/config"
	"github.com/swellow-db/swellow/internal/swerr"

	_ "github.com/swellow-db/swellow/internal/engine/postgres"
	_ "github.com/swellow-db/swellow/internal/engine/spark"
)

func main() {
	os.Exit(run())
}

func run() int {
	v := viper.New()
	root := newRootCommand(v)

	err := root.Execute()
	return swerr.ExitCode(err)
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "swellow",
		Short:         "SQL-first schema migration engine for PostgreSQL and Spark",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("db", "", "connection string (env DB_CONNECTION_STRING)")
	flags.String("dir", "", "migrations directory (env MIGRATION_DIRECTORY)")
	flags.String("engine", "", "postgres, spark-delta, or spark-iceberg (env ENGINE)")
	flags.CountP("verbose", "v", "raise log level to DEBUG; -vv is accepted and also DEBUG")
	flags.BoolP("quiet", "q", false, "silence all but errors; overrides -v")
	flags.Bool("json", false, "emit a single machine-readable JSON envelope")
	flags.Bool("ignore-locks", false, "bypass advisory lock acquisition")

	if err := swconfig.Bind(v, flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(newPeckCommand(v))
	root.AddCommand(newUpCommand(v))
	root.AddCommand(newDownCommand(v))
	root.AddCommand(newSnapshotCommand(v))

	return root
}
