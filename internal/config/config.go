// Package config resolves the CLI's global options through the precedence
// chain documented for the command surface: an explicit flag wins, then
// the matching environment variable, then a built-in default. It is a thin
// layer over viper bound to the root command's flag set.
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved set of global options every command reads.
type Config struct {
	ConnString  string
	Dir         string
	Engine      string
	IgnoreLocks bool
	Verbosity   int
	Quiet       bool
	JSON        bool
}

// Bind registers the flag names, their env var overrides, and defaults on
// v, and binds them to flags, matching spec.md §6.1's option table.
func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetDefault("engine", "postgres")
	v.SetDefault("dir", "./migrations")

	if err := v.BindPFlag("db", flags.Lookup("db")); err != nil {
		return err
	}
	if err := v.BindPFlag("dir", flags.Lookup("dir")); err != nil {
		return err
	}
	if err := v.BindPFlag("engine", flags.Lookup("engine")); err != nil {
		return err
	}
	if err := v.BindPFlag("ignore-locks", flags.Lookup("ignore-locks")); err != nil {
		return err
	}

	if err := v.BindEnv("db", "DB_CONNECTION_STRING"); err != nil {
		return err
	}
	if err := v.BindEnv("dir", "MIGRATION_DIRECTORY"); err != nil {
		return err
	}
	if err := v.BindEnv("engine", "ENGINE"); err != nil {
		return err
	}

	return nil
}

// Load reads the bound values plus the logging flags, which are read
// directly off the flag set rather than through viper since they have no
// environment-variable overrides in the CLI surface.
func Load(v *viper.Viper, flags *pflag.FlagSet) (Config, error) {
	verbosity, err := flags.GetCount("verbose")
	if err != nil {
		return Config{}, err
	}
	quiet, err := flags.GetBool("quiet")
	if err != nil {
		return Config{}, err
	}
	jsonOutput, err := flags.GetBool("json")
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConnString:  v.GetString("db"),
		Dir:         v.GetString("dir"),
		Engine:      v.GetString("engine"),
		IgnoreLocks: v.GetBool("ignore-locks"),
		Verbosity:   verbosity,
		Quiet:       quiet,
		JSON:        jsonOutput,
	}, nil
}
