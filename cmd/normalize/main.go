// Command normalize runs the users table normalization and its rollback
// against one database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-normalize/core"
	"github.com/urfave/cli/v3"
)

const (
	exitOK      = 0
	exitAborted = 1
	exitConfig  = 2
)

// version is injected by the build.
var version = "dev"

var errRunAborted = errors.New("run did not reach its terminal success state")

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "YAML configuration file",
		Sources: cli.EnvVars("NORMALIZE_CONFIG"),
	},
	&cli.StringFlag{
		Name:    "driver",
		Usage:   "database driver: postgres, pgx or sqlite3",
		Sources: cli.EnvVars("NORMALIZE_DB_DRIVER"),
	},
	&cli.StringFlag{
		Name:    "dsn",
		Usage:   "database connection string",
		Sources: cli.EnvVars("NORMALIZE_DB_DSN"),
	},
	&cli.BoolFlag{
		Name:    "debug",
		Usage:   "log every SQL statement",
		Sources: cli.EnvVars("NORMALIZE_DEBUG"),
	},
	&cli.StringFlag{
		Name:    "metrics-file",
		Usage:   "write step metrics to this Prometheus textfile after the command",
		Sources: cli.EnvVars("NORMALIZE_METRICS_FILE"),
	},
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "normalize",
		Usage:     "split credential columns of the users table into a service catalog and integrations",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags,
		Commands: []*cli.Command{
			migrateCommand(),
			rollbackCommand(),
			preflightCommand(),
			statusCommand(),
		},
	}
}

// exitCode maps a command error to the process status: configuration
// problems are 2, any other failure or aborted run is 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case core.IsConfigurationError(err):
		return exitConfig
	default:
		return exitAborted
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "normalize: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}
