package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-normalize/core"
	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "normalize the source table in one transaction",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "run every checkpoint, then roll back instead of committing",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(rt *runtime) error {
				result, err := rt.service.Migrate(ctx, core.MigrateRequest{DryRun: cmd.Bool("dry-run")})
				printMigration(cmd.Root().Writer, result)
				if err != nil {
					return err
				}
				if result.State != core.StateCommitted && !result.DryRun {
					return errRunAborted
				}
				return nil
			})
		},
	}
}

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "restore the source table from the backup of the latest committed run",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "confirm",
				Usage: "required: rollback drops the normalized tables",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("confirm") {
				return core.ConfigurationError(fmt.Errorf("rollback requires --confirm"))
			}
			return withRuntime(ctx, cmd, func(rt *runtime) error {
				result, err := rt.service.Rollback(ctx, core.RollbackRequest{Confirm: true})
				printRollback(cmd.Root().Writer, result)
				if err != nil {
					return err
				}
				if result.State != core.StateRolledBack {
					return errRunAborted
				}
				return nil
			})
		},
	}
}

func preflightCommand() *cli.Command {
	return &cli.Command{
		Name:  "preflight",
		Usage: "inspect the source table and report what a migrate run would do",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(rt *runtime) error {
				result, err := rt.service.Preflight(ctx)
				if err != nil {
					return err
				}
				printPreflight(cmd.Root().Writer, result)
				return nil
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "list recent runs from the run ledger",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of runs to show",
				Value: 10,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(ctx, cmd, func(rt *runtime) error {
				runs, err := rt.service.ListRuns(ctx, int(cmd.Int("limit")))
				if err != nil {
					return err
				}
				printRuns(cmd.Root().Writer, runs)
				return nil
			})
		},
	}
}

func withRuntime(ctx context.Context, cmd *cli.Command, fn func(*runtime) error) error {
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	runErr := fn(rt)
	if err := rt.flushMetrics(cmd); err != nil {
		rt.logger.Warn("metrics textfile not written", "error", err.Error())
	}
	return runErr
}

func printMigration(w io.Writer, result core.MigrationResult) {
	if result.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run:     %s\n", result.RunID)
	fmt.Fprintf(w, "mode:    %s\n", result.Mode)
	fmt.Fprintf(w, "state:   %s\n", result.State)
	if result.DryRun {
		fmt.Fprintln(w, "dry run: changes rolled back")
	}
	fmt.Fprintf(w, "history: %s\n", joinStates(result.History))
	printCounts(w, result.ServiceCounts)
	for _, edge := range result.SkippedEdges {
		fmt.Fprintf(w, "skipped: %s.%s\n", edge.Table, edge.Name)
	}
	printWarnings(w, result.Warnings)
}

func printRollback(w io.Writer, result core.RollbackResult) {
	if result.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run:      %s\n", result.RunID)
	fmt.Fprintf(w, "state:    %s\n", result.State)
	fmt.Fprintf(w, "restored: %d rows\n", result.RestoredRows)
	for _, edge := range result.SkippedEdges {
		fmt.Fprintf(w, "skipped:  %s.%s\n", edge.Table, edge.Name)
	}
}

func printPreflight(w io.Writer, result core.PreflightResult) {
	fmt.Fprintf(w, "engine:  %s\n", result.Version)
	fmt.Fprintf(w, "mode:    %s\n", result.Mode)
	fmt.Fprintf(w, "read:    %s (%d rows)\n", result.ReadTable, result.SourceRows)
	fmt.Fprintf(w, "backup:  %t\n", result.BackupExists)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tELIGIBLE\tTRANSIENT\tPARTIAL")
	for _, stats := range result.Mappings {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", stats.ServiceID, stats.Eligible, stats.TransientOnly, stats.PartiallyEligible)
	}
	_ = tw.Flush()

	for _, edge := range result.Edges {
		fmt.Fprintf(w, "dependent: %s.%s\n", edge.Table, edge.Name)
	}
	printWarnings(w, result.Warnings)
}

func printRuns(w io.Writer, runs []core.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTATUS\tSTATE\tROWS\tSTARTED\tERROR")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID, run.Mode, run.Status, run.State, run.SourceRows,
			run.StartedAt.UTC().Format(time.RFC3339), run.Error)
	}
	_ = tw.Flush()
}

func printCounts(w io.Writer, counts map[string]int) {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "service: %s=%d\n", id, counts[id])
	}
}

func printWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func joinStates(states []core.State) string {
	parts := make([]string, len(states))
	for i, state := range states {
		parts[i] = string(state)
	}
	return strings.Join(parts, " > ")
}
