package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/runlog"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recent narration runs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLogger(func(cfg *config.Config, log *logger.Logger) error {
				store, err := runlog.Open(cfg.Runlog.Path, log)
				if err != nil {
					return fmt.Errorf("failed to open run log: %w", err)
				}

				defer func() { _ = store.Close() }()

				var runs []runlog.Run

				if len(args) == 1 {
					run, getErr := store.Get(cmd.Context(), args[0])
					if getErr != nil {
						return getErr
					}

					runs = []runlog.Run{run}
				} else {
					runs, err = store.Recent(cmd.Context(), limit)
					if err != nil {
						return err
					}
				}

				return printRuns(cmd, runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")

	return cmd
}

func printRuns(cmd *cobra.Command, runs []runlog.Run) error {
	out := cmd.OutOrStdout()

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")

		return nil
	}

	colorize := shouldColorize(out)

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			paint(colorize, stateColors(run.State), string(run.State)),
			run.StartedAt.Local().Format(time.DateTime),
			strconv.Itoa(run.Phrases),
			fsutil.FormatDuration(run.Duration),
			run.Title,
			run.Error,
		})
	}

	_, err := fmt.Fprintln(out, renderTable(
		[]string{"Run", "State", "Started", "Phrases", "Duration", "Title", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	if err != nil {
		return fmt.Errorf("failed to write runs: %w", err)
	}

	return nil
}

func stateColors(state core.State) text.Colors {
	switch state {
	case core.StateDone:
		return text.Colors{text.FgGreen}
	case core.StateFailed:
		return text.Colors{text.FgRed}
	default:
		return text.Colors{text.FgYellow}
	}
}
