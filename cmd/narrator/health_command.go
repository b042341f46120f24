package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/app"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("narration dependencies are unavailable")

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the media tools and the speech service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withLogger(func(cfg *config.Config, log *logger.Logger) error {
				var speech doctor.HealthChecker

				if strings.TrimSpace(cfg.Speech.APIKey) != "" {
					client, err := app.NewSpeechClient(cfg)
					if err != nil {
						return err
					}

					speech = client
				}

				report := app.NewDoctor(cfg, speech, log).Get(cmd.Context())

				if jsonOutput {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")

					err := encoder.Encode(report)
					if err != nil {
						return fmt.Errorf("failed to encode report: %w", err)
					}
				} else {
					printReport(cmd, report)
				}

				if !report.Summary.AllOK {
					return errUnhealthy
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON")

	return cmd
}

func printReport(cmd *cobra.Command, report *doctor.Report) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	rows := make([][]string, 0, len(report.Executables)+1)
	for _, name := range report.Names() {
		rows = append(rows, depRow(colorize, name, report.Executables[name]))
	}

	if report.Speech == nil {
		rows = append(rows, []string{"speech", paint(colorize, text.Colors{text.FgYellow}, "skipped"), "no API key"})
	} else {
		rows = append(rows, depRow(colorize, "speech", *report.Speech))
	}

	fmt.Fprintln(out, renderTable([]string{"Dependency", "Status", "Detail"}, rows, nil))
	fmt.Fprintf(out, "%d/%d available\n", report.Summary.Available, report.Summary.Total)
}

func depRow(colorize bool, name string, info doctor.DepInfo) []string {
	if !info.Available {
		return []string{name, paint(colorize, text.Colors{text.FgRed}, "unavailable"), info.Error}
	}

	return []string{name, paint(colorize, text.Colors{text.FgGreen}, "ok"), info.Path}
}
