package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/book-expert/narration-service/internal/segment"
	"github.com/spf13/cobra"
)

func newSegmentCommand(ctx *commandContext) *cobra.Command {
	var maxChars int

	cmd := &cobra.Command{
		Use:   "segment [text]",
		Short: "Print the phrases a script is voiced as",
		Long:  "Splits the given text, or standard input when no text is given, into phrases.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxChars == 0 {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}

				maxChars = cfg.Pipeline.MaxChars
			}

			segmenter, err := segment.NewSegmenter(maxChars)
			if err != nil {
				return err
			}

			text, err := readText(cmd, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, phrase := range segmenter.Segment(text) {
				fmt.Fprintf(out, "%d\t%s\n", i+1, phrase)
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Maximum phrase length in characters (defaults to pipeline.max_chars)")

	return cmd
}

func readText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}
