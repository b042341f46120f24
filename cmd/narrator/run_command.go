package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/app"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/runlog"
	"github.com/spf13/cobra"
)

var (
	errNotAVideo   = errors.New("input is not a supported video file")
	errEmptyScript = errors.New("script file is empty")
)

type runOptions struct {
	output   string
	text     string
	textFile string
	title    string
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <video>",
		Short: "Narrate a video and write the composed result",
		Long: "Describes the video, voices the script phrase by phrase and burns the\n" +
			"subtitles into a copy of the video. With --text or --text-file the given\n" +
			"script is narrated and the description service is not called.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			videoPath := args[0]

			err := checkVideo(videoPath)
			if err != nil {
				return err
			}

			script, err := opts.script()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.withLogger(func(cfg *config.Config, log *logger.Logger) error {
				result, err := narrate(runCtx, cfg, log, videoPath, script, opts)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Narrated video: %s\n", result.OutputPath)

				if result.Title != "" {
					fmt.Fprintf(out, "Title: %s\n", result.Title)
				}

				fmt.Fprintf(out, "Phrases: %d\n", result.Phrases)
				fmt.Fprintf(out, "Duration: %s\n", fsutil.FormatDuration(result.Duration))
				fmt.Fprintf(out, "Run: %s\n", result.RunID)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.output, "out", "o", "", "Output video path (defaults to <video>_narrated.mp4)")
	cmd.Flags().StringVar(&opts.text, "text", "", "Narration script to voice instead of describing the video")
	cmd.Flags().StringVar(&opts.textFile, "text-file", "", "File holding the narration script")
	cmd.Flags().StringVar(&opts.title, "title", "", "Title reported with a supplied script")
	cmd.MarkFlagsMutuallyExclusive("text", "text-file")

	return cmd
}

func (o runOptions) script() (string, error) {
	if o.textFile == "" {
		return o.text, nil
	}

	data, err := os.ReadFile(o.textFile)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: %s", errEmptyScript, o.textFile)
	}

	return string(data), nil
}

func checkVideo(path string) error {
	if !fsutil.IsValidVideoFile(path) {
		return fmt.Errorf("%w: %s", errNotAVideo, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat video: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", errNotAVideo, path)
	}

	return nil
}

func narrate(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	videoPath, script string,
	opts runOptions,
) (pipeline.Result, error) {
	var observers []pipeline.Observer

	if cfg.Runlog.Enabled {
		store, err := runlog.Open(cfg.Runlog.Path, log)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("failed to open run log: %w", err)
		}

		defer func() { _ = store.Close() }()

		observers = append(observers, store)
	}

	components, err := app.Build(cfg, log, observers...)
	if err != nil {
		return pipeline.Result{}, err
	}

	if script != "" {
		description := core.Description{Title: opts.title, Content: script}

		return components.Pipeline.Narrate(ctx, videoPath, description, opts.output)
	}

	return components.Pipeline.Run(ctx, videoPath, opts.output)
}
