package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
)

// DefaultSubtitleStyle is the libass force_style used when none is configured.
const DefaultSubtitleStyle = "FontName=Arial,FontSize=18,PrimaryColour=&HFFFFFF," +
	"BorderStyle=3,BackColour=&H80000000,Shadow=0,MarginV=25"

// Default video encoding for the composed output.
const (
	DefaultVideoCodec = "libx264"
	DefaultCRF        = 23
	DefaultPreset     = "fast"
	DefaultAudioCodec = "aac"
)

// CompositeRequest names the inputs and output of one composition.
type CompositeRequest struct {
	VideoPath    string
	AudioPath    string
	SubtitlePath string
	OutputPath   string
}

// Validate checks that every input exists and is not empty.
func (r CompositeRequest) Validate() error {
	for _, input := range []string{r.VideoPath, r.AudioPath, r.SubtitlePath} {
		err := fsutil.NonEmptyFile(input)
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrComposition, err)
		}
	}

	if strings.TrimSpace(r.OutputPath) == "" {
		return fmt.Errorf("%w: output path: %w", core.ErrComposition, fsutil.ErrPathEmpty)
	}

	return nil
}

// VideoSettings controls how the composed video is encoded.
type VideoSettings struct {
	VideoCodec    string
	Preset        string
	AudioCodec    string
	SubtitleStyle string
	CRF           int
}

// DefaultVideoSettings returns the encoding used by the narration pipeline.
func DefaultVideoSettings() VideoSettings {
	return VideoSettings{
		VideoCodec:    DefaultVideoCodec,
		CRF:           DefaultCRF,
		Preset:        DefaultPreset,
		AudioCodec:    DefaultAudioCodec,
		SubtitleStyle: DefaultSubtitleStyle,
	}
}

func (s VideoSettings) withDefaults() VideoSettings {
	defaults := DefaultVideoSettings()

	if s.VideoCodec == "" {
		s.VideoCodec = defaults.VideoCodec
	}

	if s.CRF <= 0 {
		s.CRF = defaults.CRF
	}

	if s.Preset == "" {
		s.Preset = defaults.Preset
	}

	if s.AudioCodec == "" {
		s.AudioCodec = defaults.AudioCodec
	}

	if s.SubtitleStyle == "" {
		s.SubtitleStyle = defaults.SubtitleStyle
	}

	return s
}

// Compositor burns subtitles into a video and replaces its audio track.
type Compositor struct {
	runner   CommandRunner
	log      *logger.Logger
	binary   string
	settings VideoSettings
}

// NewCompositor creates a compositor. Zero fields of settings take defaults.
func NewCompositor(binary string, settings VideoSettings, runner CommandRunner, log *logger.Logger) *Compositor {
	return &Compositor{
		runner:   runnerOrDefault(runner),
		log:      log,
		binary:   pathOrDefault(binary, DefaultFFmpegPath),
		settings: settings.withDefaults(),
	}
}

// Compose produces request.OutputPath. The audio and subtitle inputs are
// consumed: they are deleted whether or not ffmpeg succeeds. On failure the
// partially written output is deleted too and the error carries ffmpeg's
// stderr.
func (c *Compositor) Compose(ctx context.Context, request CompositeRequest) (err error) {
	err = request.Validate()
	if err != nil {
		return err
	}

	defer func() {
		removeErr := fsutil.RemoveFiles(request.AudioPath, request.SubtitlePath)
		if removeErr != nil && c.log != nil {
			c.log.Warn("Failed to remove composition inputs: %v", removeErr)
		}

		if err != nil {
			_ = fsutil.RemoveFiles(request.OutputPath)
		}
	}()

	args, err := c.Arguments(request)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrComposition, err)
	}

	_, stderr, runErr := c.runner.Run(ctx, c.binary, args...)
	if runErr != nil {
		return fmt.Errorf("%w: %w", core.ErrComposition, toolError(stderr, runErr))
	}

	if c.log != nil {
		c.log.Info("Composed narrated video %s", request.OutputPath)
	}

	return nil
}

// Arguments returns the ffmpeg arguments for request.
func (c *Compositor) Arguments(request CompositeRequest) ([]string, error) {
	subtitlePath, err := filepath.Abs(request.SubtitlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", request.SubtitlePath, err)
	}

	filter := fmt.Sprintf("subtitles=%s:force_style='%s'",
		EscapeFilterPath(subtitlePath), c.settings.SubtitleStyle)

	args := []string{"-y"}
	args = append(args, quietFlags...)

	return append(args,
		"-i", request.VideoPath,
		"-i", request.AudioPath,
		"-vf", filter,
		"-c:v", c.settings.VideoCodec,
		"-crf", fmt.Sprintf("%d", c.settings.CRF),
		"-preset", c.settings.Preset,
		"-c:a", c.settings.AudioCodec,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		request.OutputPath,
	), nil
}

// EscapeFilterPath escapes a path for use as a filtergraph option value.
// Backslashes, colons, single quotes and commas would otherwise be read as
// filter syntax.
func EscapeFilterPath(path string) string {
	replacer := strings.NewReplacer(
		`\`, `\\\\`,
		`:`, `\\:`,
		`'`, `\\\'`,
		`,`, `\,`,
		`[`, `\[`,
		`]`, `\]`,
	)

	return replacer.Replace(path)
}
