package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
)

// Scratch file names created next to the assembled output.
const (
	silenceBaseName  = "silence"
	manifestFileName = "concat.txt"
	manifestPerms    = 0o600

	// Differences below a millisecond between the requested and rendered
	// pause are not worth a log line.
	gapReportThreshold = 0.001
)

var (
	// ErrNoSegments is returned when there is nothing to concatenate.
	ErrNoSegments = errors.New("no audio segments to assemble")
	// ErrNotAudio is returned for a segment path without an audio extension.
	ErrNotAudio = errors.New("segment is not an audio file")
	// ErrUnmeasuredGap is returned when the rendered silence has no usable duration.
	ErrUnmeasuredGap = errors.New("silence clip duration could not be measured")
)

// Gap is the silence clip placed between phrases. Seconds is the measured
// length of the clip, which exceeds the requested pause when the encoder pads
// to whole frames (MP3 does).
type Gap struct {
	Path    string
	Seconds float64
}

// Assembler joins phrase audio files into a single track with a fixed pause
// between consecutive phrases. Streams are copied, never re-encoded.
type Assembler struct {
	runner CommandRunner
	prober core.DurationProber
	log    *logger.Logger
	binary string
	format AudioFormat
}

// NewAssembler creates an assembler for segments encoded as format. prober
// measures the rendered silence; nil means ffprobe on PATH through runner.
func NewAssembler(
	binary string,
	format AudioFormat,
	prober core.DurationProber,
	runner CommandRunner,
	log *logger.Logger,
) *Assembler {
	runner = runnerOrDefault(runner)

	if prober == nil {
		prober = NewProber("", runner)
	}

	return &Assembler{
		runner: runner,
		prober: prober,
		log:    log,
		binary: pathOrDefault(binary, DefaultFFmpegPath),
		format: format,
	}
}

// PrepareGap renders seconds of silence into dir and measures the clip the
// same way phrase segments are measured. Cue timing must advance by the
// returned Seconds, not by the requested value, for the subtitles to stay on
// the assembled track. A non-positive request yields the zero Gap.
func (a *Assembler) PrepareGap(ctx context.Context, dir string, seconds float64) (Gap, error) {
	if seconds <= 0 {
		return Gap{}, nil
	}

	path := filepath.Join(dir, silenceBaseName+a.format.Extension())

	err := a.renderSilence(ctx, seconds, path)
	if err != nil {
		_ = fsutil.RemoveFiles(path)

		return Gap{}, err
	}

	measured, err := a.prober.Duration(ctx, path)
	if err != nil || measured <= 0 {
		_ = fsutil.RemoveFiles(path)

		return Gap{}, fmt.Errorf("%w: %w", core.ErrAssembly, errors.Join(ErrUnmeasuredGap, err))
	}

	if a.log != nil && math.Abs(measured-seconds) >= gapReportThreshold {
		a.log.Info("Pause of %.3fs renders as %.3fs of %s", seconds, measured, a.format.Name)
	}

	return Gap{Path: path, Seconds: measured}, nil
}

// Assemble concatenates segments in order into outputPath, inserting the gap
// clip between neighbours and none after the last one. The resulting duration
// is the sum of the segment durations plus (len(segments)-1)*gap.Seconds.
// Segment files, the gap clip and the manifest are deleted whatever the
// outcome; a failed output is removed.
func (a *Assembler) Assemble(ctx context.Context, segments []string, gap Gap, outputPath string) (err error) {
	if len(segments) == 0 {
		return fmt.Errorf("%w: %w", core.ErrAssembly, ErrNoSegments)
	}

	for _, segment := range segments {
		if !fsutil.IsValidAudioFile(segment) {
			return fmt.Errorf("%w: %w: %s", core.ErrAssembly, ErrNotAudio, segment)
		}
	}

	manifestPath := filepath.Join(filepath.Dir(outputPath), manifestFileName)

	defer func() {
		scratch := append([]string{gap.Path, manifestPath}, segments...)

		removeErr := fsutil.RemoveFiles(scratch...)
		if removeErr != nil && a.log != nil {
			a.log.Warn("Failed to remove assembly scratch files: %v", removeErr)
		}

		if err != nil {
			_ = fsutil.RemoveFiles(outputPath)
		}
	}()

	silenceEntry := ""
	if gap.Path != "" && len(segments) > 1 {
		silenceEntry = gap.Path
	}

	manifest, err := BuildManifest(segments, silenceEntry)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrAssembly, err)
	}

	writeErr := os.WriteFile(manifestPath, []byte(manifest), manifestPerms)
	if writeErr != nil {
		return fmt.Errorf("%w: failed to write concat manifest: %w", core.ErrAssembly, writeErr)
	}

	_, stderr, runErr := a.runner.Run(ctx, a.binary, ConcatArguments(manifestPath, outputPath)...)
	if runErr != nil {
		return fmt.Errorf("%w: concat of %d segments: %w", core.ErrAssembly, len(segments), toolError(stderr, runErr))
	}

	if a.log != nil {
		a.log.Info("Assembled %d segments into %s", len(segments), outputPath)
	}

	return nil
}

func (a *Assembler) renderSilence(ctx context.Context, seconds float64, path string) error {
	_, stderr, err := a.runner.Run(ctx, a.binary, SilenceArguments(a.format, seconds, path)...)
	if err != nil {
		return fmt.Errorf("%w: render %.3fs silence: %w", core.ErrAssembly, seconds, toolError(stderr, err))
	}

	return nil
}

// SilenceArguments returns the ffmpeg arguments that render seconds of
// silence encoded exactly like the phrase segments.
func SilenceArguments(format AudioFormat, seconds float64, outputPath string) []string {
	source := fmt.Sprintf("anullsrc=r=%d:cl=%s", format.SampleRate, format.channelLayout())

	args := []string{"-y"}
	args = append(args, quietFlags...)
	args = append(args,
		"-f", "lavfi",
		"-i", source,
		"-t", strconv.FormatFloat(seconds, 'f', 6, 64),
	)
	args = append(args, format.encodeArguments()...)

	return append(args, outputPath)
}

// ConcatArguments returns the ffmpeg arguments for a stream-copy concat of
// the manifest.
func ConcatArguments(manifestPath, outputPath string) []string {
	args := []string{"-y"}
	args = append(args, quietFlags...)

	return append(args,
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		outputPath,
	)
}

// BuildManifest writes a concat demuxer list. Entries are absolute paths;
// when silencePath is not empty it is placed between every pair of segments.
func BuildManifest(segments []string, silencePath string) (string, error) {
	var builder strings.Builder

	silenceLine := ""
	if silencePath != "" {
		absSilence, err := filepath.Abs(silencePath)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", silencePath, err)
		}

		silenceLine = manifestLine(absSilence)
	}

	for index, segment := range segments {
		absSegment, err := filepath.Abs(segment)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", segment, err)
		}

		if index > 0 {
			builder.WriteString(silenceLine)
		}

		builder.WriteString(manifestLine(absSegment))
	}

	return builder.String(), nil
}

// manifestLine quotes path for the concat demuxer, which ends a quoted
// string at every single quote.
func manifestLine(path string) string {
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'\n"
}
