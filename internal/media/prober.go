package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Errors reported by the duration probe.
var (
	ErrProbeEmptyPath  = errors.New("probe path is empty")
	ErrInvalidDuration = errors.New("ffprobe reported an invalid duration")
)

// Prober measures audio durations with ffprobe.
type Prober struct {
	runner CommandRunner
	binary string
}

// NewProber creates a prober. An empty binary means "ffprobe" on PATH and a
// nil runner means os/exec.
func NewProber(binary string, runner CommandRunner) *Prober {
	return &Prober{
		runner: runnerOrDefault(runner),
		binary: pathOrDefault(binary, DefaultFFprobePath),
	}
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, ErrProbeEmptyPath
	}

	stdout, stderr, err := p.runner.Run(ctx, p.binary, DurationArguments(path)...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, toolError(stderr, err))
	}

	return ParseDuration(string(stdout))
}

// DurationArguments returns the ffprobe arguments that print only the
// container duration.
func DurationArguments(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// ParseDuration parses ffprobe's duration output. "N/A", negative, NaN and
// infinite values are rejected.
func ParseDuration(output string) (float64, error) {
	value := strings.TrimSpace(output)
	if line, _, found := strings.Cut(value, "\n"); found {
		value = strings.TrimSpace(line)
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
	}

	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
	}

	return seconds, nil
}
