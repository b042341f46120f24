// Package media wraps the external ffmpeg and ffprobe tools: it measures audio
// durations, concatenates phrase audio into one track and burns subtitles into
// the final video.
package media

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Default tool names resolved through PATH.
const (
	DefaultFFmpegPath  = "ffmpeg"
	DefaultFFprobePath = "ffprobe"
)

// Common ffmpeg flags.
var quietFlags = []string{"-nostats", "-hide_banner", "-loglevel", "error"}

// ErrToolFailed is returned when an external tool exits unsuccessfully.
var ErrToolFailed = errors.New("media tool failed")

// CommandRunner executes an external program and returns its captured output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. A non-zero exit is reported as an error while
// stdout and stderr are still returned to the caller.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), err
}

// toolError keeps the tool's stderr verbatim next to the exit error.
func toolError(stderr []byte, runErr error) error {
	detail := strings.TrimSpace(string(stderr))
	if detail == "" {
		return errors.Join(ErrToolFailed, runErr)
	}

	return errors.Join(ErrToolFailed, runErr, errors.New(detail))
}

func runnerOrDefault(runner CommandRunner) CommandRunner {
	if runner == nil {
		return ExecRunner{}
	}

	return runner
}

func pathOrDefault(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}

	return path
}
