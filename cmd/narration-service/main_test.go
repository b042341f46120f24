package main

import (
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestLogUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		report *doctor.Report
		want   []string
	}{
		{
			name: "all available",
			report: &doctor.Report{
				Executables: map[string]doctor.DepInfo{
					"ffmpeg":  {Available: true, Path: "/usr/bin/ffmpeg"},
					"ffprobe": {Available: true, Path: "/usr/bin/ffprobe"},
				},
				Speech: &doctor.DepInfo{Available: true},
			},
		},
		{
			name: "speech down",
			report: &doctor.Report{
				Executables: map[string]doctor.DepInfo{
					"ffmpeg": {Available: true, Path: "/usr/bin/ffmpeg"},
				},
				Speech: &doctor.DepInfo{Error: "401 Unauthorized"},
			},
			want: []string{"speech"},
		},
		{
			name: "missing tools and speech",
			report: &doctor.Report{
				Executables: map[string]doctor.DepInfo{
					"ffprobe": {Error: "executable file not found in $PATH"},
					"ffmpeg":  {Error: "executable file not found in $PATH"},
				},
				Speech: &doctor.DepInfo{Error: "connection refused"},
			},
			want: []string{"ffmpeg", "ffprobe", "speech"},
		},
		{
			name: "speech not checked",
			report: &doctor.Report{
				Executables: map[string]doctor.DepInfo{
					"ffmpeg": {Available: true},
				},
			},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, logUnavailable(newTestLogger(t), testCase.report))
		})
	}
}
