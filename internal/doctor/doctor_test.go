package doctor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("executable file not found in $PATH")

type fakeSpeech struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSpeech) HealthCheck(_ context.Context) error {
	f.calls.Add(1)

	return f.err
}

func lookPath(found ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, candidate := range found {
			if candidate == name {
				return "/usr/bin/" + name, nil
			}
		}

		return "", errNotFound
	}
}

func TestDoctor_AllAvailable(t *testing.T) {
	t.Parallel()

	speech := &fakeSpeech{}
	doc := doctor.New(map[string]string{"ffmpeg": "ffmpeg", "ffprobe": "ffprobe"}, speech, nil,
		doctor.WithLookPath(lookPath("ffmpeg", "ffprobe")))

	report := doc.Get(context.Background())

	assert.Equal(t, []string{"ffmpeg", "ffprobe"}, report.Names())
	assert.Equal(t, "/usr/bin/ffprobe", report.Executables["ffprobe"].Path)
	require.NotNil(t, report.Speech)
	assert.True(t, report.Speech.Available)
	assert.Equal(t, doctor.Summary{Available: 3, Total: 3, AllOK: true}, report.Summary)
}

func TestDoctor_ReportsMissingDependencies(t *testing.T) {
	t.Parallel()

	speech := &fakeSpeech{err: errors.New("401 Unauthorized")}
	doc := doctor.New(map[string]string{"ffmpeg": "ffmpeg", "ffprobe": "/opt/ffprobe"}, speech, nil,
		doctor.WithLookPath(lookPath("ffmpeg")))

	report := doc.Get(context.Background())

	assert.False(t, report.Executables["ffprobe"].Available)
	assert.Contains(t, report.Executables["ffprobe"].Error, "not found")
	assert.False(t, report.Speech.Available)
	assert.Equal(t, doctor.Summary{Available: 1, Total: 3, AllOK: false}, report.Summary)
}

func TestDoctor_CachesReport(t *testing.T) {
	t.Parallel()

	speech := &fakeSpeech{}
	doc := doctor.New(nil, speech, nil, doctor.WithTTL(time.Hour))

	first := doc.Get(context.Background())
	second := doc.Get(context.Background())

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), speech.calls.Load())

	uncached := doctor.New(nil, speech, nil, doctor.WithTTL(0))
	uncached.Get(context.Background())
	uncached.Get(context.Background())
	assert.Equal(t, int32(3), speech.calls.Load())
}

func TestDoctor_WithoutSpeech(t *testing.T) {
	t.Parallel()

	doc := doctor.New(map[string]string{"ffmpeg": "ffmpeg"}, nil, nil, doctor.WithLookPath(lookPath("ffmpeg")))

	report := doc.Get(context.Background())

	assert.Nil(t, report.Speech)
	assert.True(t, report.Summary.AllOK)
}
