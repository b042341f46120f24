package app_test

import (
	"context"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/app"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/elevenlabs"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type silentSpeech struct{}

func (silentSpeech) Synthesize(_ context.Context, _ core.SpeechRequest) ([]byte, error) {
	return nil, nil
}

func newLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func parse(t *testing.T, data string) *config.Config {
	t.Helper()

	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)

	// Keys from the environment would change what Build wires.
	cfg.Speech.APIKey = ""
	cfg.Describer.APIKey = ""

	return cfg
}

func TestBuild_RequiresSpeechKey(t *testing.T) {
	t.Parallel()

	_, err := app.Build(parse(t, ""), newLogger(t))
	require.ErrorIs(t, err, elevenlabs.ErrAPIKeyMissing)
}

func TestBuild_WithoutDescriber(t *testing.T) {
	t.Parallel()

	cfg := parse(t, "[pipeline]\nscratch_dir = \""+t.TempDir()+"\"\n")
	cfg.Speech.APIKey = "xi-key"

	components, err := app.Build(cfg, newLogger(t))
	require.NoError(t, err)

	assert.NotNil(t, components.Pipeline)
	assert.NotNil(t, components.Speech)
	assert.Nil(t, components.Describer)
	assert.NotNil(t, components.Doctor)

	_, err = components.Pipeline.Run(context.Background(), "/nonexistent/clip.mp4", "")
	require.ErrorIs(t, err, core.ErrDescription)
	require.ErrorIs(t, err, pipeline.ErrMissingDependency)
}

func TestBuild_WithDescriber(t *testing.T) {
	t.Parallel()

	cfg := parse(t, "")
	cfg.Speech.APIKey = "xi-key"
	cfg.Describer.APIKey = "gemini-key"

	components, err := app.Build(cfg, newLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, components.Describer)
}

func TestNewPipeline(t *testing.T) {
	t.Parallel()

	cfg := parse(t, "")

	_, err := app.NewPipeline(cfg, nil, nil, newLogger(t))
	require.ErrorIs(t, err, app.ErrSpeechRequired)

	narration, err := app.NewPipeline(cfg, silentSpeech{}, nil, newLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, narration)
}
