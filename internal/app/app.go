// Package app wires configured components into a narration pipeline. Both the
// service and the narrator CLI build their stages here.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/book-expert/narration-service/internal/elevenlabs"
	"github.com/book-expert/narration-service/internal/gemini"
	"github.com/book-expert/narration-service/internal/media"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/segment"
	"github.com/book-expert/narration-service/internal/timeline"
)

// ErrSpeechRequired is returned when no speech synthesizer is supplied.
var ErrSpeechRequired = errors.New("speech synthesizer is required")

// Components are the wired stages of one process.
type Components struct {
	Pipeline *pipeline.Pipeline
	Speech   *elevenlabs.Client
	// Describer is nil when no describer API key is configured.
	Describer *gemini.Client
	Doctor    *doctor.Doctor
}

// NewSpeechClient builds the speech client from the speech section.
func NewSpeechClient(cfg *config.Config) (*elevenlabs.Client, error) {
	client, err := elevenlabs.NewClient(cfg.Speech.APIKey,
		elevenlabs.WithBaseURL(cfg.Speech.BaseURL),
		elevenlabs.WithTimeout(cfg.SpeechTimeout()),
		elevenlabs.WithDefaults(cfg.Speech.VoiceID, cfg.Speech.ModelID, cfg.Speech.OutputFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	return client, nil
}

// NewDoctor checks the configured media tools and, when given, the speech
// service.
func NewDoctor(cfg *config.Config, speech doctor.HealthChecker, log *logger.Logger) *doctor.Doctor {
	tools := map[string]string{
		"ffmpeg":  cfg.Media.FFmpegPath,
		"ffprobe": cfg.Media.FFprobePath,
	}

	return doctor.New(tools, speech, log)
}

// Build wires every stage. observers receive the state transitions of every
// run.
func Build(cfg *config.Config, log *logger.Logger, observers ...pipeline.Observer) (*Components, error) {
	speech, err := NewSpeechClient(cfg)
	if err != nil {
		return nil, err
	}

	var (
		describer     *gemini.Client
		describerPort core.Describer
	)

	if strings.TrimSpace(cfg.Describer.APIKey) != "" {
		describer, err = gemini.NewClient(cfg.GeminiConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("describer client: %w", err)
		}

		describerPort = describer
	} else {
		log.Warn("No describer API key configured; only runs with a supplied script are possible")
	}

	narration, err := NewPipeline(cfg, speech, describerPort, log, observers...)
	if err != nil {
		return nil, err
	}

	return &Components{
		Pipeline:  narration,
		Speech:    speech,
		Describer: describer,
		Doctor:    NewDoctor(cfg, speech, log),
	}, nil
}

// NewPipeline builds the pipeline around the given collaborators. describer
// may be nil.
func NewPipeline(
	cfg *config.Config,
	speech core.SpeechSynthesizer,
	describer core.Describer,
	log *logger.Logger,
	observers ...pipeline.Observer,
) (*pipeline.Pipeline, error) {
	if speech == nil {
		return nil, ErrSpeechRequired
	}

	format, err := cfg.AudioFormat()
	if err != nil {
		return nil, err
	}

	runner := media.ExecRunner{}
	prober := media.NewProber(cfg.Media.FFprobePath, runner)

	segmenter, err := segment.NewSegmenter(cfg.Pipeline.MaxChars)
	if err != nil {
		return nil, err
	}

	synth, err := timeline.NewSynthesizer(
		speech,
		prober,
		timeline.Options{
			VoiceID:            cfg.Speech.VoiceID,
			ModelID:            cfg.Speech.ModelID,
			Format:             format,
			PauseGap:           cfg.Pipeline.PauseGapSeconds,
			TolerateUnmeasured: cfg.Pipeline.TolerateUnmeasured,
		},
		log,
	)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Deps{
		Describer:   describer,
		Segmenter:   segmenter,
		Synthesizer: synth,
		Assembler:   media.NewAssembler(cfg.Media.FFmpegPath, format, prober, runner, log),
		Compositor:  media.NewCompositor(cfg.Media.FFmpegPath, cfg.VideoSettings(), runner, log),
		Log:         log,
	}, cfg.Pipeline.ScratchDir, observers...)
}
