// Package timeline voices phrases one by one and lays them out on a shared
// clock, producing the audio segments and the matching subtitle cues.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/media"
	"github.com/book-expert/narration-service/internal/subtitle"
)

// File names inside a run directory.
const (
	SubtitleFileName  = "narration.srt"
	segmentNameFormat = "segment_%04d%s"
	segmentFilePerms  = 0o600
)

// DefaultPauseGap is the silence, in seconds, between consecutive phrases.
const DefaultPauseGap = 0.1

var (
	// ErrNoPhrases is returned when there is nothing to voice.
	ErrNoPhrases = errors.New("no phrases to synthesize")
	// ErrEmptyAudio is returned when the speech service answers with no bytes.
	ErrEmptyAudio = errors.New("speech service returned empty audio")
	// ErrUnmeasured is returned when a segment duration cannot be determined.
	ErrUnmeasured = errors.New("segment duration could not be measured")
	// ErrNegativePauseGap is returned for a pause gap below zero.
	ErrNegativePauseGap = errors.New("pause gap must not be negative")
	// ErrMissingCollaborator is returned when the speech client or prober is nil.
	ErrMissingCollaborator = errors.New("speech synthesizer and duration prober are required")
)

// Options configures a Synthesizer.
type Options struct {
	VoiceID  string
	ModelID  string
	Format   media.AudioFormat
	PauseGap float64
	// TolerateUnmeasured keeps going after a duration probe fails, emitting a
	// zero-width cue at the current cursor. Later cues then drift from the audio.
	TolerateUnmeasured bool
}

// Segment is one voiced phrase on disk.
type Segment struct {
	Index     int
	Phrase    string
	AudioPath string
	Duration  float64
}

// Result is the outcome of voicing a whole phrase list.
type Result struct {
	Segments     []Segment
	Timeline     subtitle.Timeline
	SubtitlePath string
}

// AudioPaths returns the segment files in playback order.
func (r Result) AudioPaths() []string {
	paths := make([]string, 0, len(r.Segments))
	for _, segment := range r.Segments {
		paths = append(paths, segment.AudioPath)
	}

	return paths
}

// Synthesizer voices phrases sequentially and accumulates their timing.
type Synthesizer struct {
	speech core.SpeechSynthesizer
	prober core.DurationProber
	log    *logger.Logger
	opts   Options
}

// NewSynthesizer creates a synthesizer. The speech client is shared and must
// be safe for concurrent use.
func NewSynthesizer(
	speech core.SpeechSynthesizer,
	prober core.DurationProber,
	opts Options,
	log *logger.Logger,
) (*Synthesizer, error) {
	if speech == nil || prober == nil {
		return nil, ErrMissingCollaborator
	}

	if opts.PauseGap < 0 {
		return nil, fmt.Errorf("%w: got %f", ErrNegativePauseGap, opts.PauseGap)
	}

	if opts.Format.Container == "" {
		format, err := media.ParseOutputFormat("")
		if err != nil {
			return nil, err
		}

		opts.Format = format
	}

	return &Synthesizer{
		speech: speech,
		prober: prober,
		log:    log,
		opts:   opts,
	}, nil
}

// PauseGap returns the configured silence between phrases. The caller renders
// it and passes the measured length back to Synthesize.
func (s *Synthesizer) PauseGap() float64 {
	return s.opts.PauseGap
}

// Synthesize voices every phrase into dir and writes dir/narration.srt as it
// goes. Phrase i is sent with phrases i-1 and i+1 as context. Cue i starts at
// the end of cue i-1 plus pauseGap, which must be the measured length of the
// silence clip the assembler inserts. Files written before a failure are left
// in dir for the caller to clean up.
func (s *Synthesizer) Synthesize(ctx context.Context, dir string, phrases []string, pauseGap float64) (Result, error) {
	if len(phrases) == 0 {
		return Result{}, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrNoPhrases)
	}

	if pauseGap < 0 {
		return Result{}, fmt.Errorf("%w: %w: got %f", core.ErrSynthesis, ErrNegativePauseGap, pauseGap)
	}

	subtitlePath := filepath.Join(dir, SubtitleFileName)

	writer, err := subtitle.Create(subtitlePath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", core.ErrSynthesis, err)
	}

	result := Result{
		Segments:     make([]Segment, 0, len(phrases)),
		Timeline:     subtitle.Timeline{PauseGap: pauseGap, Cues: make([]subtitle.Cue, 0, len(phrases))},
		SubtitlePath: subtitlePath,
	}

	cursor := 0.0

	for index, phrase := range phrases {
		segment, cue, voiceErr := s.voice(ctx, dir, phrases, index, cursor)
		if voiceErr != nil {
			_ = writer.Close()

			return result, voiceErr
		}

		writeErr := writer.Write(cue)
		if writeErr != nil {
			_ = writer.Close()

			return result, fmt.Errorf("%w: %w", core.ErrSynthesis, writeErr)
		}

		result.Segments = append(result.Segments, segment)
		result.Timeline.Cues = append(result.Timeline.Cues, cue)

		if !cue.ZeroWidth() {
			cursor = cue.End + pauseGap
		}

		s.log.Info("Voiced phrase %d/%d (%.3fs): %q", cue.Index, len(phrases), cue.Duration(), phrase)
	}

	cueCount := writer.Count()

	closeErr := writer.Close()
	if closeErr != nil {
		return result, fmt.Errorf("%w: %w", core.ErrSynthesis, closeErr)
	}

	s.log.Info("Wrote %d cues ending at %s to %s",
		cueCount, subtitle.FormatTimestamp(result.Timeline.End()), writer.Path())

	return result, nil
}

// voice synthesizes, persists and measures a single phrase.
func (s *Synthesizer) voice(
	ctx context.Context,
	dir string,
	phrases []string,
	index int,
	cursor float64,
) (Segment, subtitle.Cue, error) {
	number := index + 1

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return Segment{}, subtitle.Cue{}, fmt.Errorf("%w: phrase %d: %w", core.ErrSynthesis, number, ctxErr)
	}

	request := core.SpeechRequest{
		Text:         phrases[index],
		VoiceID:      s.opts.VoiceID,
		ModelID:      s.opts.ModelID,
		OutputFormat: s.opts.Format.Name,
	}

	if index > 0 {
		request.PreviousText = phrases[index-1]
	}

	if index+1 < len(phrases) {
		request.NextText = phrases[index+1]
	}

	audio, err := s.speech.Synthesize(ctx, request)
	if err != nil {
		return Segment{}, subtitle.Cue{}, fmt.Errorf("%w: phrase %d: %w", core.ErrSynthesis, number, err)
	}

	if len(audio) == 0 {
		return Segment{}, subtitle.Cue{}, fmt.Errorf("%w: phrase %d: %w", core.ErrSynthesis, number, ErrEmptyAudio)
	}

	if s.opts.Format.RawPCM() {
		audio = s.opts.Format.WrapPCM(audio)
	}

	audioPath := filepath.Join(dir, fmt.Sprintf(segmentNameFormat, number, s.opts.Format.Extension()))

	err = os.WriteFile(audioPath, audio, segmentFilePerms)
	if err != nil {
		return Segment{}, subtitle.Cue{}, fmt.Errorf("%w: phrase %d: %w", core.ErrSynthesis, number, err)
	}

	segment := Segment{Index: number, Phrase: phrases[index], AudioPath: audioPath}
	cue := subtitle.Cue{Index: number, Start: cursor, End: cursor, Text: phrases[index]}

	duration, probeErr := s.prober.Duration(ctx, audioPath)
	if probeErr != nil || duration <= 0 {
		if !s.opts.TolerateUnmeasured {
			return Segment{}, subtitle.Cue{}, fmt.Errorf("%w: phrase %d: %w",
				core.ErrSynthesis, number, errors.Join(ErrUnmeasured, probeErr))
		}

		s.log.Warn("Could not measure phrase %d (%v); emitting a zero-width cue at %s",
			number, probeErr, subtitle.FormatTimestamp(cursor))

		return segment, cue, nil
	}

	segment.Duration = duration
	cue.End = cursor + duration

	return segment, cue, nil
}
