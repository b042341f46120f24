// Package pipeline runs a narration end to end: describe the video, split the
// script into phrases, voice them on a timeline, assemble the audio track and
// compose the final subtitled video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/media"
	"github.com/book-expert/narration-service/internal/segment"
	"github.com/book-expert/narration-service/internal/timeline"
	"github.com/google/uuid"
)

const (
	narrationBaseName = "narration"
	outputSuffix      = "_narrated.mp4"
)

var (
	// ErrMissingDependency is returned when a required stage is not wired.
	ErrMissingDependency = errors.New("pipeline dependency is missing")
	// ErrEmptyNarration is returned when the description carries no script.
	ErrEmptyNarration = errors.New("description has no narration content")
	// ErrNoPhrases is returned when the script splits into nothing.
	ErrNoPhrases = errors.New("narration text produced no phrases")
)

// Synthesizer voices phrases into a run directory. PauseGap is the requested
// silence; Synthesize spaces cues by the gap it is given.
type Synthesizer interface {
	Synthesize(ctx context.Context, dir string, phrases []string, pauseGap float64) (timeline.Result, error)
	PauseGap() float64
}

// Assembler renders the inter-phrase silence and concatenates segment audio
// into one track.
type Assembler interface {
	PrepareGap(ctx context.Context, dir string, seconds float64) (media.Gap, error)
	Assemble(ctx context.Context, segments []string, gap media.Gap, outputPath string) error
}

// Compositor muxes audio and burns subtitles into a video.
type Compositor interface {
	Compose(ctx context.Context, request media.CompositeRequest) error
}

// Observer receives every state transition of every run.
type Observer interface {
	Observe(event core.StageEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event core.StageEvent)

// Observe calls f(event).
func (f ObserverFunc) Observe(event core.StageEvent) {
	f(event)
}

// Deps are the stages a Pipeline drives. Describer may be nil when only
// Narrate is used.
type Deps struct {
	Describer   core.Describer
	Segmenter   *segment.Segmenter
	Synthesizer Synthesizer
	Assembler   Assembler
	Compositor  Compositor
	Log         *logger.Logger
}

// Result describes a finished run.
type Result struct {
	RunID      string
	OutputPath string
	Title      string
	Phrases    int
	Duration   float64
}

// RunError reports the stage a run failed in. It unwraps to one of the core
// failure sentinels.
type RunError struct {
	RunID string
	Stage core.State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed after %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Pipeline orchestrates narration runs. Runs share no mutable state, so one
// Pipeline may execute many runs concurrently.
type Pipeline struct {
	deps       Deps
	scratchDir string
	observers  []Observer
}

// New creates a pipeline that keeps per-run scratch files under scratchDir.
func New(deps Deps, scratchDir string, observers ...Observer) (*Pipeline, error) {
	if deps.Segmenter == nil || deps.Synthesizer == nil || deps.Assembler == nil ||
		deps.Compositor == nil || deps.Log == nil {
		return nil, ErrMissingDependency
	}

	if strings.TrimSpace(scratchDir) == "" {
		scratchDir = fsutil.DefaultScratchDir()
	}

	return &Pipeline{
		deps:       deps,
		scratchDir: scratchDir,
		observers:  observers,
	}, nil
}

// DefaultOutputPath returns "<dir>/<name>_narrated.mp4" for a video path.
func DefaultOutputPath(videoPath string) string {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	return filepath.Join(filepath.Dir(videoPath), fsutil.SanitizeFilename(base)+outputSuffix)
}

// run carries the per-run bookkeeping.
type run struct {
	id        string
	videoPath string
	state     core.State
	title     string
	phrases   int
	duration  float64
}

// Run narrates videoPath end to end and writes the composed video to
// outputPath. An empty outputPath means DefaultOutputPath(videoPath).
func (p *Pipeline) Run(ctx context.Context, videoPath, outputPath string) (Result, error) {
	current := p.start(videoPath)

	if p.deps.Describer == nil {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w: describer", core.ErrDescription, ErrMissingDependency))
	}

	description, err := p.deps.Describer.Describe(ctx, videoPath)
	if err != nil {
		return Result{}, p.fail(current, wrapStage(core.ErrDescription, err))
	}

	if strings.TrimSpace(description.Content) == "" {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w", core.ErrDescription, ErrEmptyNarration))
	}

	return p.narrate(ctx, current, videoPath, description, outputPath)
}

// Narrate runs every stage after description with a script supplied by the
// caller. A script that splits into no phrases fails with
// core.ErrSegmentation before any collaborator is invoked.
func (p *Pipeline) Narrate(
	ctx context.Context,
	videoPath string,
	description core.Description,
	outputPath string,
) (Result, error) {
	return p.narrate(ctx, p.start(videoPath), videoPath, description, outputPath)
}

func (p *Pipeline) narrate(
	ctx context.Context,
	current *run,
	videoPath string,
	description core.Description,
	outputPath string,
) (Result, error) {
	current.title = description.Title
	p.transition(current, core.StateTextReady)

	phrases := p.deps.Segmenter.Segment(description.Content)
	if len(phrases) == 0 {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w", core.ErrSegmentation, ErrNoPhrases))
	}

	p.deps.Log.Info("Run %s split into %d phrases of at most %d characters",
		current.id, len(phrases), p.deps.Segmenter.MaxChars())

	if outputPath == "" {
		outputPath = DefaultOutputPath(videoPath)
	}

	runDir := filepath.Join(p.scratchDir, current.id)

	err := fsutil.EnsureDir(runDir)
	if err != nil {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w", core.ErrSynthesis, err))
	}

	defer p.cleanup(runDir)

	// Cues are spaced by the rendered silence, which can outlast the
	// requested pause by a partial frame.
	var gap media.Gap

	if len(phrases) > 1 {
		gap, err = p.deps.Assembler.PrepareGap(ctx, runDir, p.deps.Synthesizer.PauseGap())
		if err != nil {
			return Result{}, p.fail(current, wrapStage(core.ErrAssembly, err))
		}
	}

	voiced, err := p.deps.Synthesizer.Synthesize(ctx, runDir, phrases, gap.Seconds)
	if err != nil {
		return Result{}, p.fail(current, wrapStage(core.ErrSynthesis, err))
	}

	if len(voiced.Segments) == 0 {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w", core.ErrSynthesis, timeline.ErrNoPhrases))
	}

	current.phrases = voiced.Timeline.Len()
	current.duration = voiced.Timeline.End()
	p.transition(current, core.StateTimelineReady)

	audioPath := filepath.Join(runDir, narrationBaseName+filepath.Ext(voiced.AudioPaths()[0]))

	err = p.deps.Assembler.Assemble(ctx, voiced.AudioPaths(), gap, audioPath)
	if err != nil {
		return Result{}, p.fail(current, wrapStage(core.ErrAssembly, err))
	}

	err = fsutil.EnsureDir(filepath.Dir(outputPath))
	if err != nil {
		return Result{}, p.fail(current, fmt.Errorf("%w: %w", core.ErrComposition, err))
	}

	err = p.deps.Compositor.Compose(ctx, media.CompositeRequest{
		VideoPath:    videoPath,
		AudioPath:    audioPath,
		SubtitlePath: voiced.SubtitlePath,
		OutputPath:   outputPath,
	})
	if err != nil {
		return Result{}, p.fail(current, wrapStage(core.ErrComposition, err))
	}

	p.transition(current, core.StateComposed)
	p.transition(current, core.StateDone)

	return Result{
		RunID:      current.id,
		OutputPath: outputPath,
		Title:      current.title,
		Phrases:    current.phrases,
		Duration:   current.duration,
	}, nil
}

func (p *Pipeline) start(videoPath string) *run {
	current := &run{id: uuid.NewString(), videoPath: videoPath, state: core.StateIdle}

	p.deps.Log.Info("Run %s started for %s", current.id, videoPath)
	p.publish(current, nil)

	return current
}

func (p *Pipeline) transition(current *run, next core.State) {
	current.state = next

	p.deps.Log.Info("Run %s reached %s", current.id, next)
	p.publish(current, nil)
}

// fail publishes the Failed transition and returns the classified error.
func (p *Pipeline) fail(current *run, err error) error {
	runErr := &RunError{RunID: current.id, Stage: current.state, Err: err}

	p.deps.Log.Error("Run %s failed after %s: %v", current.id, current.state, err)

	current.state = core.StateFailed
	p.publish(current, err)

	return runErr
}

func (p *Pipeline) publish(current *run, err error) {
	event := core.StageEvent{
		RunID:     current.id,
		VideoPath: current.videoPath,
		State:     current.state,
		Title:     current.title,
		Phrases:   current.phrases,
		Duration:  current.duration,
		Err:       err,
		At:        time.Now().UTC(),
	}

	for _, observer := range p.observers {
		observer.Observe(event)
	}
}

func (p *Pipeline) cleanup(runDir string) {
	err := os.RemoveAll(runDir)
	if err != nil {
		p.deps.Log.Warn("Failed to remove run directory %s: %v", runDir, err)
	}
}

// wrapStage tags err with the stage sentinel unless it already carries it.
func wrapStage(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}
