package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/media"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/segment"
	"github.com/book-expert/narration-service/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const russianScript = "Рассвет наступил. Город проснулся, шумный и яркий."

var (
	errDescribe = errors.New("model overloaded")
	errTool     = errors.New("exit status 1")
)

type fakeDescriber struct {
	description core.Description
	err         error
	calls       int
}

func (f *fakeDescriber) Describe(_ context.Context, _ string) (core.Description, error) {
	f.calls++

	return f.description, f.err
}

type fakeSpeech struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeSpeech) Synthesize(_ context.Context, req core.SpeechRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.fail {
		return nil, errTool
	}

	return []byte(req.Text), nil
}

func (f *fakeSpeech) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// scriptedProber maps phrase audio (the phrase text) to a duration.
type scriptedProber struct {
	durations map[string]float64
	fallback  float64
}

func (p *scriptedProber) Duration(_ context.Context, path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	if duration, ok := p.durations[string(data)]; ok {
		return duration, nil
	}

	return p.fallback, nil
}

// fakeAssembler renders a placeholder gap clip. A positive measured value
// stands in for encoder frame padding.
type fakeAssembler struct {
	mu        sync.Mutex
	calls     int
	gapCalls  int
	segments  []string
	requested float64
	measured  float64
	gap       media.Gap
	gapErr    error
	err       error
}

func (f *fakeAssembler) PrepareGap(_ context.Context, dir string, seconds float64) (media.Gap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gapCalls++
	f.requested = seconds

	if f.gapErr != nil {
		return media.Gap{}, f.gapErr
	}

	measured := seconds
	if f.measured > 0 {
		measured = f.measured
	}

	path := filepath.Join(dir, "silence.mp3")

	err := os.WriteFile(path, []byte("silence"), 0o600)
	if err != nil {
		return media.Gap{}, err
	}

	return media.Gap{Path: path, Seconds: measured}, nil
}

func (f *fakeAssembler) Assemble(_ context.Context, segments []string, gap media.Gap, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.segments = segments
	f.gap = gap

	if f.err != nil {
		return f.err
	}

	return os.WriteFile(outputPath, []byte("track"), 0o600)
}

type fakeCompositor struct {
	mu       sync.Mutex
	calls    int
	subtitle string
	request  media.CompositeRequest
	err      error
}

func (f *fakeCompositor) Compose(_ context.Context, request media.CompositeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.request = request

	srt, err := os.ReadFile(request.SubtitlePath)
	if err != nil {
		return err
	}

	f.subtitle = string(srt)

	if f.err != nil {
		return f.err
	}

	return os.WriteFile(request.OutputPath, []byte("video"), 0o600)
}

type recorder struct {
	mu     sync.Mutex
	events []core.StageEvent
}

func (r *recorder) Observe(event core.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) states() []core.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]core.State, 0, len(r.events))
	for _, event := range r.events {
		states = append(states, event.State)
	}

	return states
}

type harness struct {
	pipeline   *pipeline.Pipeline
	describer  *fakeDescriber
	speech     *fakeSpeech
	assembler  *fakeAssembler
	compositor *fakeCompositor
	recorder   *recorder
	scratchDir string
	videoPath  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	h := &harness{
		describer:  &fakeDescriber{description: core.Description{Title: "Утро", Content: russianScript}},
		speech:     &fakeSpeech{},
		assembler:  &fakeAssembler{},
		compositor: &fakeCompositor{},
		recorder:   &recorder{},
		scratchDir: t.TempDir(),
	}

	prober := &scriptedProber{
		durations: map[string]float64{
			"Рассвет наступил.":                1.5,
			"Город проснулся, шумный и яркий.": 2.3,
		},
		fallback: 1.0,
	}

	synth, err := timeline.NewSynthesizer(h.speech, prober, timeline.Options{PauseGap: 0.1}, log)
	require.NoError(t, err)

	segmenter, err := segment.NewSegmenter(segment.DefaultMaxChars)
	require.NoError(t, err)

	h.pipeline, err = pipeline.New(pipeline.Deps{
		Describer:   h.describer,
		Segmenter:   segmenter,
		Synthesizer: synth,
		Assembler:   h.assembler,
		Compositor:  h.compositor,
		Log:         log,
	}, h.scratchDir, h.recorder)
	require.NoError(t, err)

	h.videoPath = filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(h.videoPath, []byte("video"), 0o600))

	return h
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(h.scratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "run directories must be removed")
}

func requireRunError(t *testing.T, err error, sentinel error, stage core.State) {
	t.Helper()

	require.ErrorIs(t, err, sentinel)

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, stage, runErr.Stage)
	assert.NotEmpty(t, runErr.RunID)
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Deps{}, t.TempDir())
	require.ErrorIs(t, err, pipeline.ErrMissingDependency)
}

func TestPipeline_Run_RussianScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	output := filepath.Join(t.TempDir(), "out", "final.mp4")

	result, err := h.pipeline.Run(context.Background(), h.videoPath, output)
	require.NoError(t, err)

	assert.Equal(t, output, result.OutputPath)
	assert.Equal(t, "Утро", result.Title)
	assert.Equal(t, 2, result.Phrases)
	assert.InDelta(t, 3.9, result.Duration, 1e-9)
	assert.FileExists(t, output)

	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,500\nРассвет наступил.\n\n"+
		"2\n00:00:01,600 --> 00:00:03,900\nГород проснулся, шумный и яркий.\n\n", h.compositor.subtitle)

	assert.Len(t, h.assembler.segments, 2)
	assert.InDelta(t, 0.1, h.assembler.requested, 1e-9)
	assert.InDelta(t, 0.1, h.assembler.gap.Seconds, 1e-9)
	assert.Equal(t, h.videoPath, h.compositor.request.VideoPath)

	assert.Equal(t, []core.State{
		core.StateIdle,
		core.StateTextReady,
		core.StateTimelineReady,
		core.StateComposed,
		core.StateDone,
	}, h.recorder.states())

	for _, event := range h.recorder.events {
		assert.Equal(t, result.RunID, event.RunID)
	}

	h.assertScratchEmpty(t)
}

func TestPipeline_Run_CuesFollowRenderedGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.assembler.measured = 0.13

	result, err := h.pipeline.Run(context.Background(), h.videoPath, "")
	require.NoError(t, err)

	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,500\nРассвет наступил.\n\n"+
		"2\n00:00:01,630 --> 00:00:03,930\nГород проснулся, шумный и яркий.\n\n", h.compositor.subtitle)
	assert.InDelta(t, 3.93, result.Duration, 1e-9)
	assert.InDelta(t, 0.1, h.assembler.requested, 1e-9)
	assert.InDelta(t, 0.13, h.assembler.gap.Seconds, 1e-9)
	h.assertScratchEmpty(t)
}

func TestPipeline_Narrate_SinglePhraseNeedsNoGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result, err := h.pipeline.Narrate(context.Background(), h.videoPath, core.Description{Content: "Рассвет наступил."}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Phrases)
	assert.Equal(t, 0, h.assembler.gapCalls)
	assert.Equal(t, media.Gap{}, h.assembler.gap)
	assert.Equal(t, 1, h.assembler.calls)
}

func TestPipeline_Run_GapFailureStopsBeforeSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.assembler.gapErr = errTool

	_, err := h.pipeline.Run(context.Background(), h.videoPath, "")
	requireRunError(t, err, core.ErrAssembly, core.StateTextReady)
	require.ErrorIs(t, err, errTool)

	assert.Equal(t, 0, h.speech.count())
	assert.Equal(t, 0, h.assembler.calls)
	h.assertScratchEmpty(t)
}

func TestPipeline_Narrate_EmptyTextIsSegmentationFailure(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "   \n\t"} {
		h := newHarness(t)

		_, err := h.pipeline.Narrate(context.Background(), h.videoPath, core.Description{Content: text}, "")
		requireRunError(t, err, core.ErrSegmentation, core.StateTextReady)

		assert.Equal(t, 0, h.describer.calls)
		assert.Equal(t, 0, h.speech.count())
		assert.Equal(t, 0, h.assembler.calls)
		assert.Equal(t, 0, h.compositor.calls)
		assert.Equal(t, core.StateFailed, h.recorder.states()[len(h.recorder.states())-1])
		h.assertScratchEmpty(t)
	}
}

func TestPipeline_Run_DescriptionFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.describer.err = errDescribe

	_, err := h.pipeline.Run(context.Background(), h.videoPath, "")
	requireRunError(t, err, core.ErrDescription, core.StateIdle)
	require.ErrorIs(t, err, errDescribe)

	h = newHarness(t)
	h.describer.description = core.Description{Title: "Empty", Content: " "}

	_, err = h.pipeline.Run(context.Background(), h.videoPath, "")
	requireRunError(t, err, core.ErrDescription, core.StateIdle)
	require.ErrorIs(t, err, pipeline.ErrEmptyNarration)
	assert.Equal(t, 0, h.speech.count())
}

func TestPipeline_Run_SynthesisFailureCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.speech.fail = true

	_, err := h.pipeline.Run(context.Background(), h.videoPath, "")
	requireRunError(t, err, core.ErrSynthesis, core.StateTextReady)

	assert.Equal(t, 0, h.assembler.calls)
	h.assertScratchEmpty(t)
}

func TestPipeline_Run_AssemblyFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.assembler.err = errTool

	_, err := h.pipeline.Run(context.Background(), h.videoPath, "")
	requireRunError(t, err, core.ErrAssembly, core.StateTimelineReady)

	assert.Equal(t, 0, h.compositor.calls)
	h.assertScratchEmpty(t)
}

func TestPipeline_Run_CompositionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.compositor.err = errTool
	output := filepath.Join(t.TempDir(), "final.mp4")

	_, err := h.pipeline.Run(context.Background(), h.videoPath, output)
	requireRunError(t, err, core.ErrComposition, core.StateTimelineReady)

	h.assertScratchEmpty(t)
}

func TestPipeline_Narrate_ConcurrentRunsAreIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	outputDir := t.TempDir()

	const runs = 4

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]pipeline.Result)
	)

	for index := range runs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			output := filepath.Join(outputDir, "final_"+string(rune('a'+index))+".mp4")

			result, err := h.pipeline.Narrate(context.Background(), h.videoPath,
				core.Description{Content: russianScript}, output)
			assert.NoError(t, err)

			mu.Lock()
			results[result.RunID] = result
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, results, runs)
	assert.Equal(t, 2*runs, h.speech.count())
	h.assertScratchEmpty(t)
}

func TestDefaultOutputPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("/videos", "clip_narrated.mp4"), pipeline.DefaultOutputPath("/videos/clip.mov"))
}

func TestPipeline_ObserverFunc(t *testing.T) {
	t.Parallel()

	var seen []core.State

	observer := pipeline.ObserverFunc(func(event core.StageEvent) {
		seen = append(seen, event.State)
	})

	observer.Observe(core.StageEvent{State: core.StateDone})
	assert.Equal(t, []core.State{core.StateDone}, seen)
	assert.True(t, core.StateDone.Terminal())
	assert.False(t, core.StateComposed.Terminal())
}
