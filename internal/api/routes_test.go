package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/api"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/runlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu     sync.Mutex
	err    error
	title  string
	input  string
	output string
}

func (f *fakeRunner) Run(_ context.Context, videoPath, outputPath string) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.input = videoPath
	f.output = outputPath

	if f.err != nil {
		return pipeline.Result{}, f.err
	}

	data, err := os.ReadFile(videoPath)
	if err != nil {
		return pipeline.Result{}, err
	}

	err = os.WriteFile(outputPath, append([]byte("narrated:"), data...), 0o600)
	if err != nil {
		return pipeline.Result{}, err
	}

	return pipeline.Result{RunID: "run-42", OutputPath: outputPath, Title: f.title, Phrases: 2, Duration: 3.9}, nil
}

type fakeRuns struct {
	runs []runlog.Run
}

func (f *fakeRuns) Get(_ context.Context, id string) (runlog.Run, error) {
	for _, run := range f.runs {
		if run.ID == id {
			return run, nil
		}
	}

	return runlog.Run{}, fmt.Errorf("%w: %s", runlog.ErrRunNotFound, id)
}

func (f *fakeRuns) Recent(_ context.Context, limit int) ([]runlog.Run, error) {
	if limit > 0 && limit < len(f.runs) {
		return f.runs[:limit], nil
	}

	return f.runs, nil
}

type okSpeech struct{}

func (okSpeech) HealthCheck(_ context.Context) error { return nil }

func newRouter(t *testing.T, runner api.Runner, runs api.RunStore, doc *doctor.Doctor) (http.Handler, string) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	uploadDir := t.TempDir()

	return api.NewRouter(api.ServerConfig{
		UploadDir: uploadDir,
		Pipeline:  runner,
		Runs:      runs,
		Doctor:    doc,
		Logger:    log,
		StartTime: time.Now(),
		Version:   "test",
	}), uploadDir
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)

	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()

	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))

	return resp
}

func TestNarrate_ReturnsVideoAndCleansUp(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{title: "Утро"}
	router, uploadDir := newRouter(t, runner, nil, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, uploadRequest(t, "video", "my clip.mp4", []byte("frames")))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "narrated:frames", rr.Body.String())
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "run-42", rr.Header().Get(api.HeaderRunID))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	title, err := new(mime.WordDecoder).DecodeHeader(rr.Header().Get(api.HeaderTitle))
	require.NoError(t, err)
	assert.Equal(t, "Утро", title)

	assert.Equal(t, uploadDir, filepath.Dir(runner.input))
	assert.NoFileExists(t, runner.input)
	assert.NoFileExists(t, runner.output)

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNarrate_RejectsBadUploads(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, &fakeRunner{}, nil, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, uploadRequest(t, "file", "clip.mp4", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, uploadRequest(t, "video", "notes.txt", []byte("x")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/narrations", bytes.NewBufferString("{}")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNarrate_MapsFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "description", err: core.ErrDescription, status: http.StatusBadGateway, code: "UPSTREAM_FAILURE"},
		{name: "synthesis", err: core.ErrSynthesis, status: http.StatusBadGateway, code: "UPSTREAM_FAILURE"},
		{name: "segmentation", err: core.ErrSegmentation, status: http.StatusUnprocessableEntity, code: "NO_NARRATION"},
		{name: "assembly", err: core.ErrAssembly, status: http.StatusInternalServerError, code: "MEDIA_FAILURE"},
		{name: "composition", err: core.ErrComposition, status: http.StatusInternalServerError, code: "MEDIA_FAILURE"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			runErr := &pipeline.RunError{RunID: "run-7", Stage: core.StateTextReady, Err: testCase.err}
			runner := &fakeRunner{err: runErr}
			router, uploadDir := newRouter(t, runner, nil, nil)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, uploadRequest(t, "video", "clip.mov", []byte("frames")))

			assert.Equal(t, testCase.status, rr.Code)

			resp := decodeError(t, rr)
			assert.Equal(t, testCase.code, resp.Code)
			assert.Equal(t, "run-7", resp.RunID)
			assert.Equal(t, string(core.StateTextReady), resp.Stage)

			entries, err := os.ReadDir(uploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestRuns_ListAndGet(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	runs := &fakeRuns{runs: []runlog.Run{
		{ID: "b", VideoPath: "/secret/b.mp4", State: core.StateDone, Title: "B", Phrases: 3, StartedAt: started},
		{ID: "a", State: core.StateFailed, Error: "synthesis error", StartedAt: started},
	}}
	router, _ := newRouter(t, &fakeRunner{}, runs, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list api.RunsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "b", list.Runs[0].ID)
	assert.Equal(t, "2026-10-16T09:00:00Z", list.Runs[0].StartedAt)
	assert.NotContains(t, rr.Body.String(), "/secret")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/a", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var run api.RunResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&run))
	assert.Equal(t, "failed", run.State)
	assert.Equal(t, "synthesis error", run.Error)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/zzz", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=-3", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRuns_DisabledHistory(t *testing.T) {
	t.Parallel()

	router, _ := newRouter(t, &fakeRunner{}, nil, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	healthy := doctor.New(map[string]string{"ffmpeg": "ffmpeg"}, okSpeech{}, nil,
		doctor.WithLookPath(func(name string) (string, error) { return "/bin/" + name, nil }))
	router, _ := newRouter(t, &fakeRunner{}, nil, healthy)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp api.HealthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	require.NotNil(t, resp.Dependencies)
	assert.True(t, resp.Dependencies.Summary.AllOK)

	broken := doctor.New(map[string]string{"ffprobe": "ffprobe"}, nil, nil,
		doctor.WithLookPath(func(string) (string, error) { return "", errors.New("not found") }))
	router, _ = newRouter(t, &fakeRunner{}, nil, broken)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "degraded")
}
