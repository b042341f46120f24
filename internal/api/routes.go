package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/runlog"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Response headers of POST /v1/narrations.
const (
	HeaderTitle = "X-Narration-Title"
	HeaderRunID = "X-Narration-Run-ID"
)

const (
	formFieldVideo    = "video"
	multipartMemory   = 32 << 20
	statusOK          = "ok"
	statusDegraded    = "degraded"
	codeBadRequest    = "BAD_REQUEST"
	codeInternal      = "INTERNAL_ERROR"
	codeNotFound      = "NOT_FOUND"
	codeUnavailable   = "UNAVAILABLE"
	codeUnsupported   = "UNSUPPORTED_MEDIA"
	codeUpstream      = "UPSTREAM_FAILURE"
	codeUnprocessable = "NO_NARRATION"
	codeMediaFailure  = "MEDIA_FAILURE"
)

// NewRouter builds the chi router for cfg.
func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "narration-uploads")
	}

	slots := make(chan struct{}, cfg.MaxConcurrentRuns)

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/narrations", narrateHandler(cfg, slots))
		r.Get("/runs", listRunsHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  statusOK,
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}

		status := http.StatusOK

		if cfg.Doctor != nil {
			resp.Dependencies = cfg.Doctor.Get(r.Context())

			if !resp.Dependencies.Summary.AllOK {
				resp.Status = statusDegraded
				status = http.StatusServiceUnavailable
			}
		}

		WriteJSON(w, status, resp)
	}
}

// narrateHandler stores the uploaded video, runs the pipeline on it and
// streams the narrated video back. Input and output are deleted afterwards.
func narrateHandler(cfg ServerConfig, slots chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
		case <-r.Context().Done():
			WriteError(w, http.StatusServiceUnavailable, "request cancelled while queued", codeUnavailable)

			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)

		err := r.ParseMultipartForm(multipartMemory)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error(), codeBadRequest)

			return
		}

		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile(formFieldVideo)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "form field \"video\" is required", codeBadRequest)

			return
		}
		defer file.Close()

		if !fsutil.IsValidVideoFile(header.Filename) {
			WriteError(w, http.StatusUnsupportedMediaType,
				"unsupported video type "+fsutil.GetFileExtension(header.Filename), codeUnsupported)

			return
		}

		inputPath, err := saveUpload(cfg.UploadDir, header.Filename, file)
		if err != nil {
			cfg.Logger.Error("Failed to store upload %s: %v", header.Filename, err)
			WriteError(w, http.StatusInternalServerError, "failed to store upload", codeInternal)

			return
		}

		outputPath := pipeline.DefaultOutputPath(inputPath)

		defer removeDelivered(cfg, inputPath, outputPath)

		result, err := cfg.Pipeline.Run(r.Context(), inputPath, outputPath)
		if err != nil {
			writeRunError(w, err)

			return
		}

		err = streamVideo(w, result)
		if err != nil {
			cfg.Logger.Warn("Failed to deliver run %s: %v", result.RunID, err)
		}
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runs == nil {
			WriteError(w, http.StatusNotFound, "run history is disabled", codeNotFound)

			return
		}

		limit := 0

		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer", codeBadRequest)

				return
			}

			limit = parsed
		}

		runs, err := cfg.Runs.Recent(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", codeInternal)

			return
		}

		resp := RunsResponse{Runs: make([]RunResponse, len(runs))}
		for i, run := range runs {
			resp.Runs[i] = RunToResponse(run)
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runs == nil {
			WriteError(w, http.StatusNotFound, "run history is disabled", codeNotFound)

			return
		}

		id := chi.URLParam(r, "id")

		run, err := cfg.Runs.Get(r.Context(), id)
		if errors.Is(err, runlog.ErrRunNotFound) {
			WriteError(w, http.StatusNotFound, "run not found", codeNotFound)

			return
		}

		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), codeInternal)

			return
		}

		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func saveUpload(dir, name string, src io.Reader) (string, error) {
	err := fsutil.EnsureDir(dir)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, uuid.NewString()[:8]+"_"+fsutil.SanitizeFilename(filepath.Base(name)))

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	_, err = io.Copy(dst, src)
	closeErr := dst.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("write %s: %w", path, err)
	}

	return path, nil
}

func streamVideo(w http.ResponseWriter, result pipeline.Result) error {
	video, err := os.Open(result.OutputPath)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "narrated video is missing", codeInternal)

		return err
	}
	defer video.Close()

	info, err := video.Stat()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "narrated video is unreadable", codeInternal)

		return err
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(result.OutputPath)}))
	w.Header().Set(HeaderRunID, result.RunID)

	if result.Title != "" {
		w.Header().Set(HeaderTitle, mime.BEncoding.Encode("utf-8", result.Title))
	}

	w.WriteHeader(http.StatusOK)

	_, err = io.Copy(w, video)

	return err
}

func removeDelivered(cfg ServerConfig, paths ...string) {
	err := fsutil.RemoveFiles(paths...)
	if err != nil {
		cfg.Logger.Warn("Failed to remove delivered files: %v", err)
	}
}

// writeRunError maps the failure taxonomy to HTTP statuses.
func writeRunError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Code: codeInternal}
	status := http.StatusInternalServerError

	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		resp.RunID = runErr.RunID
		resp.Stage = string(runErr.Stage)
	}

	switch {
	case errors.Is(err, core.ErrDescription), errors.Is(err, core.ErrSynthesis):
		status = http.StatusBadGateway
		resp.Code = codeUpstream
	case errors.Is(err, core.ErrSegmentation):
		status = http.StatusUnprocessableEntity
		resp.Code = codeUnprocessable
	case errors.Is(err, core.ErrAssembly), errors.Is(err, core.ErrComposition):
		resp.Code = codeMediaFailure
	}

	WriteJSON(w, status, resp)
}
