// Package api is the HTTP front end of the narration service: upload a video,
// receive the narrated video back, and inspect the run history.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/doctor"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/runlog"
)

const (
	// DefaultMaxUploadBytes bounds the multipart request body.
	DefaultMaxUploadBytes = 512 << 20
	// DefaultMaxConcurrentRuns bounds the runs executing at once.
	DefaultMaxConcurrentRuns = 2
	readTimeout              = 5 * time.Minute
	idleTimeout              = 60 * time.Second
)

// Runner executes a narration run.
type Runner interface {
	Run(ctx context.Context, videoPath, outputPath string) (pipeline.Result, error)
}

// RunStore answers run history queries.
type RunStore interface {
	Get(ctx context.Context, id string) (runlog.Run, error)
	Recent(ctx context.Context, limit int) ([]runlog.Run, error)
}

// Server wraps the HTTP listener.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// ServerConfig wires the handlers. Runs and Doctor are optional.
type ServerConfig struct {
	Addr              string
	UploadDir         string
	MaxUploadBytes    int64
	MaxConcurrentRuns int
	Pipeline          Runner
	Runs              RunStore
	Doctor            *doctor.Doctor
	Logger            *logger.Logger
	StartTime         time.Time
	Version           string
}

// NewServer creates a server for cfg. A run can take minutes, so responses have
// no write timeout.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       idleTimeout,
		},
		log: cfg.Logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server on %s", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
