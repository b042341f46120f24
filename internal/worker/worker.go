// Package worker provides a NATS worker that narrates videos on request. A
// request names a video in the object store; the reply names the narrated
// video uploaded next to it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultRunTimeout bounds a single narration job.
	DefaultRunTimeout = 15 * time.Minute
	// DefaultMaxConcurrentRuns bounds the jobs processed at once.
	DefaultMaxConcurrentRuns = 2
	defaultVideoName         = "input.mp4"
	outputSuffix             = "_narrated.mp4"
	drainTimeout             = 30 * time.Second
	drainPollInterval        = 20 * time.Millisecond
)

var (
	// ErrSubjectEmpty indicates that no request subject is configured.
	ErrSubjectEmpty = errors.New("worker subject cannot be empty")
	// ErrVideoKeyEmpty indicates a request without a video key.
	ErrVideoKeyEmpty = errors.New("video key cannot be empty")
	// ErrMissingDependency indicates a nil store, runner or logger.
	ErrMissingDependency = errors.New("worker dependency is missing")
)

// VideoStore moves videos between the object store and local files.
type VideoStore interface {
	DownloadFile(ctx context.Context, key, path string) error
	UploadFile(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
}

// Runner executes a narration run.
type Runner interface {
	Run(ctx context.Context, videoPath, outputPath string) (pipeline.Result, error)
}

// Config tunes the worker.
type Config struct {
	Subject           string
	QueueGroup        string
	WorkDir           string
	MaxConcurrentRuns int
	RunTimeout        time.Duration
	DeleteInput       bool
}

// NatsWorker listens for narration requests on a NATS subject and processes
// them with at most MaxConcurrentRuns jobs in flight.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	store          VideoStore
	runner         Runner
	status         *StatusPublisher
	log            *logger.Logger
	slots          chan struct{}
	jobs           sync.WaitGroup
	sub            *nats.Subscription
}

// NewNatsWorker creates a new instance of a NATS worker. status may be nil.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	store VideoStore,
	runner Runner,
	status *StatusPublisher,
	log *logger.Logger,
) (*NatsWorker, error) {
	if strings.TrimSpace(cfg.Subject) == "" {
		return nil, ErrSubjectEmpty
	}

	if natsConnection == nil || store == nil || runner == nil || log == nil {
		return nil, ErrMissingDependency
	}

	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(fsutil.DefaultScratchDir(), "jobs")
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		store:          store,
		runner:         runner,
		status:         status,
		log:            log,
		slots:          make(chan struct{}, cfg.MaxConcurrentRuns),
	}, nil
}

// Start subscribes to the request subject.
func (w *NatsWorker) Start() error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.cfg.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.cfg.Subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.sub = sub

	w.log.Info("Listening for narration requests on %s (max %d concurrent)", w.cfg.Subject, w.cfg.MaxConcurrentRuns)

	return nil
}

// Stop drains the subscription and waits for jobs in flight.
func (w *NatsWorker) Stop() error {
	if w.sub == nil {
		return nil
	}

	drainErr := w.sub.Drain()

	deadline := time.Now().Add(drainTimeout)
	for w.sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	w.jobs.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// Run processes requests until ctx is cancelled.
func (w *NatsWorker) Run(ctx context.Context) error {
	err := w.Start()
	if err != nil {
		return err
	}

	<-ctx.Done()

	return w.Stop()
}

// handleMessage blocks the subscription while every slot is busy, so that
// NATS holds back further deliveries instead of the worker queueing them.
func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	w.slots <- struct{}{}

	w.jobs.Add(1)

	go func() {
		defer func() {
			<-w.slots
			w.jobs.Done()
		}()

		w.process(msg)
	}()
}

func (w *NatsWorker) process(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse narration request: %v", err)
		w.reply(msg, &NarrationCompletedEvent{Header: replyHeader(event.Header), Error: err.Error()})

		return
	}

	reply := w.narrate(ctx, event)

	w.reply(msg, reply)
}

func (w *NatsWorker) narrate(ctx context.Context, event *NarrationRequestedEvent) *NarrationCompletedEvent {
	reply := &NarrationCompletedEvent{Header: replyHeader(event.Header), VideoKey: event.VideoKey}

	jobDir := filepath.Join(w.cfg.WorkDir, uuid.NewString())

	err := fsutil.EnsureDir(jobDir)
	if err != nil {
		reply.Error = err.Error()

		return reply
	}

	defer w.removeJobDir(jobDir)

	inputPath := filepath.Join(jobDir, inputName(event))
	outputPath := pipeline.DefaultOutputPath(inputPath)

	err = w.store.DownloadFile(ctx, event.VideoKey, inputPath)
	if err != nil {
		w.log.Error("Failed to download video %s for workflow %s: %v", event.VideoKey, event.Header.WorkflowID, err)
		reply.Error = err.Error()

		return reply
	}

	info, statErr := os.Stat(inputPath)
	if statErr == nil {
		w.log.Info("Downloaded %s (%s) for workflow %s", event.VideoKey, fsutil.FormatFileSize(info.Size()), event.Header.WorkflowID)
	}

	if w.status != nil {
		w.status.Track(inputPath, event.Header, event.VideoKey)
		defer w.status.Untrack(inputPath)
	}

	result, err := w.runner.Run(ctx, inputPath, outputPath)
	if err != nil {
		var runErr *pipeline.RunError
		if errors.As(err, &runErr) {
			reply.RunID = runErr.RunID
			reply.Stage = string(runErr.Stage)
		}

		w.log.Error("Narration failed for workflow %s: %v", event.Header.WorkflowID, err)
		reply.Error = err.Error()

		return reply
	}

	outputKey := outputKeyFor(event.VideoKey, result.RunID)

	err = w.store.UploadFile(ctx, outputKey, result.OutputPath)
	if err != nil {
		w.log.Error("Failed to upload narrated video %s: %v", outputKey, err)
		reply.RunID = result.RunID
		reply.Error = err.Error()

		return reply
	}

	if w.cfg.DeleteInput {
		deleteErr := w.store.Delete(ctx, event.VideoKey)
		if deleteErr != nil {
			w.log.Warn("Failed to delete source video %s: %v", event.VideoKey, deleteErr)
		}
	}

	reply.RunID = result.RunID
	reply.OutputKey = outputKey
	reply.Title = result.Title
	reply.Phrases = result.Phrases
	reply.DurationSeconds = result.Duration

	w.log.Info("Workflow %s narrated %s into %s (%q)", event.Header.WorkflowID, event.VideoKey, outputKey, result.Title)

	return reply
}

// reply marshals and responds with the completion event when the request
// carries a reply subject.
func (w *NatsWorker) reply(msg *nats.Msg, reply *NarrationCompletedEvent) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

func (w *NatsWorker) removeJobDir(dir string) {
	err := os.RemoveAll(dir)
	if err != nil {
		w.log.Warn("Failed to remove job directory %s: %v", dir, err)
	}
}

func parseEvent(msg *nats.Msg) (*NarrationRequestedEvent, error) {
	var event NarrationRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return &event, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if strings.TrimSpace(event.VideoKey) == "" {
		return &event, ErrVideoKeyEmpty
	}

	return &event, nil
}

func inputName(event *NarrationRequestedEvent) string {
	name := event.FileName
	if name == "" {
		name = filepath.Base(event.VideoKey)
	}

	if !fsutil.IsValidVideoFile(name) {
		return defaultVideoName
	}

	return fsutil.SanitizeFilename(name)
}

func outputKeyFor(videoKey, runID string) string {
	base := strings.TrimSuffix(videoKey, filepath.Ext(videoKey))

	return base + "_" + runID + outputSuffix
}
