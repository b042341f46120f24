package worker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type trackedJob struct {
	header   events.EventHeader
	videoKey string
}

// StatusPublisher turns pipeline state transitions of worker-owned runs into
// NarrationStatusEvents. Runs are matched by their local video path, which is
// unique per job.
type StatusPublisher struct {
	natsConnection *nats.Conn
	subject        string
	log            *logger.Logger
	jobs           sync.Map
}

// NewStatusPublisher creates a publisher. An empty subject disables publishing.
func NewStatusPublisher(natsConnection *nats.Conn, subject string, log *logger.Logger) *StatusPublisher {
	return &StatusPublisher{
		natsConnection: natsConnection,
		subject:        subject,
		log:            log,
	}
}

// Track associates a local video path with the request that produced it.
func (p *StatusPublisher) Track(videoPath string, header events.EventHeader, videoKey string) {
	p.jobs.Store(videoPath, trackedJob{header: header, videoKey: videoKey})
}

// Untrack forgets a video path.
func (p *StatusPublisher) Untrack(videoPath string) {
	p.jobs.Delete(videoPath)
}

// Observe publishes event when it belongs to a tracked job.
func (p *StatusPublisher) Observe(event core.StageEvent) {
	if p.subject == "" {
		return
	}

	value, ok := p.jobs.Load(event.VideoPath)
	if !ok {
		return
	}

	job, _ := value.(trackedJob)

	status := NarrationStatusEvent{
		Header:   replyHeader(job.header),
		RunID:    event.RunID,
		VideoKey: job.videoKey,
		State:    string(event.State),
		Title:    event.Title,
	}

	if event.Err != nil {
		status.Error = event.Err.Error()
	}

	data, err := json.Marshal(status)
	if err != nil {
		p.log.Error("Failed to marshal status event for run %s: %v", event.RunID, err)

		return
	}

	err = p.natsConnection.Publish(p.subject, data)
	if err != nil {
		p.log.Warn("Failed to publish status for run %s: %v", event.RunID, err)
	}
}

// replyHeader keeps the workflow identity of the request and stamps a new
// event ID and time.
func replyHeader(request events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: request.WorkflowID,
		UserID:     request.UserID,
		TenantID:   request.TenantID,
		EventID:    uuid.NewString(),
	}
}
