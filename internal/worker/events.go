package worker

import "github.com/book-expert/events"

// NarrationRequestedEvent asks for one video to be narrated. VideoKey names the
// source video in the object store; FileName keeps its original extension.
type NarrationRequestedEvent struct {
	Header   events.EventHeader `json:"header"`
	VideoKey string             `json:"video_key"`
	FileName string             `json:"file_name,omitempty"`
}

// NarrationCompletedEvent is the reply to a NarrationRequestedEvent. Error is
// empty on success, and OutputKey then names the narrated video.
type NarrationCompletedEvent struct {
	Header          events.EventHeader `json:"header"`
	RunID           string             `json:"run_id,omitempty"`
	VideoKey        string             `json:"video_key"`
	OutputKey       string             `json:"output_key,omitempty"`
	Title           string             `json:"title,omitempty"`
	Phrases         int                `json:"phrases,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Stage           string             `json:"stage,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// NarrationStatusEvent reports one stage transition of a run.
type NarrationStatusEvent struct {
	Header   events.EventHeader `json:"header"`
	RunID    string             `json:"run_id"`
	VideoKey string             `json:"video_key"`
	State    string             `json:"state"`
	Title    string             `json:"title,omitempty"`
	Error    string             `json:"error,omitempty"`
}
