// Package core defines the core business types and interfaces for the narration service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Description is the structured answer of the video description service.
// Content is the narration script; Title is delivered alongside the final video.
type Description struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Describer turns a video file into a narration script.
type Describer interface {
	Describe(ctx context.Context, videoPath string) (Description, error)
}

// SpeechRequest holds everything needed to voice a single phrase.
// PreviousText and NextText are prosody hints and may be empty at the boundaries.
type SpeechRequest struct {
	Text         string
	PreviousText string
	NextText     string
	VoiceID      string
	ModelID      string
	OutputFormat string
}

// SpeechSynthesizer converts one phrase into encoded audio bytes.
// Implementations must be safe for concurrent use by independent runs.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// DurationProber measures the playback length of an audio file in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}
