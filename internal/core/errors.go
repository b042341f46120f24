package core

import "errors"

// Failure taxonomy of a narration run. Every stage wraps one of these so callers
// can classify a failure with errors.Is. None of them is retried internally.
var (
	// ErrDescription indicates that the description service returned no narration text.
	ErrDescription = errors.New("description failure")
	// ErrSegmentation indicates that the narration text produced no phrases.
	ErrSegmentation = errors.New("segmentation failure")
	// ErrSynthesis indicates a failed speech call, empty audio, or an unmeasurable duration.
	ErrSynthesis = errors.New("synthesis error")
	// ErrAssembly indicates that the audio concatenation step failed.
	ErrAssembly = errors.New("assembly error")
	// ErrComposition indicates that the final mux and subtitle burn-in failed.
	ErrComposition = errors.New("composition error")
)
