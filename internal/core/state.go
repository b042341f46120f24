package core

import "time"

// State is a stage of the narration run state machine.
type State string

// Run states in the order a successful run visits them. Failed is reachable from any stage.
const (
	StateIdle          State = "idle"
	StateTextReady     State = "text_ready"
	StateTimelineReady State = "timeline_ready"
	StateComposed      State = "composed"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// StageEvent describes one state transition of a run.
type StageEvent struct {
	RunID     string
	VideoPath string
	State     State
	Title     string
	Phrases   int
	Duration  float64
	Err       error
	At        time.Time
}
