// Package orchestrator drives a run through extract, transform, load and commit for each batch.
package orchestrator

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/relloyd/lakepipe/stream"
)

type State int

const (
	Idle State = iota
	Extracting
	Transforming
	Loading
	Committing
	Done
	Failed
)

var stateNames = map[State]string{
	Idle:         "idle",
	Extracting:   "extracting",
	Transforming: "transforming",
	Loading:      "loading",
	Committing:   "committing",
	Done:         "done",
	Failed:       "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsFinal reports whether a run in state s has ended.
func (s State) IsFinal() bool {
	return s == Done || s == Failed
}

// ErrStopped is the cause of a run that was stopped or cancelled before reaching the end of the source.
var ErrStopped = errors.New("run stopped before the end of the source")

// RunError describes the batch and state a run failed in.
// The checkpoint is left at the last committed batch.
type RunError struct {
	RunID string
	Seq   int64
	Range stream.WatermarkRange
	State State
	Err   error
}

func (e *RunError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("run %v failed while %v: %v", e.RunID, e.State, e.Err)
	}
	return fmt.Sprintf("run %v failed while %v batch %d %v: %v", e.RunID, e.State, e.Seq, e.Range, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
