package pipeline

import (
	"errors"
	"fmt"
)

// DuplicateNameError is returned by Registry.Register when the name is taken.
type DuplicateNameError struct{ Name string }

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("pipeline: stage %q already registered", e.Name)
}

// UnknownStageError is returned by Registry.Lookup when nothing is registered
// under the name.
type UnknownStageError struct{ Name string }

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("pipeline: stage %q not registered", e.Name)
}

// TransitionError reports a status change the caller is not allowed to make.
type TransitionError struct {
	TempID   string
	Stage    string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pipeline: stage %q may not move item %s from %s to %s", e.Stage, e.TempID, e.From, e.To)
}

// PlanError reports an invalid stage plan. Index is -1 for plan-wide problems.
type PlanError struct {
	Index int
	Stage string
	Err   error
}

func (e *PlanError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("pipeline: plan: %v", e.Err)
	}
	return fmt.Sprintf("pipeline: plan stage %d (%q): %v", e.Index, e.Stage, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// StageError wraps a failure raised by a stage invocation. Panicked is set
// when the failure was a recovered panic.
type StageError struct {
	Stage     string
	Partition int
	Panicked  bool
	Err       error
}

func (e *StageError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("stage %q partition %d panicked: %v", e.Stage, e.Partition, e.Err)
	}
	return fmt.Sprintf("stage %q partition %d: %v", e.Stage, e.Partition, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrEmptyPlan is returned when a plan has no stages.
var ErrEmptyPlan = errors.New("plan has no stages")

// IsUnknownStage reports whether err is or wraps an UnknownStageError.
func IsUnknownStage(err error) bool { return errors.As(err, new(*UnknownStageError)) }

// IsDuplicateName reports whether err is or wraps a DuplicateNameError.
func IsDuplicateName(err error) bool { return errors.As(err, new(*DuplicateNameError)) }
