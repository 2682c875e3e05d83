package replay

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// Sentinels for errors.Is. Every concrete error type below matches exactly
// one of them.
var (
	ErrTargeting            = errors.New("historical element could not be resolved")
	ErrUnexpectedPageChange = errors.New("page changed unexpectedly")
	ErrActionExecution      = errors.New("action execution failed")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrNoViablePath         = errors.New("no viable path through recording")
	ErrCancelled            = errors.New("replay cancelled")
)

// TargetingError reports a recorded element that is no longer on the page.
type TargetingError struct {
	Action   string
	Position int
	Locator  string
}

func (e *TargetingError) Error() string {
	return fmt.Sprintf("element for action %d (%s) not found in current page: %s", e.Position, e.Action, e.Locator)
}

func (e *TargetingError) Is(target error) bool { return target == ErrTargeting }

// UnexpectedPageChangeError reports that new structural positions appeared in
// the middle of a step. It truncates the step but is not fatal.
type UnexpectedPageChangeError struct {
	Completed   int
	Total       int
	NewElements int
}

func (e *UnexpectedPageChangeError) Error() string {
	return fmt.Sprintf("%d new elements appeared after action %d of %d", e.NewElements, e.Completed, e.Total)
}

func (e *UnexpectedPageChangeError) Is(target error) bool { return target == ErrUnexpectedPageChange }

// ActionExecutionError reports an action the environment rejected or failed.
type ActionExecutionError struct {
	Action   string
	Position int
	Code     schemas.ErrorCode
	Err      error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Position, e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

func (e *ActionExecutionError) Is(target error) bool { return target == ErrActionExecution }

// RetriesExhaustedError reports a step that failed on every attempt. Err is
// the error of the last attempt.
type RetriesExhaustedError struct {
	Step     int
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("step %d failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// NoViablePathError reports a tree whose every branch has been exhausted.
type NoViablePathError struct {
	Exhausted int
}

func (e *NoViablePathError) Error() string {
	return fmt.Sprintf("every branch of the recording tree failed (%d branches exhausted)", e.Exhausted)
}

func (e *NoViablePathError) Is(target error) bool { return target == ErrNoViablePath }

// CancelledError reports a run stopped by its caller. It unwraps to the
// context error, so errors.Is(err, context.Canceled) holds for user
// cancellation.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// RunError is the fatal error of a replay run. It carries everything recorded
// up to the failure so partial progress is never lost.
type RunError struct {
	Err error
	// Outcomes is the run transcript up to and including the fatal entry.
	Outcomes []schemas.ActionOutcome
	// Path is the sequence of chosen child indices (step indices for linear runs).
	Path []int
	// Step and Action describe what was executing when the run failed.
	Step   *schemas.RecordedStep
	Action *schemas.Action
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// IsCancelled reports whether err stems from caller cancellation rather than a
// replay failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
