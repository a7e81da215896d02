package training

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStreamExhausted marks the end of one pass over the identity set.
	// BatchSequence consumes it; it never reaches the orchestrator's caller.
	ErrStreamExhausted = errors.New("batch stream exhausted")

	// ErrNoPositive is returned when an anchor has no other sample of its identity.
	ErrNoPositive = errors.New("anchor has no positive other than itself")

	// ErrNoNegative is returned when an anchor has no sample of another identity.
	ErrNoNegative = errors.New("anchor has no negative")

	// ErrInvalidConfig wraps configuration errors detected at construction.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMemoryBudget is the cause of a ResourceExhaustedError raised by a
	// memory budget refusal.
	ErrMemoryBudget = errors.New("memory budget exceeded")

	// ErrNonFiniteLoss is returned when a loss term is NaN or infinite.
	ErrNonFiniteLoss = errors.New("loss is not finite")
)

// DataIntegrityError indicates data that violates the batch population
// contract: an empty identity group or a batch whose layout does not match
// (P,K).
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DataIntegrityError struct {
	Reason   string
	Identity int // -1 when not identity specific
	cause    error
}

func (e *DataIntegrityError) Error() string {
	if e.Identity >= 0 {
		return fmt.Sprintf("data integrity: identity %d: %s", e.Identity, e.Reason)
	}
	return "data integrity: " + e.Reason
}

func (e *DataIntegrityError) Unwrap() error { return e.cause }

func newDataIntegrityError(identity int, cause error, format string, args ...interface{}) *DataIntegrityError {
	return &DataIntegrityError{Reason: fmt.Sprintf(format, args...), Identity: identity, cause: cause}
}

// ResourceExhaustedError reports that a forward/backward pass could not get
// the memory it needs.
type ResourceExhaustedError struct {
	Iteration int
	Requested int64
	Shapes    [][]int
	cause     error
}

func (e *ResourceExhaustedError) Error() string {
	shapes := make([]string, len(e.Shapes))
	for i, s := range e.Shapes {
		shapes[i] = fmt.Sprint(s)
	}
	return fmt.Sprintf("resource exhausted at iteration %d: requested %d bytes for inputs %s",
		e.Iteration, e.Requested, strings.Join(shapes, ", "))
}

func (e *ResourceExhaustedError) Unwrap() error { return e.cause }

// CheckpointWriteError reports a failure to persist a sub-model.
type CheckpointWriteError struct {
	SubModel SubModel
	cause    error
}

func NewCheckpointWriteError(sub SubModel, cause error) *CheckpointWriteError {
	return &CheckpointWriteError{SubModel: sub, cause: cause}
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("checkpoint write failed for %s: %v", e.SubModel, e.cause)
}

func (e *CheckpointWriteError) Unwrap() error { return e.cause }

// StageError identifies the orchestrator stage and iteration where a fatal
// error occurred.
type StageError struct {
	Stage     State
	Iteration int
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed at iteration %d: %v", e.Stage, e.Iteration, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
