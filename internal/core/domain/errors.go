package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrChainDiscontinuity means a block's parent is not reachable in the retained window.
	ErrChainDiscontinuity = errors.New("chain discontinuity")

	// ErrConflict means the stored pointer diverged from the writer's assumed prior.
	ErrConflict = errors.New("progress write conflict")

	// ErrStoreTimeout means a progress store call exceeded its bound.
	ErrStoreTimeout = errors.New("progress store timeout")

	// ErrProcessing means the mapping executor failed a step.
	ErrProcessing = errors.New("processing error")

	// ErrUsage is a rejected lifecycle call.
	ErrUsage = errors.New("usage error")

	// ErrInvalidBlock is a block that violates its own integrity rules.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrNotFound is returned when a progress record does not exist.
	ErrNotFound = errors.New("progress record not found")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreTimeout)
}

// StepKind names what the driver was doing when an error occurred.
type StepKind string

const (
	StepApply  StepKind = "apply"
	StepRevert StepKind = "revert"
	StepPlan   StepKind = "plan"
	StepRead   StepKind = "read"
)

// StepError carries the failing block pointer and step kind.
type StepError struct {
	Kind StepKind
	Ptr  *BlockPtr
	Err  error
}

func (e *StepError) Error() string {
	if e.Ptr == nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Ptr, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ErrorKind returns a short label for the taxonomy class of err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChainDiscontinuity):
		return "chain_discontinuity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStoreTimeout):
		return "store_timeout"
	case errors.Is(err, ErrProcessing):
		return "processing"
	case errors.Is(err, ErrUsage):
		return "usage"
	case errors.Is(err, ErrInvalidBlock):
		return "invalid_block"
	default:
		return "internal"
	}
}
