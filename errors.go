package vislocate

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vislocate/resection"
)

var (
	// ErrNotReady is returned when an operation runs before the localizer
	// reached the state it requires.
	ErrNotReady = errors.New("vislocate: localizer not ready")

	// ErrInvalidQuery is returned for queries without usable regions.
	ErrInvalidQuery = errors.New("vislocate: invalid query")

	// ErrNoCandidates matches LocalizationError of kind NoCandidates.
	ErrNoCandidates = errors.New("no candidate views")
	// ErrInsufficientCorrespondences matches LocalizationError of kind
	// InsufficientCorrespondences.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrResectionDegenerate matches LocalizationError of kind
	// ResectionDegenerate.
	ErrResectionDegenerate = errors.New("degenerate resection")
	// ErrResectionBelowThreshold matches LocalizationError of kind
	// ResectionBelowThreshold.
	ErrResectionBelowThreshold = errors.New("resection below inlier threshold")
)

// ConfigurationError indicates an invalid localizer option.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigurationError struct {
	Field string
	cause error
}

func (e *ConfigurationError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("vislocate: invalid configuration: %s", e.Field)
	}
	return fmt.Sprintf("vislocate: invalid configuration: %s: %v", e.Field, e.cause)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

// LoadError indicates a missing or corrupt asset during initialization.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type LoadError struct {
	Asset string
	cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("vislocate: load %s: %v", e.Asset, e.cause)
}

func (e *LoadError) Unwrap() error { return e.cause }

// FailureKind classifies why a query could not be localized.
type FailureKind int

const (
	NoCandidates FailureKind = iota + 1
	InsufficientCorrespondences
	ResectionDegenerate
	ResectionBelowThreshold
)

func (k FailureKind) String() string {
	switch k {
	case NoCandidates:
		return "no_candidates"
	case InsufficientCorrespondences:
		return "insufficient_correspondences"
	case ResectionDegenerate:
		return "resection_degenerate"
	case ResectionBelowThreshold:
		return "resection_below_threshold"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k FailureKind) sentinel() error {
	switch k {
	case NoCandidates:
		return ErrNoCandidates
	case InsufficientCorrespondences:
		return ErrInsufficientCorrespondences
	case ResectionDegenerate:
		return ErrResectionDegenerate
	case ResectionBelowThreshold:
		return ErrResectionBelowThreshold
	default:
		return nil
	}
}

// LocalizationError is a recoverable per-query failure. Diagnostics holds
// what was gathered before giving up.
type LocalizationError struct {
	Kind        FailureKind
	Diagnostics *Diagnostics
	cause       error
}

func (e *LocalizationError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("vislocate: localization failed: %v", e.Kind)
	}
	return fmt.Sprintf("vislocate: localization failed: %v: %v", e.Kind, e.cause)
}

func (e *LocalizationError) Unwrap() error { return e.cause }

// Is reports whether target is the sentinel of e's kind.
func (e *LocalizationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// failureKind maps a resection error to its failure kind. ok is false for
// errors that are not per-query failures.
func failureKind(err error) (FailureKind, bool) {
	switch {
	case errors.Is(err, resection.ErrInsufficientPoints):
		return InsufficientCorrespondences, true
	case errors.Is(err, resection.ErrDegenerate):
		return ResectionDegenerate, true
	case errors.Is(err, resection.ErrBelowThreshold):
		return ResectionBelowThreshold, true
	default:
		return 0, false
	}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, resection.ErrInvalidOptions) {
		return &ConfigurationError{Field: "resection", cause: err}
	}
	return err
}
