package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Error taxonomy shared by the collector, detectors and API layer.
var (
	ErrSourceUnavailable = errors.New("metrics source unavailable")
	ErrNoData            = errors.New("metrics source returned no data")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrDegenerateFeature = errors.New("degenerate feature")
	ErrPersistence       = errors.New("persistence failure")
	ErrServiceNotFound   = errors.New("service not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrRateLimited       = errors.New("rate limited")
)

// InsufficientDataError reports a window shorter than the detection minimum.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d samples, need %d", e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// DegenerateFeatureError names the first feature column with zero variance.
type DegenerateFeatureError struct {
	Feature string
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("degenerate feature %q: zero variance across window", e.Feature)
}

func (e *DegenerateFeatureError) Unwrap() error { return ErrDegenerateFeature }

// Persistence wraps a store error so callers can match ErrPersistence and
// still reach the driver error with errors.As.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError(op, "store operation failed", fmt.Errorf("%w: %w", ErrPersistence, err))
}

// SourceUnavailable wraps a transport or timeout error from the metrics source.
func SourceUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError(op, "metrics source request failed", fmt.Errorf("%w: %w", ErrSourceUnavailable, err))
}

// IsDetectionSkip reports whether err means detection cannot run on the current window.
func IsDetectionSkip(err error) bool {
	return errors.Is(err, ErrInsufficientData) || errors.Is(err, ErrDegenerateFeature)
}
