package estimate

import (
	"errors"
	"fmt"
)

var (
	// ErrBrandAbsent means neither the segment nor any segment of its brand
	// exists in the active snapshot.
	ErrBrandAbsent = errors.New("unknown brand/model")

	// ErrSnapshotUnavailable means no trained snapshot could be obtained.
	ErrSnapshotUnavailable = errors.New("no trained snapshot available")

	// errSegmentAbsent is consumed by the fallback chain and never returned.
	errSegmentAbsent = errors.New("segment absent")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
