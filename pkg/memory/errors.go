package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the memory engine.
var (
	// ErrNotFound is returned for operations on an absent record id.
	ErrNotFound = errors.New("memory: record not found")

	// ErrIndexUnavailable means one retrieval path cannot serve requests.
	ErrIndexUnavailable = errors.New("memory: index unavailable")

	// ErrProviderUnavailable means the embedding provider could not be reached.
	ErrProviderUnavailable = errors.New("memory: embedding provider unavailable")

	// ErrInconsistent reports drift between the record store and an index.
	ErrInconsistent = errors.New("memory: stores inconsistent")

	// ErrValidation reports malformed summary content.
	ErrValidation = errors.New("memory: validation failed")

	// ErrDimensionMismatch is returned when a vector has the wrong size.
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")

	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("memory: engine closed")
)

// OpError describes a failed engine action. It names the action, carries
// the underlying cause and, where one exists, a remediation hint.
type OpError struct {
	Op     string
	ID     int64
	Kind   error
	Cause  error
	Remedy string
}

func (e *OpError) Error() string {
	var sb strings.Builder
	sb.WriteString("memory: ")
	sb.WriteString(e.Op)
	if e.ID > 0 {
		fmt.Fprintf(&sb, " record %d", e.ID)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	} else if e.Kind != nil {
		sb.WriteString(": ")
		sb.WriteString(strings.TrimPrefix(e.Kind.Error(), "memory: "))
	}
	if e.Remedy != "" {
		sb.WriteString(" (remedy: ")
		sb.WriteString(e.Remedy)
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap exposes both the taxonomy sentinel and the cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func opError(op string, id int64, kind, cause error, remedy string) error {
	return &OpError{Op: op, ID: id, Kind: kind, Cause: cause, Remedy: remedy}
}

func notFound(op string, id int64) error {
	return &OpError{Op: op, ID: id, Kind: ErrNotFound}
}

const (
	remedyProvider = "check that the embedding provider is running and reachable"
	remedyStore    = "check the data directory permissions and free disk space"
	remedyRebuild  = "run `mnemos validate --repair` to rebuild the indexes"
)
