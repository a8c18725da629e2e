// Package errors defines the error taxonomy of the download engine and small
// wrapping helpers used throughout mlget.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common error types.
var (
	// Resolution errors.
	ErrResolution      = fmt.Errorf("no known source matches the requested artifact")
	ErrUnknownPlatform = fmt.Errorf("unsupported platform tag")

	// Transfer errors. ErrStalled wraps ErrConnection so a stalled transfer
	// classifies as retryable like any other connection fault.
	ErrConnection      = fmt.Errorf("connection failed")
	ErrStalled         = fmt.Errorf("transfer stalled: %w", ErrConnection)
	ErrProcess         = fmt.Errorf("external downloader failed")
	ErrFetchInProgress = fmt.Errorf("fetch already in progress for this artifact")

	// Integrity errors.
	ErrHashMismatch = fmt.Errorf("artifact hash mismatch")
	ErrSizeMismatch = fmt.Errorf("artifact size mismatch")
)

// ServerError represents an HTTP-level rejection from a source. 5xx responses
// are retryable with backoff; 4xx responses are fatal for the candidate.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected request with status %d", e.StatusCode)
}

// Retryable reports whether the same candidate may be tried again.
func (e *ServerError) Retryable() bool {
	return e.StatusCode >= 500
}

// IsRetryable reports whether an error may be retried against the same
// candidate with backoff. Connection faults and 5xx server errors qualify;
// everything else (4xx, integrity failures, process faults) does not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConnection) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Retryable()
	}
	return false
}

// IsIntegrity reports whether an error is a hash or size mismatch. Integrity
// failures abandon the candidate; they are never downgraded to success.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrHashMismatch) || errors.Is(err, ErrSizeMismatch)
}

// IsFatal reports whether an error terminates the whole run rather than just
// the current candidate. A missing or crashed external downloader indicates
// an environment defect and is never retried per-candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProcess)
}

// CandidateFailure records how one candidate failed during a fetch.
type CandidateFailure struct {
	Locator   string
	Attempts  int
	BytesDone int64
	Err       error
}

func (f CandidateFailure) String() string {
	return fmt.Sprintf("%s: %v (attempts=%d, bytes=%d)", f.Locator, f.Err, f.Attempts, f.BytesDone)
}

// ExhaustedError is the terminal aggregate failure returned when every
// candidate for a spec was tried without success. It carries the per-candidate
// failure reasons for diagnosis.
type ExhaustedError struct {
	Spec     string
	Failures []CandidateFailure
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %d candidates failed for %s", len(e.Failures), e.Spec)
	for _, f := range e.Failures {
		sb.WriteString("\n  ")
		sb.WriteString(f.String())
	}
	return sb.String()
}

// Unwrap exposes the per-candidate causes to errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			out = append(out, f.Err)
		}
	}
	return out
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
