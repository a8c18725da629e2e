// Package transfer moves candidate bytes into the staging area. The primary
// driver shells out to aria2c for multi-connection downloads with resume; a
// plain HTTP driver serves as fallback when aria2c is not installed.
package transfer

import (
	"context"
)

// Status describes where a transfer is in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Progress is a point-in-time snapshot of a running transfer.
type Progress struct {
	BytesDone  int64
	TotalBytes int64 // 0 when the server does not declare a length
	Status     Status
	Err        error // terminal error, set when Status is failed
}

// Options tunes a single transfer.
type Options struct {
	// Connections is the number of parallel connections to open against the
	// server. Only the aria2c driver honors values above 1.
	Connections int
	// Resume continues from an existing partial file when one is present.
	Resume bool
	// ExpectedSize, when non-zero, is the declared artifact size. Drivers may
	// use it to size progress reporting; it is not enforced here.
	ExpectedSize int64
}

// Handle tracks a transfer started by a Driver.
type Handle interface {
	// Poll returns the current progress snapshot. Once the returned status is
	// terminal (completed, failed, cancelled) it never changes again.
	Poll() Progress
	// Cancel stops the transfer, keeping any partial file on disk so a later
	// attempt can resume. Cancel is idempotent.
	Cancel()
}

// Driver starts transfers. Implementations must leave a fully written file at
// destPath on success and may leave partial state behind on failure.
type Driver interface {
	// Start begins fetching locator into destPath and returns immediately.
	Start(ctx context.Context, locator, destPath string, opts Options) (Handle, error)
	// Name identifies the driver in logs.
	Name() string
}
