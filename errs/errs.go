// Package errs defines the semantic error categories shared across the
// slotlog, pagerecycler, and volume packages (spec.md §7). Call sites wrap
// these sentinels with github.com/pkg/errors to attach context; callers
// recover the category with errors.Is / errors.Cause.
package errs

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSpace is returned when a grant reservation fails with wait=false,
	// or the log capacity is exceeded.
	ErrNoSpace = errors.New("llfs: no space")

	// ErrCancelled is returned to callers suspended on a wait when halt()
	// is observed.
	ErrCancelled = errors.New("llfs: cancelled")

	// ErrRecyclerStopped is returned by recycler operations once the
	// recycler has been halted.
	ErrRecyclerStopped = errors.New("llfs: recycler stopped")

	// ErrLogIO wraps underlying device failures on append/sync/trim.
	ErrLogIO = errors.New("llfs: log i/o error")

	// ErrRecoveryCorruption indicates WAL replay found malformed or
	// inconsistent records. Fatal.
	ErrRecoveryCorruption = errors.New("llfs: recovery corruption")

	// ErrStaleRead is returned by Volume.reader when the requested bounds
	// fall below the volume's trim lock.
	ErrStaleRead = errors.New("llfs: stale read")

	// ErrPageDeleteFailed is terminal after exhausting the retry backoff
	// around PageDeleter.delete_pages.
	ErrPageDeleteFailed = errors.New("llfs: page delete failed")
)

// Policy panics with the given message. PolicyViolation categories
// (spec.md §7) are programming errors, not recoverable conditions: a
// sequencer used twice, a grant spent against the wrong issuer, and so on.
// They terminate the process rather than propagate as errors.
func Policy(msg string, args ...interface{}) {
	err := errors.Errorf("llfs: policy violation: "+msg, args...)
	logrus.WithField("category", "policy_violation").Panic(err)
}
