// Package toprepoerr defines the engine-level error taxonomy (spec §7):
// ConfigError, MissingObject, TransportError, InvariantViolation, and
// Corruption, each carrying structured context rather than only a
// formatted string, so callers can branch with errors.As instead of
// string-matching -- grounded on the pkg/errors wrap/cause idiom used
// across the example corpus (e.g. make-os-kit) rather than bare fmt.Errorf.
package toprepoerr

import (
	"fmt"

	"github.com/meroton/git-toprepo/internal/repokey"
)

// ExitCode maps a toprepo error to the engine-level exit code contract in
// spec §6: 0 success, 1 user-actionable failure, 2 internal invariant
// violation.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case *ConfigErr, *TransportErr:
		return 1
	case *InvariantViolationErr, *CorruptionErr:
		return 2
	default:
		return 1
	}
}

// ConfigErr: malformed or inconsistent configuration; fatal at startup.
type ConfigErr struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ConfigErr) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Path, e.Reason)
}
func (e *ConfigErr) Unwrap() error { return e.Cause }

// MissingObjectErr: a referenced commit absent from the store and not
// fetchable after the fetch loop converges. Drives a suggested config
// addition rather than aborting the run.
type MissingObjectErr struct {
	RepoKey repokey.Key
	Commit  string
	Path    string
}

func (e *MissingObjectErr) Error() string {
	return fmt.Sprintf("missing object %s in %s at %s", e.Commit, e.RepoKey, e.Path)
}

// TransportErr: subprocess or network failure; fatal for the affected
// RepoKey, non-fatal for the run as a whole.
type TransportErr struct {
	RepoKey repokey.Key
	Op      string
	Cause   error
}

func (e *TransportErr) Error() string {
	return fmt.Sprintf("transport %s failed for %s: %v", e.Op, e.RepoKey, e.Cause)
}
func (e *TransportErr) Unwrap() error { return e.Cause }

// InvariantViolationErr: an expansion would violate a data-model
// invariant; fatal, emitted with the offending ids.
type InvariantViolationErr struct {
	Invariant string
	RepoKey   repokey.Key
	Commit    string
	Detail    string
}

func (e *InvariantViolationErr) Error() string {
	return fmt.Sprintf("invariant violation %q for %s@%s: %s", e.Invariant, e.RepoKey, e.Commit, e.Detail)
}

// CorruptionErr: the object store returned an object whose hash disagrees
// with its content; fatal.
type CorruptionErr struct {
	Expected string
	Actual   string
}

func (e *CorruptionErr) Error() string {
	return fmt.Sprintf("object store corruption: expected %s, got %s", e.Expected, e.Actual)
}
