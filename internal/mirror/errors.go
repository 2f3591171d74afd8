package mirror

import (
	"github.com/cockroachdb/errors"
)

// Error classes.  Every error surfaced by the engine is marked with
// exactly one of these sentinels so callers can branch on the class
// with errors.Is without string matching.
//
// Network and integrity errors are recoverable: they fail a file or a
// package but leave the run standing.  Consistency, storage, and
// config errors are fatal to the whole run.
var (
	ErrNetwork     = errors.New("network error")
	ErrConsistency = errors.New("consistency error")
	ErrIntegrity   = errors.New("integrity error")
	ErrStorage     = errors.New("storage error")
	ErrConfig      = errors.New("configuration error")
	ErrNotFound    = errors.New("not found")
)

func markNetwork(err error) error {
	return errors.Mark(err, ErrNetwork)
}

func markConsistency(err error) error {
	return errors.Mark(err, ErrConsistency)
}

func markIntegrity(err error) error {
	return errors.Mark(err, ErrIntegrity)
}

func markStorage(err error) error {
	return errors.Mark(err, ErrStorage)
}

func markConfig(err error) error {
	return errors.Mark(err, ErrConfig)
}

// isFatal reports whether an error must abort the run instead of
// excluding a single file or package.
func isFatal(err error) bool {
	return errors.Is(err, ErrConsistency) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrConfig)
}
