// Package ingesterr holds the failure taxonomy shared by the pipeline stages.
// Stage errors are marked with one of these sentinels so callers can
// classify them with errors.Is without knowing the concrete type.
package ingesterr

import (
	crerr "github.com/cockroachdb/errors"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx, 429, resets.
	ErrTransient = crerr.New("transient failure")
	// ErrPermanent marks fetch failures that retrying cannot fix.
	ErrPermanent = crerr.New("permanent failure")
	// ErrStructural marks an artifact that cannot be reconciled at all.
	ErrStructural = crerr.New("structural failure")
	// ErrLoadTransaction marks a season batch whose transaction was rolled back.
	ErrLoadTransaction = crerr.New("load transaction failure")
	// ErrInvalidInput marks bad catalogs, configs and stage files.
	ErrInvalidInput = crerr.New("invalid input")
)

// Mark tags err with the sentinel kind. A nil err stays nil.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return crerr.Mark(err, kind)
}

// Is reports whether err carries the kind mark anywhere in its chain.
// Marks are invisible to the standard library's errors.Is.
func Is(err error, kind error) bool {
	return crerr.Is(err, kind)
}

func IsTransient(err error) bool {
	return crerr.Is(err, ErrTransient)
}

func IsStructural(err error) bool {
	return crerr.Is(err, ErrStructural)
}

func IsLoadFailure(err error) bool {
	return crerr.Is(err, ErrLoadTransaction)
}
