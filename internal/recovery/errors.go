package recovery

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrExhausted means every automated strategy failed and no manual
	// answer was available.
	ErrExhausted = errors.New("recovery: all strategies failed")
	// ErrNotFound is returned by a strategy that ran to completion without
	// a candidate passing validation.
	ErrNotFound = errors.New("recovery: no candidate")
	// ErrNoAnswer is returned by a resolver that cannot supply a datum.
	ErrNoAnswer = errors.New("recovery: resolver has no answer")
)

// RecoveryError ends a run: nothing was found and manual resolution was
// unavailable, the manually supplied structures could not be read, or the
// metadata base of a dump could not be corrected.
type RecoveryError struct {
	Strategy Strategy
	Err      error
}

func (e *RecoveryError) Error() string {
	if e.Strategy == None {
		return fmt.Sprintf("recovery: %v", e.Err)
	}
	return fmt.Sprintf("recovery: %s: %v", e.Strategy, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// ConfigurationError rejects an inconsistent version or flag set before
// any probing starts.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "recovery: configuration: " + e.Msg }
