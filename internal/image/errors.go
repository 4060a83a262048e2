package image

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMapped is returned when an address or offset is outside every section.
	ErrNotMapped = errors.New("image: address not mapped")
	// ErrOutOfBounds is returned when a mapped range runs past the buffer.
	ErrOutOfBounds = errors.New("image: read out of bounds")
)

// FormatError reports an unrecognized or structurally invalid container.
// It is fatal: no partial image is usable.
type FormatError struct {
	Format Format
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	name := string(e.Format)
	if name == "" {
		name = "container"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", name, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", name, e.Msg)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Formatf builds a FormatError with a formatted message.
func Formatf(f Format, format string, args ...any) *FormatError {
	return &FormatError{Format: f, Msg: fmt.Sprintf(format, args...)}
}

// TranslationError reports a failed address translation or read. Strategies
// treat it as a strategy miss, never as a crash.
type TranslationError struct {
	Addr uint64
	Err  error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("0x%x: %v", e.Addr, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// IsTranslation reports whether err is a translation failure.
func IsTranslation(err error) bool {
	var te *TranslationError
	return errors.As(err, &te)
}
