package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInput marks an unusable input (empty forecast, malformed brackets).
	// Fatal for one evaluation unit only.
	ErrInput = errors.New("input error")
	// ErrProvider marks a forecast, pricing or resolution call that failed after retries.
	ErrProvider = errors.New("provider error")
	// ErrValidation marks a broken internal invariant (normalization, sigma).
	ErrValidation = errors.New("validation error")
	// ErrAlreadyResolved is returned when a resolved trade is resolved to a different outcome.
	ErrAlreadyResolved = errors.New("trade already resolved")
)

// ErrorKind classifies a unit error for reporting.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInput):
		return "input"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAlreadyResolved):
		return "resolution"
	default:
		return "unknown"
	}
}

// KindError rebuilds an error of the given kind from its stored message.
// ErrorKind of the result is kind; unknown kinds wrap no sentinel.
func KindError(kind, msg string) error {
	var sentinel error
	switch kind {
	case "input":
		sentinel = ErrInput
	case "provider":
		sentinel = ErrProvider
	case "validation":
		sentinel = ErrValidation
	case "resolution":
		sentinel = ErrAlreadyResolved
	}
	return storedError{msg: msg, kind: sentinel}
}

type storedError struct {
	msg  string
	kind error
}

func (e storedError) Error() string { return e.msg }
func (e storedError) Unwrap() error { return e.kind }

// UnitError is a non-fatal error scoped to one (station, date) unit, or to one
// bracket within it when BracketID is set.
type UnitError struct {
	Station   string `json:"station" yaml:"station"`
	Date      string `json:"date" yaml:"date"`
	BracketID string `json:"bracket_id,omitempty" yaml:"bracket_id,omitempty"`
	Err       error  `json:"-" yaml:"-"`
}

func (e UnitError) Error() string {
	if e.BracketID != "" {
		return fmt.Sprintf("%s error for %s/%s bracket %s: %v", ErrorKind(e.Err), e.Station, e.Date, e.BracketID, e.Err)
	}
	return fmt.Sprintf("%s error for %s/%s: %v", ErrorKind(e.Err), e.Station, e.Date, e.Err)
}

func (e UnitError) Unwrap() error { return e.Err }
