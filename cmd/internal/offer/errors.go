package offer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when an input fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the offer document does not exist.
	ErrNotFound = errors.New("offer not found")

	// ErrVersionConflict is returned when a write was based on a stale version of the document.
	ErrVersionConflict = errors.New("offer version conflict")

	// ErrInvalidTransition is returned when the current status does not allow the requested operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotAuthorized is returned when the acting party is not one of the offer's parties.
	ErrNotAuthorized = errors.New("actor is not a party to the offer")

	// ErrSameParty is returned when a party tries to answer its own latest proposal.
	ErrSameParty = errors.New("latest proposal must be answered by the other party")

	// ErrClosed is returned by a closed Broker.
	ErrClosed = errors.New("broker closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers and tests.
// Kind is one of the sentinel errors above; Err keeps the underlying cause when there is one.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil && e.Err != e.Kind {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// wrapStoreErr classifies a store failure. Known sentinels keep their kind; anything else is returned
// wrapped with the operation name so the original diagnostics survive.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	for _, kind := range []error{ErrNotFound, ErrVersionConflict, ErrInvalidInput} {
		if errors.Is(err, kind) {
			return OpError{Op: op, Kind: kind, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err means the write lost a race or broke the state machine.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSameParty)
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
