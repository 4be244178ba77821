package subscriptions

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no subscription matches
	ErrNotFound = errors.New("subscription not found")
	// ErrAlreadyExists is returned by Create for a duplicate id
	ErrAlreadyExists = errors.New("subscription already exists")
	// ErrVersionConflict is returned when a concurrent write changed the record
	ErrVersionConflict = errors.New("subscription version conflict")
	// ErrInvalidTransition is returned for a status move the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalid is returned when a record violates its invariants
	ErrInvalid = errors.New("invalid subscription")
)

// StoreError wraps every failure returned by a Store
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("subscriptions %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
