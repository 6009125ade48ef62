package exp

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these sentinels so callers can use errors.Is.
var (
	// ErrUnknownBaseline is bad input and fatal to the run.
	ErrUnknownBaseline = errors.New("unknown baseline")
	// ErrActivationTimeout means the platform did not converge in time.
	ErrActivationTimeout = errors.New("activation timeout")
	// ErrConcurrentActivation means another activation is already in flight.
	ErrConcurrentActivation = errors.New("concurrent activation")
	// ErrTrialTimeout means no first response arrived within the per-trial timeout.
	ErrTrialTimeout = errors.New("trial timeout")
	// ErrTrialError means a control-plane call failed after all retries.
	ErrTrialError = errors.New("trial error")
	// ErrMissingEvent means a required milestone was never observed.
	ErrMissingEvent = errors.New("missing event")
	// ErrDuplicateRecord means a record with the same key is already stored.
	ErrDuplicateRecord = errors.New("duplicate record")
	// ErrStoreUnavailable means durable persistence failed; the run cannot continue.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRunNotFound means no run manifest exists for the identifier.
	ErrRunNotFound = errors.New("run not found")
)

// BaselineError attaches a baseline identifier to a failure.
type BaselineError struct {
	Baseline string
	Kind     error
	Msg      string
}

func (e *BaselineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("baseline %q: %s", e.Baseline, e.Kind.Error())
	}
	return fmt.Sprintf("baseline %q: %s: %s", e.Baseline, e.Kind.Error(), e.Msg)
}

func (e *BaselineError) Unwrap() error { return e.Kind }

// MissingEventError lists the required milestones a trial never observed.
type MissingEventError struct {
	Key     RecordKey
	Missing []EventName
}

func (e *MissingEventError) Error() string {
	return fmt.Sprintf("record %s: %s: %v", e.Key, ErrMissingEvent.Error(), e.Missing)
}

func (e *MissingEventError) Unwrap() error { return ErrMissingEvent }

// DuplicateRecordError names the key that already exists.
type DuplicateRecordError struct {
	Key RecordKey
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("record %s: %s", e.Key, ErrDuplicateRecord.Error())
}

func (e *DuplicateRecordError) Unwrap() error { return ErrDuplicateRecord }

// StoreError wraps an I/O failure as ErrStoreUnavailable while keeping the cause.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
