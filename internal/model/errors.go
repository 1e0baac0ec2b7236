package model

import "errors"

// ErrorKind classifies a stage failure.
type ErrorKind string

// Error kinds. Transient failures are retried; the rest send the asset to
// review, except persistence which aborts the run.
const (
	KindTransient       ErrorKind = "transient"
	KindDataUnavailable ErrorKind = "data_unavailable"
	KindValidation      ErrorKind = "validation"
	KindPersistence     ErrorKind = "persistence"
	// KindPermanent is a collaborator rejection such as bad credentials or a
	// malformed request.
	KindPermanent ErrorKind = "permanent"
)

// Kinded is implemented by errors that carry their own classification.
type Kinded interface {
	error
	ErrorKind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind(), true
	}
	return "", false
}

// StageError is a classified failure with a human-readable reason.
type StageError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrorKind implements Kinded.
func (e *StageError) ErrorKind() ErrorKind {
	return e.Kind
}

// DataUnavailable reports missing recognition or pricing data.
func DataUnavailable(reason string, err error) *StageError {
	return &StageError{Kind: KindDataUnavailable, Reason: reason, Err: err}
}

// Invalid reports malformed input such as an undetectable card boundary.
func Invalid(reason string, err error) *StageError {
	return &StageError{Kind: KindValidation, Reason: reason, Err: err}
}

// Persistence reports an unreadable or unwritable ledger.
func Persistence(reason string, err error) *StageError {
	return &StageError{Kind: KindPersistence, Reason: reason, Err: err}
}

// Permanent reports a collaborator rejection that must not be retried.
func Permanent(reason string, err error) *StageError {
	return &StageError{Kind: KindPermanent, Reason: reason, Err: err}
}

// IsPersistence reports whether err is a fatal persistence failure.
func IsPersistence(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindPersistence
}
