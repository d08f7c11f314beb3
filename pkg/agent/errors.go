package agent

import "errors"

// Classification is the error tag set by the dispatch calling convention. The
// orchestrator routes on it without inspecting agent-internal error types: transient
// failures feed the retry policy and the circuit breaker tally, fatal failures end the
// execution and trigger the compensation sweep.
type Classification string

const (
	ClassificationTransient Classification = "transient"
	ClassificationFatal     Classification = "fatal"
)

// ClassifiedError wraps an agent error with its classification tag.
type ClassifiedError struct {
	Class Classification
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient tags err as retryable: timeouts, rate limits, momentarily unavailable
// agents.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &ClassifiedError{Class: ClassificationTransient, Err: err}
}

// Fatal tags err as permanent: invalid input, unrecoverable agent errors.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &ClassifiedError{Class: ClassificationFatal, Err: err}
}

// Classify returns the classification of err. Unclassified errors default to
// transient so that an agent author who forgets to tag an error gets retries rather
// than an immediate rollback.
func Classify(err error) Classification {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}

	return ClassificationTransient
}

// IsFatal reports whether err is tagged fatal.
func IsFatal(err error) bool {
	return Classify(err) == ClassificationFatal
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return Classify(err) == ClassificationTransient
}
