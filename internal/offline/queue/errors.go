package queue

import "errors"

// ErrAlreadyDraining is returned by Drain when another drain is already
// in flight.
var ErrAlreadyDraining = errors.New("queue: drain already in progress")

// ErrPermanentFailure marks an operation that exhausted MaxRetries and is
// now terminal until an explicit RetryFailed call.
var ErrPermanentFailure = errors.New("queue: operation exceeded max retries")
