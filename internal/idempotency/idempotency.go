// Package idempotency defines the lease acquisition errors shared by the
// concrete store implementations.
package idempotency

import "errors"

// ErrAlreadyHeld is returned when another in-flight operation holds the key.
var ErrAlreadyHeld = errors.New("idempotency key already held")

// ErrStoreUnavailable is returned when the backing store cannot be reached.
// Acquisition fails closed: an unreachable store never grants a lease.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")
