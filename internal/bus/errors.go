package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the bus contract.
var (
	// ErrBusClosed rejects publishes and subscriptions after Shutdown.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrDuplicateEvent marks an event id the bus has already accepted.
	// Publish swallows it (idempotent no-op); it is exported for metrics
	// tagging and for callers of the store.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// StorageError wraps a persistence failure. Persist failures are non-fatal
// for publish; History surfaces them to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SubscriberError records a handler failure or timeout. It never propagates
// to other subscribers; the transport logs it and counts it.
type SubscriberError struct {
	SubscriptionID string
	Pattern        string
	Err            error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s (%s): %v", e.SubscriptionID, e.Pattern, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }
