package ble

import "errors"

var (
	// ErrAdapterUnavailable means an operation needed a powered adapter.
	ErrAdapterUnavailable = errors.New("ble: adapter is not powered")
	// ErrAdvertisingTimeout means advertising did not start within AdvertiseTimeout.
	ErrAdvertisingTimeout = errors.New("ble: advertising start timed out")
	// ErrAdvertisingBusy means an earlier advertising start or stop that
	// timed out has not returned yet.
	ErrAdvertisingBusy = errors.New("ble: earlier advertising call still running")
	// ErrPublishFailure means the stack rejected the service tree.
	ErrPublishFailure = errors.New("ble: stack rejected service tree")
	// ErrConfigConflict marks a device config that differs from the one
	// already in effect. It is logged, never returned to callers.
	ErrConfigConflict = errors.New("ble: conflicting device config ignored")
	// ErrRetryExhausted terminates Initialize once RetryLimit is exceeded.
	ErrRetryExhausted = errors.New("ble: adapter bring-up retries exhausted")
	// ErrStackUnsupported is returned by a Factory when no retry can help,
	// e.g. the platform has no usable Bluetooth stack.
	ErrStackUnsupported = errors.New("ble: peripheral stack unsupported")
	// ErrDestroyed is returned to Initialize callers pending when the
	// session is destroyed, and by any call after Close.
	ErrDestroyed = errors.New("ble: session destroyed")
)
