package bfield

import "errors"

// Sentinel errors for the five kinds of failure spec'd for this engine.
// Use errors.Is against these to classify a returned error; concrete
// errors are always wrapped with %w and additional context.
var (
	// ErrParameter is returned when Create is called with parameters that
	// violate an invariant (e.g. C(nu,kappa) < theta, kappa > nu, k == 0).
	ErrParameter = errors.New("bfield: invalid parameter")

	// ErrIO wraps a file create/open/mmap/flush failure.
	ErrIO = errors.New("bfield: I/O failure")

	// ErrFormat is returned when a file's magic, version, or cascade
	// parameters fail to validate on Load.
	ErrFormat = errors.New("bfield: format error")

	// ErrValueRange is returned when Insert is called with a value
	// outside [0, theta).
	ErrValueRange = errors.New("bfield: value out of range")

	// ErrOperational is returned for state-machine misuse: inserting
	// after Finalize, or writing to a read-only handle.
	ErrOperational = errors.New("bfield: operational error")
)
