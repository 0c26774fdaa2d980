package zbd

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors forming the taxonomy described in the failure semantics
// section of the design: OK is the absence of error, everything else below
// is returned wrapped with context via fmt.Errorf("...: %w", ...) so callers
// can still errors.Is against the sentinel.
var (
	// ErrNoSpace is returned when the device (or a reserved zone pool) has
	// no more room: no empty zone available, all meta zones in use, or the
	// backend itself reports it is full.
	ErrNoSpace = errors.New("zbd: no space")

	// ErrIOError wraps a backend-reported I/O failure. The underlying
	// backend error is always available via errors.Unwrap.
	ErrIOError = errors.New("zbd: io error")

	// ErrNotSupported is returned when the backend does not meet this
	// package's minimum requirements (e.g. too few zones).
	ErrNotSupported = errors.New("zbd: not supported")

	// ErrInvalidArgument is returned for precondition violations detected
	// before any device operation is attempted.
	ErrInvalidArgument = errors.New("zbd: invalid argument")

	// ErrCorruption indicates an internal invariant was violated, such as
	// releasing a zone that was not held. This should never happen in a
	// correctly synchronized caller and is treated as fatal by the caller.
	ErrCorruption = errors.New("zbd: corruption")

	// ErrGCExhausted is returned by TakeMigrateZone when the current GC
	// zone has been promoted from the aux slot and no replacement aux zone
	// has been staged. The caller (external GC policy) is expected to call
	// AllocateEmptyZoneForGC(aux=true) and retry.
	ErrGCExhausted = errors.New("zbd: gc zone exhausted, no aux staged")
)

func wrapIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("zbd: %s: %w: %w", op, ErrIOError, err)
}

func noSpacef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNoSpace}, args...)...)
}

func corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorruption}, args...)...)
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

// deferredError is the latched I/O error of spec §5: any background
// operation that discovers the device can no longer be written to installs
// it once, and every subsequent AllocateIOZone/AllocateMetaZone call fails
// immediately instead of touching the device again. It is set at most once;
// the first error wins.
type deferredError struct {
	mu  sync.Mutex
	err error
}

// set latches err if no error has been latched yet. A nil err is a no-op.
func (d *deferredError) set(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// check returns the latched error, if any.
func (d *deferredError) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
