// Package cohererr names the error kinds the coherence engine surfaces
// (spec §7 "Error handling design"). Modeled as a return kind rather than
// a panic/exception per spec §9's "re-entrant fault handler" design note:
// every path that can fail returns one of these as an ordinary error, and
// errors.Is against the sentinels below tells the caller which recovery
// applies.
package cohererr

import "errors"

// ErrOutOfMemory: handle/replica/wait-station allocation failed.
// Propagate; the kernel fault-handler retries after pressure relief.
var ErrOutOfMemory = errors.New("cohererr: out of memory")

// ErrAgain: a transport NACK was received, or the fault-handle bucket was
// contended in a race. Unwind, release the handle, report retry.
var ErrAgain = errors.New("cohererr: retry (again)")

// ErrInvalid: the protocol forbids this state, or a message failed
// validation. Log, drop the message, free the handle; do not ACK.
var ErrInvalid = errors.New("cohererr: invalid protocol state or message")

// ErrBusy: transport ops are already registered. Return without
// overwriting the existing registration.
var ErrBusy = errors.New("cohererr: busy")

// ErrNotImplemented: transport ops are absent. Nothing in this module
// returns it, and the engine gives it no special handling.
var ErrNotImplemented = errors.New("cohererr: not implemented")

// ErrFatal: double-free or handle-table corruption. These indicate a
// programming error; the caller should abort rather than try to recover.
var ErrFatal = errors.New("cohererr: fatal internal inconsistency")

// ErrMustRetry: the caller must re-execute the fault, e.g. to reacquire a
// file-system lease (spec §4.3 begin_local).
var ErrMustRetry = errors.New("cohererr: fault must be retried")
