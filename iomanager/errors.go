package iomanager

import "errors"

// Sentinel errors for the expected-failure paths spec.md §7 maps to a
// negative return plus errno; original_source/src/iomanager.cc instead
// returns bool/int and logs via its own logger for the same conditions.
var (
	// ErrFDOutOfRange is returned by DelEvent/CancelEvent/CancelAll when
	// fd lies beyond the end of the fd table, i.e. no call has touched it
	// yet. The table itself has no growth ceiling: AddEvent and the other
	// setters grow it to cover any fd they are given.
	ErrFDOutOfRange = errors.New("iomanager: fd out of range")

	// ErrEventAlreadyRegistered mirrors addEvent's fd_ctx->events&event
	// assertion, turned into a returned error instead of a fatal abort
	// (the original aborts the process here, which is unsuitable for a
	// library that must stay up for unrelated fds).
	ErrEventAlreadyRegistered = errors.New("iomanager: event already registered for fd")

	// ErrEventNotRegistered mirrors delEvent/cancelEvent's "not found"
	// return of false.
	ErrEventNotRegistered = errors.New("iomanager: event not registered for fd")

	// ErrClosed names the closed-manager condition. No IOManager method
	// returns it: Close does not make later calls fail.
	ErrClosed = errors.New("iomanager: closed")
)
