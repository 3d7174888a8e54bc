// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "fmt"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = dex.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message with
// the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided error with details, facilitating the use of
// errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// NewErrorf is like NewError with a formatted detail string.
func NewErrorf(err error, format string, a ...any) Error {
	return NewError(err, fmt.Sprintf(format, a...))
}

// ErrorCloser is used to undo the completed steps of a multi-step process
// when a later step fails. After each successful step, an undo routine can be
// scheduled with Add. If Success is not signaled before Done, the undo
// routines will be run in the reverse order that they were added.
type ErrorCloser struct {
	closers []func() error
}

// NewErrorCloser creates a new ErrorCloser.
func NewErrorCloser() *ErrorCloser {
	return &ErrorCloser{
		closers: make([]func() error, 0, 3),
	}
}

// Add adds a new function to the queue.
func (e *ErrorCloser) Add(closer func() error) {
	e.closers = append(e.closers, closer)
}

// Success cancels the running of any Add'ed functions.
func (e *ErrorCloser) Success() {
	e.closers = nil
}

// Done runs the registered functions if Success has not been signaled. Errors
// from the undo functions are logged, and the first one is returned.
func (e *ErrorCloser) Done(log Logger) (firstErr error) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Errorf("error running undo function %d: %v", i, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.closers = nil
	return firstErr
}
