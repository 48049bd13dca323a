package imapclient

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is for failed reads/writes on the connection. The connection
	// is closed, the state is disconnected.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is for malformed responses and unexpected BAD results.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupported is returned when the server lacks a needed capability.
	ErrUnsupported = errors.New("not supported by server")

	// ErrAuth is returned when no authenticator succeeded. The connection
	// stays usable for another attempt.
	ErrAuth = errors.New("authentication failed")

	// ErrUIDValidity means the UIDVALIDITY of the selected mailbox changed.
	// Cached state for it was discarded and the mailbox was unselected, its
	// message handles are stale.
	ErrUIDValidity = errors.New("uidvalidity changed")

	// ErrIndexOverflow is for servers announcing message counts we cannot
	// represent. Fatal for the connection.
	ErrIndexOverflow = errors.New("message index overflow")

	// ErrBye is for a server closing the connection without us logging out.
	ErrBye = errors.New("server closed connection")

	// ErrOpenFailed is returned when selecting a mailbox failed. The state is
	// back to authenticated.
	ErrOpenFailed = errors.New("opening mailbox failed")

	// ErrState is returned for operations not possible in the current state,
	// e.g. syncing flags without a selected mailbox.
	ErrState = errors.New("operation not valid in state")

	// ErrKeyword is returned when pushing keywords the mailbox does not allow.
	ErrKeyword = errors.New("keyword not allowed in mailbox")

	// ErrReadOnly is returned for changes on a read-only mailbox.
	ErrReadOnly = errors.New("mailbox is read-only")
)

// Error is a NO or BAD result for a command that was not run with FailOK.
type Error struct {
	Verb   string
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Verb, e.Result)
}

// Unwrap returns ErrProtocol for BAD results.
func (e *Error) Unwrap() error {
	if e.Result.Status == BAD {
		return ErrProtocol
	}
	return nil
}

// PartialError is returned when pushing flags failed partway through. Synced
// is the number of messages fully synchronized before the failure.
type PartialError struct {
	Synced int
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("flags of %d messages synchronized before error: %v", e.Synced, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// ParseError is a malformed response. It only aborts the command it was
// read for.
type ParseError struct {
	Err    error
	Line   string // Possibly shortened.
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %v (line %q)", e.Offset, e.Err, e.Line)
}

func (e *ParseError) Unwrap() error {
	return ErrProtocol
}

// fatalError is raised with panic for errors that end the connection.
type fatalError struct {
	err error
}

func (e fatalError) Error() string {
	return e.err.Error()
}

func (e fatalError) Unwrap() error {
	return e.err
}

// opError is raised with panic for errors that fail an operation but leave
// the connection usable.
type opError struct {
	err error
}

func (e opError) Error() string {
	return e.err.Error()
}

func (e opError) Unwrap() error {
	return e.err
}
