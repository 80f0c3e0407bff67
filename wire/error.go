// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMagic is returned when reading a message header whose
	// magic bytes do not match the expected network.  The connection is
	// not recoverable since the framing can no longer be trusted.
	ErrInvalidMagic = errors.New("message from other network")

	// ErrChecksumMismatch is returned when the checksum in a message
	// header does not match the double sha256 of the payload that
	// followed it.
	ErrChecksumMismatch = errors.New("payload checksum failed")

	// ErrUnknownMessage is returned when reading a message with an
	// unrecognized command string.  The message payload has already been
	// read and discarded, so the caller may continue reading from the
	// same stream.
	ErrUnknownMessage = errors.New("received unknown message")

	// ErrInvalidHandshake is returned when a peer sends a known message
	// other than the one required by the version handshake sequence.
	ErrInvalidHandshake = errors.New("invalid message during handshake")
)

// MessageError describes an issue with a message.
// An example of some potential issues are messages from the wrong bitcoin
// network, invalid commands, mismatched checksums, and exceeding max payloads.
//
// This provides a mechanism for the caller to type assert the error to
// differentiate between general io errors such as io.EOF and issues that
// resulted from malformed messages.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
	Err         error  // Optional sentinel error for errors.Is matching
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// Unwrap returns the underlying sentinel error, if any.
func (e *MessageError) Unwrap() error {
	return e.Err
}

// messageError creates an error for the given function and description.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

// messageErrorWraps creates an error for the given function and description
// that additionally matches the provided sentinel with errors.Is.
func messageErrorWraps(f string, err error, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc, Err: err}
}
