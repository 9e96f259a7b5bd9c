// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrParse indicates a malformed descriptor: bad grammar, an invalid
	// key, a bad key count or an invalid threshold.
	ErrParse ErrorCode = iota

	// ErrChecksum indicates a descriptor whose checksum suffix does not
	// match its body.
	ErrChecksum

	// ErrNetworkMismatch indicates that a key embedded in the descriptor
	// was encoded for a different network than the one requested.
	ErrNetworkMismatch

	// ErrUnsupported indicates a well-formed descriptor of a script kind
	// this package does not implement.
	ErrUnsupported
)

// errorCodeStrings is a map of error codes back to their constant names for
// pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrParse:           "ErrParse",
	ErrChecksum:        "ErrChecksum",
	ErrNetworkMismatch: "ErrNetworkMismatch",
	ErrUnsupported:     "ErrUnsupported",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error identifies a descriptor error. It has an error code, a descriptive
// message and an optional underlying error.
type Error struct {
	Code ErrorCode
	Desc string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}

	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates an Error given a set of arguments.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// parseErrorf creates an ErrParse error with a formatted description.
func parseErrorf(format string, args ...any) Error {
	return newError(ErrParse, fmt.Sprintf(format, args...), nil)
}

// IsError returns whether the error is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e Error

	return errors.As(err, &e) && e.Code == code
}
