// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a kind of error.
type ErrorKind int

// These constants are used to identify a specific Error.
const (
	// ErrUnknownCandidateID indicates a solution quoted a candidate id
	// that was never issued or is no longer current.
	ErrUnknownCandidateID ErrorKind = iota

	// ErrInsufficientProof indicates the solved header does not meet its
	// target.  The solution is rejected and the chain is unchanged.
	ErrInsufficientProof

	// ErrJournalInconsistent indicates the journal failed its last check
	// and must be rebuilt before templates are served again.
	ErrJournalInconsistent

	// ErrBuildTimeout indicates the caller's deadline passed while the
	// template was assembled.
	ErrBuildTimeout

	// ErrCreatingCoinbase indicates that there was a problem generating
	// the coinbase.
	ErrCreatingCoinbase

	// ErrBlockRejected indicates the solved block was refused by the
	// chain.
	ErrBlockRejected
)

// Map of ErrorKind values back to their constant names for pretty printing.
var errorKindStrings = map[ErrorKind]string{
	ErrUnknownCandidateID:  "ErrUnknownCandidateID",
	ErrInsufficientProof:   "ErrInsufficientProof",
	ErrJournalInconsistent: "ErrJournalInconsistent",
	ErrBuildTimeout:        "ErrBuildTimeout",
	ErrCreatingCoinbase:    "ErrCreatingCoinbase",
	ErrBlockRejected:       "ErrBlockRejected",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s := errorKindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// Error identifies a mining failure.  The caller can use errors.As to
// determine the Kind of the failure.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Description, e.Err)
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// miningError creates an Error given a set of arguments.
func miningError(kind ErrorKind, desc string, err error) Error {
	return Error{Kind: kind, Description: desc, Err: err}
}

// IsErrorKind reports whether err is a mining Error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	var merr Error
	return errors.As(err, &merr) && merr.Kind == kind
}
