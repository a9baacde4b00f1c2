// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
)

// ErrorKind classifies why a transaction was not admitted.
type ErrorKind int

// These constants identify the admission failure classes.
const (
	// ErrUnknown is the kind of errors that were not produced by the
	// mempool rules.
	ErrUnknown ErrorKind = iota

	// ErrMissingInputs indicates a parent is unknown.  The transaction is
	// held as an orphan when allowed.
	ErrMissingInputs

	// ErrAncestorLimitExceeded indicates the ancestor or descendant
	// package limits would be exceeded.
	ErrAncestorLimitExceeded

	// ErrInsufficientFee indicates the fee is below the relay fee or the
	// rolling minimum fee, or the transaction was evicted right away.
	ErrInsufficientFee

	// ErrConflict indicates an input is already spent by a different
	// mempool transaction and replacement was not allowed.
	ErrConflict

	// ErrScriptInvalid indicates script verification failed.
	ErrScriptInvalid

	// ErrScriptTimeout indicates script verification exceeded its time
	// budget.
	ErrScriptTimeout

	// ErrValidationSkipped indicates script verification was not run
	// because the validation queue or the caller's budget was exhausted.
	ErrValidationSkipped

	// ErrCapacityExhausted indicates the pool cannot be brought under its
	// memory ceiling.
	ErrCapacityExhausted

	// ErrDuplicate indicates the transaction is already known.
	ErrDuplicate

	// ErrNonStandard indicates a policy violation.
	ErrNonStandard

	// ErrInvalid indicates a consensus violation outside of scripts.
	ErrInvalid
)

var errorKindStrings = map[ErrorKind]string{
	ErrUnknown:               "Unknown",
	ErrMissingInputs:         "MissingInputs",
	ErrAncestorLimitExceeded: "AncestorLimitExceeded",
	ErrInsufficientFee:       "InsufficientFee",
	ErrConflict:              "Conflict",
	ErrScriptInvalid:         "ScriptInvalid",
	ErrScriptTimeout:         "ScriptTimeout",
	ErrValidationSkipped:     "ValidationSkipped",
	ErrCapacityExhausted:     "CapacityExhausted",
	ErrDuplicate:             "Duplicate",
	ErrNonStandard:           "NonStandard",
	ErrInvalid:               "Invalid",
}

// String returns the ErrorKind as a human-readable name.
func (k ErrorKind) String() string {
	if s := errorKindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(k))
}

// RuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the Err field to get the
// underlying TxRuleError or chain.RuleError.
type RuleError struct {
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying rule error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// TxRuleError identifies a rule violation.  Reason is the stable short
// string peers and tooling match on.
type TxRuleError struct {
	RejectCode  wire.RejectCode
	Kind        ErrorKind
	Reason      string
	Description string
}

// Error satisfies the error interface and prints human-readable errors in
// the "<code>: <reason>" form.
func (e TxRuleError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%d: %s", e.RejectCode, e.Reason)
	}
	return fmt.Sprintf("%d: %s (%s)", e.RejectCode, e.Reason,
		e.Description)
}

// txRuleError creates an underlying TxRuleError with the given set of
// arguments and returns a RuleError that encapsulates it.
func txRuleError(code wire.RejectCode, kind ErrorKind, reason,
	desc string) RuleError {

	return RuleError{Err: TxRuleError{
		RejectCode:  code,
		Kind:        kind,
		Reason:      reason,
		Description: desc,
	}}
}

// chainRuleError returns a RuleError that encapsulates the given chain
// rule error as an invalid transaction.
func chainRuleError(chainErr chain.RuleError) RuleError {
	return txRuleError(wire.RejectInvalid, ErrInvalid, chainErr.Reason,
		chainErr.Description)
}

// ErrorKindOf returns the admission failure class of err, or ErrUnknown.
func ErrorKindOf(err error) ErrorKind {
	var terr TxRuleError
	if errors.As(err, &terr) {
		return terr.Kind
	}
	var cerr chain.RuleError
	if errors.As(err, &cerr) {
		return ErrInvalid
	}
	return ErrUnknown
}

// RejectReasonOf returns the reject code and reason of err.  Errors that
// are not rule errors map to a generic invalid rejection.
func RejectReasonOf(err error) (wire.RejectCode, string) {
	var terr TxRuleError
	if errors.As(err, &terr) {
		return terr.RejectCode, terr.Reason
	}
	var cerr chain.RuleError
	if errors.As(err, &cerr) {
		return wire.RejectInvalid, cerr.Reason
	}
	return wire.RejectInvalid, "rejected"
}
