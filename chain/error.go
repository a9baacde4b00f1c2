// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateBlock is returned when a block is already in the index.
	ErrDuplicateBlock = errors.New("block already known")

	// ErrUnknownParent is returned for blocks whose parent is not in the
	// index.  Orphan blocks are not held.
	ErrUnknownParent = errors.New("previous block is unknown")

	// ErrBlockNotFound is returned when a hash is not in the index.
	ErrBlockNotFound = errors.New("block not found")

	// ErrBadProofOfWork is returned when a block hash does not satisfy
	// its target.
	ErrBadProofOfWork = errors.New("high-hash")

	// ErrNotExtendingTip is returned when connecting a block whose parent
	// is not the current tip.
	ErrNotExtendingTip = errors.New("block does not extend the tip")

	// ErrDisconnectGenesis is returned when asked to disconnect the
	// genesis block.
	ErrDisconnectGenesis = errors.New("cannot disconnect genesis block")

	// ErrInvalidBlock is returned when operating on a block marked
	// invalid.
	ErrInvalidBlock = errors.New("block is marked invalid")
)

// RuleError identifies a consensus rule violation.  Reason is the short
// reject string peers know it by.
type RuleError struct {
	Reason      string
	Description string
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Description)
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(reason, desc string) RuleError {
	return RuleError{Reason: reason, Description: desc}
}
