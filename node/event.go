// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/mempool"
)

// EventType identifies the kind of an Event.
type EventType int

// Constants for the type of an event.
const (
	// EventAdmit submits Event.Tx with Event.Flags and Event.Tag.
	EventAdmit EventType = iota

	// EventConnect processes Event.Block.
	EventConnect

	// EventDisconnect detaches the tip.  When Event.Block is set it must
	// be the tip.
	EventDisconnect

	// EventInvalidate marks the block Event.Hash invalid.
	EventInvalidate

	// EventReconsider clears the invalid status of block Event.Hash.
	EventReconsider
)

var eventTypeStrings = map[EventType]string{
	EventAdmit:      "admit",
	EventConnect:    "connect",
	EventDisconnect: "disconnect",
	EventInvalidate: "invalidate",
	EventReconsider: "reconsider",
}

// String returns the EventType in human-readable form.
func (t EventType) String() string {
	if s, ok := eventTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown EventType (%d)", int(t))
}

// ErrNotTip is returned for disconnect events naming a block that is not
// the tip.
var ErrNotTip = errors.New("block is not the chain tip")

// Event is an input to the node.  Only the fields of its type are read.
type Event struct {
	Type EventType

	Tx    *btcutil.Tx
	Flags mempool.AdmitFlags
	Tag   mempool.Tag

	Block *btcutil.Block
	Hash  chainhash.Hash
}

// Outcome is the result of dispatching an event.  Admit is set for
// admissions, Reorg for everything else.
type Outcome struct {
	Admit *mempool.AdmitResult
	Reorg *ReorgResult
}

// Dispatch processes an event.
func (n *Node) Dispatch(ctx context.Context, ev *Event) (*Outcome, error) {
	log.Tracef("Dispatching %v event", ev.Type)

	switch ev.Type {
	case EventAdmit:
		result, err := n.SubmitTransaction(ctx, ev.Tx, ev.Flags, ev.Tag)
		return &Outcome{Admit: result}, err

	case EventConnect:
		result, err := n.ProcessBlock(ctx, ev.Block)
		return &Outcome{Reorg: result}, err

	case EventDisconnect:
		if ev.Block != nil {
			tip := n.chain.BestSnapshot().Hash
			if *ev.Block.Hash() != tip {
				return nil, fmt.Errorf("%w: %v, tip %v", ErrNotTip,
					ev.Block.Hash(), tip)
			}
		}
		result, err := n.DisconnectTip(ctx)
		return &Outcome{Reorg: result}, err

	case EventInvalidate:
		result, err := n.InvalidateBlock(ctx, &ev.Hash)
		return &Outcome{Reorg: result}, err

	case EventReconsider:
		result, err := n.ReconsiderBlock(ctx, &ev.Hash)
		return &Outcome{Reorg: result}, err
	}

	return nil, fmt.Errorf("unknown event type %v", ev.Type)
}
