// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// UnminedHeight is the height used for outputs created by transactions that
// are not in a block yet.
const UnminedHeight = 0x7fffffff

// UtxoEntry houses details about an individual unspent transaction output.
type UtxoEntry struct {
	// Amount is the value of the output in satoshis.
	Amount int64

	// PkScript is the public key script of the output.
	PkScript []byte

	// BlockHeight is the height of the block containing the creating
	// transaction, or UnminedHeight.
	BlockHeight int32

	// IsCoinBase reports whether the creating transaction is a coinbase.
	IsCoinBase bool
}

// Clone returns a deep copy of the entry.
func (e *UtxoEntry) Clone() *UtxoEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.PkScript = append([]byte(nil), e.PkScript...)
	return &clone
}

// UtxoView is a set of unspent outputs, typically the ones a transaction
// references.  A view is owned by its caller and not safe for concurrent
// mutation.
type UtxoView struct {
	entries map[wire.OutPoint]*UtxoEntry
}

// NewUtxoView returns an empty view.
func NewUtxoView() *UtxoView {
	return &UtxoView{entries: make(map[wire.OutPoint]*UtxoEntry)}
}

// LookupEntry returns the entry for the outpoint or nil when the view does
// not hold it.
func (v *UtxoView) LookupEntry(outpoint wire.OutPoint) *UtxoEntry {
	return v.entries[outpoint]
}

// AddEntry adds or replaces the entry for the outpoint.
func (v *UtxoView) AddEntry(outpoint wire.OutPoint, entry *UtxoEntry) {
	v.entries[outpoint] = entry
}

// RemoveEntry drops the outpoint from the view.
func (v *UtxoView) RemoveEntry(outpoint wire.OutPoint) {
	delete(v.entries, outpoint)
}

// AddTxOuts adds every output of tx to the view at the given height.
func (v *UtxoView) AddTxOuts(tx *btcutil.Tx, height int32) {
	isCoinBase := IsCoinBase(tx)
	prevOut := wire.OutPoint{Hash: *tx.Hash()}
	for i, txOut := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(i)
		v.entries[prevOut] = &UtxoEntry{
			Amount:      txOut.Value,
			PkScript:    txOut.PkScript,
			BlockHeight: height,
			IsCoinBase:  isCoinBase,
		}
	}
}

// Entries returns the underlying map.  Callers must not modify it.
func (v *UtxoView) Entries() map[wire.OutPoint]*UtxoEntry {
	return v.entries
}

// PrevOutFetcher returns a fetcher over the view suitable for the script
// engine and signature hash computation.
func (v *UtxoView) PrevOutFetcher() txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for outpoint, entry := range v.entries {
		fetcher.AddPrevOut(outpoint, wire.NewTxOut(
			entry.Amount, entry.PkScript,
		))
	}
	return fetcher
}
