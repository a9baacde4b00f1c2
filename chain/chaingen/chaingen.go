// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaingen builds regtest blocks and anyone-can-spend transactions
// for tests and the simulator.
package chaingen

import (
	"errors"
	"math"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// OpTrueScript is an anyone-can-spend public key script.
var OpTrueScript = []byte{txscript.OP_TRUE}

// Params returns a copy of the regression test parameters whose coinbase
// outputs mature after a single block.
func Params() *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.CoinbaseMaturity = 1
	return &params
}

// Spendable is an output together with its value.
type Spendable struct {
	OutPoint wire.OutPoint
	Amount   int64
}

// OutputOf returns output index of tx as a spendable.
func OutputOf(tx *btcutil.Tx, index uint32) Spendable {
	return Spendable{
		OutPoint: wire.OutPoint{Hash: *tx.Hash(), Index: index},
		Amount:   tx.MsgTx().TxOut[index].Value,
	}
}

// CoinbaseScript returns a coinbase signature script carrying the height as
// required by BIP0034 and an extra nonce.
func CoinbaseScript(height int32, extraNonce uint64) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(height)).
		AddInt64(int64(extraNonce)).Script()
}

// CoinbaseTx returns a coinbase paying value to pkScript.
func CoinbaseTx(height int32, extraNonce uint64, value int64,
	pkScript []byte) (*btcutil.Tx, error) {

	sigScript, err := CoinbaseScript(height, extraNonce)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: sigScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return btcutil.NewTx(tx), nil
}

// SpendTx returns a transaction spending the inputs with OP_TRUE outputs
// that split the input value minus fee evenly.  pad adds an OP_RETURN
// output carrying that many bytes so callers can size transactions.
func SpendTx(inputs []Spendable, numOutputs int, fee int64,
	pad int) *btcutil.Tx {

	tx := wire.NewMsgTx(wire.TxVersion)
	var total int64
	for _, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
		total += in.Amount
	}
	if numOutputs < 1 {
		numOutputs = 1
	}
	value := (total - fee) / int64(numOutputs)
	for i := 0; i < numOutputs; i++ {
		tx.AddTxOut(wire.NewTxOut(value, OpTrueScript))
	}
	if pad > 0 {
		script, _ := txscript.NewScriptBuilder().
			AddOp(txscript.OP_FALSE).AddOp(txscript.OP_RETURN).
			AddFullData(make([]byte, pad)).Script()
		tx.AddTxOut(wire.NewTxOut(0, script))
	}
	return btcutil.NewTx(tx)
}

// SolveBlock increments the header nonce until the hash satisfies the
// target.  It reports false if the nonce space is exhausted.
func SolveBlock(header *wire.BlockHeader) bool {
	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return true
		}
		if nonce == math.MaxUint32 {
			return false
		}
	}
}

// MerkleRoot returns the merkle root of the transactions.
func MerkleRoot(txns []*btcutil.Tx) chainhash.Hash {
	merkles := blockchain.BuildMerkleTreeStore(txns, false)
	return *merkles[len(merkles)-1]
}

// NewBlock builds and solves a block on top of parent at height with a
// coinbase paying the subsidy to OP_TRUE.  extraNonce distinguishes
// competing blocks at the same height.
func NewBlock(params *chaincfg.Params, parent *btcutil.Block,
	extraNonce uint64, txns []*btcutil.Tx) (*btcutil.Block, error) {

	height := parent.Height() + 1
	coinbase, err := CoinbaseTx(height, extraNonce,
		blockchain.CalcBlockSubsidy(height, params), OpTrueScript)
	if err != nil {
		return nil, err
	}

	all := append([]*btcutil.Tx{coinbase}, txns...)
	header := wire.BlockHeader{
		Version:    0x20000000,
		PrevBlock:  *parent.Hash(),
		MerkleRoot: MerkleRoot(all),
		Timestamp:  parent.MsgBlock().Header.Timestamp.Add(time.Second),
		Bits:       params.PowLimitBits,
	}
	if !SolveBlock(&header) {
		return nil, errors.New("unable to solve block")
	}

	msgBlock := wire.NewMsgBlock(&header)
	for _, tx := range all {
		if err := msgBlock.AddTransaction(tx.MsgTx()); err != nil {
			return nil, err
		}
	}
	block := btcutil.NewBlock(msgBlock)
	block.SetHeight(height)
	return block, nil
}
