// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DefaultMaxTxSize is the largest serialized transaction accepted when the
// caller does not configure a limit.
const DefaultMaxTxSize = 10 * 1000 * 1000

// IsCoinBaseTx determines whether or not a transaction is a coinbase: a
// single input spending the null outpoint.
func IsCoinBaseTx(msgTx *wire.MsgTx) bool {
	return blockchain.IsCoinBaseTx(msgTx)
}

// IsCoinBase is IsCoinBaseTx for a btcutil transaction.
func IsCoinBase(tx *btcutil.Tx) bool {
	return IsCoinBaseTx(tx.MsgTx())
}

// CheckTransactionSanity performs context free checks on a transaction.
// maxTxSize of zero selects DefaultMaxTxSize.
func CheckTransactionSanity(tx *btcutil.Tx, maxTxSize int) error {
	msgTx := tx.MsgTx()
	if len(msgTx.TxIn) == 0 {
		return ruleError("bad-txns-vin-empty", "transaction has no inputs")
	}
	if len(msgTx.TxOut) == 0 {
		return ruleError("bad-txns-vout-empty",
			"transaction has no outputs")
	}

	if maxTxSize == 0 {
		maxTxSize = DefaultMaxTxSize
	}
	if size := msgTx.SerializeSize(); size > maxTxSize {
		return ruleError("bad-txns-oversize", fmt.Sprintf("serialized "+
			"transaction is too big - got %d, max %d", size, maxTxSize))
	}

	var totalSatoshi int64
	for _, txOut := range msgTx.TxOut {
		satoshi := txOut.Value
		if satoshi < 0 {
			return ruleError("bad-txns-vout-negative", fmt.Sprintf(
				"transaction output has negative value of %v",
				satoshi))
		}
		if satoshi > btcutil.MaxSatoshi {
			return ruleError("bad-txns-vout-toolarge", fmt.Sprintf(
				"transaction output value of %v is higher "+
					"than max allowed value of %v", satoshi,
				btcutil.MaxSatoshi))
		}
		totalSatoshi += satoshi
		if totalSatoshi > btcutil.MaxSatoshi {
			return ruleError("bad-txns-txouttotal-toolarge",
				fmt.Sprintf("total value of all transaction "+
					"outputs is %v which is higher than max "+
					"allowed value of %v", totalSatoshi,
					btcutil.MaxSatoshi))
		}
	}

	existingTxOut := make(map[wire.OutPoint]struct{}, len(msgTx.TxIn))
	for _, txIn := range msgTx.TxIn {
		if _, exists := existingTxOut[txIn.PreviousOutPoint]; exists {
			return ruleError("bad-txns-inputs-duplicate",
				"transaction contains duplicate inputs")
		}
		existingTxOut[txIn.PreviousOutPoint] = struct{}{}
	}

	if IsCoinBaseTx(msgTx) {
		slen := len(msgTx.TxIn[0].SignatureScript)
		if slen < 2 || slen > 100 {
			return ruleError("bad-cb-length", fmt.Sprintf("coinbase "+
				"transaction script length of %d is out of range",
				slen))
		}
		return nil
	}

	for _, txIn := range msgTx.TxIn {
		prevOut := txIn.PreviousOutPoint
		if prevOut.Index == math.MaxUint32 && prevOut.Hash == (chainhash.Hash{}) {
			return ruleError("bad-txns-prevout-null", "transaction "+
				"input refers to previous output that is null")
		}
	}

	return nil
}

// CheckBlockSanity performs the context free checks on a block: proof of
// work, a single leading coinbase, sane transactions without duplicates and
// a matching merkle root.
func CheckBlockSanity(block *btcutil.Block, powLimit *big.Int,
	maxTxSize int) error {

	if err := blockchain.CheckProofOfWork(block, powLimit); err != nil {
		return fmt.Errorf("%w: %v", ErrBadProofOfWork, err)
	}

	transactions := block.Transactions()
	if len(transactions) == 0 {
		return ruleError("bad-blk-length", "block does not contain "+
			"any transactions")
	}
	if !IsCoinBase(transactions[0]) {
		return ruleError("bad-cb-missing", "first transaction in "+
			"block is not a coinbase")
	}

	seen := make(map[chainhash.Hash]struct{}, len(transactions))
	for i, tx := range transactions {
		if i > 0 && IsCoinBase(tx) {
			return ruleError("bad-cb-multiple", fmt.Sprintf("block "+
				"contains second coinbase at index %d", i))
		}
		if err := CheckTransactionSanity(tx, maxTxSize); err != nil {
			return err
		}
		if _, exists := seen[*tx.Hash()]; exists {
			return ruleError("bad-txns-duplicate", fmt.Sprintf(
				"block contains duplicate transaction %v",
				tx.Hash()))
		}
		seen[*tx.Hash()] = struct{}{}
	}

	merkles := blockchain.BuildMerkleTreeStore(transactions, false)
	calculatedRoot := merkles[len(merkles)-1]
	header := &block.MsgBlock().Header
	if !header.MerkleRoot.IsEqual(calculatedRoot) {
		return ruleError("bad-txnmrklroot", fmt.Sprintf("block merkle "+
			"root is invalid - block header indicates %v, but "+
			"calculated value is %v", header.MerkleRoot,
			calculatedRoot))
	}

	return nil
}
