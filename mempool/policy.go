// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/feerate"
)

const (
	// DefaultMinRelayTxFee is the minimum fee in satoshi per 1000 bytes
	// required for a transaction to be relayed.
	DefaultMinRelayTxFee = btcutil.Amount(250)

	// DefaultMinMiningTxFee is the minimum fee in satoshi per 1000 bytes
	// a transaction package must pay to be eligible for mining.
	DefaultMinMiningTxFee = btcutil.Amount(500)

	// DefaultIncrementalRelayFee is added to the fee rate of an evicted
	// package when the rolling minimum fee is raised.
	DefaultIncrementalRelayFee = btcutil.Amount(250)

	// DefaultMaxMempoolSize is the default memory ceiling in bytes.
	DefaultMaxMempoolSize = 300 * 1000 * 1000

	// DefaultMempoolExpiry is how long a transaction may stay unmined.
	DefaultMempoolExpiry = 336 * time.Hour

	// DefaultAncestorLimit is the default maximum number of in-pool
	// ancestors plus the transaction itself.
	DefaultAncestorLimit = 1000

	// DefaultAncestorSizeLimit is the default maximum summed size in
	// bytes of a transaction and its in-pool ancestors.
	DefaultAncestorSizeLimit = 101 * 1000 * 1000

	// DefaultDescendantLimit is the default maximum number of in-pool
	// descendants plus the transaction itself.
	DefaultDescendantLimit = 1000

	// DefaultDescendantSizeLimit is the default maximum summed size in
	// bytes of a transaction and its in-pool descendants.
	DefaultDescendantSizeLimit = 101 * 1000 * 1000

	// DefaultMaxTxSize is the largest standard transaction.
	DefaultMaxTxSize = 10 * 1000 * 1000

	// absurdFeeMultiplier times the relay fee of a transaction is the fee
	// above which it is rejected unless high fees are allowed.
	absurdFeeMultiplier = 10000

	// maxStandardTxVersion is the maximum transaction version that is
	// considered standard.
	maxStandardTxVersion = 2

	// maxStandardMultiSigKeys is the maximum number of public keys allowed
	// in a multi-signature transaction output script for it to be
	// considered standard.
	maxStandardMultiSigKeys = 3
)

// Policy houses the policy (configuration parameters) which is used to
// control the mempool.
type Policy struct {
	// AcceptNonStd defines whether to accept non-standard transactions.
	// Pay-to-script-hash outputs are refused regardless.
	AcceptNonStd bool

	// MaxTxSize is the largest transaction accepted.
	MaxTxSize int

	// MinRelayTxFee defines the minimum transaction fee in BSV/kB to be
	// considered a non-zero fee.
	MinRelayTxFee btcutil.Amount

	// MinMiningTxFee is the package fee rate in BSV/kB at which
	// transactions enter the primary mempool.
	MinMiningTxFee btcutil.Amount

	// IncrementalRelayFee raises the rolling minimum fee above the rate
	// of each evicted package.
	IncrementalRelayFee btcutil.Amount

	// MaxMempoolSize is the memory usage ceiling in bytes.
	MaxMempoolSize int64

	// MaxMempoolSizeDisk is the capacity in bytes of the disk spill tier.
	// Zero disables spilling.
	MaxMempoolSizeDisk int64

	// MempoolExpiry is how long a transaction may stay in the pool.
	MempoolExpiry time.Duration

	// MaxAncestorCount and MaxAncestorSize bound the in-pool ancestry of
	// a transaction, the transaction included.
	MaxAncestorCount int
	MaxAncestorSize  int64

	// MaxDescendantCount and MaxDescendantSize bound the in-pool
	// descendants of every ancestor, the ancestor included.
	MaxDescendantCount int
	MaxDescendantSize  int64

	// MaxOrphanTxs is the maximum number of orphan transactions
	// that can be queued.
	MaxOrphanTxs int

	// MaxOrphanTxSize is the maximum size allowed for orphan transactions.
	// This helps prevent memory exhaustion attacks from sending a lot of
	// of big orphans.
	MaxOrphanTxSize int

	// OrphanTTL is how long an orphan waits for its parents.
	OrphanTTL time.Duration
}

// DefaultPolicy returns the policy the daemon runs with unless configured
// otherwise.
func DefaultPolicy() Policy {
	orphans := DefaultOrphanConfig()
	return Policy{
		MaxTxSize:           DefaultMaxTxSize,
		MinRelayTxFee:       DefaultMinRelayTxFee,
		MinMiningTxFee:      DefaultMinMiningTxFee,
		IncrementalRelayFee: DefaultIncrementalRelayFee,
		MaxMempoolSize:      DefaultMaxMempoolSize,
		MempoolExpiry:       DefaultMempoolExpiry,
		MaxAncestorCount:    DefaultAncestorLimit,
		MaxAncestorSize:     DefaultAncestorSizeLimit,
		MaxDescendantCount:  DefaultDescendantLimit,
		MaxDescendantSize:   DefaultDescendantSizeLimit,
		MaxOrphanTxs:        orphans.MaxOrphans,
		MaxOrphanTxSize:     orphans.MaxOrphanSize,
		OrphanTTL:           orphans.OrphanTTL,
	}
}

func (p *Policy) minRelayRate() feerate.FeeRate {
	return feerate.FromAmountPerKB(p.MinRelayTxFee)
}

func (p *Policy) minMiningRate() feerate.FeeRate {
	return feerate.FromAmountPerKB(p.MinMiningTxFee)
}

// isDataCarrier reports whether the script is a provably unspendable data
// output, either a bare OP_RETURN or the OP_FALSE OP_RETURN form.
func isDataCarrier(pkScript []byte) bool {
	switch {
	case len(pkScript) > 0 && pkScript[0] == txscript.OP_RETURN:
		return true
	case len(pkScript) > 1 && pkScript[0] == txscript.OP_FALSE &&
		pkScript[1] == txscript.OP_RETURN:
		return true
	}
	return false
}

// checkOutputsP2SH rejects pay-to-script-hash outputs, which are refused
// independently of the standardness setting.
func checkOutputsP2SH(tx *btcutil.Tx) error {
	for i, txOut := range tx.MsgTx().TxOut {
		class := txscript.GetScriptClass(txOut.PkScript)
		if class == txscript.ScriptHashTy {
			return txRuleError(wire.RejectNonstandard, ErrNonStandard,
				"bad-txns-vout-p2sh", fmt.Sprintf("transaction "+
					"output %d pays to script hash", i))
		}
	}
	return nil
}

// checkPkScriptStandard performs a series of checks on a transaction output
// script (public key script) to ensure it is a "standard" public key
// script.  A standard public key script is one that is a recognized form and
// for multi-signature scripts, only contains from 1 to maxStandardMultiSigKeys
// public keys.
func checkPkScriptStandard(pkScript []byte) error {
	if isDataCarrier(pkScript) {
		return nil
	}

	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy, txscript.PubKeyTy, txscript.NullDataTy:
		return nil

	case txscript.MultiSigTy:
		numPubKeys, numSigs, err := txscript.CalcMultiSigStats(pkScript)
		if err != nil {
			return txRuleError(wire.RejectNonstandard,
				ErrNonStandard, "scriptpubkey", fmt.Sprintf(
					"multi-signature script parse failure: %v",
					err))
		}
		if numPubKeys < 1 || numPubKeys > maxStandardMultiSigKeys ||
			numSigs < 1 || numSigs > numPubKeys {

			return txRuleError(wire.RejectNonstandard,
				ErrNonStandard, "scriptpubkey", fmt.Sprintf(
					"multi-signature script with %d of %d "+
						"signatures", numSigs, numPubKeys))
		}
		return nil
	}

	return txRuleError(wire.RejectNonstandard, ErrNonStandard,
		"scriptpubkey", "non-standard script form")
}

// checkTransactionStandard performs a series of checks on a transaction to
// ensure it is a "standard" transaction.  A standard transaction is one that
// conforms to several additional limiting cases over what is considered a
// "sane" transaction such as having a version in the supported range, being
// finalized, having push only signature scripts and recognized output
// scripts.
func checkTransactionStandard(tx *btcutil.Tx, height int32,
	medianTimePast time.Time) error {

	msgTx := tx.MsgTx()
	if msgTx.Version > maxStandardTxVersion || msgTx.Version < 1 {
		return txRuleError(wire.RejectNonstandard, ErrNonStandard,
			"version", fmt.Sprintf("transaction version %d is not "+
				"in the valid range of %d-%d", msgTx.Version, 1,
				maxStandardTxVersion))
	}

	if !isFinalizedTransaction(tx, height, medianTimePast) {
		return txRuleError(wire.RejectNonstandard, ErrNonStandard,
			"non-final", "transaction is not finalized")
	}

	for i, txIn := range msgTx.TxIn {
		if !txscript.IsPushOnlyScript(txIn.SignatureScript) {
			return txRuleError(wire.RejectNonstandard,
				ErrNonStandard, "scriptsig-not-pushonly",
				fmt.Sprintf("transaction input %d: signature "+
					"script is not push only", i))
		}
	}

	for i, txOut := range msgTx.TxOut {
		if err := checkPkScriptStandard(txOut.PkScript); err != nil {
			return err
		}
		if txOut.Value == 0 && !isDataCarrier(txOut.PkScript) {
			return txRuleError(wire.RejectDust, ErrNonStandard,
				"dust", fmt.Sprintf("transaction output %d "+
					"carries no value", i))
		}
	}

	return nil
}

// isFinalizedTransaction determines whether or not a transaction is
// finalized at the next block height.
func isFinalizedTransaction(tx *btcutil.Tx, height int32,
	medianTimePast time.Time) bool {

	msgTx := tx.MsgTx()
	lockTime := msgTx.LockTime
	if lockTime == 0 {
		return true
	}

	// The lock time field of a transaction is either a block height at
	// which the transaction is finalized or a timestamp depending on if
	// the value is before the txscript.LockTimeThreshold.
	blockTimeOrHeight := int64(medianTimePast.Unix())
	if lockTime < txscript.LockTimeThreshold {
		blockTimeOrHeight = int64(height)
	}
	if int64(lockTime) < blockTimeOrHeight {
		return true
	}

	for _, txIn := range msgTx.TxIn {
		if txIn.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}
	return true
}

// checkRelayFee ensures the modified fee pays the minimum relay fee for the
// transaction size.
func checkRelayFee(p *Policy, txHash fmt.Stringer, modifiedFee,
	size int64) error {

	minFee := p.minRelayRate().FeeForSize(size)
	if modifiedFee < minFee {
		return txRuleError(wire.RejectInsufficientFee,
			ErrInsufficientFee, "insufficient priority",
			fmt.Sprintf("transaction %v has %d fees which is under "+
				"the required amount of %d", txHash, modifiedFee,
				minFee))
	}
	return nil
}

// checkAbsurdFee rejects fees far above what the transaction needs to
// relay, which usually means a change output was forgotten.
func checkAbsurdFee(p *Policy, txHash fmt.Stringer, fee, size int64) error {
	minFee := p.minRelayRate().FeeForSize(size)
	if minFee == 0 {
		minFee = 1
	}
	maxFee := minFee * absurdFeeMultiplier
	if fee > maxFee {
		return txRuleError(wire.RejectNonstandard, ErrNonStandard,
			"absurdly-high-fee", fmt.Sprintf("transaction %v has "+
				"%d fees which is above the limit of %d", txHash,
				fee, maxFee))
	}
	return nil
}
