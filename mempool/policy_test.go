// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestCheckPkScriptStandard tests the checkPkScriptStandard API.
func TestCheckPkScriptStandard(t *testing.T) {
	var pubKeys [][]byte
	for i := 0; i < 4; i++ {
		pk, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		pubKeys = append(pubKeys, pk.PubKey().SerializeCompressed())
	}

	tests := []struct {
		name       string // test description.
		script     *txscript.ScriptBuilder
		isStandard bool
	}{
		{
			"key1 and key2",
			txscript.NewScriptBuilder().AddOp(txscript.OP_2).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddOp(txscript.OP_2).AddOp(txscript.OP_CHECKMULTISIG),
			true,
		},
		{
			"escrow",
			txscript.NewScriptBuilder().AddOp(txscript.OP_2).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddData(pubKeys[2]).
				AddOp(txscript.OP_3).AddOp(txscript.OP_CHECKMULTISIG),
			true,
		},
		{
			"one of four",
			txscript.NewScriptBuilder().AddOp(txscript.OP_1).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddData(pubKeys[2]).AddData(pubKeys[3]).
				AddOp(txscript.OP_4).AddOp(txscript.OP_CHECKMULTISIG),
			false,
		},
		{
			"malformed multisig",
			txscript.NewScriptBuilder().AddOp(txscript.OP_3).
				AddData(pubKeys[0]).AddData(pubKeys[1]).
				AddOp(txscript.OP_2).AddOp(txscript.OP_CHECKMULTISIG),
			false,
		},
		{
			"pay to pubkey hash",
			txscript.NewScriptBuilder().AddOp(txscript.OP_DUP).
				AddOp(txscript.OP_HASH160).
				AddData(btcutil.Hash160(pubKeys[0])).
				AddOp(txscript.OP_EQUALVERIFY).
				AddOp(txscript.OP_CHECKSIG),
			true,
		},
		{
			"safe data carrier",
			txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE).
				AddOp(txscript.OP_RETURN).
				AddFullData(make([]byte, 100000)),
			true,
		},
		{
			"anyone can spend",
			txscript.NewScriptBuilder().AddOp(txscript.OP_TRUE),
			false,
		},
	}

	for _, test := range tests {
		script, err := test.script.Script()
		require.NoError(t, err, test.name)

		err = checkPkScriptStandard(script)
		if test.isStandard {
			require.NoError(t, err, test.name)
			continue
		}
		require.Error(t, err, test.name)
		require.Equal(t, ErrNonStandard, ErrorKindOf(err), test.name)
	}
}

func TestCheckOutputsP2SH(t *testing.T) {
	t.Parallel()

	p2sh, err := txscript.NewScriptBuilder().AddOp(txscript.OP_HASH160).
		AddData(make([]byte, 20)).AddOp(txscript.OP_EQUAL).Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x01}},
		nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	require.NoError(t, checkOutputsP2SH(btcutil.NewTx(tx)))

	tx.AddTxOut(wire.NewTxOut(1000, p2sh))
	err = checkOutputsP2SH(btcutil.NewTx(tx))
	code, reason := RejectReasonOf(err)
	require.Equal(t, wire.RejectNonstandard, code)
	require.Equal(t, "bad-txns-vout-p2sh", reason)
}

// TestCheckTransactionStandard tests the checkTransactionStandard API.
func TestCheckTransactionStandard(t *testing.T) {
	// Create some dummy, but otherwise standard, data for transactions.
	prevOutHash, err := chainhash.NewHashFromStr("01")
	require.NoError(t, err)
	dummyPrevOut := wire.OutPoint{Hash: *prevOutHash, Index: 1}
	dummySigScript := bytes.Repeat([]byte{0x00}, 65)
	dummyTxIn := wire.TxIn{
		PreviousOutPoint: dummyPrevOut,
		SignatureScript:  dummySigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	}
	addrHash := [20]byte{0x01}
	addr, err := btcutil.NewAddressPubKeyHash(addrHash[:],
		&chaincfg.TestNet3Params)
	require.NoError(t, err)
	dummyPkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	dummyTxOut := wire.TxOut{
		Value:    100000000, // 1 BSV
		PkScript: dummyPkScript,
	}

	tests := []struct {
		name       string
		tx         wire.MsgTx
		height     int32
		isStandard bool
		code       wire.RejectCode
		reason     string
	}{
		{
			name: "Typical pay-to-pubkey-hash transaction",
			tx: wire.MsgTx{
				Version: 1,
				TxIn:    []*wire.TxIn{&dummyTxIn},
				TxOut:   []*wire.TxOut{&dummyTxOut},
			},
			height:     300000,
			isStandard: true,
		},
		{
			name: "Transaction version too high",
			tx: wire.MsgTx{
				Version: maxStandardTxVersion + 1,
				TxIn:    []*wire.TxIn{&dummyTxIn},
				TxOut:   []*wire.TxOut{&dummyTxOut},
			},
			height: 300000,
			code:   wire.RejectNonstandard,
			reason: "version",
		},
		{
			name: "Transaction is not finalized",
			tx: wire.MsgTx{
				Version: 1,
				TxIn: []*wire.TxIn{{
					PreviousOutPoint: dummyPrevOut,
					SignatureScript:  dummySigScript,
					Sequence:         0,
				}},
				TxOut:    []*wire.TxOut{&dummyTxOut},
				LockTime: 300001,
			},
			height: 300000,
			code:   wire.RejectNonstandard,
			reason: "non-final",
		},
		{
			name: "Signature script that does more than push data",
			tx: wire.MsgTx{
				Version: 1,
				TxIn: []*wire.TxIn{{
					PreviousOutPoint: dummyPrevOut,
					SignatureScript: []byte{
						txscript.OP_CHECKSIGVERIFY},
					Sequence: wire.MaxTxInSequenceNum,
				}},
				TxOut: []*wire.TxOut{&dummyTxOut},
			},
			height: 300000,
			code:   wire.RejectNonstandard,
			reason: "scriptsig-not-pushonly",
		},
		{
			name: "Valid but non standard public key script",
			tx: wire.MsgTx{
				Version: 1,
				TxIn:    []*wire.TxIn{&dummyTxIn},
				TxOut: []*wire.TxOut{{
					Value:    100000000,
					PkScript: []byte{txscript.OP_TRUE},
				}},
			},
			height: 300000,
			code:   wire.RejectNonstandard,
			reason: "scriptpubkey",
		},
		{
			name: "Zero value pay-to-pubkey-hash output",
			tx: wire.MsgTx{
				Version: 1,
				TxIn:    []*wire.TxIn{&dummyTxIn},
				TxOut: []*wire.TxOut{{
					Value:    0,
					PkScript: dummyPkScript,
				}},
			},
			height: 300000,
			code:   wire.RejectDust,
			reason: "dust",
		},
		{
			name: "Zero value data carrier",
			tx: wire.MsgTx{
				Version: 1,
				TxIn:    []*wire.TxIn{&dummyTxIn},
				TxOut: []*wire.TxOut{&dummyTxOut, {
					Value: 0,
					PkScript: []byte{txscript.OP_FALSE,
						txscript.OP_RETURN, 0x01, 0x02},
				}},
			},
			height:     300000,
			isStandard: true,
		},
	}

	pastMedianTime := time.Now()
	for _, test := range tests {
		// Ensure standardness is as expected.
		err := checkTransactionStandard(btcutil.NewTx(&test.tx),
			test.height, pastMedianTime)
		if test.isStandard {
			require.NoError(t, err, test.name)
			continue
		}

		code, reason := RejectReasonOf(err)
		require.Equal(t, test.code, code, test.name)
		require.Equal(t, test.reason, reason, test.name)
	}
}

func TestFeeChecks(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	hash := chainhash.Hash{0x01}

	// 250 sat/kB on 1000 bytes.
	require.NoError(t, checkRelayFee(&p, hash, 250, 1000))
	err := checkRelayFee(&p, hash, 249, 1000)
	code, reason := RejectReasonOf(err)
	require.Equal(t, wire.RejectInsufficientFee, code)
	require.Equal(t, "insufficient priority", reason)
	require.Equal(t, ErrInsufficientFee, ErrorKindOf(err))

	// A positive rate never charges zero.
	require.Error(t, checkRelayFee(&p, hash, 0, 1))

	require.NoError(t, checkAbsurdFee(&p, hash, 250*absurdFeeMultiplier,
		1000))
	err = checkAbsurdFee(&p, hash, 250*absurdFeeMultiplier+1, 1000)
	_, reason = RejectReasonOf(err)
	require.Equal(t, "absurdly-high-fee", reason)
}

func TestTxRuleErrorString(t *testing.T) {
	t.Parallel()

	err := txRuleError(wire.RejectInsufficientFee, ErrInsufficientFee,
		"mempool min fee not met", "100 < 200")
	require.Equal(t, "66: mempool min fee not met (100 < 200)", err.Error())

	err = txRuleError(wire.RejectDuplicate, ErrConflict,
		"txn-mempool-conflict", "")
	require.Equal(t, "18: txn-mempool-conflict", err.Error())
}
