// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/journal"
)

const (
	// CoinbaseFlags is added to the coinbase script of a generated block
	// and is used to monitor BIP16 support as well as blocks that are
	// generated via mempoold.
	CoinbaseFlags = "/P2SH/mempoold/"

	// blockHeaderOverhead is the max number of bytes it takes to serialize
	// a block header and max possible transaction count.
	blockHeaderOverhead = wire.MaxBlockHeaderPayload + wire.MaxVarIntPayload

	// blockVersion is the version of generated blocks.
	blockVersion = 0x20000000
)

// TxSource represents a source of transactions to consider for inclusion in
// new blocks.  The journal is read while the read lock is held so the
// transactions it names stay in the source.
//
// The interface contract requires that all of these methods are safe for
// concurrent access with respect to the source.
type TxSource interface {
	// RLock and RUnlock bracket a consistent read of the journal and
	// the transactions it names.
	RLock()
	RUnlock()

	// Journal returns the ordered journal of minable transactions.
	Journal() *journal.Journal

	// FetchTransactionLocked returns a journaled transaction.  It must be
	// called between RLock and RUnlock.
	FetchTransactionLocked(hash *chainhash.Hash) (*btcutil.Tx, error)

	// LastUpdated returns the last time a transaction was added to or
	// removed from the source pool.
	LastUpdated() time.Time

	// Count returns the number of transactions in the source pool.
	Count() int
}

// ChainView is the part of the chain the generator builds on.
type ChainView interface {
	BestSnapshot() *chain.BestState
	NextRequiredBits() uint32
}

// Config houses the collaborators of the block template generator.
type Config struct {
	Policy      Policy
	ChainParams *chaincfg.Params
	Chain       ChainView
	TxSource    TxSource

	// PayToScript is the output script the coinbase pays to.  An empty
	// script pays to OP_TRUE.
	PayToScript []byte

	// ProcessBlock hands a solved block to the chain.
	ProcessBlock func(ctx context.Context, block *btcutil.Block) error

	// Now defaults to time.Now.
	Now func() time.Time
}

// BlockTemplate houses a block that has yet to be solved along with
// additional details about the fees and the number of signature operations
// for each transaction in the block.
type BlockTemplate struct {
	// Block is a block that is ready to be solved by miners.  Thus, it
	// is completely valid with the exception of satisfying the
	// proof-of-work requirement.
	Block *wire.MsgBlock

	// Fees contains the amount of fees each transaction in the generated
	// template pays in base units.  Since the first transaction is the
	// coinbase, the first entry (offset 0) will contain the negative of
	// the sum of the fees of all other transactions.
	Fees []int64

	// SigOpCounts contains the number of signature operations each
	// transaction in the generated template performs.
	SigOpCounts []int64

	// Height is the height at which the block template connects to the
	// main chain.
	Height int32

	// CoinbaseValue is what the coinbase pays: the subsidy plus the
	// fees.
	CoinbaseValue int64

	// SizeWithoutCoinbase is the serialized size of the block minus its
	// coinbase.
	SizeWithoutCoinbase int64

	// JournalChanges is the journal mutation counter the template was
	// built at.
	JournalChanges uint64
}

// BlkTmplGenerator provides a type that can be used to generate block
// templates based on a given mining policy and source of transactions to
// choose from.  It also houses the mining candidates handed out for the
// current tip.
type BlkTmplGenerator struct {
	cfg Config

	mtx        sync.Mutex
	candidates map[string]*Candidate
	order      []string
	nextID     uint64
	tip        chainhash.Hash
	last       *BlockTemplate
}

// NewBlkTmplGenerator returns a new block template generator for the given
// policy using transactions from the provided transaction source.
func NewBlkTmplGenerator(cfg *Config) *BlkTmplGenerator {
	c := *cfg
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.ChainParams == nil {
		c.ChainParams = &chaincfg.MainNetParams
	}
	if len(c.PayToScript) == 0 {
		c.PayToScript = []byte{txscript.OP_TRUE}
	}
	if c.Policy.MaxCandidates <= 0 {
		c.Policy.MaxCandidates = DefaultMaxCandidates
	}

	return &BlkTmplGenerator{
		cfg:        c,
		candidates: make(map[string]*Candidate),
	}
}

// standardCoinbaseScript returns a standard script suitable for use as the
// signature script of the coinbase transaction of a new block.  In
// particular, it starts with the block height that is required by version 2
// blocks and adds the extra nonce as well as additional coinbase flags.
func standardCoinbaseScript(nextBlockHeight int32, extraNonce uint64) ([]byte, error) {
	return txscript.NewScriptBuilder().AddInt64(int64(nextBlockHeight)).
		AddInt64(int64(extraNonce)).AddData([]byte(CoinbaseFlags)).
		Script()
}

// createCoinbaseTx returns a coinbase transaction paying value to pkScript.
func createCoinbaseTx(coinbaseScript []byte, value int64,
	pkScript []byte) *btcutil.Tx {

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		// Coinbase transactions have no inputs, so previous outpoint is
		// zero hash and max index.
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: coinbaseScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    value,
		PkScript: pkScript,
	})
	return btcutil.NewTx(tx)
}

// NewBlockTemplate returns a new block template that is ready to be solved
// using the transactions from the journal of the transaction source.
//
// The journal is walked in order and every entry is included unless one of
// the following holds, in which case the entry and every later entry that
// spends from it are skipped:
//
//   - the block would exceed BlockMaxSize
//   - the block would exceed MaxSigOpsPerMB for its size
//   - the entry took longer than MaxTxValidationTime to validate
//   - the summed validation time would exceed MaxBlockValidationTime
//
// Templates are refused while the journal is inconsistent.  The context
// bounds the build.
func (g *BlkTmplGenerator) NewBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	best := g.cfg.Chain.BestSnapshot()
	nextHeight := best.Height + 1

	// The coinbase is sized up front with a placeholder value so the
	// remaining room is known.
	extraNonce := uint64(0)
	coinbaseScript, err := standardCoinbaseScript(nextHeight, extraNonce)
	if err != nil {
		return nil, miningError(ErrCreatingCoinbase,
			"unable to create coinbase script", err)
	}
	subsidy := blockchain.CalcBlockSubsidy(nextHeight, g.cfg.ChainParams)
	coinbaseTx := createCoinbaseTx(coinbaseScript, subsidy,
		g.cfg.PayToScript)
	coinbaseSize := int64(coinbaseTx.MsgTx().SerializeSize())
	coinbaseSigOps := int64(blockchain.CountSigOps(coinbaseTx))

	src := g.cfg.TxSource
	src.RLock()
	defer src.RUnlock()

	jrnl := src.Journal()
	if !jrnl.Consistent() {
		log.Criticalf("Refusing to build a template from an " +
			"inconsistent journal")
		return nil, miningError(ErrJournalInconsistent,
			"journal is inconsistent with the mempool", nil)
	}
	changes := jrnl.Changes()
	entries := jrnl.Entries()

	blockTxns := make([]*btcutil.Tx, 0, len(entries)+1)
	blockTxns = append(blockTxns, coinbaseTx)
	txFees := make([]int64, 0, len(entries)+1)
	txFees = append(txFees, -1) // Updated once known
	txSigOpCounts := make([]int64, 0, len(entries)+1)
	txSigOpCounts = append(txSigOpCounts, coinbaseSigOps)

	blockSize := int64(blockHeaderOverhead) + coinbaseSize
	blockSigOps := coinbaseSigOps
	var totalFees int64
	var validationTime time.Duration
	skipped := make(map[chainhash.Hash]struct{})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, miningError(ErrBuildTimeout, fmt.Sprintf(
				"template build abandoned after %d of %d "+
					"transactions", len(blockTxns)-1,
				len(entries)), err)
		}

		if reason := g.skipReason(entry, skipped, blockSize, blockSigOps,
			validationTime); reason != "" {

			log.Tracef("Skipping tx %v: %s", entry.Hash, reason)
			skipped[entry.Hash] = struct{}{}
			continue
		}

		tx, err := src.FetchTransactionLocked(&entry.Hash)
		if err != nil {
			log.Warnf("Skipping tx %v: %v", entry.Hash, err)
			skipped[entry.Hash] = struct{}{}
			continue
		}

		blockTxns = append(blockTxns, tx)
		txFees = append(txFees, entry.Fee)
		txSigOpCounts = append(txSigOpCounts, int64(entry.SigOps))
		blockSize += entry.Size
		blockSigOps += int64(entry.SigOps)
		totalFees += entry.Fee
		validationTime += entry.ValidationTime
	}

	// Now that the actual transactions have been selected, update the
	// coinbase with the fees.  Fee deltas only change ordering, never
	// what the coinbase may claim, so the journal fees are used as a
	// close upper bound that the chain re-checks.
	coinbaseValue := subsidy + totalFees
	coinbaseTx.MsgTx().TxOut[0].Value = coinbaseValue
	txFees[0] = -totalFees

	ts := medianAdjustedTime(best, g.cfg.Now)
	merkles := blockchain.BuildMerkleTreeStore(blockTxns, false)
	msgBlock := wire.NewMsgBlock(&wire.BlockHeader{
		Version:    blockVersion,
		PrevBlock:  best.Hash,
		MerkleRoot: *merkles[len(merkles)-1],
		Timestamp:  ts,
		Bits:       g.cfg.Chain.NextRequiredBits(),
	})
	for _, tx := range blockTxns {
		if err := msgBlock.AddTransaction(tx.MsgTx()); err != nil {
			return nil, err
		}
	}

	sizeWithoutCoinbase := blockSize - coinbaseSize -
		int64(blockHeaderOverhead) + int64(wire.MaxBlockHeaderPayload) +
		int64(wire.VarIntSerializeSize(uint64(len(blockTxns))))

	log.Debugf("Created new block template (%d transactions, %d in "+
		"fees, %d signature operations, %d bytes, target difficulty "+
		"%064x)", len(msgBlock.Transactions), totalFees, blockSigOps,
		blockSize, blockchain.CompactToBig(msgBlock.Header.Bits))

	template := &BlockTemplate{
		Block:               msgBlock,
		Fees:                txFees,
		SigOpCounts:         txSigOpCounts,
		Height:              nextHeight,
		CoinbaseValue:       coinbaseValue,
		SizeWithoutCoinbase: sizeWithoutCoinbase,
		JournalChanges:      changes,
	}

	g.mtx.Lock()
	g.last = template
	g.mtx.Unlock()

	return template, nil
}

// skipReason returns why entry cannot join a block of the given totals, or
// the empty string if it fits.
func (g *BlkTmplGenerator) skipReason(entry *journal.Entry,
	skipped map[chainhash.Hash]struct{}, blockSize, blockSigOps int64,
	validationTime time.Duration) string {

	policy := &g.cfg.Policy
	for _, parent := range entry.Parents {
		if _, ok := skipped[parent]; ok {
			return fmt.Sprintf("parent %v skipped", parent)
		}
	}

	newSize := blockSize + entry.Size
	if policy.BlockMaxSize > 0 && newSize > policy.BlockMaxSize {
		return "block size limit"
	}
	if policy.MaxSigOpsPerMB > 0 &&
		blockSigOps+int64(entry.SigOps) > policy.maxSigOps(newSize) {

		return "signature operation limit"
	}
	if policy.MaxTxValidationTime > 0 &&
		entry.ValidationTime > policy.MaxTxValidationTime {

		return fmt.Sprintf("validation took %v", entry.ValidationTime)
	}
	if policy.MaxBlockValidationTime > 0 &&
		validationTime+entry.ValidationTime > policy.MaxBlockValidationTime {

		return "block validation time limit"
	}
	return ""
}

// medianAdjustedTime returns the current time adjusted to ensure it is at
// least one second after the median timestamp of the last several blocks
// per the chain consensus rules.
func medianAdjustedTime(best *chain.BestState, now func() time.Time) time.Time {
	// The timestamp for the block must not be before the median timestamp
	// of the last several blocks.  Thus, choose the maximum between the
	// current time and one second after the past median time.  The current
	// timestamp is truncated to a second boundary before comparison since a
	// block timestamp does not supported a precision greater than one
	// second.
	newTimestamp := time.Unix(now().Unix(), 0)
	minTimestamp := best.MedianTime.Add(time.Second)
	if newTimestamp.Before(minTimestamp) {
		newTimestamp = minTimestamp
	}

	return newTimestamp
}

// UpdateExtraNonce updates the extra nonce in the coinbase script of the
// passed block by regenerating the coinbase script with the passed value and
// block height.  It also recalculates and updates the new merkle root that
// results from changing the coinbase script.
func UpdateExtraNonce(msgBlock *wire.MsgBlock, blockHeight int32,
	extraNonce uint64) error {

	coinbaseScript, err := standardCoinbaseScript(blockHeight, extraNonce)
	if err != nil {
		return err
	}
	if len(coinbaseScript) > blockchain.MaxCoinbaseScriptLen {
		return fmt.Errorf("coinbase transaction script length "+
			"of %d is out of range (min: %d, max: %d)",
			len(coinbaseScript), blockchain.MinCoinbaseScriptLen,
			blockchain.MaxCoinbaseScriptLen)
	}
	msgBlock.Transactions[0].TxIn[0].SignatureScript = coinbaseScript

	// Recalculate the merkle root with the updated extra nonce.
	block := btcutil.NewBlock(msgBlock)
	merkles := blockchain.BuildMerkleTreeStore(block.Transactions(), false)
	msgBlock.Header.MerkleRoot = *merkles[len(merkles)-1]
	return nil
}
