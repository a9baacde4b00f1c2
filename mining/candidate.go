// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Candidate is a block template handed to an external miner.  The miner
// solves the header built from these fields and the coinbase, and submits
// the solution under ID.
type Candidate struct {
	ID                  string           `json:"id"`
	PrevHash            chainhash.Hash   `json:"prevhash"`
	Coinbase            *wire.MsgTx      `json:"-"`
	CoinbaseValue       int64            `json:"coinbaseValue"`
	Version             int32            `json:"version"`
	Bits                uint32           `json:"nBits"`
	Time                time.Time        `json:"time"`
	Height              int32            `json:"height"`
	SizeWithoutCoinbase int64            `json:"sizeWithoutCoinbase"`
	NumTx               int              `json:"num_tx"`
	MerkleProof         []chainhash.Hash `json:"merkleProof"`

	// block is the template the candidate was cut from.  The solution
	// replaces its header fields and coinbase.
	block *wire.MsgBlock
}

// CoinbaseHex returns the serialized coinbase of the candidate.
func (c *Candidate) CoinbaseHex() (string, error) {
	var buf bytes.Buffer
	buf.Grow(c.Coinbase.SerializeSize())
	if err := c.Coinbase.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// Header returns the block header for the candidate with the given coinbase,
// or the candidate's own coinbase if nil.  The nonce is left zero.
func (c *Candidate) Header(coinbase *wire.MsgTx) wire.BlockHeader {
	if coinbase == nil {
		coinbase = c.Coinbase
	}
	return wire.BlockHeader{
		Version:    c.Version,
		PrevBlock:  c.PrevHash,
		MerkleRoot: merkleRootFromProof(coinbase.TxHash(), c.MerkleProof),
		Timestamp:  c.Time,
		Bits:       c.Bits,
	}
}

// Solution is a miner's answer to a candidate.  Zero Time and Version keep
// the candidate's values and a nil Coinbase keeps the candidate's coinbase.
type Solution struct {
	ID       string
	Nonce    uint32
	Coinbase *wire.MsgTx
	Time     time.Time
	Version  int32
}

// MiningInfo describes the generator's view of the current tip.
type MiningInfo struct {
	Height           int32   `json:"blocks"`
	CurrentBlockSize int64   `json:"currentblocksize"`
	CurrentBlockTx   int     `json:"currentblocktx"`
	Difficulty       float64 `json:"difficulty"`
	PooledTx         int     `json:"pooledtx"`
	Candidates       int     `json:"candidates"`
}

// coinbaseMerkleBranch returns the merkle branch proving the first of the
// transactions, bottom up.
func coinbaseMerkleBranch(txns []*btcutil.Tx) []chainhash.Hash {
	level := make([]chainhash.Hash, len(txns))
	for i, tx := range txns {
		level[i] = *tx.Hash()
	}

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])

		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, blockchain.HashMerkleBranches(
				&level[i], &right))
		}
		level = next
	}
	return branch
}

// merkleRootFromProof folds the coinbase hash up a branch made by
// coinbaseMerkleBranch.
func merkleRootFromProof(coinbase chainhash.Hash,
	proof []chainhash.Hash) chainhash.Hash {

	root := coinbase
	for i := range proof {
		root = blockchain.HashMerkleBranches(&root, &proof[i])
	}
	return root
}

// GetMiningCandidate builds a template from the journal and registers it as
// a candidate for the current tip.  The candidate's coinbase is always kept;
// includeCoinbase only selects whether callers are expected to use it, as
// with getminingcandidate.
func (g *BlkTmplGenerator) GetMiningCandidate(ctx context.Context,
	includeCoinbase bool) (*Candidate, error) {

	template, err := g.NewBlockTemplate(ctx)
	if err != nil {
		return nil, err
	}

	msgBlock := template.Block
	txns := btcutil.NewBlock(msgBlock).Transactions()
	header := &msgBlock.Header

	g.mtx.Lock()
	defer g.mtx.Unlock()

	if g.tip != header.PrevBlock {
		g.resetCandidatesLocked(header.PrevBlock)
	}

	g.nextID++
	candidate := &Candidate{
		ID:                  strconv.FormatUint(g.nextID, 10),
		PrevHash:            header.PrevBlock,
		Coinbase:            msgBlock.Transactions[0],
		CoinbaseValue:       template.CoinbaseValue,
		Version:             header.Version,
		Bits:                header.Bits,
		Time:                header.Timestamp,
		Height:              template.Height,
		SizeWithoutCoinbase: template.SizeWithoutCoinbase,
		NumTx:               len(txns),
		MerkleProof:         coinbaseMerkleBranch(txns),
		block:               msgBlock,
	}
	g.candidates[candidate.ID] = candidate
	g.order = append(g.order, candidate.ID)
	for len(g.order) > g.cfg.Policy.MaxCandidates {
		delete(g.candidates, g.order[0])
		g.order = g.order[1:]
	}

	log.Debugf("Mining candidate %s at height %d (%d txns, coinbase "+
		"requested %v)", candidate.ID, candidate.Height, candidate.NumTx,
		includeCoinbase)

	return candidate, nil
}

// SubmitMiningSolution assembles the block of a candidate with the miner's
// nonce and hands it to the chain.  Unknown ids and candidates built on a
// tip that is no longer current fail with ErrUnknownCandidateID, and headers
// not meeting their target fail with ErrInsufficientProof without touching
// the chain.
func (g *BlkTmplGenerator) SubmitMiningSolution(ctx context.Context,
	solution *Solution) (*btcutil.Block, error) {

	g.mtx.Lock()
	candidate, ok := g.candidates[solution.ID]
	g.mtx.Unlock()
	if !ok {
		return nil, miningError(ErrUnknownCandidateID, fmt.Sprintf(
			"candidate %q is unknown", solution.ID), nil)
	}

	best := g.cfg.Chain.BestSnapshot()
	if candidate.PrevHash != best.Hash {
		g.forget(solution.ID)
		return nil, miningError(ErrUnknownCandidateID, fmt.Sprintf(
			"candidate %q builds on %v, tip is %v", solution.ID,
			candidate.PrevHash, best.Hash), nil)
	}

	header := candidate.Header(solution.Coinbase)
	header.Nonce = solution.Nonce
	if !solution.Time.IsZero() {
		header.Timestamp = solution.Time
	}
	if solution.Version != 0 {
		header.Version = solution.Version
	}

	msgBlock := wire.NewMsgBlock(&header)
	coinbase := candidate.Coinbase
	if solution.Coinbase != nil {
		coinbase = solution.Coinbase
	}
	msgBlock.Transactions = make([]*wire.MsgTx, 0,
		len(candidate.block.Transactions))
	msgBlock.Transactions = append(msgBlock.Transactions, coinbase)
	msgBlock.Transactions = append(msgBlock.Transactions,
		candidate.block.Transactions[1:]...)
	block := btcutil.NewBlock(msgBlock)

	err := blockchain.CheckProofOfWork(block, g.cfg.ChainParams.PowLimit)
	if err != nil {
		log.Debugf("Solution for candidate %s rejected: %v",
			solution.ID, err)
		return nil, miningError(ErrInsufficientProof, fmt.Sprintf(
			"block %v does not meet its target", block.Hash()), err)
	}

	if g.cfg.ProcessBlock == nil {
		return nil, miningError(ErrBlockRejected,
			"no block processor configured", nil)
	}
	if err := g.cfg.ProcessBlock(ctx, block); err != nil {
		return nil, miningError(ErrBlockRejected, fmt.Sprintf(
			"block %v rejected", block.Hash()), err)
	}
	g.forget(solution.ID)

	log.Infof("Block %v from candidate %s accepted", block.Hash(),
		solution.ID)

	return block, nil
}

func (g *BlkTmplGenerator) forget(id string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	delete(g.candidates, id)
	for i, other := range g.order {
		if other == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// ResetCandidates forgets every candidate.  It is called when the tip moves.
func (g *BlkTmplGenerator) ResetCandidates() {
	best := g.cfg.Chain.BestSnapshot()

	g.mtx.Lock()
	g.resetCandidatesLocked(best.Hash)
	g.mtx.Unlock()
}

func (g *BlkTmplGenerator) resetCandidatesLocked(tip chainhash.Hash) {
	if n := len(g.candidates); n > 0 {
		log.Debugf("Dropping %d mining candidates for new tip %v", n,
			tip)
	}
	g.candidates = make(map[string]*Candidate)
	g.order = g.order[:0]
	g.tip = tip
}

// GetMiningInfo returns the generator's mining state.
func (g *BlkTmplGenerator) GetMiningInfo() *MiningInfo {
	best := g.cfg.Chain.BestSnapshot()
	info := &MiningInfo{
		Height:     best.Height,
		Difficulty: difficultyRatio(best.Bits, g.cfg.ChainParams.PowLimitBits),
		PooledTx:   g.cfg.TxSource.Count(),
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	info.Candidates = len(g.candidates)
	if g.last != nil && g.last.Block.Header.PrevBlock == best.Hash {
		info.CurrentBlockTx = len(g.last.Block.Transactions)
		info.CurrentBlockSize = g.last.SizeWithoutCoinbase +
			int64(g.last.Block.Transactions[0].SerializeSize())
	}
	return info
}

// difficultyRatio returns the proof-of-work difficulty as a multiple of the
// minimum difficulty using the passed bits field from the header of a block.
func difficultyRatio(bits, powLimitBits uint32) float64 {
	// The minimum difficulty is the max possible proof-of-work limit bits
	// converted back to a number.  Note this is not the same as the proof
	// of work limit directly because the block difficulty is encoded in a
	// block with the compact form which loses precision.
	powLimit := blockchain.CompactToBig(powLimitBits)
	target := blockchain.CompactToBig(bits)
	if target.Sign() == 0 {
		return 0
	}

	difficulty := new(big.Rat).SetFrac(powLimit, target)
	ratio, _ := difficulty.Float64()
	return ratio
}
