// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// medianTimeBlocks is the number of previous blocks which should be used to
// calculate the median time used to validate block timestamps.
const medianTimeBlocks = 11

// blockStatus is a bit field representing the validation state of a block.
type blockStatus byte

const (
	// statusValidateFailed indicates the block failed connection.
	statusValidateFailed blockStatus = 1 << iota

	// statusInvalidated indicates the block was invalidated by request.
	statusInvalidated
)

// blockNode represents a block within the block index.
type blockNode struct {
	hash     chainhash.Hash
	parent   *blockNode
	height   int32
	bits     uint32
	time     time.Time
	workSum  *big.Int
	block    *btcutil.Block
	status   blockStatus
	sequence uint64
}

// invalid reports whether the node or any of its ancestors is invalid.
func (n *blockNode) invalid() bool {
	for node := n; node != nil; node = node.parent {
		if node.status != 0 {
			return true
		}
	}
	return false
}

// ancestor returns the ancestor of the node at the given height.
func (n *blockNode) ancestor(height int32) *blockNode {
	if height < 0 || height > n.height {
		return nil
	}
	node := n
	for node != nil && node.height != height {
		node = node.parent
	}
	return node
}

// spentTxOut is an output removed from the UTXO set by a connected block.
type spentTxOut struct {
	outpoint wire.OutPoint
	entry    *UtxoEntry
}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view
// of the current best block.
type BestState struct {
	Hash       chainhash.Hash
	Height     int32
	Bits       uint32
	MedianTime time.Time
	NumTxns    uint64
	UtxoCount  int
}

// Config is a descriptor which specifies the chain view configuration.
type Config struct {
	// ChainParams identifies which chain parameters the chain is
	// associated with.
	ChainParams *chaincfg.Params

	// MaxTxSize bounds the serialized size of block transactions.  Zero
	// selects DefaultMaxTxSize.
	MaxTxSize int
}

// Chain is the minimal chain view the mempool needs: a block index ordered
// by cumulative work, the active chain, and a UTXO set with undo data so
// blocks can be disconnected again.
type Chain struct {
	cfg    Config
	params *chaincfg.Params

	mtx      sync.RWMutex
	index    map[chainhash.Hash]*blockNode
	active   []*blockNode
	utxos    map[wire.OutPoint]*UtxoEntry
	undo     map[chainhash.Hash][]spentTxOut
	sequence uint64

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback
}

// New returns a chain view holding only the genesis block of the configured
// network.  As in bitcoind, the genesis coinbase is not spendable.
func New(cfg *Config) (*Chain, error) {
	if cfg == nil || cfg.ChainParams == nil {
		return nil, errors.New("chain: missing chain parameters")
	}

	params := cfg.ChainParams
	genesis := btcutil.NewBlock(params.GenesisBlock)
	genesis.SetHeight(0)
	header := &params.GenesisBlock.Header
	node := &blockNode{
		hash:    *genesis.Hash(),
		bits:    header.Bits,
		time:    header.Timestamp,
		workSum: blockchain.CalcWork(header.Bits),
		block:   genesis,
	}

	c := &Chain{
		cfg:    *cfg,
		params: params,
		index:  map[chainhash.Hash]*blockNode{node.hash: node},
		active: []*blockNode{node},
		utxos:  make(map[wire.OutPoint]*UtxoEntry),
		undo:   make(map[chainhash.Hash][]spentTxOut),
	}

	return c, nil
}

// Params returns the network parameters of the chain.
func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

func (c *Chain) tip() *blockNode {
	return c.active[len(c.active)-1]
}

// BestSnapshot returns information about the current best chain block.
func (c *Chain) BestSnapshot() *BestState {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	tip := c.tip()
	var numTxns uint64
	for _, node := range c.active {
		numTxns += uint64(len(node.block.Transactions()))
	}

	return &BestState{
		Hash:       tip.hash,
		Height:     tip.height,
		Bits:       tip.bits,
		MedianTime: c.medianTimePast(tip),
		NumTxns:    numTxns,
		UtxoCount:  len(c.utxos),
	}
}

// medianTimePast returns the median timestamp of the previous blocks ending
// at node.
func (c *Chain) medianTimePast(node *blockNode) time.Time {
	timestamps := make([]int64, 0, medianTimeBlocks)
	for n := node; n != nil && len(timestamps) < medianTimeBlocks; n = n.parent {
		timestamps = append(timestamps, n.time.Unix())
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	return time.Unix(timestamps[len(timestamps)/2], 0)
}

// NextRequiredBits returns the target for a block extending the tip.
// Networks without retargeting keep the tip's target; the others use the
// proof of work limit, since difficulty adjustment is outside the view.
func (c *Chain) NextRequiredBits() uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if c.params.PoWNoRetargeting {
		return c.tip().bits
	}
	return c.params.PowLimitBits
}

// HaveBlock reports whether the block is in the index.
func (c *Chain) HaveBlock(hash *chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	_, ok := c.index[*hash]
	return ok
}

// BlockByHash returns the block from the index.
func (c *Chain) BlockByHash(hash *chainhash.Hash) (*btcutil.Block, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node, ok := c.index[*hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	return node.block, nil
}

// BlockByHeight returns the active chain block at height.
func (c *Chain) BlockByHeight(height int32) (*btcutil.Block, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if height < 0 || int(height) >= len(c.active) {
		return nil, fmt.Errorf("%w: no block at height %d",
			ErrBlockNotFound, height)
	}
	return c.active[height].block, nil
}

// MainChainHasBlock reports whether the block is part of the active chain.
func (c *Chain) MainChainHasBlock(hash *chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node, ok := c.index[*hash]
	return ok && c.inActiveChain(node)
}

func (c *Chain) inActiveChain(node *blockNode) bool {
	return int(node.height) < len(c.active) && c.active[node.height] == node
}

// FetchUtxoEntry returns the unspent output or nil.
func (c *Chain) FetchUtxoEntry(outpoint wire.OutPoint) *UtxoEntry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.utxos[outpoint].Clone()
}

// FetchUtxoView returns a view holding the unspent outputs tx spends and any
// unspent outputs of tx itself, which callers use to detect a transaction
// that is already confirmed.
func (c *Chain) FetchUtxoView(tx *btcutil.Tx) *UtxoView {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	view := NewUtxoView()
	for _, txIn := range tx.MsgTx().TxIn {
		if entry, ok := c.utxos[txIn.PreviousOutPoint]; ok {
			view.AddEntry(txIn.PreviousOutPoint, entry.Clone())
		}
	}
	prevOut := wire.OutPoint{Hash: *tx.Hash()}
	for i := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(i)
		if entry, ok := c.utxos[prevOut]; ok {
			view.AddEntry(prevOut, entry.Clone())
		}
	}
	return view
}

// AcceptBlock checks the block's sanity and adds it to the index.  It does
// not change the active chain; callers find the best chain with
// BestCandidate and move to it with DisconnectTip and ConnectTip.
func (c *Chain) AcceptBlock(block *btcutil.Block) error {
	hash := block.Hash()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, exists := c.index[*hash]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicateBlock, hash)
	}
	header := &block.MsgBlock().Header
	parent, ok := c.index[header.PrevBlock]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownParent, header.PrevBlock)
	}
	if parent.invalid() {
		return fmt.Errorf("%w: parent %v of block %v", ErrInvalidBlock,
			parent.hash, hash)
	}

	if err := CheckBlockSanity(block, c.params.PowLimit,
		c.cfg.MaxTxSize); err != nil {

		return err
	}

	block.SetHeight(parent.height + 1)
	c.sequence++
	node := &blockNode{
		hash:     *hash,
		parent:   parent,
		height:   parent.height + 1,
		bits:     header.Bits,
		time:     header.Timestamp,
		workSum:  new(big.Int).Add(parent.workSum, blockchain.CalcWork(header.Bits)),
		block:    block,
		sequence: c.sequence,
	}
	c.index[node.hash] = node

	log.Debugf("Accepted block %v at height %d", hash, node.height)

	return nil
}

// BestCandidate returns the hash of the valid block with the most
// cumulative work.  The current tip wins ties, then the block seen first.
func (c *Chain) BestCandidate() chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	tip := c.tip()
	var best *blockNode
	for _, node := range c.index {
		if node.invalid() {
			continue
		}
		if best == nil {
			best = node
			continue
		}
		switch node.workSum.Cmp(best.workSum) {
		case 1:
			best = node
		case 0:
			if node == tip || (best != tip && node.sequence < best.sequence) {
				best = node
			}
		}
	}

	return best.hash
}

// ReorgPath returns the blocks to detach, tip first, and the blocks to
// attach, fork point first, to make target the tip.
func (c *Chain) ReorgPath(target *chainhash.Hash) ([]*btcutil.Block,
	[]*btcutil.Block, error) {

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node, ok := c.index[*target]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrBlockNotFound, target)
	}

	var attach []*btcutil.Block
	fork := node
	for !c.inActiveChain(fork) {
		attach = append(attach, fork.block)
		fork = fork.parent
	}
	for i, j := 0, len(attach)-1; i < j; i, j = i+1, j-1 {
		attach[i], attach[j] = attach[j], attach[i]
	}

	var detach []*btcutil.Block
	for n := c.tip(); n != fork; n = n.parent {
		detach = append(detach, n.block)
	}

	return detach, attach, nil
}

// InvalidateBlock marks the block and, implicitly, all of its descendants
// invalid.  Callers move the tip away from it afterwards.
func (c *Chain) InvalidateBlock(hash *chainhash.Hash) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	node, ok := c.index[*hash]
	if !ok {
		return fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	if node.parent == nil {
		return ErrDisconnectGenesis
	}
	node.status |= statusInvalidated

	log.Infof("Invalidated block %v at height %d", hash, node.height)

	return nil
}

// ReconsiderBlock removes invalidity status from the block, its ancestors
// and its descendants.
func (c *Chain) ReconsiderBlock(hash *chainhash.Hash) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	node, ok := c.index[*hash]
	if !ok {
		return fmt.Errorf("%w: %v", ErrBlockNotFound, hash)
	}
	for n := node; n != nil; n = n.parent {
		n.status = 0
	}
	for _, n := range c.index {
		if n.ancestor(node.height) == node {
			n.status = 0
		}
	}

	log.Infof("Reconsidered block %v at height %d", hash, node.height)

	return nil
}

// DisconnectTip detaches the tip, restoring the outputs it spent from the
// undo data and removing the outputs it created.
func (c *Chain) DisconnectTip() (*btcutil.Block, error) {
	c.mtx.Lock()
	tip := c.tip()
	if tip.parent == nil {
		c.mtx.Unlock()
		return nil, ErrDisconnectGenesis
	}

	for _, tx := range tip.block.Transactions() {
		prevOut := wire.OutPoint{Hash: *tx.Hash()}
		for i := range tx.MsgTx().TxOut {
			prevOut.Index = uint32(i)
			delete(c.utxos, prevOut)
		}
	}
	for _, stxo := range c.undo[tip.hash] {
		c.utxos[stxo.outpoint] = stxo.entry
	}
	delete(c.undo, tip.hash)
	c.active = c.active[:len(c.active)-1]
	c.mtx.Unlock()

	log.Debugf("Disconnected block %v at height %d", tip.hash, tip.height)
	c.sendNotification(NTBlockDisconnected, tip.block)

	return tip.block, nil
}

// ConnectTip attaches an accepted block on top of the tip after checking
// its spends against the UTXO set.  A block failing the checks is marked
// invalid.
func (c *Chain) ConnectTip(block *btcutil.Block) error {
	c.mtx.Lock()
	node, ok := c.index[*block.Hash()]
	if !ok {
		c.mtx.Unlock()
		return fmt.Errorf("%w: %v", ErrBlockNotFound, block.Hash())
	}
	if node.parent != c.tip() {
		c.mtx.Unlock()
		return fmt.Errorf("%w: %v", ErrNotExtendingTip, block.Hash())
	}
	if node.invalid() {
		c.mtx.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidBlock, block.Hash())
	}

	stxos, created, err := c.checkConnectBlock(node)
	if err != nil {
		node.status |= statusValidateFailed
		c.mtx.Unlock()
		log.Warnf("Block %v failed to connect: %v", node.hash, err)
		return err
	}

	for _, stxo := range stxos {
		delete(c.utxos, stxo.outpoint)
	}
	for outpoint, entry := range created {
		c.utxos[outpoint] = entry
	}
	c.undo[node.hash] = stxos
	c.active = append(c.active, node)
	c.mtx.Unlock()

	log.Debugf("Connected block %v at height %d (%d txns)", node.hash,
		node.height, len(block.Transactions()))
	c.sendNotification(NTBlockConnected, node.block)

	return nil
}

// checkConnectBlock validates the spends of the block against the UTXO set
// in block order.  Outputs created and spent inside the block never reach
// the returned set.  Must be called with the lock held.
func (c *Chain) checkConnectBlock(node *blockNode) ([]spentTxOut,
	map[wire.OutPoint]*UtxoEntry, error) {

	transactions := node.block.Transactions()
	created := make(map[wire.OutPoint]*UtxoEntry)
	spent := make(map[wire.OutPoint]struct{})
	var stxos []spentTxOut

	var totalFees int64
	for _, tx := range transactions[1:] {
		var totalIn int64
		for _, txIn := range tx.MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			entry, ok := created[prevOut]
			if ok {
				delete(created, prevOut)
			} else {
				if _, done := spent[prevOut]; done {
					return nil, nil, ruleError(
						"bad-txns-inputs-missingorspent",
						fmt.Sprintf("output %v spent twice "+
							"in block", prevOut))
				}
				entry, ok = c.utxos[prevOut]
				if !ok {
					return nil, nil, ruleError(
						"bad-txns-inputs-missingorspent",
						fmt.Sprintf("output %v referenced "+
							"by %v is missing or spent",
							prevOut, tx.Hash()))
				}
				spent[prevOut] = struct{}{}
				stxos = append(stxos, spentTxOut{
					outpoint: prevOut,
					entry:    entry,
				})
			}

			if entry.IsCoinBase && node.height-entry.BlockHeight <
				int32(c.params.CoinbaseMaturity) {

				return nil, nil, ruleError(
					"bad-txns-premature-spend-of-coinbase",
					fmt.Sprintf("tried to spend coinbase "+
						"output %v from height %d at "+
						"height %d", prevOut,
						entry.BlockHeight, node.height))
			}
			totalIn += entry.Amount
		}

		var totalOut int64
		for _, txOut := range tx.MsgTx().TxOut {
			totalOut += txOut.Value
		}
		if totalIn < totalOut {
			return nil, nil, ruleError("bad-txns-in-belowout",
				fmt.Sprintf("transaction %v spends %d but "+
					"creates %d", tx.Hash(), totalIn, totalOut))
		}
		totalFees += totalIn - totalOut

		addOutputs(created, tx, node.height)
	}

	coinbase := transactions[0]
	var coinbaseOut int64
	for _, txOut := range coinbase.MsgTx().TxOut {
		coinbaseOut += txOut.Value
	}
	maxOut := blockchain.CalcBlockSubsidy(node.height, c.params) + totalFees
	if coinbaseOut > maxOut {
		return nil, nil, ruleError("bad-cb-amount", fmt.Sprintf(
			"coinbase pays %d which is more than expected value "+
				"of %d", coinbaseOut, maxOut))
	}
	addOutputs(created, coinbase, node.height)

	return stxos, created, nil
}

func addOutputs(into map[wire.OutPoint]*UtxoEntry, tx *btcutil.Tx,
	height int32) {

	isCoinBase := IsCoinBase(tx)
	prevOut := wire.OutPoint{Hash: *tx.Hash()}
	for i, txOut := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(i)
		into[prevOut] = &UtxoEntry{
			Amount:      txOut.Value,
			PkScript:    txOut.PkScript,
			BlockHeight: height,
			IsCoinBase:  isCoinBase,
		}
	}
}
