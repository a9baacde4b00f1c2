// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/journal"
	"github.com/btcsuite/mempoold/mempool/txgraph"
	"github.com/btcsuite/mempoold/txvalidate"
	"github.com/decred/dcrd/lru"
)

// recentlyRejectedSize is the number of rejected transaction ids remembered
// until the next block.
const recentlyRejectedSize = 50000

// ChainView is the part of the chain the pool resolves inputs against.
type ChainView interface {
	// FetchUtxoView returns the unspent outputs tx spends and any
	// unspent outputs of tx itself.
	FetchUtxoView(tx *btcutil.Tx) *chain.UtxoView

	// BestSnapshot returns the current tip.
	BestSnapshot() *chain.BestState
}

// ScriptValidator verifies the scripts of a transaction.
type ScriptValidator interface {
	Validate(ctx context.Context, job *txvalidate.Job) txvalidate.Result
}

// SpillStore holds the serialized bodies of spilled transactions keyed by
// transaction id.
type SpillStore interface {
	Put(hash chainhash.Hash, raw []byte) error
	Get(hash chainhash.Hash) ([]byte, error)
	Delete(hash chainhash.Hash) error
}

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related
	// to policy.
	Policy Policy

	// ChainParams identifies which chain parameters the txpool is
	// associated with.
	ChainParams *chaincfg.Params

	// Chain resolves confirmed inputs.
	Chain ChainView

	// Validator runs script verification.  A nil validator skips
	// script checks.
	Validator ScriptValidator

	// Spill receives transaction bodies moved out of memory.  It is
	// only used when Policy.MaxMempoolSizeDisk is positive.
	Spill SpillStore

	// AllowReplacement decides whether tx replaces the pool transactions
	// it conflicts with.  A nil function never replaces.
	AllowReplacement func(tx *btcutil.Tx, conflicts []*TxDesc) bool

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// AdmitFlags alter the checks applied on admission.
type AdmitFlags struct {
	// AllowHighFees disables the absurd fee check.
	AllowHighFees bool

	// SkipFeeCheck disables the relay fee and rolling minimum fee
	// checks.
	SkipFeeCheck bool

	// Reorg marks a transaction resurrected from a disconnected block.
	// Fee and package limit checks are skipped, it never becomes an
	// orphan and the pool is not trimmed; the caller enforces limits
	// and trims once the reorg completes.
	Reorg bool

	// ScriptsVerified marks a transaction whose input scripts the caller
	// has already verified against the same outputs.
	ScriptsVerified bool
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction.
	Tx *btcutil.Tx

	// Added is the time when the entry was added to the pool.
	Added time.Time

	// Height is the block height when the entry was added to the pool.
	Height int32

	// Fee is the total fee the transaction pays.
	Fee int64

	// ModifiedFee is Fee plus the prioritisation delta.
	ModifiedFee int64

	// Size is the serialized size.
	Size int64

	// SigOps is the number of signature operations counted against
	// block limits.
	SigOps int

	// Primary reports whether the transaction is eligible for mining.
	Primary bool

	// Spilled reports whether the body lives in the spill store.
	Spilled bool

	// ValidationTime is how long script verification took.
	ValidationTime time.Duration
}

// AdmitResult reports the outcome of ProcessTransaction.
type AdmitResult struct {
	// Accepted holds the transaction and every orphan it unlocked, in
	// acceptance order.
	Accepted []*TxDesc

	// Orphaned reports that the transaction was stored as an orphan.
	Orphaned bool

	// MissingParents lists the unknown parents of an orphan.
	MissingParents []chainhash.Hash
}

// txEntry is the pool's record of a transaction.
type txEntry struct {
	// tx is nil while the body is spilled.
	tx     *btcutil.Tx
	desc   *txgraph.TxDesc
	fee    int64
	delta  int64
	height int32
	sigOps int
	usage  int64

	validationTime time.Duration

	primary bool
	spilled bool

	// group is the transaction whose package promoted this one.  It is
	// the zero hash for secondary entries.
	group chainhash.Hash
}

// TxPool is used as a source of transactions that need to be mined into
// blocks and relayed to other peers.  It is safe for concurrent access from
// multiple peers.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated

	mtx       sync.RWMutex
	cfg       Config
	graph     *txgraph.TxGraph
	pool      map[chainhash.Hash]*txEntry
	journal   *journal.Journal
	orphans   *OrphanManager
	rejected  lru.Cache
	feeDeltas map[chainhash.Hash]int64
	floor     rollingFee

	sequence uint64

	// generation is bumped on every mutation so an admission can tell
	// whether the pool changed while its scripts were verified.
	generation uint64

	usage        int64
	usageDisk    int64
	totalSize    int64
	primaryCount int
	primarySize  int64

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback
}

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}

	return &TxPool{
		cfg:     *cfg,
		graph:   txgraph.New(nil),
		pool:    make(map[chainhash.Hash]*txEntry),
		journal: journal.New(),
		orphans: NewOrphanManager(OrphanConfig{
			MaxOrphans:         cfg.Policy.MaxOrphanTxs,
			MaxOrphanSize:      cfg.Policy.MaxOrphanTxSize,
			OrphanTTL:          cfg.Policy.OrphanTTL,
			ExpireScanInterval: DefaultOrphanConfig().ExpireScanInterval,
			Now:                cfg.Now,
		}),
		rejected:  lru.NewCache(recentlyRejectedSize),
		feeDeltas: make(map[chainhash.Hash]int64),
	}
}

// admission carries the result of the locked checks of a transaction to
// its commit.
type admission struct {
	tx         *btcutil.Tx
	view       *chain.UtxoView
	fee        int64
	size       int64
	sigOps     int
	height     int32
	conflicts  []*txgraph.TxGraphNode
	generation uint64
	added      time.Time
}

// ProcessTransaction is the main workhorse for handling insertion of new
// free-standing transactions into the memory pool.  It includes
// functionality such as rejecting duplicate transactions, ensuring
// transactions follow all rules, orphan transaction handling, and insertion
// into the memory pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessTransaction(ctx context.Context, tx *btcutil.Tx,
	flags AdmitFlags, tag Tag) (*AdmitResult, error) {

	log.Tracef("Processing transaction %v", tx.Hash())

	desc, missingParents, err := mp.MaybeAcceptTransaction(ctx, tx, flags)
	if err != nil {
		return nil, err
	}

	if len(missingParents) == 0 {
		accepted := mp.ProcessOrphans(ctx, tx)
		result := &AdmitResult{
			Accepted: make([]*TxDesc, 0, len(accepted)+1),
		}
		result.Accepted = append(result.Accepted, desc)
		result.Accepted = append(result.Accepted, accepted...)
		return result, nil
	}

	if flags.Reorg {
		return nil, txRuleError(wire.RejectInvalid, ErrMissingInputs,
			"bad-txns-inputs-missingorspent", fmt.Sprintf(
				"transaction %v spends unknown outputs",
				tx.Hash()))
	}

	if err := mp.orphans.AddOrphan(tx, tag); err != nil {
		// Orphans over the size limit are dropped silently.
		log.Debugf("Dropping orphan %v: %v", tx.Hash(), err)
	}

	return &AdmitResult{Orphaned: true, MissingParents: missingParents}, nil
}

// MaybeAcceptTransaction is the internal function which implements the
// public admission.  The checks run under the pool lock, scripts are
// verified without it and the result is committed under the lock again.
// The returned missing parents are non-empty when the transaction is an
// orphan, in which case no error is returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) MaybeAcceptTransaction(ctx context.Context, tx *btcutil.Tx,
	flags AdmitFlags) (*TxDesc, []chainhash.Hash, error) {

	return mp.acceptTransaction(ctx, tx, flags, time.Time{})
}

func (mp *TxPool) acceptTransaction(ctx context.Context, tx *btcutil.Tx,
	flags AdmitFlags, added time.Time) (*TxDesc, []chainhash.Hash, error) {

	mp.mtx.Lock()
	adm, missing, err := mp.checkTransaction(tx, flags)
	mp.mtx.Unlock()
	if err != nil {
		mp.logRejection(tx, err)
		return nil, nil, err
	}
	if len(missing) > 0 {
		return nil, missing, nil
	}
	adm.added = added

	var validationTime time.Duration
	if !flags.ScriptsVerified {
		validationTime, err = mp.verifyScripts(ctx, adm)
		if err != nil {
			mp.logRejection(tx, err)
			return nil, nil, err
		}
	}

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	// Anything could have changed while the scripts ran.  Redo the
	// checks; the scripts themselves need no second look since the
	// outputs an outpoint names are fixed by its transaction id.
	if adm.generation != mp.generation {
		refreshed, missing, err := mp.checkTransaction(tx, flags)
		if err != nil {
			mp.logRejection(tx, err)
			return nil, nil, err
		}
		if len(missing) > 0 {
			return nil, missing, nil
		}
		refreshed.added = added
		adm = refreshed
	}

	desc, err := mp.addTransaction(adm, validationTime, flags)
	if err != nil {
		mp.logRejection(tx, err)
		return nil, nil, err
	}

	return desc, nil, nil
}

func (mp *TxPool) logRejection(tx *btcutil.Tx, err error) {
	code, reason := RejectReasonOf(err)
	log.Debugf("Rejected transaction %v: %d %s (%v)", tx.Hash(), code,
		reason, err)
}

// rememberRejection stores the ids of transactions that will fail the same
// way when resubmitted.
func (mp *TxPool) rememberRejection(hash *chainhash.Hash, err error) {
	switch ErrorKindOf(err) {
	case ErrInvalid, ErrNonStandard, ErrScriptInvalid:
		mp.rejected.Add(*hash)
	}
}

// checkTransaction runs every check that does not need the scripts.  Must
// be called with the lock held.
func (mp *TxPool) checkTransaction(tx *btcutil.Tx,
	flags AdmitFlags) (*admission, []chainhash.Hash, error) {

	adm, missing, err := mp.checkTransactionLocked(tx, flags)
	if err != nil {
		mp.rememberRejection(tx.Hash(), err)
	}
	return adm, missing, err
}

func (mp *TxPool) checkTransactionLocked(tx *btcutil.Tx,
	flags AdmitFlags) (*admission, []chainhash.Hash, error) {

	txHash := tx.Hash()
	policy := &mp.cfg.Policy

	if _, exists := mp.pool[*txHash]; exists || mp.orphans.IsOrphan(*txHash) {
		return nil, nil, txRuleError(wire.RejectDuplicate, ErrDuplicate,
			"txn-already-in-mempool", fmt.Sprintf("already have "+
				"transaction %v", txHash))
	}
	if !flags.Reorg && mp.rejected.Contains(*txHash) {
		return nil, nil, txRuleError(wire.RejectDuplicate, ErrDuplicate,
			"txn-already-known", fmt.Sprintf("transaction %v was "+
				"recently rejected", txHash))
	}

	var cerr chain.RuleError
	if err := chain.CheckTransactionSanity(tx, policy.MaxTxSize); err != nil {
		if errors.As(err, &cerr) {
			return nil, nil, chainRuleError(cerr)
		}
		return nil, nil, err
	}
	if chain.IsCoinBase(tx) {
		return nil, nil, txRuleError(wire.RejectInvalid, ErrInvalid,
			"coinbase", fmt.Sprintf("transaction %v is an "+
				"individual coinbase", txHash))
	}

	if err := checkOutputsP2SH(tx); err != nil {
		return nil, nil, err
	}

	best := mp.cfg.Chain.BestSnapshot()
	nextHeight := best.Height + 1
	if !policy.AcceptNonStd {
		err := checkTransactionStandard(tx, nextHeight, best.MedianTime)
		if err != nil {
			return nil, nil, err
		}
	}

	conflicts := mp.graph.GetConflicts(tx)
	if len(conflicts) > 0 {
		if err := mp.checkReplacement(tx, conflicts); err != nil {
			return nil, nil, err
		}
	}

	view := mp.cfg.Chain.FetchUtxoView(tx)
	prevOut := wire.OutPoint{Hash: *txHash}
	for i := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(i)
		if view.LookupEntry(prevOut) != nil {
			return nil, nil, txRuleError(wire.RejectDuplicate,
				ErrDuplicate, "txn-already-known", fmt.Sprintf(
					"transaction %v already exists", txHash))
		}
	}

	var missingParents []chainhash.Hash
	for _, txIn := range tx.MsgTx().TxIn {
		outpoint := txIn.PreviousOutPoint
		if view.LookupEntry(outpoint) != nil {
			continue
		}
		parent, ok := mp.pool[outpoint.Hash]
		if !ok {
			missingParents = append(missingParents, outpoint.Hash)
			continue
		}
		parentTx, err := mp.entryTx(parent)
		if err != nil {
			return nil, nil, err
		}
		outputs := parentTx.MsgTx().TxOut
		if outpoint.Index >= uint32(len(outputs)) {
			return nil, nil, txRuleError(wire.RejectInvalid,
				ErrInvalid, "bad-txns-inputs-missingorspent",
				fmt.Sprintf("output %v does not exist", outpoint))
		}
		view.AddEntry(outpoint, &chain.UtxoEntry{
			Amount:      outputs[outpoint.Index].Value,
			PkScript:    outputs[outpoint.Index].PkScript,
			BlockHeight: chain.UnminedHeight,
		})
	}
	if len(missingParents) > 0 {
		return nil, dedupeHashes(missingParents), nil
	}

	var totalIn int64
	for _, txIn := range tx.MsgTx().TxIn {
		entry := view.LookupEntry(txIn.PreviousOutPoint)
		if entry.IsCoinBase && nextHeight-entry.BlockHeight <
			int32(mp.cfg.ChainParams.CoinbaseMaturity) {

			return nil, nil, txRuleError(wire.RejectInvalid,
				ErrInvalid, "bad-txns-premature-spend-of-coinbase",
				fmt.Sprintf("tried to spend coinbase output %v "+
					"from height %d at height %d",
					txIn.PreviousOutPoint, entry.BlockHeight,
					nextHeight))
		}
		totalIn += entry.Amount
	}
	var totalOut int64
	for _, txOut := range tx.MsgTx().TxOut {
		totalOut += txOut.Value
	}
	if totalIn < totalOut {
		return nil, nil, txRuleError(wire.RejectInvalid, ErrInvalid,
			"bad-txns-in-belowout", fmt.Sprintf("total value of "+
				"inputs %d is below the outputs %d", totalIn,
				totalOut))
	}
	fee := totalIn - totalOut
	size := int64(tx.MsgTx().SerializeSize())

	if !flags.Reorg {
		if err := mp.checkPackageLimits(tx, size); err != nil {
			return nil, nil, err
		}
	}

	if !flags.SkipFeeCheck && !flags.Reorg {
		modifiedFee := fee + mp.feeDeltas[*txHash]
		if err := checkRelayFee(policy, txHash, modifiedFee, size); err != nil {
			return nil, nil, err
		}
		minFee := mp.minFee()
		if !minFee.IsZero() && minFee.FeeForSize(size) > modifiedFee {
			return nil, nil, txRuleError(wire.RejectInsufficientFee,
				ErrInsufficientFee, "mempool min fee not met",
				fmt.Sprintf("%d < %d", modifiedFee,
					minFee.FeeForSize(size)))
		}
	}
	if !flags.AllowHighFees {
		if err := checkAbsurdFee(policy, txHash, fee, size); err != nil {
			return nil, nil, err
		}
	}

	return &admission{
		tx:         tx,
		view:       view,
		fee:        fee,
		size:       size,
		sigOps:     blockchain.CountSigOps(tx),
		height:     best.Height,
		conflicts:  conflicts,
		generation: mp.generation,
	}, nil, nil
}

// checkReplacement notifies subscribers about the double spend and decides
// whether tx may replace the conflicting transactions.  Must be called with
// the lock held.
func (mp *TxPool) checkReplacement(tx *btcutil.Tx,
	conflicts []*txgraph.TxGraphNode) error {

	hashes := make([]chainhash.Hash, 0, len(conflicts))
	descs := make([]*TxDesc, 0, len(conflicts))
	for _, c := range conflicts {
		hashes = append(hashes, c.TxHash)
		descs = append(descs, mp.describe(c.TxHash, mp.pool[c.TxHash]))
	}

	replace := mp.cfg.AllowReplacement != nil &&
		mp.cfg.AllowReplacement(tx, descs)

	// A replacement must not spend from what it replaces.
	if replace {
		doomed := make(map[chainhash.Hash]struct{})
		for _, c := range conflicts {
			nodes, _ := mp.graph.DescendantsTopo(c.TxHash)
			for _, n := range nodes {
				doomed[n.TxHash] = struct{}{}
			}
		}
		for _, txIn := range tx.MsgTx().TxIn {
			if _, ok := doomed[txIn.PreviousOutPoint.Hash]; ok {
				replace = false
				break
			}
		}
	}

	mp.sendNotification(NTDoubleSpend, &DoubleSpendEvent{
		Tx:          tx,
		Conflicting: hashes,
		Replaced:    replace,
	})
	if replace {
		return nil
	}

	return txRuleError(wire.RejectDuplicate, ErrConflict,
		"txn-mempool-conflict", fmt.Sprintf("output %v already "+
			"spent by transaction %v in the memory pool",
			conflictingOutpoint(tx, conflicts[0]), conflicts[0].TxHash))
}

func conflictingOutpoint(tx *btcutil.Tx, node *txgraph.TxGraphNode) wire.OutPoint {
	spent := make(map[wire.OutPoint]struct{}, len(node.Inputs))
	for _, in := range node.Inputs {
		spent[in] = struct{}{}
	}
	for _, txIn := range tx.MsgTx().TxIn {
		if _, ok := spent[txIn.PreviousOutPoint]; ok {
			return txIn.PreviousOutPoint
		}
	}
	return wire.OutPoint{}
}

// checkPackageLimits enforces the ancestor and descendant limits for a
// transaction of the given size that is not in the pool yet.  Must be
// called with the lock held.
func (mp *TxPool) checkPackageLimits(tx *btcutil.Tx, size int64) error {
	policy := &mp.cfg.Policy
	ancestors, stats := mp.graph.AncestorsOf(tx)

	if policy.MaxAncestorCount > 0 && stats.Count+1 > policy.MaxAncestorCount {
		return txRuleError(wire.RejectNonstandard,
			ErrAncestorLimitExceeded, "too-long-mempool-chain",
			fmt.Sprintf("too many unconfirmed ancestors [limit: %d]",
				policy.MaxAncestorCount))
	}
	if policy.MaxAncestorSize > 0 && stats.Size+size > policy.MaxAncestorSize {
		return txRuleError(wire.RejectNonstandard,
			ErrAncestorLimitExceeded, "too-long-mempool-chain",
			fmt.Sprintf("exceeds ancestor size limit [limit: %d]",
				policy.MaxAncestorSize))
	}

	for hash := range ancestors {
		desc, err := mp.graph.DescendantStats(hash)
		if err != nil {
			continue
		}
		if policy.MaxDescendantCount > 0 &&
			desc.Count+1 > policy.MaxDescendantCount {

			return txRuleError(wire.RejectNonstandard,
				ErrAncestorLimitExceeded, "too-long-mempool-chain",
				fmt.Sprintf("too many descendants for tx %v "+
					"[limit: %d]", hash,
					policy.MaxDescendantCount))
		}
		if policy.MaxDescendantSize > 0 &&
			desc.Size+size > policy.MaxDescendantSize {

			return txRuleError(wire.RejectNonstandard,
				ErrAncestorLimitExceeded, "too-long-mempool-chain",
				fmt.Sprintf("exceeds descendant size limit for "+
					"tx %v [limit: %d]", hash,
					policy.MaxDescendantSize))
		}
	}

	return nil
}

// verifyScripts runs script verification for the admission without holding
// the pool lock.
func (mp *TxPool) verifyScripts(ctx context.Context,
	adm *admission) (time.Duration, error) {

	if mp.cfg.Validator == nil {
		return 0, nil
	}

	result := mp.cfg.Validator.Validate(ctx, &txvalidate.Job{
		Tx:       adm.tx,
		PrevOuts: adm.view.PrevOutFetcher(),
	})

	txHash := adm.tx.Hash()
	switch result.Outcome {
	case txvalidate.OutcomeOK:
		return result.Duration, nil

	case txvalidate.OutcomeInvalid:
		err := txRuleError(wire.RejectInvalid, ErrScriptInvalid,
			"mandatory-script-verify-flag-failed",
			fmt.Sprintf("%v", result.Err))
		mp.mtx.Lock()
		mp.rememberRejection(txHash, err)
		mp.mtx.Unlock()
		return 0, err

	case txvalidate.OutcomeTimeout:
		return 0, txRuleError(wire.RejectNonstandard, ErrScriptTimeout,
			"too-long-validation-time", fmt.Sprintf("script "+
				"verification of %v took longer than %v",
				txHash, result.Duration))

	default:
		return 0, txRuleError(wire.RejectNonstandard,
			ErrValidationSkipped, "validation-skipped",
			fmt.Sprintf("%v", result.Err))
	}
}

// addTransaction commits an admission to the pool.  Must be called with the
// lock held.
func (mp *TxPool) addTransaction(adm *admission, validationTime time.Duration,
	flags AdmitFlags) (*TxDesc, error) {

	tx := adm.tx
	txHash := *tx.Hash()

	for _, conflict := range adm.conflicts {
		mp.removeTransaction(conflict.TxHash, true, ReasonReplaced, nil, nil)
	}

	added := adm.added
	if added.IsZero() {
		added = mp.cfg.Now()
	}
	delta := mp.feeDeltas[txHash]
	mp.sequence++
	desc := &txgraph.TxDesc{
		TxHash:   txHash,
		Size:     adm.size,
		Fee:      adm.fee + delta,
		Added:    added,
		Sequence: mp.sequence,
	}
	if err := mp.graph.AddTransaction(tx, desc); err != nil {
		return nil, err
	}

	entry := &txEntry{
		tx:             tx,
		desc:           desc,
		fee:            adm.fee,
		delta:          delta,
		height:         adm.height,
		sigOps:         adm.sigOps,
		usage:          txMemUsage(tx.MsgTx(), false),
		validationTime: validationTime,
	}
	mp.pool[txHash] = entry
	mp.usage += entry.usage
	mp.totalSize += adm.size
	mp.generation++
	atomic.StoreInt64(&mp.lastUpdated, mp.cfg.Now().Unix())

	mp.placeCluster(txHash)
	mp.orphans.RemoveDoubleSpends(tx)

	log.Debugf("Accepted transaction %v (pool size: %v, primary: %v)",
		txHash, len(mp.pool), entry.primary)

	accepted := mp.describe(txHash, entry)
	mp.sendNotification(NTTxAccepted, accepted)

	if !flags.Reorg {
		if err := mp.limitSize(); err != nil {
			return nil, err
		}
		if _, ok := mp.pool[txHash]; !ok {
			return nil, txRuleError(wire.RejectInsufficientFee,
				ErrInsufficientFee, "mempool full",
				fmt.Sprintf("transaction %v was evicted on "+
					"admission", txHash))
		}
		accepted.Primary = entry.primary
	}

	return accepted, nil
}

// ProcessOrphans determines if there are any orphans which depend on the
// passed transaction hash (it is possible that they are no longer orphans)
// and potentially accepts them to the memory pool.  It repeats the process
// for the newly accepted transactions (to detect further orphans which may
// no longer be orphans) until there are no more.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessOrphans(ctx context.Context,
	acceptedTx *btcutil.Tx) []*TxDesc {

	var accepted []*TxDesc
	queue := []*btcutil.Tx{acceptedTx}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		for _, orphan := range mp.orphans.TakeRedeemers(next) {
			desc, missing, err := mp.MaybeAcceptTransaction(ctx,
				orphan.Tx, AdmitFlags{})
			if err != nil {
				log.Debugf("Unable to move orphan %v to the "+
					"pool: %v", orphan.Tx.Hash(), err)
				continue
			}
			if len(missing) > 0 {
				// Still missing other parents.
				err := mp.orphans.AddOrphan(orphan.Tx, orphan.Tag)
				if err != nil {
					log.Debugf("Dropping orphan %v: %v",
						orphan.Tx.Hash(), err)
				}
				continue
			}
			accepted = append(accepted, desc)
			queue = append(queue, orphan.Tx)
		}
	}

	return accepted
}

// ProcessBlockOrphans moves the orphans waiting on outputs created by a
// connected block into the pool.  It must be called after RemoveForBlock so
// the block's transactions are no longer orphans themselves.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessBlockOrphans(ctx context.Context,
	block *btcutil.Block) []*TxDesc {

	var accepted []*TxDesc
	for _, tx := range block.Transactions()[1:] {
		accepted = append(accepted, mp.ProcessOrphans(ctx, tx)...)
	}
	if len(accepted) > 0 {
		log.Debugf("Block %v moved %d %s out of the orphan pool",
			block.Hash(), len(accepted), pickNoun(uint64(len(accepted)),
				"transaction", "transactions"))
	}
	return accepted
}

// describe builds the public descriptor of an entry.  Must be called with
// the lock held.
func (mp *TxPool) describe(hash chainhash.Hash, e *txEntry) *TxDesc {
	if e == nil {
		return nil
	}
	tx := e.tx
	if tx == nil {
		tx, _ = mp.loadSpilled(hash)
	}
	return &TxDesc{
		Tx:             tx,
		Added:          e.desc.Added,
		Height:         e.height,
		Fee:            e.fee,
		ModifiedFee:    e.desc.Fee,
		Size:           e.desc.Size,
		SigOps:         e.sigOps,
		Primary:        e.primary,
		Spilled:        e.spilled,
		ValidationTime: e.validationTime,
	}
}

// PrioritiseTransaction adds delta to the modified fee of a transaction.
// Deltas for transactions not in the pool are kept until they arrive.
//
// This function is safe for concurrent access.
func (mp *TxPool) PrioritiseTransaction(hash chainhash.Hash, delta int64) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.feeDeltas[hash] += delta
	if mp.feeDeltas[hash] == 0 {
		delete(mp.feeDeltas, hash)
	}

	entry, ok := mp.pool[hash]
	if !ok {
		return
	}
	entry.delta = mp.feeDeltas[hash]
	if err := mp.graph.UpdateFee(hash, entry.fee+entry.delta); err != nil {
		return
	}
	mp.generation++

	wasPrimary := entry.primary
	mp.placeCluster(hash)
	if wasPrimary && entry.primary {
		// The journaled fee is stale.
		mp.rebuildJournal()
	}

	log.Debugf("Prioritised transaction %v by %d", hash, delta)
}

func dedupeHashes(hashes []chainhash.Hash) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{}, len(hashes))
	out := hashes[:0]
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
