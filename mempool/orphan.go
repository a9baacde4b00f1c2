package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/mempool/txgraph"
)

// Orphan-specific errors.
var (
	// ErrOrphanAlreadyExists indicates the orphan transaction already
	// exists in the orphan pool.
	ErrOrphanAlreadyExists = errors.New("orphan already exists")

	// ErrOrphanTooLarge indicates the orphan transaction exceeds the
	// maximum allowed size.
	ErrOrphanTooLarge = errors.New("orphan too large")

	// ErrOrphanNotFound indicates the orphan transaction was not found in
	// the orphan pool.
	ErrOrphanNotFound = errors.New("orphan not found")
)

// Tag represents an identifier to use for tagging orphan transactions.  The
// caller may choose any scheme it desires, however it is common to use peer
// IDs so that orphans can be identified by which peer first relayed them.
type Tag uint64

// OrphanManager holds transactions whose parents are unknown.  Orphans live
// in their own transaction graph: they never count towards the mempool size
// and never reach the journal.  The graph's spent-by index finds the orphans
// waiting on a newly accepted transaction and the orphans that double spend
// a mined one.
type OrphanManager struct {
	graph *txgraph.TxGraph

	// metadata stores orphan-specific information not tracked by the
	// graph.
	metadata map[chainhash.Hash]*orphanMetadata

	// byTag indexes orphans by the peer that relayed them.
	byTag map[Tag]map[chainhash.Hash]struct{}

	config   OrphanConfig
	sequence uint64
	size     int

	// nextExpireScan tracks when the next expiration scan should run.
	nextExpireScan time.Time

	mu sync.RWMutex
}

// orphanMetadata contains metadata about an orphan transaction that isn't
// part of the graph structure.
type orphanMetadata struct {
	tx         *btcutil.Tx
	tag        Tag
	expiration time.Time
	size       int
	sequence   uint64
}

// Orphan is an orphan transaction together with the tag it was added with.
type Orphan struct {
	Tx  *btcutil.Tx
	Tag Tag
}

// OrphanConfig defines limits and policies for orphan transaction management.
type OrphanConfig struct {
	// MaxOrphans limits the total number of orphan transactions.  The
	// oldest orphan is dropped to make room for a new one.
	MaxOrphans int

	// MaxOrphanSize limits the size of a single orphan transaction in
	// bytes.
	MaxOrphanSize int

	// OrphanTTL defines how long an orphan remains in memory before
	// expiration.
	OrphanTTL time.Duration

	// ExpireScanInterval defines how often to scan for expired orphans.
	ExpireScanInterval time.Duration

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// DefaultOrphanConfig returns the default orphan configuration.
func DefaultOrphanConfig() OrphanConfig {
	return OrphanConfig{
		MaxOrphans:         100,
		MaxOrphanSize:      100000,
		OrphanTTL:          20 * time.Minute,
		ExpireScanInterval: 5 * time.Minute,
	}
}

// NewOrphanManager creates a new orphan manager with the given configuration.
func NewOrphanManager(cfg OrphanConfig) *OrphanManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &OrphanManager{
		graph:          txgraph.New(nil),
		metadata:       make(map[chainhash.Hash]*orphanMetadata),
		byTag:          make(map[Tag]map[chainhash.Hash]struct{}),
		config:         cfg,
		nextExpireScan: cfg.Now().Add(cfg.ExpireScanInterval),
	}
}

// AddOrphan adds an orphan transaction tagged with the peer that sent it.
// When the pool is full the oldest orphans are dropped first.
func (om *OrphanManager) AddOrphan(tx *btcutil.Tx, tag Tag) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	hash := *tx.Hash()
	if _, exists := om.metadata[hash]; exists {
		return fmt.Errorf("%w: %v", ErrOrphanAlreadyExists, hash)
	}

	size := tx.MsgTx().SerializeSize()
	if size > om.config.MaxOrphanSize {
		return fmt.Errorf("%w: %d bytes (max %d)",
			ErrOrphanTooLarge, size, om.config.MaxOrphanSize)
	}

	// An orphan spending the same outpoint as an existing one replaces
	// it; both cannot be valid.
	for _, conflict := range om.graph.GetConflicts(tx) {
		om.removeOrphanUnsafe(conflict.TxHash, true)
	}

	for om.config.MaxOrphans > 0 && len(om.metadata) >= om.config.MaxOrphans {
		oldest := om.oldestUnsafe()
		log.Debugf("Orphan pool full, dropping orphan %v", oldest)
		om.removeOrphanUnsafe(oldest, true)
	}

	now := om.config.Now()
	om.sequence++
	desc := &txgraph.TxDesc{
		TxHash:   hash,
		Size:     int64(size),
		Added:    now,
		Sequence: om.sequence,
	}
	if err := om.graph.AddTransaction(tx, desc); err != nil {
		return fmt.Errorf("failed to add to graph: %w", err)
	}

	om.metadata[hash] = &orphanMetadata{
		tx:         tx,
		tag:        tag,
		expiration: now.Add(om.config.OrphanTTL),
		size:       size,
		sequence:   om.sequence,
	}
	om.size += size

	if om.byTag[tag] == nil {
		om.byTag[tag] = make(map[chainhash.Hash]struct{})
	}
	om.byTag[tag][hash] = struct{}{}

	log.Debugf("Stored orphan transaction %v (total: %d)", hash,
		len(om.metadata))

	return nil
}

func (om *OrphanManager) oldestUnsafe() chainhash.Hash {
	var (
		oldest chainhash.Hash
		seq    uint64
	)
	for hash, meta := range om.metadata {
		if seq == 0 || meta.sequence < seq {
			oldest, seq = hash, meta.sequence
		}
	}
	return oldest
}

// RemoveOrphan removes an orphan transaction and optionally all its
// descendants.
func (om *OrphanManager) RemoveOrphan(hash chainhash.Hash, cascade bool) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, exists := om.metadata[hash]; !exists {
		return fmt.Errorf("%w: %v", ErrOrphanNotFound, hash)
	}
	om.removeOrphanUnsafe(hash, cascade)
	return nil
}

// removeOrphanUnsafe removes an orphan without locking.  Must be called with
// lock held.
func (om *OrphanManager) removeOrphanUnsafe(hash chainhash.Hash, cascade bool) {
	var removed []chainhash.Hash
	if cascade {
		removed, _ = om.graph.RemoveTransaction(hash)
	} else if om.graph.RemoveTransactionNoCascade(hash) == nil {
		removed = []chainhash.Hash{hash}
	}

	for _, h := range removed {
		meta, exists := om.metadata[h]
		if !exists {
			continue
		}
		if tagSet, exists := om.byTag[meta.tag]; exists {
			delete(tagSet, h)
			if len(tagSet) == 0 {
				delete(om.byTag, meta.tag)
			}
		}
		om.size -= meta.size
		delete(om.metadata, h)
	}
}

// RemoveOrphansByTag removes all orphans received from a specific peer and
// returns how many were removed.
func (om *OrphanManager) RemoveOrphansByTag(tag Tag) int {
	om.mu.Lock()
	defer om.mu.Unlock()

	tagSet, exists := om.byTag[tag]
	if !exists {
		return 0
	}

	toRemove := make([]chainhash.Hash, 0, len(tagSet))
	for hash := range tagSet {
		toRemove = append(toRemove, hash)
	}

	before := len(om.metadata)
	for _, hash := range toRemove {
		om.removeOrphanUnsafe(hash, true)
	}

	return before - len(om.metadata)
}

// RemoveDoubleSpends removes every orphan, and its orphan descendants, that
// spends an input of tx.
func (om *OrphanManager) RemoveDoubleSpends(tx *btcutil.Tx) {
	om.mu.Lock()
	defer om.mu.Unlock()

	for _, conflict := range om.graph.GetConflicts(tx) {
		om.removeOrphanUnsafe(conflict.TxHash, true)
	}
}

// ExpireOrphans removes all orphans that have exceeded their TTL and returns
// how many were removed.  Scans run at most once per ExpireScanInterval.
func (om *OrphanManager) ExpireOrphans() int {
	om.mu.Lock()
	defer om.mu.Unlock()

	now := om.config.Now()
	if now.Before(om.nextExpireScan) {
		return 0
	}
	om.nextExpireScan = now.Add(om.config.ExpireScanInterval)

	var expired []chainhash.Hash
	for hash, meta := range om.metadata {
		if now.After(meta.expiration) {
			expired = append(expired, hash)
		}
	}

	before := len(om.metadata)
	for _, hash := range expired {
		om.removeOrphanUnsafe(hash, true)
	}
	removed := before - len(om.metadata)
	if removed > 0 {
		log.Debugf("Expired %d %s (remaining: %d)", removed,
			pickNoun(uint64(removed), "orphan", "orphans"),
			len(om.metadata))
	}

	return removed
}

// IsOrphan checks if a transaction is currently tracked as an orphan.
func (om *OrphanManager) IsOrphan(hash chainhash.Hash) bool {
	om.mu.RLock()
	defer om.mu.RUnlock()

	_, exists := om.metadata[hash]
	return exists
}

// GetOrphan retrieves an orphan transaction if it exists.
func (om *OrphanManager) GetOrphan(hash chainhash.Hash) (*btcutil.Tx, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()

	meta, exists := om.metadata[hash]
	if !exists {
		return nil, false
	}
	return meta.tx, true
}

// Count returns the current number of orphans.
func (om *OrphanManager) Count() int {
	om.mu.RLock()
	defer om.mu.RUnlock()

	return len(om.metadata)
}

// Size returns the summed size of all orphans.
func (om *OrphanManager) Size() int {
	om.mu.RLock()
	defer om.mu.RUnlock()

	return om.size
}

// TakeRedeemers removes and returns the orphans spending any output of tx in
// the order they were received.  Their own orphan descendants stay in the
// pool and are found once the redeemers are accepted.
func (om *OrphanManager) TakeRedeemers(tx *btcutil.Tx) []*Orphan {
	om.mu.Lock()
	defer om.mu.Unlock()

	seen := make(map[chainhash.Hash]struct{})
	var redeemers []*orphanMetadata
	prevOut := wire.OutPoint{Hash: *tx.Hash()}
	for i := range tx.MsgTx().TxOut {
		prevOut.Index = uint32(i)
		node, ok := om.graph.SpentBy(prevOut)
		if !ok {
			continue
		}
		if _, dup := seen[node.TxHash]; dup {
			continue
		}
		seen[node.TxHash] = struct{}{}
		redeemers = append(redeemers, om.metadata[node.TxHash])
	}

	sortOrphans(redeemers)
	orphans := make([]*Orphan, 0, len(redeemers))
	for _, meta := range redeemers {
		orphans = append(orphans, &Orphan{Tx: meta.tx, Tag: meta.tag})
		om.removeOrphanUnsafe(*meta.tx.Hash(), false)
	}

	return orphans
}

func sortOrphans(orphans []*orphanMetadata) {
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].sequence < orphans[j].sequence
	})
}
