// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/chain/chaingen"
	"github.com/btcsuite/mempoold/journal"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

// fakeSource is a transaction source whose journal the tests fill directly.
type fakeSource struct {
	journal *journal.Journal
	txs     map[chainhash.Hash]*btcutil.Tx
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		journal: journal.New(),
		txs:     make(map[chainhash.Hash]*btcutil.Tx),
	}
}

func (s *fakeSource) RLock()                    {}
func (s *fakeSource) RUnlock()                  {}
func (s *fakeSource) Journal() *journal.Journal { return s.journal }
func (s *fakeSource) LastUpdated() time.Time    { return time.Time{} }
func (s *fakeSource) Count() int                { return len(s.txs) }

func (s *fakeSource) FetchTransactionLocked(hash *chainhash.Hash) (*btcutil.Tx, error) {
	tx, ok := s.txs[*hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return tx, nil
}

// add journals a transaction spending a made up outpoint, or the first
// output of each parent.
func (s *fakeSource) add(t *testing.T, sigOps int, validation time.Duration,
	parents ...*btcutil.Tx) *btcutil.Tx {

	t.Helper()

	var inputs []chaingen.Spendable
	var parentHashes []chainhash.Hash
	for _, parent := range parents {
		inputs = append(inputs, chaingen.OutputOf(parent, 0))
		parentHashes = append(parentHashes, *parent.Hash())
	}
	if len(inputs) == 0 {
		inputs = append(inputs, chaingen.Spendable{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{0x01},
				Index: uint32(len(s.txs)),
			},
			Amount: 100000,
		})
	}
	tx := chaingen.SpendTx(inputs, 1, 1000, 100)
	s.txs[*tx.Hash()] = tx

	require.NoError(t, s.journal.Append(&journal.Entry{
		Hash:           *tx.Hash(),
		Size:           int64(tx.MsgTx().SerializeSize()),
		Fee:            1000,
		SigOps:         sigOps,
		ValidationTime: validation,
		Parents:        parentHashes,
	}))
	return tx
}

// fakeChain is a chain view fixed at the regtest genesis block.
type fakeChain struct {
	params *chaincfg.Params
}

func (c *fakeChain) BestSnapshot() *chain.BestState {
	genesis := c.params.GenesisBlock
	return &chain.BestState{
		Hash:       genesis.BlockHash(),
		Bits:       genesis.Header.Bits,
		MedianTime: genesis.Header.Timestamp,
		NumTxns:    1,
	}
}

func (c *fakeChain) NextRequiredBits() uint32 {
	return c.params.PowLimitBits
}

func newFakeGenerator(src *fakeSource, mutate func(*Policy)) *BlkTmplGenerator {
	params := chaingen.Params()
	policy := DefaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	return NewBlkTmplGenerator(&Config{
		Policy:      policy,
		ChainParams: params,
		Chain:       &fakeChain{params: params},
		TxSource:    src,
	})
}

func blockHashes(block *wire.MsgBlock) []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(block.Transactions)-1)
	for _, tx := range block.Transactions[1:] {
		hashes = append(hashes, tx.TxHash())
	}
	return hashes
}

// TestNewBlockTemplateSkips ensures entries over a budget are left out
// together with the entries spending from them.
func TestNewBlockTemplateSkips(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := src.add(t, 1, time.Millisecond)
	slow := src.add(t, 1, 2*time.Second)
	src.add(t, 1, time.Millisecond, slow)
	src.add(t, DefaultMaxSigOpsPerMB, time.Millisecond)
	child := src.add(t, 1, time.Millisecond, a)

	g := newFakeGenerator(src, nil)
	template, err := g.NewBlockTemplate(context.Background())
	require.NoError(t, err, spew.Sdump(src.journal.Hashes()))
	require.Equal(t, []chainhash.Hash{*a.Hash(), *child.Hash()},
		blockHashes(template.Block))
	require.Equal(t, int32(1), template.Height)
	require.Equal(t, -int64(2000), template.Fees[0])

	subsidy := blockchain.CalcBlockSubsidy(1, chaingen.Params())
	require.Equal(t, subsidy+2000, template.CoinbaseValue)
	require.Equal(t, template.CoinbaseValue,
		template.Block.Transactions[0].TxOut[0].Value)

	// The merkle root commits to the selected transactions.
	block := btcutil.NewBlock(template.Block)
	require.Equal(t, chaingen.MerkleRoot(block.Transactions()),
		template.Block.Header.MerkleRoot)

	// The block validation budget cuts everything after the first entry.
	g = newFakeGenerator(src, func(p *Policy) {
		p.MaxTxValidationTime = 0
		p.MaxBlockValidationTime = time.Millisecond
	})
	template, err = g.NewBlockTemplate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*a.Hash()},
		blockHashes(template.Block))
}

func TestNewBlockTemplateSizeLimit(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	first := src.add(t, 1, 0)
	second := src.add(t, 1, 0)
	size := int64(first.MsgTx().SerializeSize())

	// Leave room for the header, the coinbase and one transaction.
	g := newFakeGenerator(src, func(p *Policy) {
		p.BlockMaxSize = blockHeaderOverhead + 200 + size
	})
	template, err := g.NewBlockTemplate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*first.Hash()},
		blockHashes(template.Block))

	g = newFakeGenerator(src, nil)
	template, err = g.NewBlockTemplate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*first.Hash(), *second.Hash()},
		blockHashes(template.Block))

	serialized := int64(template.Block.SerializeSize())
	coinbase := int64(template.Block.Transactions[0].SerializeSize())
	require.Equal(t, serialized-coinbase, template.SizeWithoutCoinbase)
}

func TestNewBlockTemplateRefusals(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.add(t, 1, 0)
	g := newFakeGenerator(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.NewBlockTemplate(ctx)
	require.True(t, IsErrorKind(err, ErrBuildTimeout), "%v", err)
	require.ErrorIs(t, err, context.Canceled)

	// A failed check takes the journal out of service until rebuilt.
	require.Error(t, src.journal.Check(&countSource{count: 5}))
	_, err = g.GetMiningCandidate(context.Background(), true)
	require.True(t, IsErrorKind(err, ErrJournalInconsistent), "%v", err)

	require.NoError(t, src.journal.Rebuild(src.journal.Entries()))
	_, err = g.GetMiningCandidate(context.Background(), true)
	require.NoError(t, err)
}

// countSource is a journal check source that only reports a count.
type countSource struct {
	count int
}

func (s *countSource) PrimaryCount() int                 { return s.count }
func (s *countSource) PrimarySize() int64                { return 0 }
func (s *countSource) IsPrimary(hash chainhash.Hash) bool { return false }

// TestCoinbaseMerkleBranch ensures the merkle proof of a candidate folds the
// coinbase up to the merkle root of the template for odd and even counts.
func TestCoinbaseMerkleBranch(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	g := newFakeGenerator(src, nil)
	for i := 0; i < 8; i++ {
		candidate, err := g.GetMiningCandidate(context.Background(), true)
		require.NoError(t, err)
		require.Equal(t, i+1, candidate.NumTx)

		header := candidate.Header(nil)
		require.Equal(t, candidate.block.Header.MerkleRoot,
			header.MerkleRoot, "%d transactions", candidate.NumTx)

		src.add(t, 1, 0)
	}
}

func TestCandidateLimit(t *testing.T) {
	t.Parallel()

	g := newFakeGenerator(newFakeSource(), func(p *Policy) {
		p.MaxCandidates = 2
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		candidate, err := g.GetMiningCandidate(ctx, false)
		require.NoError(t, err)
		ids = append(ids, candidate.ID)
	}
	require.Len(t, g.candidates, 2)
	require.NotContains(t, g.candidates, ids[0])
	require.Contains(t, g.candidates, ids[2])
	require.Equal(t, 2, g.GetMiningInfo().Candidates)

	g.ResetCandidates()
	require.Zero(t, g.GetMiningInfo().Candidates)
}

func TestDifficultyRatio(t *testing.T) {
	t.Parallel()

	params := chaingen.Params()
	require.Equal(t, 1.0, difficultyRatio(params.PowLimitBits,
		params.PowLimitBits))
	require.Equal(t, 1.0, difficultyRatio(0x1d00ffff, 0x1d00ffff))
	require.InDelta(t, 256.0, difficultyRatio(0x1c00ffff, 0x1d00ffff),
		1e-9)
}
