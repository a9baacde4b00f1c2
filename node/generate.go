// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/mining"
	"github.com/cenkalti/backoff/v4"
)

const (
	// generateRetries bounds the attempts to mine one block when the tip
	// keeps moving under the miner.
	generateRetries = 10

	// generateInitialBackoff is the wait before the first retry.
	generateInitialBackoff = 10 * time.Millisecond
)

// Generate mines n blocks on the current tip from the pool's journal and
// returns their hashes.  A candidate made stale by a concurrent chain change
// is rebuilt after a backoff.
func (n *Node) Generate(ctx context.Context, count int) ([]chainhash.Hash, error) {
	hashes := make([]chainhash.Hash, 0, count)
	for i := 0; i < count; i++ {
		hash, err := n.generateOne(ctx)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (n *Node) generateOne(ctx context.Context) (chainhash.Hash, error) {
	var hash chainhash.Hash
	op := func() error {
		candidate, err := n.GetMiningCandidate(ctx, true)
		if err != nil {
			return retryable(err)
		}
		solution, err := n.generator.Solve(ctx, candidate)
		if err != nil {
			return retryable(err)
		}
		block, err := n.SubmitMiningSolution(ctx, solution)
		if err != nil {
			return retryable(err)
		}
		hash = *block.Hash()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = generateInitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, generateRetries),
		ctx)
	notify := func(err error, wait time.Duration) {
		log.Debugf("Retrying block generation in %v: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return chainhash.Hash{}, err
	}

	log.Infof("Generated block %v", hash)
	return hash, nil
}

// retryable marks errors caused by the tip moving as worth another attempt.
func retryable(err error) error {
	switch {
	case mining.IsErrorKind(err, mining.ErrUnknownCandidateID),
		mining.IsErrorKind(err, mining.ErrBlockRejected):
		return err
	}
	return backoff.Permanent(err)
}
