// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/blockchain"
)

// staleCheckInterval is how many hashes are tried between checks for
// cancellation and a moved tip.
const staleCheckInterval = 1 << 16

// Solve searches the nonce space of the candidate's header for a hash below
// its target, bumping the timestamp by a second whenever the nonce space is
// exhausted.  The search stops with ErrUnknownCandidateID once the tip moves
// away from the candidate, and with the context's error once it is done.
func (g *BlkTmplGenerator) Solve(ctx context.Context,
	candidate *Candidate) (*Solution, error) {

	header := candidate.Header(nil)
	target := blockchain.CompactToBig(header.Bits)

	for {
		for nonce := uint32(0); ; nonce++ {
			if nonce%staleCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				best := g.cfg.Chain.BestSnapshot()
				if best.Hash != candidate.PrevHash {
					return nil, miningError(ErrUnknownCandidateID,
						fmt.Sprintf("candidate %q is stale",
							candidate.ID), nil)
				}
			}

			header.Nonce = nonce
			hash := header.BlockHash()
			if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
				return &Solution{
					ID:      candidate.ID,
					Nonce:   nonce,
					Time:    header.Timestamp,
					Version: header.Version,
				}, nil
			}
			if nonce == math.MaxUint32 {
				break
			}
		}

		header.Timestamp = header.Timestamp.Add(time.Second)
		log.Tracef("Nonce space of candidate %s exhausted, time now %v",
			candidate.ID, header.Timestamp)
	}
}
