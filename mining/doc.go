// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mining builds block templates from the mempool journal and hands
them out as mining candidates.

Overview

The journal lists the primary mempool in an order that is already valid
for a block, so template construction is a single greedy pass: entries are
taken in journal order while the block stays within its size, signature
operation and validation time budgets.  An entry that does not fit is
skipped together with every later entry that spends from it.

A mining candidate is a template reduced to what an external miner needs:
the header fields, the coinbase value and the merkle branch of the
coinbase.  Candidates are identified by an opaque id which a solution must
quote.  Ids are forgotten once the tip moves, and a solution whose header
does not meet the target is rejected without touching the chain.
*/
package mining
