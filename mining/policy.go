// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import "time"

const (
	// DefaultBlockMaxSize is the default maximum block size in bytes.
	DefaultBlockMaxSize = 128 * 1000 * 1000

	// DefaultMaxSigOpsPerMB is the default number of signature operations
	// allowed for every started megabyte of block.
	DefaultMaxSigOpsPerMB = 20000

	// DefaultMaxTxValidationTime is the default validation time budget of
	// a single template transaction.
	DefaultMaxTxValidationTime = time.Second

	// DefaultMaxBlockValidationTime is the default validation time budget
	// of a whole template.
	DefaultMaxBlockValidationTime = 10 * time.Second

	// DefaultMaxCandidates is how many mining candidates are remembered
	// for the current tip.
	DefaultMaxCandidates = 64

	// oneMegabyte is the unit the signature operation limit scales with.
	oneMegabyte = 1000 * 1000
)

// Policy houses the policy (configuration parameters) which is used to
// control the generation of block templates.  See the documentation for
// NewBlockTemplate for more details on how each of these parameters is used.
type Policy struct {
	// BlockMaxSize is the maximum block size in bytes to be used when
	// generating a block template.
	BlockMaxSize int64

	// MaxSigOpsPerMB is the signature operation allowance for every
	// started megabyte of the block.
	MaxSigOpsPerMB int64

	// MaxTxValidationTime excludes transactions whose scripts took longer
	// than this to validate.  Zero disables the check.
	MaxTxValidationTime time.Duration

	// MaxBlockValidationTime bounds the summed validation time of the
	// template transactions.  Zero disables the check.
	MaxBlockValidationTime time.Duration

	// MaxCandidates bounds the candidates remembered for the current tip.
	// The oldest is forgotten first.
	MaxCandidates int
}

// DefaultPolicy returns the policy used unless configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		BlockMaxSize:           DefaultBlockMaxSize,
		MaxSigOpsPerMB:         DefaultMaxSigOpsPerMB,
		MaxTxValidationTime:    DefaultMaxTxValidationTime,
		MaxBlockValidationTime: DefaultMaxBlockValidationTime,
		MaxCandidates:          DefaultMaxCandidates,
	}
}

// maxSigOps returns the signature operation limit of a block of the given
// size.
func (p *Policy) maxSigOps(blockSize int64) int64 {
	units := (blockSize + oneMegabyte - 1) / oneMegabyte
	if units < 1 {
		units = 1
	}
	return p.MaxSigOpsPerMB * units
}
