// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package feerate implements exact fee rate arithmetic for transactions and
// transaction packages.
//
// A FeeRate is kept as the ratio Fee/Size rather than a truncated number of
// satoshis per kilobyte so that two nodes fed the same transactions always
// order them the same way.  Aggregating a package sums fees and sizes; it is
// never the average of the member rates.
package feerate

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil"
)

// bytesPerKB is the size unit used by the sat/kB representation.
const bytesPerKB = 1000

// FeeRate is a fee paid for a number of serialized bytes.
type FeeRate struct {
	// Fee is the fee in satoshi.  It may be negative when a prioritisation
	// delta lowers the modified fee below zero.
	Fee int64

	// Size is the number of bytes the fee pays for.  A rate with a zero
	// size is treated as the zero rate.
	Size int64
}

// Zero is the rate paying nothing.
var Zero = FeeRate{}

// New returns the rate for a fee paid over size bytes.
func New(fee, size int64) FeeRate {
	return FeeRate{Fee: fee, Size: size}
}

// FromSatPerKB returns the rate paying satPerKB satoshi per 1000 bytes.
func FromSatPerKB(satPerKB int64) FeeRate {
	return FeeRate{Fee: satPerKB, Size: bytesPerKB}
}

// FromAmountPerKB returns the rate paying amount per 1000 bytes.
func FromAmountPerKB(amount btcutil.Amount) FeeRate {
	return FromSatPerKB(int64(amount))
}

// Aggregate sums the fees and sizes of the passed rates.  The result is the
// combined rate of a package whose members pay the passed rates.
func Aggregate(rates ...FeeRate) FeeRate {
	var sum FeeRate
	for _, r := range rates {
		sum = sum.Add(r)
	}
	return sum
}

// Add returns the combined rate of r and o.
func (r FeeRate) Add(o FeeRate) FeeRate {
	return FeeRate{Fee: r.Fee + o.Fee, Size: r.Size + o.Size}
}

// Sub removes o from the aggregate r.
func (r FeeRate) Sub(o FeeRate) FeeRate {
	return FeeRate{Fee: r.Fee - o.Fee, Size: r.Size - o.Size}
}

// IsZero reports whether the rate pays nothing per byte.
func (r FeeRate) IsZero() bool {
	return r.Fee == 0 || r.Size <= 0
}

// normalized maps the degenerate zero size rate onto Zero so comparisons
// never divide by zero.
func (r FeeRate) normalized() FeeRate {
	if r.Size <= 0 {
		return FeeRate{Fee: 0, Size: 1}
	}
	return r
}

// Cmp compares r and o by cross multiplication.  It returns -1 when r pays
// less per byte than o, 0 when they pay the same and 1 otherwise.
func (r FeeRate) Cmp(o FeeRate) int {
	a, b := r.normalized(), o.normalized()
	return cmpProducts(a.Fee, b.Size, b.Fee, a.Size)
}

// Less reports whether r pays strictly less per byte than o.
func (r FeeRate) Less(o FeeRate) bool {
	return r.Cmp(o) < 0
}

// AtLeast reports whether r pays at least as much per byte as o.
func (r FeeRate) AtLeast(o FeeRate) bool {
	return r.Cmp(o) >= 0
}

// Max returns the higher of the two rates.
func Max(a, b FeeRate) FeeRate {
	if a.Less(b) {
		return b
	}
	return a
}

// Min returns the lower of the two rates.
func Min(a, b FeeRate) FeeRate {
	if b.Less(a) {
		return b
	}
	return a
}

// SatPerKB returns the rate truncated to whole satoshi per 1000 bytes.
func (r FeeRate) SatPerKB() int64 {
	if r.Size <= 0 {
		return 0
	}
	return mulDiv(r.Fee, bytesPerKB, r.Size)
}

// FeeForSize returns the fee the rate charges for size bytes.  A positive
// rate never charges zero for a non-empty transaction.
func (r FeeRate) FeeForSize(size int64) int64 {
	if r.Size <= 0 || size <= 0 {
		return 0
	}
	fee := mulDiv(r.Fee, size, r.Size)
	if fee == 0 && r.Fee > 0 {
		fee = 1
	}
	return fee
}

// String returns the rate in sat/kB with the exact ratio alongside.
func (r FeeRate) String() string {
	return fmt.Sprintf("%d sat/kB (%d/%d)", r.SatPerKB(), r.Fee, r.Size)
}

// cmpProducts compares a*b with c*d without overflowing.  b and d are sizes
// and therefore never negative after normalization.
func cmpProducts(a, b, c, d int64) int {
	if a >= 0 && c >= 0 {
		hi1, lo1 := bits.Mul64(uint64(a), uint64(b))
		hi2, lo2 := bits.Mul64(uint64(c), uint64(d))
		switch {
		case hi1 != hi2:
			if hi1 < hi2 {
				return -1
			}
			return 1
		case lo1 != lo2:
			if lo1 < lo2 {
				return -1
			}
			return 1
		}
		return 0
	}

	left := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	right := new(big.Int).Mul(big.NewInt(c), big.NewInt(d))
	return left.Cmp(right)
}

// mulDiv returns a*b/c truncated toward zero.  c must be positive.
func mulDiv(a, b, c int64) int64 {
	if a >= 0 && b >= 0 {
		hi, lo := bits.Mul64(uint64(a), uint64(b))
		if hi < uint64(c) {
			q, _ := bits.Div64(hi, lo, uint64(c))
			return int64(q)
		}
	}

	q := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	q.Quo(q, big.NewInt(c))
	return q.Int64()
}
