// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

// Iterator walks the keys of a range in ascending order.  A fresh iterator
// is positioned before the first key.
type Iterator interface {
	// First moves the iterator to the first key/value pair.  It returns
	// whether such pair exist.
	First() bool

	// Seek moves the iterator to the first key/value pair whose key is
	// greater than or equal to the given key.  It returns whether such
	// pair exist.
	Seek(key []byte) bool

	// Next moves the iterator to the next key/value pair.  It returns
	// false if the iterator is exhausted.
	Next() bool

	// Error returns any accumulated error.  Exhausting all the key/value
	// pairs is not considered to be an error.
	Error() error

	// Key returns the key of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to any 'seeks method'.
	Key() []byte

	// Value returns the value of the current key/value pair, or nil if
	// done.  The same caveats as Key apply.
	Value() []byte

	Releaser
}

// Range is a key range.  Start is inclusive and Limit exclusive.  A nil
// bound is open.
type Range struct {
	// Start of the key range, include in the range.
	Start []byte

	// Limit of the key range, not include in the range.
	Limit []byte
}

// BytesPrefix returns key range that satisfy the given prefix.
// This only applicable for the standard 'bytes comparer'.
func BytesPrefix(prefix []byte) *Range {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c < 0xff {
			limit = make([]byte, i+1)
			copy(limit, prefix)
			limit[i] = c + 1
			break
		}
	}
	return &Range{Start: prefix, Limit: limit}
}
