// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package journal

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeSource is a mempool stand-in holding the primary set.
type fakeSource struct {
	primary map[chainhash.Hash]int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{primary: make(map[chainhash.Hash]int64)}
}

func (s *fakeSource) PrimaryCount() int { return len(s.primary) }

func (s *fakeSource) PrimarySize() int64 {
	var total int64
	for _, size := range s.primary {
		total += size
	}
	return total
}

func (s *fakeSource) IsPrimary(hash chainhash.Hash) bool {
	_, ok := s.primary[hash]
	return ok
}

func hashN(n int) chainhash.Hash {
	return chainhash.Hash{byte(n), byte(n >> 8), 0xaa}
}

func TestAppendRequiresParents(t *testing.T) {
	t.Parallel()

	j := New()
	parent := &Entry{Hash: hashN(1), Size: 100}
	child := &Entry{Hash: hashN(2), Size: 50, Parents: []chainhash.Hash{parent.Hash}}

	require.ErrorIs(t, j.Append(child), ErrParentNotJournaled)
	require.NoError(t, j.Append(parent))
	require.NoError(t, j.Append(child))
	require.ErrorIs(t, j.Append(child), ErrDuplicateEntry)

	require.Equal(t, 2, j.Len())
	require.Equal(t, int64(150), j.Size())
	require.Equal(t, []chainhash.Hash{parent.Hash, child.Hash}, j.Hashes())

	require.NoError(t, j.Remove(parent.Hash))
	require.ErrorIs(t, j.Remove(parent.Hash), ErrEntryNotFound)
	require.Equal(t, int64(50), j.Size())
}

// TestCheckMarksInconsistent ensures a mismatch is detected, sticks until a
// rebuild and that the rebuild restores consistency.
func TestCheckMarksInconsistent(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	j := New()

	a := &Entry{Hash: hashN(1), Size: 10}
	b := &Entry{Hash: hashN(2), Size: 20}
	require.NoError(t, j.Append(a))
	src.primary[a.Hash] = a.Size
	require.NoError(t, j.Check(src))

	// The mempool gained a primary transaction the journal missed.
	src.primary[b.Hash] = b.Size
	require.ErrorIs(t, j.Check(src), ErrInconsistent)
	require.False(t, j.Consistent())

	// Fixing the source alone does not clear the flag.
	delete(src.primary, b.Hash)
	require.NoError(t, j.Check(src))
	require.False(t, j.Consistent())

	src.primary[b.Hash] = b.Size
	require.NoError(t, j.Rebuild([]*Entry{a, b}))
	require.True(t, j.Consistent())
	require.NoError(t, j.Check(src))
}

func TestCheckDetectsOrder(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	j := New()

	parent := &Entry{Hash: hashN(1), Size: 10}
	child := &Entry{Hash: hashN(2), Size: 10, Parents: []chainhash.Hash{parent.Hash}}
	src.primary[parent.Hash] = 10
	src.primary[child.Hash] = 10

	// Rebuild refuses an out of order input and keeps the old content.
	require.ErrorIs(t, j.Rebuild([]*Entry{child, parent}),
		ErrParentNotJournaled)
	require.Zero(t, j.Len())

	require.NoError(t, j.Rebuild([]*Entry{parent, child}))
	require.NoError(t, j.Check(src))
}

// TestRebuildIdempotent ensures rebuilding a consistent journal from its own
// entries changes nothing observable.
func TestRebuildIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := newFakeSource()
		j := New()

		n := rapid.IntRange(0, 40).Draw(t, "n")
		var hashes []chainhash.Hash
		for i := 0; i < n; i++ {
			e := &Entry{
				Hash: hashN(i),
				Size: rapid.Int64Range(1, 1000).Draw(t, "size"),
			}
			if i > 0 && rapid.Bool().Draw(t, "hasParent") {
				p := rapid.IntRange(0, i-1).Draw(t, "parent")
				e.Parents = []chainhash.Hash{hashN(p)}
			}
			require.NoError(t, j.Append(e))
			src.primary[e.Hash] = e.Size
			hashes = append(hashes, e.Hash)
		}
		require.NoError(t, j.Check(src))

		before := j.Hashes()
		require.NoError(t, j.Rebuild(j.Entries()))
		require.Equal(t, before, j.Hashes())
		require.Equal(t, src.PrimarySize(), j.Size())
		require.NoError(t, j.Check(src))
		require.Len(t, hashes, j.Len())
	})
}
