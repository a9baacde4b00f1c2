// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRunEviction replays the full eviction order against pools of
// different sizes.
func TestRunEviction(t *testing.T) {
	tests := []struct {
		name string
		fill int
		pad  int
	}{
		{"small", 2, 2000},
		{"default", defaultFill, defaultPad},
	}

	for _, test := range tests {
		cfg := &config{
			Scenario: "eviction",
			Fill:     test.fill,
			Pad:      test.pad,
			ChainLen: defaultChainLen,
		}
		require.NoError(t, runEviction(context.Background(), cfg),
			test.name)
	}
}

func TestRunPromotion(t *testing.T) {
	for _, chainLen := range []int{1, defaultChainLen} {
		cfg := &config{
			Scenario: "cpfp",
			Fill:     defaultFill,
			Pad:      2000,
			ChainLen: chainLen,
		}
		require.NoError(t, runPromotion(context.Background(), cfg),
			"chain length %d", chainLen)
	}
}
