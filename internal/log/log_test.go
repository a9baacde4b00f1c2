// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package log

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	tests := []struct {
		name  string
		spec  string
		valid bool
	}{
		{"global", "debug", true},
		{"pairs", "TXMP=trace,NODE=warn", true},
		{"bad level", "loud", false},
		{"bad pair", "TXMP=trace,NODE", false},
		{"bad subsystem", "P2P=info", false},
		{"bad pair level", "TXMP=loud", false},
	}

	for _, test := range tests {
		err := ParseAndSetDebugLevels(test.spec)
		if !test.valid {
			require.Error(t, err, test.name)
			continue
		}
		require.NoError(t, err, test.name)
	}

	require.NoError(t, ParseAndSetDebugLevels("info"))
	require.NoError(t, ParseAndSetDebugLevels("TXMP=trace"))
	require.Equal(t, btclog.LevelTrace, SubsystemLoggers["TXMP"].Level())
	require.Equal(t, btclog.LevelInfo, SubsystemLoggers["NODE"].Level())
}

func TestSupportedSubsystems(t *testing.T) {
	require.Equal(t, []string{"CHAN", "JRNL", "MINR", "MPLD", "NODE",
		"STOR", "TXMP", "VALD"}, SupportedSubsystems())
}
