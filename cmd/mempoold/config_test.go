// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/store"
	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestAmountFromBSV(t *testing.T) {
	amount, err := amountFromBSV(0.00001)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000), amount)

	_, err = amountFromBSV(-1)
	require.Error(t, err)
}

func TestNetName(t *testing.T) {
	require.Equal(t, "testnet", netName(&chaincfg.TestNet3Params))
	require.Equal(t, "regtest", netName(&chaincfg.RegressionNetParams))
	require.Equal(t, "mainnet", netName(&chaincfg.MainNetParams))
}

func TestValidDbType(t *testing.T) {
	require.True(t, validDbType("leveldb"))
	require.True(t, validDbType("pebble"))
	require.False(t, validDbType("ffldb"))
}

func TestNodeConfig(t *testing.T) {
	c := &config{
		DataDir:              t.TempDir(),
		DbType:               string(store.TypePebble),
		MaxMempool:           5,
		MaxMempoolSizeDisk:   2,
		MempoolExpiry:        3,
		MinRelayTxFee:        0.00000250,
		MinMiningTxFee:       0.00000500,
		IncrementalRelayFee:  0.00000100,
		LimitAncestorCount:   7,
		LimitAncestorSize:    11,
		LimitDescendantCount: 13,
		LimitDescendantSize:  17,
		BlockMaxSize:         2,
		ScriptValThreads:     3,
		MaxValidationQueue:   50,
		SigCacheMaxSize:      10,
	}

	nc := c.nodeConfig(nil)
	policy := nc.MempoolPolicy
	require.Equal(t, int64(5*megabyte), policy.MaxMempoolSize)
	require.Equal(t, int64(2*megabyte), policy.MaxMempoolSizeDisk)
	require.Equal(t, 3*time.Hour, policy.MempoolExpiry)
	require.Equal(t, btcutil.Amount(250), policy.MinRelayTxFee)
	require.Equal(t, btcutil.Amount(500), policy.MinMiningTxFee)
	require.Equal(t, btcutil.Amount(100), policy.IncrementalRelayFee)
	require.Equal(t, 7, policy.MaxAncestorCount)
	require.Equal(t, int64(11*kilobyte), policy.MaxAncestorSize)
	require.Equal(t, 13, policy.MaxDescendantCount)
	require.Equal(t, int64(17*kilobyte), policy.MaxDescendantSize)
	require.Equal(t, int64(2*megabyte), nc.MiningPolicy.BlockMaxSize)
	require.Equal(t, 3, nc.Validation.Workers)
	require.Equal(t, 50, nc.Validation.MaxQueueDepth)
	require.NotNil(t, nc.Validation.SigCache)

	sc := c.storeConfig()
	require.Equal(t, store.TypePebble, sc.Type)
	require.Equal(t, filepath.Join(c.DataDir, "mempool_pebble"), sc.Path)
}

func TestDefaultsMatchPolicy(t *testing.T) {
	policy := mempool.DefaultPolicy()
	require.Equal(t, int64(defaultMaxMempool*megabyte),
		policy.MaxMempoolSize)
	require.Equal(t, time.Duration(defaultMempoolExpiry)*time.Hour,
		policy.MempoolExpiry)
}

// TestCreateDefaultConfigFile checks the sample configuration is written and
// parses without changing any option.
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mempoold.conf")
	require.NoError(t, createDefaultConfigFile(path))

	cfg := config{DbType: defaultDbType, MaxMempool: defaultMaxMempool}
	parser := flags.NewParser(&cfg, flags.Default)
	require.NoError(t, flags.NewIniParser(parser).ParseFile(path))
	require.Equal(t, defaultDbType, cfg.DbType)
	require.Equal(t, int64(defaultMaxMempool), cfg.MaxMempool)
	require.False(t, cfg.NoPersistMempool)
}
