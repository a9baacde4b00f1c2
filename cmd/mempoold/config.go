// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/internal/limits"
	"github.com/btcsuite/mempoold/internal/log"
	"github.com/btcsuite/mempoold/internal/version"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/mining"
	"github.com/btcsuite/mempoold/node"
	"github.com/btcsuite/mempoold/sampleconfig"
	"github.com/btcsuite/mempoold/store"
	"github.com/btcsuite/mempoold/txvalidate"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "mempoold.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "mempoold.log"
	defaultLogLevel       = "info"
	defaultDbType         = string(store.TypeLevelDB)
	defaultMaxMempool     = 300
	defaultMempoolExpiry  = 336
	defaultBlockMaxSize   = 128
	defaultSigCacheSize   = 100000
	defaultExpireInterval = time.Minute

	mempoolDbName = "mempool"
	megabyte      = 1000 * 1000
	kilobyte      = 1000
)

var (
	defaultHomeDir    = btcutil.AppDataDir("mempoold", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
	knownDbTypes      = []string{string(store.TypeLevelDB),
		string(store.TypePebble)}
	activeNetParams = &chaincfg.MainNetParams
)

// config defines the configuration options for mempoold.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	TestNet3       bool   `long:"testnet" description:"Use the test network"`
	RegressionTest bool   `long:"regtest" description:"Use the regression test network"`
	DbType         string `long:"dbtype" description:"Database backend to use for the mempool snapshot and spill store {leveldb, pebble}"`

	MaxMempool           int64         `long:"maxmempool" description:"Memory usage ceiling of the mempool in MB"`
	MaxMempoolSizeDisk   int64         `long:"maxmempoolsizedisk" description:"Capacity of the disk spill tier in MB -- 0 disables spilling"`
	MempoolExpiry        int           `long:"mempoolexpiry" description:"Hours a transaction may stay in the mempool"`
	MinRelayTxFee        float64       `long:"minrelaytxfee" description:"The minimum transaction fee in BSV/kB to be considered a non-zero fee"`
	MinMiningTxFee       float64       `long:"minminingtxfee" description:"The package fee rate in BSV/kB at which transactions are mined"`
	IncrementalRelayFee  float64       `long:"incrementalrelayfee" description:"The fee rate in BSV/kB added to the rolling minimum fee on eviction"`
	LimitAncestorCount   int           `long:"limitancestorcount" description:"Maximum number of in-mempool ancestors of a transaction"`
	LimitAncestorSize    int64         `long:"limitancestorsize" description:"Maximum size in kB of a transaction and its in-mempool ancestors"`
	LimitDescendantCount int           `long:"limitdescendantcount" description:"Maximum number of in-mempool descendants of any ancestor"`
	LimitDescendantSize  int64         `long:"limitdescendantsize" description:"Maximum size in kB of any ancestor and its in-mempool descendants"`
	MaxOrphanTxs         int           `long:"maxorphantx" description:"Max number of orphan transactions to keep in memory"`
	MaxOrphanTxSize      int           `long:"maxorphantxsize" description:"Max size in bytes of an orphan transaction"`
	OrphanTTL            time.Duration `long:"orphanttl" description:"How long an orphan waits for its parents"`
	AcceptNonStd         bool          `long:"acceptnonstdtxn" description:"Accept non-standard transactions"`
	NoPersistMempool     bool          `long:"nopersistmempool" description:"Do not save the mempool on shutdown and load it on startup"`

	BlockMaxSize           int64         `long:"blockmaxsize" description:"Maximum size in MB of generated blocks"`
	MaxSigOpsPerMB         int64         `long:"maxsigopspermb" description:"Signature operations allowed per MB of generated block"`
	MaxTxValidationTime    time.Duration `long:"maxtxvalidationtime" description:"Skip transactions whose validation took longer when building blocks"`
	MaxBlockValidationTime time.Duration `long:"maxblockvalidationtime" description:"Cumulative validation time budget of generated blocks"`
	MiningAddr             string        `long:"miningaddr" description:"Address to pay generated blocks to"`
	Generate               int           `long:"generate" description:"Mine this many blocks on startup (regtest only)"`

	ScriptValThreads   int           `long:"scriptvalthreads" description:"Number of script validation workers"`
	MaxValidationQueue int           `long:"maxvalidationqueue" description:"Maximum number of transactions waiting for script validation"`
	SigCacheMaxSize    uint          `long:"sigcachemaxsize" description:"The maximum number of entries in the signature verification cache"`
	ExpireInterval     time.Duration `long:"expireinterval" description:"How often expired transactions and orphans are purged"`

	payToScript []byte
}

// netName returns the name used when referring to a bitcoin network.  Test
// network version 3 keeps its data in "testnet".
func netName(chainParams *chaincfg.Params) string {
	switch chainParams.Net {
	case wire.TestNet3:
		return "testnet"
	default:
		return chainParams.Name
	}
}

// validDbType returns whether or not dbType is a supported database type.
func validDbType(dbType string) bool {
	for _, knownType := range knownDbTypes {
		if dbType == knownType {
			return true
		}
	}
	return false
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// createDefaultConfigFile writes the sample configuration to the given
// destination path.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exists.
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destinationPath,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = dest.WriteString(sampleconfig.FileContents)
	return err
}

// amountFromBSV converts a BSV/kB option to satoshis per kB.
func amountFromBSV(value float64) (btcutil.Amount, error) {
	amount, err := btcutil.NewAmount(value)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errors.New("fee rates must not be negative")
	}
	return amount, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in mempoold functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	policy := mempool.DefaultPolicy()
	miningPolicy := mining.DefaultPolicy()

	// Default config.
	cfg := config{
		ConfigFile:             defaultConfigFile,
		DataDir:                defaultDataDir,
		LogDir:                 defaultLogDir,
		DebugLevel:             defaultLogLevel,
		DbType:                 defaultDbType,
		MaxMempool:             defaultMaxMempool,
		MempoolExpiry:          defaultMempoolExpiry,
		MinRelayTxFee:          policy.MinRelayTxFee.ToBTC(),
		MinMiningTxFee:         policy.MinMiningTxFee.ToBTC(),
		IncrementalRelayFee:    policy.IncrementalRelayFee.ToBTC(),
		LimitAncestorCount:     policy.MaxAncestorCount,
		LimitAncestorSize:      policy.MaxAncestorSize / kilobyte,
		LimitDescendantCount:   policy.MaxDescendantCount,
		LimitDescendantSize:    policy.MaxDescendantSize / kilobyte,
		MaxOrphanTxs:           policy.MaxOrphanTxs,
		MaxOrphanTxSize:        policy.MaxOrphanTxSize,
		OrphanTTL:              policy.OrphanTTL,
		BlockMaxSize:           defaultBlockMaxSize,
		MaxSigOpsPerMB:         miningPolicy.MaxSigOpsPerMB,
		MaxTxValidationTime:    miningPolicy.MaxTxValidationTime,
		MaxBlockValidationTime: miningPolicy.MaxBlockValidationTime,
		ScriptValThreads:       runtime.NumCPU(),
		MaxValidationQueue:     txvalidate.DefaultMaxQueueDepth,
		SigCacheMaxSize:        defaultSigCacheSize,
		ExpireInterval:         defaultExpireInterval,
	}

	// A config file in the current directory takes precedence.
	if fileExists(defaultConfigFilename) {
		cfg.ConfigFile = defaultConfigFilename
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Create the default config file with every option documented when
	// none exists yet.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(preCfg.ConfigFile) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config "+
				"file: %v\n", err)
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	funcName := "loadConfig"
	fail := func(format string, args ...interface{}) error {
		err := fmt.Errorf("%s: "+format, append([]interface{}{funcName},
			args...)...)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return err
	}

	// Multiple networks can't be selected simultaneously.
	if cfg.TestNet3 && cfg.RegressionTest {
		return nil, nil, fail("The testnet and regtest params can't be " +
			"used together -- choose one of the two")
	}
	if cfg.TestNet3 {
		activeNetParams = &chaincfg.TestNet3Params
	}
	if cfg.RegressionTest {
		activeNetParams = &chaincfg.RegressionNetParams
	}
	if cfg.Generate > 0 && !cfg.RegressionTest {
		return nil, nil, fail("The --generate option is only " +
			"available on regtest")
	}

	// Append the network type to the data and log directories so they
	// are "namespaced" per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, netName(activeNetParams))
	cfg.LogDir = filepath.Join(cfg.LogDir, netName(activeNetParams))

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	if err := log.InitLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {

		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, nil, fail("%v", err)
	}

	// Validate database type.
	if !validDbType(cfg.DbType) {
		return nil, nil, fail("The specified database type [%v] is "+
			"invalid -- supported types %v", cfg.DbType, knownDbTypes)
	}

	for _, fee := range []float64{cfg.MinRelayTxFee, cfg.MinMiningTxFee,
		cfg.IncrementalRelayFee} {

		if _, err := amountFromBSV(fee); err != nil {
			return nil, nil, fail("invalid fee rate %v: %v", fee, err)
		}
	}
	if cfg.MaxMempool <= 0 {
		return nil, nil, fail("The maxmempool option must be positive "+
			"-- parsed [%d]", cfg.MaxMempool)
	}
	if cfg.MaxMempoolSizeDisk < 0 {
		return nil, nil, fail("The maxmempoolsizedisk option may not "+
			"be negative -- parsed [%d]", cfg.MaxMempoolSizeDisk)
	}
	if cfg.BlockMaxSize <= 0 {
		return nil, nil, fail("The blockmaxsize option must be "+
			"positive -- parsed [%d]", cfg.BlockMaxSize)
	}

	// Check the mining address is valid for the active network.
	if cfg.MiningAddr != "" {
		addr, err := btcutil.DecodeAddress(cfg.MiningAddr, activeNetParams)
		if err != nil {
			return nil, nil, fail("mining address '%s' failed to "+
				"decode: %v", cfg.MiningAddr, err)
		}
		if !addr.IsForNet(activeNetParams) {
			return nil, nil, fail("mining address '%s' is on the "+
				"wrong network", cfg.MiningAddr)
		}
		cfg.payToScript, err = txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, nil, fail("%v", err)
		}
	}

	return &cfg, remainingArgs, nil
}

// nodeConfig turns the options into the node's configuration.
func (cfg *config) nodeConfig(spill mempool.SpillStore) *node.Config {
	policy := mempool.DefaultPolicy()
	policy.AcceptNonStd = cfg.AcceptNonStd
	policy.MinRelayTxFee, _ = amountFromBSV(cfg.MinRelayTxFee)
	policy.MinMiningTxFee, _ = amountFromBSV(cfg.MinMiningTxFee)
	policy.IncrementalRelayFee, _ = amountFromBSV(cfg.IncrementalRelayFee)
	policy.MaxMempoolSize = cfg.MaxMempool * megabyte
	policy.MaxMempoolSizeDisk = cfg.MaxMempoolSizeDisk * megabyte
	policy.MempoolExpiry = time.Duration(cfg.MempoolExpiry) * time.Hour
	policy.MaxAncestorCount = cfg.LimitAncestorCount
	policy.MaxAncestorSize = cfg.LimitAncestorSize * kilobyte
	policy.MaxDescendantCount = cfg.LimitDescendantCount
	policy.MaxDescendantSize = cfg.LimitDescendantSize * kilobyte
	policy.MaxOrphanTxs = cfg.MaxOrphanTxs
	policy.MaxOrphanTxSize = cfg.MaxOrphanTxSize
	policy.OrphanTTL = cfg.OrphanTTL

	miningPolicy := mining.DefaultPolicy()
	miningPolicy.BlockMaxSize = cfg.BlockMaxSize * megabyte
	miningPolicy.MaxSigOpsPerMB = cfg.MaxSigOpsPerMB
	miningPolicy.MaxTxValidationTime = cfg.MaxTxValidationTime
	miningPolicy.MaxBlockValidationTime = cfg.MaxBlockValidationTime

	var sigCache *txscript.SigCache
	if cfg.SigCacheMaxSize > 0 {
		sigCache = txscript.NewSigCache(cfg.SigCacheMaxSize)
	}

	return &node.Config{
		ChainParams:   activeNetParams,
		MempoolPolicy: policy,
		MiningPolicy:  miningPolicy,
		Validation: txvalidate.Config{
			Workers:       cfg.ScriptValThreads,
			MaxQueueDepth: cfg.MaxValidationQueue,
			TxTimeout:     cfg.MaxTxValidationTime,
			Flags:         txvalidate.StandardScriptFlags,
			SigCache:      sigCache,
		},
		Spill:       spill,
		PayToScript: cfg.payToScript,
	}
}

// storeConfig returns the configuration of the mempool database.
func (cfg *config) storeConfig() *store.Config {
	dbName := mempoolDbName + "_" + cfg.DbType
	return &store.Config{
		Type:    store.Type(cfg.DbType),
		Path:    filepath.Join(cfg.DataDir, dbName),
		Handles: limits.Handles(),
	}
}
