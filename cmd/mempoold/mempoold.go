// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/btcsuite/mempoold/internal/limits"
	"github.com/btcsuite/mempoold/internal/log"
	"github.com/btcsuite/mempoold/internal/version"
	"github.com/btcsuite/mempoold/node"
	"github.com/btcsuite/mempoold/store"
)

var cfg *config

// mempooldMain is the real main function for mempoold.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func mempooldMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if log.LogRotator != nil {
			log.LogRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// shutdownRequestChannel.
	interrupt := interruptListener()
	defer log.MpldLog.Info("Shutdown complete")

	// Show version at startup.
	log.MpldLog.Infof("Version %s", version.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-interrupt
		cancel()
	}()

	// Open the mempool database.  Spilled transaction bodies only live for
	// one run; the persisted snapshot carries their bodies.
	st, err := store.Open(cfg.storeConfig())
	if err != nil {
		log.MpldLog.Errorf("Unable to open the mempool database: %v", err)
		return err
	}
	defer func() {
		log.MpldLog.Infof("Gracefully shutting down the database...")
		st.Close()
	}()
	spill := st.Spill()
	if err := spill.Clear(); err != nil {
		log.MpldLog.Errorf("Unable to clear the spill store: %v", err)
		return err
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	n, err := node.New(cfg.nodeConfig(spill))
	if err != nil {
		log.MpldLog.Errorf("Unable to create the node: %v", err)
		return err
	}
	n.Start()
	defer func() {
		log.MpldLog.Infof("Gracefully shutting down the node...")
		n.Stop()
	}()

	if !cfg.NoPersistMempool {
		if err := loadMempool(ctx, st, n); err != nil {
			return err
		}
		defer saveMempool(st, n)
	}

	if cfg.Generate > 0 {
		hashes, err := n.Generate(ctx, cfg.Generate)
		if err != nil {
			log.MpldLog.Errorf("Generated %d of %d blocks: %v",
				len(hashes), cfg.Generate, err)
			return err
		}
		log.MpldLog.Infof("Generated %d %s", len(hashes),
			log.PickNoun(uint64(len(hashes)), "block", "blocks"))
	}

	upkeep(interrupt, n)
	return nil
}

// loadMempool admits the transactions persisted by the previous run.
func loadMempool(ctx context.Context, st *store.Store, n *node.Node) error {
	entries, err := st.LoadMempool()
	if err != nil {
		log.MpldLog.Errorf("Unable to load the persisted mempool: %v", err)
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	loaded, err := n.LoadMempool(ctx, entries)
	if err != nil {
		log.MpldLog.Errorf("Journal inconsistent after loading the "+
			"mempool: %v", err)
		return err
	}
	log.MpldLog.Infof("Loaded %d %s from the mempool database", loaded,
		log.PickNoun(uint64(loaded), "transaction", "transactions"))
	return nil
}

// saveMempool persists the pool so the next run can restore it.
func saveMempool(st *store.Store, n *node.Node) {
	entries, err := n.Pool().Snapshot()
	if err != nil {
		log.MpldLog.Errorf("Unable to snapshot the mempool: %v", err)
		return
	}
	if err := st.SaveMempool(entries); err != nil {
		log.MpldLog.Errorf("Unable to save the mempool: %v", err)
		return
	}
	log.MpldLog.Infof("Saved %d %s to the mempool database", len(entries),
		log.PickNoun(uint64(len(entries)), "transaction", "transactions"))
}

// upkeep purges expired transactions on every tick until shutdown.
func upkeep(interrupt <-chan struct{}, n *node.Node) {
	ticker := time.NewTicker(cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := n.Expire()
			info := n.GetMempoolInfo()
			log.MpldLog.Debugf("Expired %d %s; pool holds %d (%d "+
				"bytes, usage %d, min fee %v)", len(removed),
				log.PickNoun(uint64(len(removed)), "transaction",
					"transactions"), info.Size, info.Bytes,
				info.Usage, info.MinFee)

		case <-interrupt:
			return
		}
	}
}

func main() {
	// Block and transaction processing can cause bursty allocations.  This
	// limits the garbage collector from excessively overallocating during
	// bursts.  This value was arrived at with the help of profiling live
	// usage.
	debug.SetGCPercent(10)

	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Work around defer not working after os.Exit()
	if err := mempooldMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
