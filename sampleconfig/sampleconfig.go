// Copyright (c) 2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

// FileContents is a string containing the commented example config for
// mempoold.
const FileContents = `[Application Options]

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------

; The directory to store the persisted mempool and the spill store.  The
; default is ~/.mempoold/data on POSIX OSes, $LOCALAPPDATA/Mempoold/data on
; Windows and ~/Library/Application Support/Mempoold/data on macOS.
; datadir=~/.mempoold/data

; Database backend of the mempool snapshot and the spill store.
; Supported: leveldb, pebble
; dbtype=leveldb

; Do not save the mempool on shutdown and load it again on startup.
; nopersistmempool=1


; ------------------------------------------------------------------------------
; Network settings
; ------------------------------------------------------------------------------

; Use testnet.
; testnet=1

; Use the regression test network.  Required by generate.
; regtest=1


; ------------------------------------------------------------------------------
; Mempool settings
; ------------------------------------------------------------------------------

; Memory ceiling of the mempool in MB.  The cheapest transactions are evicted
; once it is exceeded.
; maxmempool=300

; Capacity of the disk spill tier in MB.  The bodies of the cheapest
; transactions move to disk before anything is evicted.  0 disables spilling.
; maxmempoolsizedisk=0

; Hours a transaction may stay unmined.
; mempoolexpiry=336

; Fee rates in BSV/kB.  Transactions paying less than minrelaytxfee are
; rejected.  Transaction packages paying at least minminingtxfee are mined.
; incrementalrelayfee is added to the fee rate of evicted packages when the
; rolling minimum fee is raised.
; minrelaytxfee=0.0000025
; minminingtxfee=0.000005
; incrementalrelayfee=0.0000025

; Limits on the in-mempool ancestry and descendants of a transaction.  Sizes
; are in kB.
; limitancestorcount=1000
; limitancestorsize=101000
; limitdescendantcount=1000
; limitdescendantsize=101000

; Orphan transaction limits.
; maxorphantx=100
; maxorphantxsize=100000
; orphanttl=20m

; Accept transactions with non-standard scripts.
; acceptnonstdtxn=1


; ------------------------------------------------------------------------------
; Mining settings
; ------------------------------------------------------------------------------

; Maximum size in MB of generated blocks.
; blockmaxsize=128

; Signature operations allowed per MB of a generated block.
; maxsigopspermb=20000

; Transactions whose script validation took longer are left out of generated
; blocks, and generated blocks stop growing once their transactions took
; maxblockvalidationtime to validate in total.
; maxtxvalidationtime=1s
; maxblockvalidationtime=10s

; Address generated blocks pay to.  Blocks pay to an anyone-can-spend output
; when unset.
; miningaddr=

; Mine this many blocks on startup.  Only available on regtest.
; generate=0


; ------------------------------------------------------------------------------
; Validation and upkeep
; ------------------------------------------------------------------------------

; Number of script validation workers.  Defaults to the number of CPUs.
; scriptvalthreads=

; Maximum number of transactions waiting for script validation.
; maxvalidationqueue=10000

; Maximum number of entries in the signature verification cache.  0 disables
; the cache.
; sigcachemaxsize=100000

; How often expired transactions and orphans are purged.
; expireinterval=1m


; ------------------------------------------------------------------------------
; Debug
; ------------------------------------------------------------------------------

; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use mempoold --debuglevel=show to list
; available subsystems.
; debuglevel=info
`
