// Copyright (c) 2013-2014 Conformal Systems LLC.
// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txvalidate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTxTimeout is the default time budget for validating the
	// scripts of a single transaction.
	DefaultTxTimeout = time.Second

	// DefaultMaxQueueDepth is the default number of transactions that may
	// wait for a worker before further requests are skipped.
	DefaultMaxQueueDepth = 10000

	// StandardScriptFlags are the script verification flags applied to
	// mempool transactions.  Pay-to-script-hash evaluation is not enabled
	// since such outputs are not accepted.
	StandardScriptFlags = txscript.ScriptVerifyDERSignatures |
		txscript.ScriptVerifyStrictEncoding |
		txscript.ScriptVerifyLowS |
		txscript.ScriptVerifyNullFail |
		txscript.ScriptVerifySigPushOnly |
		txscript.ScriptVerifyMinimalData |
		txscript.ScriptDiscourageUpgradableNops

	// stepsPerDeadlineCheck is the number of opcodes executed between
	// deadline checks.
	stepsPerDeadlineCheck = 64
)

var (
	// ErrStopped is returned for work submitted after Stop.
	ErrStopped = errors.New("validator stopped")

	// ErrQueueFull is the error carried by results skipped because the
	// queue was at capacity.
	ErrQueueFull = errors.New("validation queue full")

	// ErrBudgetExhausted is the error carried by results skipped because
	// the caller's deadline passed before a worker picked them up.
	ErrBudgetExhausted = errors.New("validation budget exhausted")

	// ErrDeadlineExceeded is the error carried by timed out results.
	ErrDeadlineExceeded = errors.New("script validation deadline exceeded")
)

// Outcome classifies the result of validating a transaction.
type Outcome uint8

const (
	// OutcomeOK means every input script verified.
	OutcomeOK Outcome = iota

	// OutcomeInvalid means an input script failed to verify.
	OutcomeInvalid

	// OutcomeTimeout means validation started but was abandoned because
	// the deadline passed.
	OutcomeTimeout

	// OutcomeSkipped means validation never started: the queue was full
	// or the deadline passed while waiting for a worker.
	OutcomeSkipped

	numOutcomes
)

var outcomeStrings = map[Outcome]string{
	OutcomeOK:      "ok",
	OutcomeInvalid: "invalid",
	OutcomeTimeout: "timeout",
	OutcomeSkipped: "skipped",
}

// String returns the Outcome as a human-readable name.
func (o Outcome) String() string {
	if s, ok := outcomeStrings[o]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Outcome (%d)", uint8(o))
}

// Job is a transaction to validate together with the outputs it spends.
type Job struct {
	// Tx is the transaction whose input scripts are verified.
	Tx *btcutil.Tx

	// PrevOuts resolves every outpoint Tx spends.
	PrevOuts txscript.PrevOutputFetcher
}

// Result is the outcome of a Job.
type Result struct {
	Outcome Outcome

	// Err describes why the outcome is not OutcomeOK.
	Err error

	// Duration is the time a worker spent on the job.
	Duration time.Duration
}

// Activity is a snapshot of the validator's counters.
type Activity struct {
	// Queued is the number of transactions waiting for or being
	// validated.
	Queued int64

	OK      uint64
	Invalid uint64
	Timeout uint64
	Skipped uint64
}

// Config houses the validator's configuration.
type Config struct {
	// Workers is the number of validation goroutines.  Defaults to the
	// number of processors.
	Workers int

	// MaxQueueDepth bounds the number of queued transactions.
	MaxQueueDepth int

	// TxTimeout is the time budget of a single transaction.  Zero
	// disables the per-transaction budget; the caller's context still
	// applies.
	TxTimeout time.Duration

	// Flags are the script verification flags.
	Flags txscript.ScriptFlags

	// SigCache caches verified signatures across transactions.  It may be
	// nil.
	SigCache *txscript.SigCache

	// Now returns the current time.  Defaults to time.Now.
	Now func() time.Time
}

// task is a queued job.
type task struct {
	ctx    context.Context
	job    *Job
	result chan Result
}

// Validator validates transaction scripts on a fixed pool of workers.
type Validator struct {
	cfg Config

	tasks  chan *task
	queued atomic.Int64
	counts [numOutcomes]atomic.Uint64

	// pause is held for writing while validation is paused.  Workers hold
	// it for reading around every job.
	pause sync.RWMutex

	started atomic.Bool
	stopped atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New returns a validator using the passed configuration.  Start must be
// called before submitting work.
func New(cfg Config) *Validator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Validator{
		cfg:   cfg,
		tasks: make(chan *task, cfg.MaxQueueDepth),
		quit:  make(chan struct{}),
	}
}

// Start launches the workers.
func (v *Validator) Start() {
	if v.started.Swap(true) {
		return
	}

	log.Debugf("Starting %d script validation workers", v.cfg.Workers)
	for i := 0; i < v.cfg.Workers; i++ {
		v.wg.Add(1)
		go v.validateHandler()
	}
}

// Stop shuts the workers down and waits for them to exit.  Queued jobs
// complete as skipped.
func (v *Validator) Stop() {
	if v.stopped.Swap(true) {
		return
	}
	close(v.quit)
	v.wg.Wait()

	for {
		select {
		case t := <-v.tasks:
			v.finish(t, Result{Outcome: OutcomeSkipped, Err: ErrStopped})
		default:
			return
		}
	}
}

// Pause stops workers from picking up new jobs once the jobs in progress
// finish.  Submissions keep queueing, which makes the queue depth observable
// at a fixed value.
func (v *Validator) Pause() {
	v.pause.Lock()
}

// Resume undoes Pause.
func (v *Validator) Resume() {
	v.pause.Unlock()
}

// QueueDepth returns the number of transactions waiting for or undergoing
// validation.
func (v *Validator) QueueDepth() int64 {
	return v.queued.Load()
}

// Activity returns the queue depth and per outcome counters.
func (v *Validator) Activity() Activity {
	return Activity{
		Queued:  v.queued.Load(),
		OK:      v.counts[OutcomeOK].Load(),
		Invalid: v.counts[OutcomeInvalid].Load(),
		Timeout: v.counts[OutcomeTimeout].Load(),
		Skipped: v.counts[OutcomeSkipped].Load(),
	}
}

// Validate queues the job and waits for its result.  The context bounds the
// whole request: if it ends before a worker picks the job up the result is
// OutcomeSkipped, if it ends while the scripts run the result is
// OutcomeTimeout.
//
// This function is safe for concurrent access.
func (v *Validator) Validate(ctx context.Context, job *Job) Result {
	if v.stopped.Load() {
		return v.count(Result{Outcome: OutcomeSkipped, Err: ErrStopped})
	}

	t := &task{ctx: ctx, job: job, result: make(chan Result, 1)}
	if v.queued.Add(1) > int64(v.cfg.MaxQueueDepth) {
		v.queued.Add(-1)
		return v.count(Result{Outcome: OutcomeSkipped, Err: ErrQueueFull})
	}

	select {
	case v.tasks <- t:
	default:
		v.queued.Add(-1)
		return v.count(Result{Outcome: OutcomeSkipped, Err: ErrQueueFull})
	}

	select {
	case result := <-t.result:
		return result
	case <-v.quit:
		return v.count(Result{Outcome: OutcomeSkipped, Err: ErrStopped})
	}
}

// ValidateBatch validates the passed jobs concurrently and returns their
// results in the same order.
func (v *Validator) ValidateBatch(ctx context.Context, jobs []*Job) []Result {
	results := make([]Result, len(jobs))

	var g errgroup.Group
	g.SetLimit(v.cfg.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = v.Validate(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// validateHandler consumes queued tasks until the validator stops.  It must
// be run as a goroutine.
func (v *Validator) validateHandler() {
	defer v.wg.Done()

out:
	for {
		select {
		case t := <-v.tasks:
			v.pause.RLock()
			v.finish(t, v.run(t))
			v.pause.RUnlock()

		case <-v.quit:
			break out
		}
	}
}

// run validates a single task.
func (v *Validator) run(t *task) Result {
	if err := t.ctx.Err(); err != nil {
		return Result{
			Outcome: OutcomeSkipped,
			Err:     fmt.Errorf("%w: %v", ErrBudgetExhausted, err),
		}
	}

	start := v.cfg.Now()
	var deadline time.Time
	if v.cfg.TxTimeout > 0 {
		deadline = start.Add(v.cfg.TxTimeout)
	}
	expired := func() bool {
		if t.ctx.Err() != nil {
			return true
		}
		return !deadline.IsZero() && !v.cfg.Now().Before(deadline)
	}

	err := v.verifyScripts(t.job, expired)
	result := Result{Duration: v.cfg.Now().Sub(start)}
	switch {
	case err == nil:
		result.Outcome = OutcomeOK

	case errors.Is(err, ErrDeadlineExceeded):
		result.Outcome = OutcomeTimeout
		result.Err = err

	default:
		result.Outcome = OutcomeInvalid
		result.Err = err
	}

	return result
}

// finish delivers a result and updates the counters.
func (v *Validator) finish(t *task, result Result) {
	v.queued.Add(-1)
	t.result <- v.count(result)
}

func (v *Validator) count(result Result) Result {
	v.counts[result.Outcome].Add(1)
	return result
}

// verifyScripts runs every input script pair of the job, checking expired
// between opcodes.
func (v *Validator) verifyScripts(job *Job, expired func() bool) error {
	msgTx := job.Tx.MsgTx()
	sigHashes := txscript.NewTxSigHashes(msgTx, job.PrevOuts)

	for txInIdx, txIn := range msgTx.TxIn {
		if expired() {
			return ErrDeadlineExceeded
		}

		prevOut := job.PrevOuts.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("unable to find output %v referenced "+
				"from transaction %v:%d", txIn.PreviousOutPoint,
				job.Tx.Hash(), txInIdx)
		}

		vm, err := txscript.NewEngine(prevOut.PkScript, msgTx, txInIdx,
			v.cfg.Flags, v.cfg.SigCache, sigHashes, prevOut.Value,
			job.PrevOuts)
		if err != nil {
			return fmt.Errorf("failed to parse input %v:%d which "+
				"references output %v - %w", job.Tx.Hash(), txInIdx,
				txIn.PreviousOutPoint, err)
		}

		for steps := 1; ; steps++ {
			done, err := vm.Step()
			if err != nil {
				return fmt.Errorf("failed to validate input %v:%d "+
					"which references output %v - %w",
					job.Tx.Hash(), txInIdx,
					txIn.PreviousOutPoint, err)
			}
			if done {
				break
			}
			if steps%stepsPerDeadlineCheck == 0 && expired() {
				return ErrDeadlineExceeded
			}
		}
		if err := vm.CheckErrorCondition(true); err != nil {
			return fmt.Errorf("failed to validate input %v:%d which "+
				"references output %v - %w", job.Tx.Hash(),
				txInIdx, txIn.PreviousOutPoint, err)
		}
	}

	return nil
}
