// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/zramsay/watcher-go/abioracle"
	"github.com/zramsay/watcher-go/blockindexer"
	"github.com/zramsay/watcher-go/blockprocessor"
	"github.com/zramsay/watcher-go/chainclient"
	"github.com/zramsay/watcher-go/evmapplier"
	"github.com/zramsay/watcher-go/jobqueue"
	"github.com/zramsay/watcher-go/materializer"
	"github.com/zramsay/watcher-go/reorgh"
	"github.com/zramsay/watcher-go/sink"
	"github.com/zramsay/watcher-go/synccursor"
	"github.com/zramsay/watcher-go/watcherdb"
	"github.com/zramsay/watcher-go/watchertypes"
)

const checkpointInterval = 5000 // blocks between automatic checkpoint rounds, measured from the state checkpoint cursor

// Runner wires every component into the running daemon and owns the worker
// goroutines, directly modeled on the teacher's Runner: stopCh closed on
// Stop, sync.WaitGroup drains every goroutine before Stop returns.
type Runner struct {
	cfg *Config

	pool  *pgxpool.Pool
	store *watcherdb.Store
	ethc  *ethclient.Client

	queue     *jobqueue.Queue
	indexer   *blockindexer.Indexer
	processor *blockprocessor.Processor
	cursors   *synccursor.Manager
	reorg     *reorgh.Handler
	mat       *materializer.Materializer
	phase     *PhaseTracker

	ctx    context.Context
	cancel context.CancelFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner connects to every backing service and constructs the component
// graph. It does not start any goroutine; call Start for that.
func NewRunner(cfg *Config) (*Runner, error) {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("watcherd: connect postgres: %w", err)
	}
	store := watcherdb.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("watcherd: migrate: %w", err)
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("watcherd: dial rpc %s: %w", cfg.RPCEndpoint, err)
	}

	var cache *chainclient.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cache = chainclient.NewCache(rdb, cfg.ChainClientCacheTTL)
	}
	chain := chainclient.New(rpcClient, cache, cfg.RPCTimeout)

	var limiter *rate.Limiter
	if cfg.QueueRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QueueRateLimit), 1)
	}
	queue := jobqueue.New(pool, limiter)
	if err := queue.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("watcherd: migrate job queue: %w", err)
	}

	oracle := abioracle.New()
	indexer := blockindexer.New(chain, store, queue, oracle)
	reorg := reorgh.New(store, chain, cfg.MaxReorgDepth)
	mat := materializer.New(store)
	cursors := synccursor.New(store)

	var stateSink watchertypes.StateSink
	if cfg.StateSinkEnabled {
		stateSink = sink.NewIPFSSink(cfg.IPFSAPIEndpoint, cfg.RPCTimeout)
	}
	processor := blockprocessor.New(store, indexer, reorg, mat, cursors, evmapplier.New(), stateSink)

	runCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		pool:      pool,
		store:     store,
		ethc:      ethclient.NewClient(rpcClient),
		queue:     queue,
		indexer:   indexer,
		processor: processor,
		cursors:   cursors,
		reorg:     reorg,
		mat:       mat,
		phase:     NewPhaseTracker(cfg.MaxReorgDepth),
		ctx:       runCtx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the indexer/processor worker pools, the chain-head poller
// and the periodic maintenance loop.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("already running")
	}
	r.running = true

	for i := 0; i < r.cfg.IndexerWorkers; i++ {
		r.wg.Add(1)
		go r.indexerWorker()
	}
	for i := 0; i < r.cfg.ProcessorWorkers; i++ {
		r.wg.Add(1)
		go r.processorWorker()
	}
	r.wg.Add(1)
	go r.headPoller()
	r.wg.Add(1)
	go r.maintenanceLoop()

	return nil
}

// Stop signals every goroutine to exit, waits for them to drain their
// current transaction, then releases the Postgres pool.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	close(r.stopCh)
	r.cancel()
	r.wg.Wait()
	r.running = false
	r.store.Close()
	return nil
}

// indexerWorker drains the block queue: each job is a chain-observed block
// hash that needs its header and matching logs saved locally.
func (r *Runner) indexerWorker() {
	defer r.wg.Done()
	ctx := r.ctx
	backoff := time.Second

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		job, release, err := r.queue.Dequeue(ctx, jobqueue.QueueBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Debug("indexer dequeue error, backing off", "err", err, "backoff", backoff)
			indexerWorkerBackoff.Update(backoff.Milliseconds())
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
		indexerWorkerBackoff.Update(0)

		applyErr := r.indexer.SaveBlockAndFetchEvents(ctx, job.BlockHash)
		if applyErr == nil {
			if cerr := r.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
				return r.cursors.AdvanceLatestIndexed(ctx, tx, job.BlockHash, job.BlockNumber)
			}); cerr != nil {
				log.Error("advance latestIndexed failed", "block", job.BlockHash, "err", cerr)
			}
		} else {
			log.Warn("index block failed", "block", job.BlockHash, "err", applyErr)
		}
		if err := release(applyErr); err != nil {
			log.Error("release block job failed", "block", job.BlockHash, "err", err)
		}
	}
}

// processorWorker drains the events queue: each job is a block whose logs
// are locally available and ready to replay in order.
func (r *Runner) processorWorker() {
	defer r.wg.Done()
	ctx := r.ctx
	backoff := time.Second

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		job, release, err := r.queue.Dequeue(ctx, jobqueue.QueueEvents)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Debug("processor dequeue error, backing off", "err", err, "backoff", backoff)
			processorWorkerBackoff.Update(backoff.Milliseconds())
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second
		processorWorkerBackoff.Update(0)

		procErr := r.processor.Process(ctx, job.BlockHash)
		if procErr != nil {
			log.Warn("process block failed", "block", job.BlockHash, "err", procErr)
		}
		if err := release(procErr); err != nil {
			log.Error("release events job failed", "block", job.BlockHash, "err", err)
		}
	}
}

// headPoller periodically asks the upstream node for its latest header and
// enqueues a block job whenever the observed head hash changes.
func (r *Runner) headPoller() {
	defer r.wg.Done()
	ctx := r.ctx
	ticker := time.NewTicker(r.cfg.RPCTimeout / 2)
	defer ticker.Stop()

	var lastHead common.Hash
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, r.cfg.RPCTimeout)
			header, err := r.ethc.HeaderByNumber(hctx, nil)
			cancel()
			if err != nil {
				log.Debug("head poll failed", "err", err)
				continue
			}
			if header.Hash() == lastHead {
				continue
			}
			lastHead = header.Hash()
			if err := r.queue.EnqueueBlock(ctx, header.Hash(), header.Number.Uint64(), 0); err != nil {
				log.Error("enqueue new head failed", "hash", header.Hash(), "err", err)
				continue
			}
			if err := r.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
				return r.cursors.AdvanceChainHead(ctx, tx, header.Hash(), header.Number.Uint64())
			}); err != nil {
				log.Error("advance chainHead failed", "hash", header.Hash(), "err", err)
			}
		}
	}
}

// maintenanceLoop promotes matured diffs, advances the state-indexed
// cursor, creates automatic checkpoints at checkpointInterval (advancing the
// checkpoint cursor), and updates the phase tracker — everything that
// should run off the per-block hot path.
func (r *Runner) maintenanceLoop() {
	defer r.wg.Done()
	ctx := r.ctx
	ticker := time.NewTicker(r.cfg.MaintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runMaintenance(ctx)
		}
	}
}

func (r *Runner) runMaintenance(ctx context.Context) {
	maintenanceRunsTotal.Inc(1)
	status, err := r.store.GetSyncStatus(ctx)
	if err != nil {
		maintenanceErrorsTotal.Inc(1)
		log.Error("maintenance: load sync status", "err", err)
		r.phase.Update(0, true)
		return
	}

	if err := r.processor.PromoteMatured(ctx, status.ChainHead.Number, r.cfg.PruneDepth); err != nil {
		maintenanceErrorsTotal.Inc(1)
		log.Error("maintenance: promote matured diffs", "err", err)
	}

	if err := r.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return r.cursors.AdvanceStateSyncIndexed(ctx, tx, status.LatestCanonical.Number)
	}); err != nil {
		maintenanceErrorsTotal.Inc(1)
		log.Error("maintenance: advance stateSyncIndexed", "err", err)
	}

	if err := r.runCheckpoints(ctx, status.LatestCanonical); err != nil {
		maintenanceErrorsTotal.Inc(1)
		log.Error("maintenance: checkpoint cadence", "err", err)
	}

	lag := uint64(0)
	if status.ChainHead.Number > status.LatestCanonical.Number {
		lag = status.ChainHead.Number - status.LatestCanonical.Number
	}
	r.phase.Update(lag, false)
}

// runCheckpoints creates a checkpoint at canonical for every
// checkpoint-enabled contract once canonical is at least checkpointInterval
// blocks past the state checkpoint cursor, then advances that cursor to
// canonical (spec §3: "created on demand (CLI) or automatically at a
// configured cadence").
func (r *Runner) runCheckpoints(ctx context.Context, canonical watchertypes.CursorPair) error {
	stateStatus, err := r.store.GetStateSyncStatus(ctx)
	if err != nil {
		return fmt.Errorf("load state sync status: %w", err)
	}
	if canonical.Number < stateStatus.LatestCheckpointBlockNumber+checkpointInterval {
		return nil
	}
	contracts, err := r.store.GetContracts(ctx)
	if err != nil {
		return fmt.Errorf("load contracts: %w", err)
	}
	for _, c := range contracts {
		if !c.Checkpoint {
			continue
		}
		if err := createCheckpoint(ctx, r.store, r.mat, c.Address, canonical.Hash, canonical.Number); err != nil {
			return fmt.Errorf("checkpoint %s at %s: %w", c.Address, canonical.Hash, err)
		}
	}
	return r.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return r.cursors.AdvanceStateSyncCheckpoint(ctx, tx, canonical.Number)
	})
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
