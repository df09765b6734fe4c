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

// Package jobqueue is the durable, Postgres-backed job queue (spec §4.C):
// the "events" and "block" queues, with at-most-one-in-flight-per-block
// mutual exclusion, exponential backoff on failure, and poisoning after a
// bounded number of attempts.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/zramsay/watcher-go/watchertypes"
)

const (
	QueueEvents = "events"
	QueueBlock  = "block"

	maxAttempts    = 3
	basePollDelay  = 100 * time.Millisecond
	maxPollDelay   = 5 * time.Second
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

var (
	enqueuedTotal = metrics.NewRegisteredCounter("jobqueue/enqueued", nil)
	poisonedTotal = metrics.NewRegisteredCounter("jobqueue/poisoned", nil)
	claimedTotal  = metrics.NewRegisteredCounter("jobqueue/claimed", nil)
)

// Queue is the Postgres-backed implementation of watchertypes.Queue.
type Queue struct {
	pool    *pgxpool.Pool
	limiter *rate.Limiter // nil disables backpressure
}

// New builds a Queue. limiter may be nil to dequeue at full speed.
func New(pool *pgxpool.Pool, limiter *rate.Limiter) *Queue {
	return &Queue{pool: pool, limiter: limiter}
}

var _ watchertypes.Queue = (*Queue)(nil)

func (q *Queue) EnqueueEvents(ctx context.Context, blockHash common.Hash, blockNumber uint64, priority int) error {
	return q.enqueue(ctx, QueueEvents, blockHash, blockNumber, priority)
}

func (q *Queue) EnqueueBlock(ctx context.Context, blockHash common.Hash, blockNumber uint64, priority int) error {
	return q.enqueue(ctx, QueueBlock, blockHash, blockNumber, priority)
}

func (q *Queue) enqueue(ctx context.Context, queue string, blockHash common.Hash, blockNumber uint64, priority int) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, block_hash, block_number, priority, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (queue, block_hash) DO NOTHING`,
		uuid.NewString(), queue, blockHash.Bytes(), blockNumber, priority)
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue %s %s: %w", queue, blockHash, err)
	}
	enqueuedTotal.Inc(1)
	return nil
}

// Dequeue polls for a claimable job, applying backpressure via the
// configured rate.Limiter and an idle poll backoff when the queue is
// empty. It blocks until ctx is done or a job is claimed.
func (q *Queue) Dequeue(ctx context.Context, queue string) (*watchertypes.Job, func(error) error, error) {
	delay := basePollDelay
	for {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return nil, nil, ctx.Err()
			}
		}
		job, claimTx, err := q.tryClaim(ctx, queue)
		if err != nil {
			return nil, nil, err
		}
		if job != nil {
			claimedTotal.Inc(1)
			release := func(jobErr error) error {
				return q.finish(ctx, claimTx, job, jobErr)
			}
			return job, release, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxPollDelay {
			delay = maxPollDelay
		}
	}
}

// tryClaim attempts to claim the highest-priority eligible job on queue. A
// nil, nil, nil result means nothing was claimable this round (empty queue
// or every eligible row is locked by another worker).
func (q *Queue) tryClaim(ctx context.Context, queue string) (*watchertypes.Job, pgx.Tx, error) {
	claimTx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("jobqueue: begin claim: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = claimTx.Rollback(ctx)
		}
	}()

	var (
		id          string
		blockHash   []byte
		blockNumber uint64
		priority    int
		attempts    int
	)
	err = claimTx.QueryRow(ctx, `
		SELECT id, block_hash, block_number, priority, attempts FROM jobs
		WHERE queue = $1 AND status = 'pending' AND (not_before IS NULL OR not_before <= now())
		ORDER BY priority DESC, enqueued_at
		FOR UPDATE SKIP LOCKED LIMIT 1`, queue).Scan(&id, &blockHash, &blockNumber, &priority, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("jobqueue: claim: %w", err)
	}

	// Mutual exclusion across queues: a block's "events" job and "block"
	// job must never run concurrently, so the lock key is the hash alone.
	var locked bool
	if err := claimTx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`,
		common.BytesToHash(blockHash).Hex()).Scan(&locked); err != nil {
		return nil, nil, fmt.Errorf("jobqueue: advisory lock: %w", err)
	}
	if !locked {
		return nil, nil, nil
	}

	attempts++
	if _, err := claimTx.Exec(ctx, `UPDATE jobs SET status = 'in_flight', locked_at = now(), attempts = $2 WHERE id = $1`,
		id, attempts); err != nil {
		return nil, nil, fmt.Errorf("jobqueue: mark in_flight: %w", err)
	}

	ok = true
	return &watchertypes.Job{
		ID:          id,
		Queue:       queue,
		BlockHash:   common.BytesToHash(blockHash),
		BlockNumber: blockNumber,
		Priority:    priority,
		Attempts:    attempts,
	}, claimTx, nil
}

// finish acks (jobErr == nil) or nacks the claimed job, committing the
// claim transaction in either case so the advisory lock is released.
func (q *Queue) finish(ctx context.Context, claimTx pgx.Tx, job *watchertypes.Job, jobErr error) error {
	committed := false
	defer func() {
		if !committed {
			_ = claimTx.Rollback(ctx)
		}
	}()

	if jobErr == nil {
		if _, err := claimTx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
			return fmt.Errorf("jobqueue: ack: %w", err)
		}
		if err := claimTx.Commit(ctx); err != nil {
			return fmt.Errorf("jobqueue: ack commit: %w", err)
		}
		committed = true
		return nil
	}

	if job.Attempts >= maxAttempts {
		if _, err := claimTx.Exec(ctx, `UPDATE jobs SET status = 'poisoned', last_error = $2 WHERE id = $1`,
			job.ID, jobErr.Error()); err != nil {
			return fmt.Errorf("jobqueue: poison: %w", err)
		}
		if err := claimTx.Commit(ctx); err != nil {
			return fmt.Errorf("jobqueue: poison commit: %w", err)
		}
		committed = true
		poisonedTotal.Inc(1)
		poisonErr := &watchertypes.PoisonedError{JobID: job.ID, Queue: job.Queue, Attempts: job.Attempts, LastErr: jobErr}
		log.Error("job poisoned", "id", job.ID, "queue", job.Queue, "attempts", job.Attempts, "err", jobErr)
		return poisonErr
	}

	delay := backoffForAttempt(job.Attempts)
	if _, err := claimTx.Exec(ctx, `
		UPDATE jobs SET status = 'pending', not_before = now() + $2 * INTERVAL '1 second', last_error = $3
		WHERE id = $1`, job.ID, delay.Seconds(), jobErr.Error()); err != nil {
		return fmt.Errorf("jobqueue: requeue: %w", err)
	}
	if err := claimTx.Commit(ctx); err != nil {
		return fmt.Errorf("jobqueue: requeue commit: %w", err)
	}
	committed = true
	log.Debug("job requeued after failure", "id", job.ID, "queue", job.Queue, "attempts", job.Attempts, "retryIn", delay, "err", jobErr)
	return nil
}

func backoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseRetryDelay << uint(attempt-1)
	if d <= 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (q *Queue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE queue = $1 AND status IN ('pending', 'in_flight')`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: depth %s: %w", queue, err)
	}
	return n, nil
}
