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

// Package watcherdb is the Postgres-backed implementation of
// watchertypes.Store (spec §4.B): blocks, events, contracts, state records
// and the sync cursors, all behind transactional, idempotent accessors.
package watcherdb

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zramsay/watcher-go/watchertypes"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection is live. It does
// not run migrations; call Migrate explicitly during daemon startup.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("watcherdb: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an already-constructed pool, for callers (tests, cmd/watcherd)
// that manage pool lifecycle themselves.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Close() { s.pool.Close() }

var _ watchertypes.Store = (*Store)(nil)

// WithTransaction runs fn within a single Postgres transaction: every write
// fn makes is staged against pgxTx and committed once, atomically, mirroring
// the teacher's batch-then-write accessor idiom.
func (s *Store) WithTransaction(ctx context.Context, fn watchertypes.TxFunc) error {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("watcherdb: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := pgxTx.Rollback(ctx); rerr != nil && rerr != pgx.ErrTxClosed {
			log.Warn("watcherdb: rollback failed", "err", rerr)
		}
	}()
	if err := fn(ctx, &tx{pgxTx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("watcherdb: commit tx: %w", err)
	}
	committed = true
	return nil
}

// tx is the transactional view handed to a TxFunc.
type tx struct {
	pgxTx pgx.Tx
}

var _ watchertypes.Tx = (*tx)(nil)
