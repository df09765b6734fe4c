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

// Package blockindexer implements SaveBlockAndFetchEvents (spec §4.E): it
// fetches a block's header and logs from the chain client, resolves each
// log through the ABI oracle, and persists the block with its events in one
// transaction; the "events" job is enqueued after that transaction commits.
package blockindexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/zramsay/watcher-go/watchertypes"
)

var (
	blocksIndexed = metrics.NewRegisteredCounter("blockindexer/blocks", nil)
	eventsIndexed = metrics.NewRegisteredCounter("blockindexer/events", nil)
)

// Indexer fetches and persists one block at a time.
type Indexer struct {
	chain  watchertypes.ChainClient
	store  watchertypes.Store
	queue  watchertypes.Queue
	oracle watchertypes.AbiOracle
}

func New(chain watchertypes.ChainClient, store watchertypes.Store, queue watchertypes.Queue, oracle watchertypes.AbiOracle) *Indexer {
	return &Indexer{chain: chain, store: store, queue: queue, oracle: oracle}
}

// SaveBlockAndFetchEvents is idempotent: re-entry for an already-saved
// block re-enqueues the events job (in case a prior attempt crashed after
// the insert but before the enqueue) instead of duplicating the block.
func (ix *Indexer) SaveBlockAndFetchEvents(ctx context.Context, blockHash common.Hash) error {
	existing, err := ix.store.GetBlockByHash(ctx, blockHash)
	if err != nil && !errors.Is(err, watchertypes.ErrNotFound) {
		return fmt.Errorf("blockindexer: lookup %s: %w", blockHash, err)
	}
	if existing != nil {
		return ix.queue.EnqueueEvents(ctx, blockHash, existing.Number, 0)
	}

	header, err := ix.chain.GetBlockByHashOrNumber(ctx, blockHash)
	if err != nil {
		return fmt.Errorf("blockindexer: fetch header %s: %w", blockHash, err)
	}
	if header == nil {
		return fmt.Errorf("blockindexer: %w: block %s not yet visible upstream", watchertypes.ErrNotFound, blockHash)
	}

	contracts, err := ix.store.GetContracts(ctx)
	if err != nil {
		return fmt.Errorf("blockindexer: get contracts: %w", err)
	}
	addresses := make([]common.Address, len(contracts))
	kindByAddr := make(map[common.Address]watchertypes.ContractKind, len(contracts))
	for i, c := range contracts {
		addresses[i] = c.Address
		kindByAddr[c.Address] = c.Kind
	}

	logs, err := ix.chain.GetLogs(ctx, header.Number.Uint64(), addresses)
	if err != nil {
		return fmt.Errorf("blockindexer: fetch logs %s: %w", blockHash, err)
	}
	events, err := ix.resolveEvents(kindByAddr, logs)
	if err != nil {
		return err
	}

	block := &watchertypes.Block{
		Hash:                    blockHash,
		ParentHash:              header.ParentHash,
		Number:                  header.Number.Uint64(),
		Timestamp:               header.Time,
		NumEvents:               len(events),
		LastProcessedEventIndex: -1,
	}
	err = ix.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.InsertBlockWithEvents(ctx, block, events)
	})
	if err != nil {
		return fmt.Errorf("blockindexer: persist block %s: %w", blockHash, err)
	}
	blocksIndexed.Inc(1)
	eventsIndexed.Inc(int64(len(events)))
	log.Info("indexed block", "hash", blockHash, "number", block.Number, "events", len(events))

	return ix.queue.EnqueueEvents(ctx, blockHash, block.Number, 0)
}

// resolveEvents decodes every log belonging to a watched contract. A log
// the oracle doesn't recognize (empty eventName, nil error) is dropped
// rather than treated as a failure.
func (ix *Indexer) resolveEvents(kindByAddr map[common.Address]watchertypes.ContractKind, logs []types.Log) ([]watchertypes.Event, error) {
	var events []watchertypes.Event
	for i := range logs {
		lg := logs[i]
		kind, watched := kindByAddr[lg.Address]
		if !watched {
			continue
		}
		name, info, extra, err := ix.oracle.ParseLog(kind, &lg)
		if err != nil {
			return nil, fmt.Errorf("blockindexer: parse log %s/%d: %w", lg.TxHash, lg.Index, err)
		}
		if name == "" {
			continue
		}
		events = append(events, watchertypes.Event{
			BlockHash: lg.BlockHash,
			TxHash:    lg.TxHash,
			Index:     lg.Index,
			Contract:  lg.Address,
			EventName: name,
			EventInfo: info,
			ExtraInfo: extra,
		})
	}
	return events, nil
}
