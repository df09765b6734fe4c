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

// Package blockprocessor replays a block's events in order (spec §4.F):
// it backfills missing ancestry, detects reorgs by parent-hash mismatch,
// applies events one at a time, and on completion stages a diff, advances
// latestCanonical, and best-effort pushes the new state to a sink.
package blockprocessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/zramsay/watcher-go/materializer"
	"github.com/zramsay/watcher-go/watchertypes"
)

var (
	blocksCompleted = metrics.NewRegisteredCounter("blockprocessor/blocks", nil)
	eventsApplied   = metrics.NewRegisteredCounter("blockprocessor/events", nil)
	reorgsTriggered = metrics.NewRegisteredCounter("blockprocessor/reorgs", nil)
)

const (
	defaultMaxBackfillDepth   = 256
	defaultMaxReorgRestarts   = 8
)

// blockFetcher is the narrow slice of blockindexer.Indexer the processor
// needs to backfill a missing ancestor.
type blockFetcher interface {
	SaveBlockAndFetchEvents(ctx context.Context, blockHash common.Hash) error
}

// reorgResolver is the narrow slice of reorgh.Handler the processor needs.
type reorgResolver interface {
	Handle(ctx context.Context, detected *watchertypes.ReorgDetectedError) (watchertypes.CursorPair, error)
}

// cursorAdvancer is the narrow slice of synccursor.Manager the processor
// needs once a block is fully applied.
type cursorAdvancer interface {
	AdvanceLatestCanonical(ctx context.Context, tx watchertypes.Tx, hash common.Hash, number uint64) error
}

// EventApplier owns the domain-specific derived entity schema. Implementations
// mutate their own tables within tx and report the full live entity set for
// a contract so the processor can stage it as a diff.
type EventApplier interface {
	// Apply mutates derived state for one event, called once per event in
	// strictly ascending index order within a block.
	Apply(ctx context.Context, tx watchertypes.Tx, blockNumber uint64, ev *watchertypes.Event) error
	// EntitiesForBlock returns every entity live for contract as of
	// blockHash, keyed by entity type, for staging a diff or checkpoint.
	EntitiesForBlock(ctx context.Context, tx watchertypes.Tx, contract common.Address, blockHash common.Hash) (map[string][]materializer.EntityRef, error)
}

// Processor replays one block's events to completion.
type Processor struct {
	store        watchertypes.Store
	indexer      blockFetcher
	reorg        reorgResolver
	materializer *materializer.Materializer
	cursors      cursorAdvancer
	applier      EventApplier
	sink         watchertypes.StateSink // optional; nil disables post-processing push

	maxBackfillDepth uint64
	maxReorgRestarts int
}

func New(store watchertypes.Store, indexer blockFetcher, reorg reorgResolver, mat *materializer.Materializer, cursors cursorAdvancer, applier EventApplier, sink watchertypes.StateSink) *Processor {
	return &Processor{
		store:            store,
		indexer:          indexer,
		reorg:            reorg,
		materializer:     mat,
		cursors:          cursors,
		applier:          applier,
		sink:             sink,
		maxBackfillDepth: defaultMaxBackfillDepth,
		maxReorgRestarts: defaultMaxReorgRestarts,
	}
}

// Process replays blockHash's events to completion, idempotently.
func (p *Processor) Process(ctx context.Context, blockHash common.Hash) error {
	block, err := p.resolveAncestry(ctx, blockHash)
	if err != nil {
		return err
	}
	if block.IsComplete {
		return nil
	}
	return p.applyEvents(ctx, blockHash)
}

// resolveAncestry implements §4.F steps 1-3: load the block, backfill any
// unknown parent, and invoke the Reorg Handler on a parent-hash mismatch,
// restarting the check until the local chain agrees with blockHash's parent
// or the restart budget is exhausted.
func (p *Processor) resolveAncestry(ctx context.Context, blockHash common.Hash) (*watchertypes.Block, error) {
	for restart := 0; ; restart++ {
		if restart > p.maxReorgRestarts {
			return nil, &watchertypes.InvariantViolationError{
				Invariant: "reorg-restart-budget",
				Detail:    fmt.Sprintf("block %s required more than %d reorg restarts", blockHash, p.maxReorgRestarts),
			}
		}
		block, err := p.store.GetBlockByHash(ctx, blockHash)
		if err != nil {
			return nil, fmt.Errorf("blockprocessor: load block %s: %w", blockHash, err)
		}
		if block.IsComplete || block.Number == 0 {
			return block, nil
		}

		if err := p.ensureAncestryKnown(ctx, block.ParentHash, 0); err != nil {
			return nil, err
		}

		localParent, ok, err := p.localHashAt(ctx, block.Number-1)
		if err != nil {
			return nil, err
		}
		if !ok || localParent == block.ParentHash {
			return block, nil
		}

		log.Warn("parent-hash mismatch, invoking reorg handler",
			"block", blockHash, "number", block.Number, "expectedParent", localParent, "observedParent", block.ParentHash)
		reorgsTriggered.Inc(1)
		detected := &watchertypes.ReorgDetectedError{
			BlockHash:      blockHash,
			BlockNumber:    block.Number,
			ExpectedParent: localParent,
			ObservedParent: block.ParentHash,
		}
		if _, err := p.reorg.Handle(ctx, detected); err != nil {
			return nil, fmt.Errorf("blockprocessor: resolve reorg at %s: %w", blockHash, err)
		}
		// Loop back: re-check ancestry against the rewound chain.
	}
}

// ensureAncestryKnown recursively backfills through the Indexer until
// blockHash (or its nearest known ancestor) is present locally, bounded by
// maxBackfillDepth. Reaching genesis (number 0) always terminates the walk,
// as does a zero ParentHash: the ingestion root's parent is never itself
// indexed, so there is nothing to backfill.
func (p *Processor) ensureAncestryKnown(ctx context.Context, blockHash common.Hash, depth uint64) error {
	if blockHash == (common.Hash{}) {
		return nil
	}
	if depth > p.maxBackfillDepth {
		return &watchertypes.InvariantViolationError{
			Invariant: "backfill-depth",
			Detail:    fmt.Sprintf("exceeded max backfill depth %d reaching for ancestor %s", p.maxBackfillDepth, blockHash),
		}
	}
	block, err := p.store.GetBlockByHash(ctx, blockHash)
	if err != nil {
		if !errors.Is(err, watchertypes.ErrNotFound) {
			return fmt.Errorf("blockprocessor: lookup ancestor %s: %w", blockHash, err)
		}
		if err := p.indexer.SaveBlockAndFetchEvents(ctx, blockHash); err != nil {
			return fmt.Errorf("blockprocessor: backfill %s: %w", blockHash, err)
		}
		block, err = p.store.GetBlockByHash(ctx, blockHash)
		if err != nil {
			return fmt.Errorf("blockprocessor: reload backfilled %s: %w", blockHash, err)
		}
	}
	if block.Number == 0 {
		return nil
	}
	if _, err := p.store.GetBlockByHash(ctx, block.ParentHash); err == nil {
		return nil
	} else if !errors.Is(err, watchertypes.ErrNotFound) {
		return fmt.Errorf("blockprocessor: lookup parent of %s: %w", blockHash, err)
	}
	return p.ensureAncestryKnown(ctx, block.ParentHash, depth+1)
}

func (p *Processor) localHashAt(ctx context.Context, number uint64) (common.Hash, bool, error) {
	blocks, err := p.store.GetBlockByNumber(ctx, number, false)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("blockprocessor: local tip at %d: %w", number, err)
	}
	if len(blocks) == 0 {
		return common.Hash{}, false, nil
	}
	return blocks[0].Hash, true, nil
}

// applyEvents implements §4.F steps 4-5.
func (p *Processor) applyEvents(ctx context.Context, blockHash common.Hash) error {
	block, err := p.store.GetBlockByHash(ctx, blockHash)
	if err != nil {
		return fmt.Errorf("blockprocessor: reload block %s: %w", blockHash, err)
	}
	events, err := p.store.GetEventsAfterIndex(ctx, blockHash, block.LastProcessedEventIndex)
	if err != nil {
		return fmt.Errorf("blockprocessor: load events for %s: %w", blockHash, err)
	}

	touched := make(map[common.Address]bool)
	lastIndex := block.LastProcessedEventIndex
	processed := block.NumProcessedEvents
	for i := range events {
		ev := events[i]
		if lastIndex >= 0 && int64(ev.Index) <= lastIndex {
			return &watchertypes.InvariantViolationError{
				Invariant: "event-order",
				Detail:    fmt.Sprintf("event index %d on block %s is not strictly after last processed index %d", ev.Index, blockHash, lastIndex),
			}
		}
		processed++
		isComplete := processed == block.NumEvents
		err := p.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
			if err := p.applier.Apply(ctx, tx, block.Number, &ev); err != nil {
				return err
			}
			return tx.UpdateBlockProgress(ctx, blockHash, int64(ev.Index), processed, isComplete)
		})
		if err != nil {
			return fmt.Errorf("blockprocessor: apply event index %d on block %s: %w", ev.Index, blockHash, err)
		}
		eventsApplied.Inc(1)
		lastIndex = int64(ev.Index)
		touched[ev.Contract] = true
	}

	if processed != block.NumEvents {
		return nil
	}
	return p.finishBlock(ctx, block, touched)
}

// finishBlock stages a diff for every contract touched by this block, marks
// a block with no events complete, advances latestCanonical, and best-effort
// pushes the new records to the configured sink.
func (p *Processor) finishBlock(ctx context.Context, block *watchertypes.Block, touched map[common.Address]bool) error {
	contracts, err := p.store.GetContracts(ctx)
	if err != nil {
		return fmt.Errorf("blockprocessor: load contracts for %s: %w", block.Hash, err)
	}
	startingBlock := make(map[common.Address]uint64, len(contracts))
	for _, c := range contracts {
		startingBlock[c.Address] = c.StartingBlock
	}

	var staged []*watchertypes.StateRecord
	err = p.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		for contract := range touched {
			if sb, ok := startingBlock[contract]; ok && sb == block.Number {
				if _, err := p.materializer.CreateInit(ctx, tx, contract, block.Hash, block.Number); err != nil {
					return fmt.Errorf("init %s/%s: %w", contract, block.Hash, err)
				}
			}
			entities, err := p.applier.EntitiesForBlock(ctx, tx, contract, block.Hash)
			if err != nil {
				return fmt.Errorf("entities for %s/%s: %w", contract, block.Hash, err)
			}
			rec, err := p.materializer.StageDiff(ctx, tx, contract, block.Hash, block.Number, entities)
			if err != nil {
				return fmt.Errorf("stage diff for %s/%s: %w", contract, block.Hash, err)
			}
			staged = append(staged, rec)
		}
		if block.NumEvents == 0 {
			if err := tx.UpdateBlockProgress(ctx, block.Hash, block.LastProcessedEventIndex, 0, true); err != nil {
				return fmt.Errorf("mark empty block %s complete: %w", block.Hash, err)
			}
		}
		return p.cursors.AdvanceLatestCanonical(ctx, tx, block.Hash, block.Number)
	})
	if err != nil {
		return fmt.Errorf("blockprocessor: finish block %s: %w", block.Hash, err)
	}
	blocksCompleted.Inc(1)
	log.Info("block complete", "hash", block.Hash, "number", block.Number, "contractsTouched", len(touched))

	if p.sink != nil {
		for _, rec := range staged {
			if err := p.sink.Push(ctx, rec.CID, rec.Data); err != nil {
				log.Warn("state sink push failed", "cid", rec.CID, "err", err)
			}
		}
	}
	return nil
}

// PromoteMatured promotes every contract's diff_staged record at
// chainHeadNumber-pruneDepth into kind=diff (spec §4.G): once a block falls
// behind the reorg window it is safe to compact its diff into the
// audit-retained chain. Intended to run from a periodic maintenance loop,
// not from the per-block hot path.
func (p *Processor) PromoteMatured(ctx context.Context, chainHeadNumber, pruneDepth uint64) error {
	if chainHeadNumber < pruneDepth {
		return nil
	}
	matureNumber := chainHeadNumber - pruneDepth
	blocks, err := p.store.GetBlockByNumber(ctx, matureNumber, false)
	if err != nil {
		return fmt.Errorf("blockprocessor: load mature block %d: %w", matureNumber, err)
	}
	if len(blocks) == 0 {
		return nil
	}
	contracts, err := p.store.GetContracts(ctx)
	if err != nil {
		return fmt.Errorf("blockprocessor: get contracts: %w", err)
	}
	return p.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		for _, c := range contracts {
			if err := p.materializer.PromoteDiff(ctx, tx, c.Address, blocks[0].Hash); err != nil {
				return fmt.Errorf("promote %s at %s: %w", c.Address, blocks[0].Hash, err)
			}
		}
		return nil
	})
}
