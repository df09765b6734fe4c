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

// Package materializer builds content-addressed state records (spec §4.G):
// it canonicalizes entity diffs, computes their CID, and resolves the
// parent-linkage rule across init/diff/diff_staged/checkpoint records.
package materializer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/zramsay/watcher-go/watchertypes"
)

var (
	recordsCreated = metrics.NewRegisteredCounter("materializer/records", nil)
	checkpointsMade = metrics.NewRegisteredCounter("materializer/checkpoints", nil)
)

// Materializer turns per-block entity changes into StateRecords and persists
// them through the given Tx, resolving parent CIDs against what is already
// committed in the Store.
type Materializer struct {
	store watchertypes.Store
}

func New(store watchertypes.Store) *Materializer {
	return &Materializer{store: store}
}

// CreateInit writes the once-per-contract init record at the contract's
// starting block, with an empty Entities map. If an init record already
// exists for the contract at or below blockNumber, that record is returned.
func (m *Materializer) CreateInit(ctx context.Context, tx watchertypes.Tx, contract common.Address, blockHash common.Hash, blockNumber uint64) (*watchertypes.StateRecord, error) {
	existing, err := m.store.GetLatestState(ctx, contract, watchertypes.KindInit, blockNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	data := &StateData{
		Meta: Meta{
			Kind:     watchertypes.KindInit,
			Parent:   emptyParentCID,
			Contract: contract.Hex(),
			Block:    blockHash.Hex(),
		},
		Entities: map[string][]EntityRef{},
	}
	return m.write(ctx, tx, watchertypes.KindInit, emptyParentCID, contract, blockHash, blockNumber, data)
}

// StageDiff creates (or idempotently returns) the diff_staged record for
// (contract, blockHash). The Block Processor calls it once all of a block's
// events have been applied, in the transaction that advances
// latestCanonical. The record stays diff_staged until PromoteDiff runs,
// which the processor does once the block is pruneDepth behind the chain
// head (PromoteMatured).
func (m *Materializer) StageDiff(ctx context.Context, tx watchertypes.Tx, contract common.Address, blockHash common.Hash, blockNumber uint64, entities map[string][]EntityRef) (*watchertypes.StateRecord, error) {
	parent, err := m.parentForNewDiff(ctx, contract, blockNumber)
	if err != nil {
		return nil, err
	}
	data := &StateData{
		Meta: Meta{
			Kind:     watchertypes.KindDiffStaged,
			Parent:   parent,
			Contract: contract.Hex(),
			Block:    blockHash.Hex(),
		},
		Entities: entities,
	}
	return m.write(ctx, tx, watchertypes.KindDiffStaged, parent, contract, blockHash, blockNumber, data)
}

// PromoteDiff finalizes a staged diff into kind=diff. The record keeps its
// CID and data; only the kind tag changes.
func (m *Materializer) PromoteDiff(ctx context.Context, tx watchertypes.Tx, contract common.Address, blockHash common.Hash) error {
	return tx.PromoteDiffStagedToDiff(ctx, blockHash, contract)
}

// CreateCheckpoint writes a full-state checkpoint for contract at blockHash,
// aggregating every entity the caller has materialized up to that point.
// Idempotent: calling it twice for the same (contract, block) returns the
// existing record rather than inserting a duplicate.
func (m *Materializer) CreateCheckpoint(ctx context.Context, tx watchertypes.Tx, contract common.Address, blockHash common.Hash, blockNumber uint64, entities map[string][]EntityRef) (*watchertypes.StateRecord, error) {
	if existing, err := m.store.GetLatestState(ctx, contract, watchertypes.KindCheckpoint, blockNumber); err != nil {
		return nil, err
	} else if existing != nil && existing.BlockNumber == blockNumber {
		return existing, nil
	}
	parent, err := m.parentForCheckpoint(ctx, contract, blockNumber)
	if err != nil {
		return nil, err
	}
	data := &StateData{
		Meta: Meta{
			Kind:     watchertypes.KindCheckpoint,
			Parent:   parent,
			Contract: contract.Hex(),
			Block:    blockHash.Hex(),
		},
		Entities: entities,
	}
	rec, err := m.write(ctx, tx, watchertypes.KindCheckpoint, parent, contract, blockHash, blockNumber, data)
	if err != nil {
		return nil, err
	}
	checkpointsMade.Inc(1)
	return rec, nil
}

func (m *Materializer) write(ctx context.Context, tx watchertypes.Tx, kind watchertypes.StateRecordKind, parent string, contract common.Address, blockHash common.Hash, blockNumber uint64, data *StateData) (*watchertypes.StateRecord, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return nil, fmt.Errorf("materializer: canonicalize %s record: %w", kind, err)
	}
	recordCID, err := ComputeCID(kind, parent, blockHash, contract, canonical)
	if err != nil {
		return nil, err
	}
	rec := &watchertypes.StateRecord{
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		Contract:    contract,
		CID:         recordCID,
		Kind:        kind,
		Data:        canonical,
	}
	if exists, err := m.store.HasStateRecord(ctx, recordCID); err != nil {
		return nil, err
	} else if exists {
		log.Debug("state record already present", "cid", recordCID, "kind", kind)
		return rec, nil
	}
	if err := tx.InsertStateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("materializer: insert %s record: %w", kind, err)
	}
	recordsCreated.Inc(1)
	log.Info("materialized state record", "kind", kind, "contract", contract, "block", blockNumber, "cid", recordCID, "parent", parent)
	return rec, nil
}

// parentForNewDiff implements the §4.G parenting rule for a new diff: it
// parents onto the immediately-previous record of the same contract in
// block order, unless a checkpoint was just created in the same block, in
// which case it parents onto that checkpoint. That previous record is
// whichever of the latest diff_staged or latest (promoted) diff is newer —
// in live ingest a block's predecessor is still diff_staged until
// PromoteMatured later compacts it into kind=diff, so diff alone is not
// enough to find it. With none of those present yet, it falls back to the
// contract's init record.
func (m *Materializer) parentForNewDiff(ctx context.Context, contract common.Address, blockNumber uint64) (string, error) {
	latestCkpt, err := m.store.GetLatestState(ctx, contract, watchertypes.KindCheckpoint, blockNumber)
	if err != nil {
		return "", err
	}
	if latestCkpt != nil && latestCkpt.BlockNumber == blockNumber {
		return latestCkpt.CID, nil
	}
	latestDiff, err := m.store.GetLatestState(ctx, contract, watchertypes.KindDiff, blockNumber)
	if err != nil {
		return "", err
	}
	latestStaged, err := m.store.GetLatestState(ctx, contract, watchertypes.KindDiffStaged, blockNumber)
	if err != nil {
		return "", err
	}
	switch {
	case latestDiff == nil && latestStaged == nil:
		return m.fallbackToInit(ctx, contract, blockNumber)
	case latestDiff == nil:
		return latestStaged.CID, nil
	case latestStaged == nil:
		return latestDiff.CID, nil
	case newer(latestStaged, latestDiff):
		return latestStaged.CID, nil
	default:
		return latestDiff.CID, nil
	}
}

// parentForCheckpoint implements the §4.G rule for a checkpoint: it parents
// onto whichever of the latest diff or latest checkpoint is newer.
func (m *Materializer) parentForCheckpoint(ctx context.Context, contract common.Address, blockNumber uint64) (string, error) {
	latestDiff, err := m.store.GetLatestState(ctx, contract, watchertypes.KindDiff, blockNumber)
	if err != nil {
		return "", err
	}
	latestCkpt, err := m.store.GetLatestState(ctx, contract, watchertypes.KindCheckpoint, blockNumber)
	if err != nil {
		return "", err
	}
	switch {
	case latestDiff == nil && latestCkpt == nil:
		return m.fallbackToInit(ctx, contract, blockNumber)
	case latestDiff == nil:
		return latestCkpt.CID, nil
	case latestCkpt == nil:
		return latestDiff.CID, nil
	case newer(latestDiff, latestCkpt):
		return latestDiff.CID, nil
	default:
		return latestCkpt.CID, nil
	}
}

func (m *Materializer) fallbackToInit(ctx context.Context, contract common.Address, blockNumber uint64) (string, error) {
	initRec, err := m.store.GetLatestState(ctx, contract, watchertypes.KindInit, blockNumber)
	if err != nil {
		return "", err
	}
	if initRec == nil {
		return "", fmt.Errorf("materializer: %w: no init record for contract %s at or below block %d", watchertypes.ErrNotFound, contract, blockNumber)
	}
	return initRec.CID, nil
}

// newer reports whether a was materialized after b, breaking block-number
// ties by insertion order (higher store ID).
func newer(a, b *watchertypes.StateRecord) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber > b.BlockNumber
	}
	return a.ID > b.ID
}
