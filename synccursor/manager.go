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

// Package synccursor guards the sync pointers (spec §3): chainHead,
// latestIndexed, latestCanonical, and the state materializer's
// latestIndexedBlockNumber / latestCheckpointBlockNumber. It has no updater
// for initialIndexed. On top of Store's per-column monotonicity check,
// AdvanceLatestIndexed and AdvanceLatestCanonical enforce the ordering
// latestCanonical ≤ latestIndexed ≤ chainHead, and AdvanceStateSyncCheckpoint
// keeps the checkpoint cursor at or below the state-indexed cursor;
// AdvanceChainHead and AdvanceStateSyncIndexed rely on the monotonicity
// check alone. Forced updates bypass both checks.
package synccursor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zramsay/watcher-go/watchertypes"
)

// Manager wraps a watchertypes.Store to apply cross-cursor ordering rules
// that a single UPDATE statement cannot express on its own.
type Manager struct {
	store watchertypes.Store
}

func New(store watchertypes.Store) *Manager { return &Manager{store: store} }

// AdvanceChainHead records the highest block number observed upstream,
// independent of how far indexing has progressed.
func (m *Manager) AdvanceChainHead(ctx context.Context, tx watchertypes.Tx, hash common.Hash, number uint64) error {
	if err := tx.UpdateChainHead(ctx, hash, number, false); err != nil {
		return fmt.Errorf("synccursor: advance chainHead: %w", err)
	}
	return nil
}

// AdvanceLatestIndexed records a block that has been saved with its events
// fetched (not necessarily processed yet). Must never exceed chainHead.
func (m *Manager) AdvanceLatestIndexed(ctx context.Context, tx watchertypes.Tx, hash common.Hash, number uint64) error {
	status, err := m.store.GetSyncStatus(ctx)
	if err != nil {
		return err
	}
	if number > status.ChainHead.Number {
		return &watchertypes.InvariantViolationError{
			Invariant: "latestIndexed<=chainHead",
			Detail:    fmt.Sprintf("latestIndexed %d would exceed chainHead %d", number, status.ChainHead.Number),
		}
	}
	if err := tx.UpdateLatestIndexed(ctx, hash, number, false); err != nil {
		return fmt.Errorf("synccursor: advance latestIndexed: %w", err)
	}
	return nil
}

// AdvanceLatestCanonical records a block whose events have all been applied
// in order. Must never exceed latestIndexed.
func (m *Manager) AdvanceLatestCanonical(ctx context.Context, tx watchertypes.Tx, hash common.Hash, number uint64) error {
	status, err := m.store.GetSyncStatus(ctx)
	if err != nil {
		return err
	}
	if number > status.LatestIndexed.Number {
		return &watchertypes.InvariantViolationError{
			Invariant: "latestCanonical<=latestIndexed",
			Detail:    fmt.Sprintf("latestCanonical %d would exceed latestIndexed %d", number, status.LatestIndexed.Number),
		}
	}
	if err := tx.UpdateLatestCanonical(ctx, hash, number, false); err != nil {
		return fmt.Errorf("synccursor: advance latestCanonical: %w", err)
	}
	return nil
}

// AdvanceStateSyncIndexed records the highest block number the materializer
// has produced diff or diff_staged records through; the daemon passes
// latestCanonical, whose records are still diff_staged.
func (m *Manager) AdvanceStateSyncIndexed(ctx context.Context, tx watchertypes.Tx, number uint64) error {
	if err := tx.UpdateStateSyncIndexed(ctx, number, false); err != nil {
		return fmt.Errorf("synccursor: advance state sync indexed: %w", err)
	}
	return nil
}

// AdvanceStateSyncCheckpoint records the highest block number with a
// materialized checkpoint. Must never exceed the state-indexed cursor.
func (m *Manager) AdvanceStateSyncCheckpoint(ctx context.Context, tx watchertypes.Tx, number uint64) error {
	stateStatus, err := m.store.GetStateSyncStatus(ctx)
	if err != nil {
		return err
	}
	if number > stateStatus.LatestIndexedBlockNumber {
		return &watchertypes.InvariantViolationError{
			Invariant: "latestCheckpoint<=latestIndexed(state)",
			Detail:    fmt.Sprintf("checkpoint at %d would exceed state-indexed cursor %d", number, stateStatus.LatestIndexedBlockNumber),
		}
	}
	if err := tx.UpdateStateSyncCheckpoint(ctx, number, false); err != nil {
		return fmt.Errorf("synccursor: advance state sync checkpoint: %w", err)
	}
	return nil
}

// ForceRewindAll rewinds chainHead, latestIndexed, latestCanonical and the
// state-indexed cursor to number, bypassing the monotonicity and ordering
// checks above; the state checkpoint cursor is left unchanged. Its caller is
// the reset-to-block operator command; the Reorg Handler rewinds the cursors
// through the Tx directly.
func (m *Manager) ForceRewindAll(ctx context.Context, tx watchertypes.Tx, hash common.Hash, number uint64) error {
	log.Warn("force-rewinding sync cursors", "hash", hash, "number", number)
	for _, rewind := range []func(context.Context, common.Hash, uint64, bool) error{
		tx.UpdateChainHead, tx.UpdateLatestIndexed, tx.UpdateLatestCanonical,
	} {
		if err := rewind(ctx, hash, number, true); err != nil {
			return fmt.Errorf("synccursor: force rewind: %w", err)
		}
	}
	if err := tx.UpdateStateSyncIndexed(ctx, number, true); err != nil {
		return fmt.Errorf("synccursor: force rewind state indexed: %w", err)
	}
	return nil
}
