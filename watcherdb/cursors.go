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

package watcherdb

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zramsay/watcher-go/watchertypes"
)

// updateCursor writes one (hash, number) pair into sync_status, enforcing
// monotonicity unless force is set (reserved for the Reorg Handler).
func (t *tx) updateCursor(ctx context.Context, hashCol, numberCol string, hash common.Hash, number uint64, force bool) error {
	query := fmt.Sprintf(`UPDATE sync_status SET %s = $1, %s = $2 WHERE id = 1`, hashCol, numberCol)
	if !force {
		query = fmt.Sprintf(`UPDATE sync_status SET %s = $1, %s = $2 WHERE id = 1 AND %s < $2`, hashCol, numberCol, numberCol)
	}
	tag, err := t.pgxTx.Exec(ctx, query, hash.Bytes(), number)
	if err != nil {
		return fmt.Errorf("watcherdb: update cursor %s: %w", numberCol, err)
	}
	if !force && tag.RowsAffected() == 0 {
		return &watchertypes.InvariantViolationError{
			Invariant: "cursor-monotonicity",
			Detail:    fmt.Sprintf("%s regressed to %d without force", numberCol, number),
		}
	}
	return nil
}

func (t *tx) UpdateChainHead(ctx context.Context, hash common.Hash, number uint64, force bool) error {
	return t.updateCursor(ctx, "chain_head_hash", "chain_head_number", hash, number, force)
}

func (t *tx) UpdateLatestIndexed(ctx context.Context, hash common.Hash, number uint64, force bool) error {
	return t.updateCursor(ctx, "latest_indexed_hash", "latest_indexed_number", hash, number, force)
}

func (t *tx) UpdateLatestCanonical(ctx context.Context, hash common.Hash, number uint64, force bool) error {
	return t.updateCursor(ctx, "latest_canonical_hash", "latest_canonical_number", hash, number, force)
}

func (t *tx) UpdateStateSyncIndexed(ctx context.Context, number uint64, force bool) error {
	query := `UPDATE state_sync_status SET latest_indexed_block_number = $1 WHERE id = 1`
	if !force {
		query += ` AND latest_indexed_block_number < $1`
	}
	tag, err := t.pgxTx.Exec(ctx, query, number)
	if err != nil {
		return fmt.Errorf("watcherdb: update state sync indexed cursor: %w", err)
	}
	if !force && tag.RowsAffected() == 0 {
		return &watchertypes.InvariantViolationError{Invariant: "cursor-monotonicity", Detail: "latestIndexedBlockNumber regressed without force"}
	}
	return nil
}

func (t *tx) UpdateStateSyncCheckpoint(ctx context.Context, number uint64, force bool) error {
	query := `UPDATE state_sync_status SET latest_checkpoint_block_number = $1 WHERE id = 1`
	if !force {
		query += ` AND latest_checkpoint_block_number < $1`
	}
	tag, err := t.pgxTx.Exec(ctx, query, number)
	if err != nil {
		return fmt.Errorf("watcherdb: update state sync checkpoint cursor: %w", err)
	}
	if !force && tag.RowsAffected() == 0 {
		return &watchertypes.InvariantViolationError{Invariant: "cursor-monotonicity", Detail: "latestCheckpointBlockNumber regressed without force"}
	}
	return nil
}

func (s *Store) GetSyncStatus(ctx context.Context) (*watchertypes.SyncStatus, error) {
	var (
		st                                                     watchertypes.SyncStatus
		chainHeadHash, latestIndexedHash, latestCanonicalHash  []byte
		initialIndexedHash                                    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT chain_head_hash, chain_head_number, latest_indexed_hash, latest_indexed_number,
		       latest_canonical_hash, latest_canonical_number, initial_indexed_hash, initial_indexed_number, initial_indexed_set
		FROM sync_status WHERE id = 1`,
	).Scan(&chainHeadHash, &st.ChainHead.Number, &latestIndexedHash, &st.LatestIndexed.Number,
		&latestCanonicalHash, &st.LatestCanonical.Number, &initialIndexedHash, &st.InitialIndexed.Number, &st.InitialIndexedSet)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get sync status: %w", err)
	}
	st.ChainHead.Hash = common.BytesToHash(chainHeadHash)
	st.LatestIndexed.Hash = common.BytesToHash(latestIndexedHash)
	st.LatestCanonical.Hash = common.BytesToHash(latestCanonicalHash)
	st.InitialIndexed.Hash = common.BytesToHash(initialIndexedHash)
	return &st, nil
}

func (s *Store) GetStateSyncStatus(ctx context.Context) (*watchertypes.StateSyncStatus, error) {
	var st watchertypes.StateSyncStatus
	err := s.pool.QueryRow(ctx, `
		SELECT latest_indexed_block_number, latest_checkpoint_block_number FROM state_sync_status WHERE id = 1`,
	).Scan(&st.LatestIndexedBlockNumber, &st.LatestCheckpointBlockNumber)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get state sync status: %w", err)
	}
	return &st, nil
}

// SetInitialIndexed sets the one-time initialIndexed cursor. It is not part
// of watchertypes.Tx because it is written once, outside the per-block
// transaction, when the operator bootstraps a fresh deployment.
func (s *Store) SetInitialIndexed(ctx context.Context, hash common.Hash, number uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_status SET initial_indexed_hash = $1, initial_indexed_number = $2, initial_indexed_set = TRUE
		WHERE id = 1 AND NOT initial_indexed_set`, hash.Bytes(), number)
	if err != nil {
		return fmt.Errorf("watcherdb: set initial indexed cursor: %w", err)
	}
	return nil
}
