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
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/zramsay/watcher-go/watchertypes"
)

func (t *tx) InsertStateRecord(ctx context.Context, r *watchertypes.StateRecord) error {
	err := t.pgxTx.QueryRow(ctx, `
		INSERT INTO state_records (block_hash, block_number, contract, cid, kind, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cid) DO UPDATE SET cid = EXCLUDED.cid
		RETURNING id`,
		r.BlockHash.Bytes(), r.BlockNumber, r.Contract.Bytes(), r.CID, string(r.Kind), r.Data,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("watcherdb: insert state record %s: %w", r.CID, err)
	}
	return nil
}

// PromoteDiffStagedToDiff finalizes a staged diff into kind=diff once its
// containing block is complete. No-op if none exists (idempotent replay).
func (t *tx) PromoteDiffStagedToDiff(ctx context.Context, blockHash common.Hash, contract common.Address) error {
	_, err := t.pgxTx.Exec(ctx, `
		UPDATE state_records SET kind = $3
		WHERE block_hash = $1 AND contract = $2 AND kind = $4`,
		blockHash.Bytes(), contract.Bytes(), string(watchertypes.KindDiff), string(watchertypes.KindDiffStaged))
	if err != nil {
		return fmt.Errorf("watcherdb: promote diff_staged for %s/%s: %w", blockHash, contract, err)
	}
	return nil
}

func (t *tx) DeleteStateRecordsAbove(ctx context.Context, blockNumber uint64) error {
	_, err := t.pgxTx.Exec(ctx, `DELETE FROM state_records WHERE block_number > $1`, blockNumber)
	if err != nil {
		return fmt.Errorf("watcherdb: delete state records above %d: %w", blockNumber, err)
	}
	return nil
}

func (s *Store) GetLatestState(ctx context.Context, contract common.Address, kind watchertypes.StateRecordKind, maxBlockNumber uint64) (*watchertypes.StateRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, block_hash, block_number, contract, cid, kind, data
		FROM state_records
		WHERE contract = $1 AND kind = $2 AND block_number <= $3
		ORDER BY block_number DESC, id DESC
		LIMIT 1`, contract.Bytes(), string(kind), maxBlockNumber)
	r, err := scanStateRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get latest state: %w", err)
	}
	return r, nil
}

func (s *Store) GetDiffStatesInRange(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]watchertypes.StateRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, block_hash, block_number, contract, cid, kind, data
		FROM state_records
		WHERE contract = $1 AND kind = $2 AND block_number BETWEEN $3 AND $4
		ORDER BY block_number, id`, contract.Bytes(), string(watchertypes.KindDiff), fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get diff states in range: %w", err)
	}
	defer rows.Close()

	var out []watchertypes.StateRecord
	for rows.Next() {
		r, err := scanStateRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("watcherdb: scan state record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) HasStateRecord(ctx context.Context, cid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM state_records WHERE cid = $1)`, cid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("watcherdb: has state record %s: %w", cid, err)
	}
	return exists, nil
}

func (s *Store) HasAnyStateRecordInRange(ctx context.Context, fromBlock, toBlock uint64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM state_records WHERE block_number BETWEEN $1 AND $2)`, fromBlock, toBlock).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("watcherdb: has state records in range: %w", err)
	}
	return exists, nil
}

func scanStateRecord(row rowScanner) (*watchertypes.StateRecord, error) {
	var (
		r                watchertypes.StateRecord
		blockHash, contract []byte
		kind             string
	)
	if err := row.Scan(&r.ID, &blockHash, &r.BlockNumber, &contract, &r.CID, &kind, &r.Data); err != nil {
		return nil, err
	}
	r.BlockHash = common.BytesToHash(blockHash)
	r.Contract = common.BytesToAddress(contract)
	r.Kind = watchertypes.StateRecordKind(kind)
	return &r, nil
}
