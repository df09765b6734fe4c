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

func (s *Store) GetEventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]watchertypes.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.block_hash, e.tx_hash, e.index, e.contract, e.event_name, e.event_info, e.extra_info, e.proof
		FROM events e JOIN blocks b ON b.hash = e.block_hash
		WHERE b.number BETWEEN $1 AND $2 AND NOT b.is_pruned
		ORDER BY b.number, e.index`, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get events in range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) GetEventsAfterIndex(ctx context.Context, blockHash common.Hash, afterIndex int64) ([]watchertypes.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, block_hash, tx_hash, index, contract, event_name, event_info, extra_info, proof
		FROM events WHERE block_hash = $1 AND index > $2 ORDER BY index`, blockHash.Bytes(), afterIndex)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get events after index: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows eventRows) ([]watchertypes.Event, error) {
	var out []watchertypes.Event
	for rows.Next() {
		var (
			e                         watchertypes.Event
			blockHash, txHash, contract []byte
			index                     int64
		)
		if err := rows.Scan(&e.ID, &blockHash, &txHash, &index, &contract, &e.EventName, &e.EventInfo, &e.ExtraInfo, &e.Proof); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.BlockHash = common.BytesToHash(blockHash)
		e.TxHash = common.BytesToHash(txHash)
		e.Contract = common.BytesToAddress(contract)
		e.Index = uint(index)
		out = append(out, e)
	}
	return out, rows.Err()
}
