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

// InsertBlockWithEvents writes a block and its events in the same
// statement batch so a crash between the two can never be observed: a
// block with events missing, or events with no owning block.
func (t *tx) InsertBlockWithEvents(ctx context.Context, b *watchertypes.Block, events []watchertypes.Event) error {
	_, err := t.pgxTx.Exec(ctx, `
		INSERT INTO blocks (hash, parent_hash, number, timestamp, num_events, num_processed_events, last_processed_event_index, is_complete, is_pruned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO NOTHING`,
		b.Hash.Bytes(), b.ParentHash.Bytes(), b.Number, b.Timestamp, b.NumEvents, b.NumProcessedEvents, b.LastProcessedEventIndex, b.IsComplete, b.IsPruned)
	if err != nil {
		return fmt.Errorf("watcherdb: insert block %s: %w", b.Hash, err)
	}
	for _, e := range events {
		_, err := t.pgxTx.Exec(ctx, `
			INSERT INTO events (block_hash, tx_hash, index, contract, event_name, event_info, extra_info, proof)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (block_hash, index) DO NOTHING`,
			e.BlockHash.Bytes(), e.TxHash.Bytes(), e.Index, e.Contract.Bytes(), e.EventName, e.EventInfo, e.ExtraInfo, e.Proof)
		if err != nil {
			return fmt.Errorf("watcherdb: insert event %s/%d: %w", e.BlockHash, e.Index, err)
		}
	}
	return nil
}

// UpdateBlockProgress advances a block's event-application cursor.
func (t *tx) UpdateBlockProgress(ctx context.Context, hash common.Hash, lastProcessedEventIndex int64, numProcessedEvents int, isComplete bool) error {
	tag, err := t.pgxTx.Exec(ctx, `
		UPDATE blocks SET last_processed_event_index = $2, num_processed_events = $3, is_complete = $4
		WHERE hash = $1`,
		hash.Bytes(), lastProcessedEventIndex, numProcessedEvents, isComplete)
	if err != nil {
		return fmt.Errorf("watcherdb: update block progress %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("watcherdb: update block progress %s: %w", hash, watchertypes.ErrNotFound)
	}
	return nil
}

// MarkBlocksPruned flags blocks abandoned by a reorg. Pruned blocks remain
// for audit purposes; they are excluded from canonical-height lookups.
func (t *tx) MarkBlocksPruned(ctx context.Context, hashes []common.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	raw := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h.Bytes()
	}
	_, err := t.pgxTx.Exec(ctx, `UPDATE blocks SET is_pruned = TRUE WHERE hash = ANY($1)`, raw)
	if err != nil {
		return fmt.Errorf("watcherdb: mark blocks pruned: %w", err)
	}
	return nil
}

func (s *Store) GetBlockByHash(ctx context.Context, hash common.Hash) (*watchertypes.Block, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT hash, parent_hash, number, timestamp, num_events, num_processed_events, last_processed_event_index, is_complete, is_pruned, created_at
		FROM blocks WHERE hash = $1`, hash.Bytes())
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, watchertypes.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get block %s: %w", hash, err)
	}
	return b, nil
}

func (s *Store) GetBlockByNumber(ctx context.Context, number uint64, includesPruned bool) ([]watchertypes.Block, error) {
	query := `
		SELECT hash, parent_hash, number, timestamp, num_events, num_processed_events, last_processed_event_index, is_complete, is_pruned, created_at
		FROM blocks WHERE number = $1`
	if !includesPruned {
		query += ` AND NOT is_pruned`
	}
	rows, err := s.pool.Query(ctx, query, number)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get blocks at %d: %w", number, err)
	}
	defer rows.Close()

	var out []watchertypes.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("watcherdb: scan block at %d: %w", number, err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*watchertypes.Block, error) {
	var (
		b                  watchertypes.Block
		hash, parentHash   []byte
	)
	if err := row.Scan(&hash, &parentHash, &b.Number, &b.Timestamp, &b.NumEvents, &b.NumProcessedEvents,
		&b.LastProcessedEventIndex, &b.IsComplete, &b.IsPruned, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Hash = common.BytesToHash(hash)
	b.ParentHash = common.BytesToHash(parentHash)
	return &b, nil
}

// CountExpectedProcessedBlocks reports how many non-pruned blocks in
// [fromBlock, toBlock] exist versus how many are marked complete, which
// exposes a stuck block. Nothing in the daemon calls it.
func (s *Store) CountExpectedProcessedBlocks(ctx context.Context, fromBlock, toBlock uint64) (expected, actual int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE is_complete)
		FROM blocks WHERE number BETWEEN $1 AND $2 AND NOT is_pruned`, fromBlock, toBlock,
	).Scan(&expected, &actual)
	if err != nil {
		return 0, 0, fmt.Errorf("watcherdb: count processed blocks: %w", err)
	}
	return expected, actual, nil
}
