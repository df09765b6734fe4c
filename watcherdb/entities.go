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
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EntityRow is one live entity as stored by the entities table: the
// application-defined type name (e.g. "account", "storage", "code"), its
// opaque ID, and its current field bag.
type EntityRow struct {
	Type   string
	ID     string
	Fields map[string]any
}

// EntityTx is the narrow capability a derived-state applier needs to
// persist entities within the same transaction that advances a block's
// progress cursor. It is not part of watchertypes.Tx: only the default
// evmapplier implementation depends on it, via a type assertion against
// whatever concrete Tx its Store hands back, so other Store backends need
// not carry this table at all.
//
// Entities are versioned by the block number that wrote them rather than
// updated in place: UpsertEntity and DeleteEntity both insert a new version
// row (a delete is a tombstone version with fields=NULL). ListEntities
// returns only the latest non-tombstoned version per (contract, type, id).
// Versioning exists so a reorg can discard derived state the same way it
// discards state_records: by deleting every version above the common
// ancestor, via DeleteEntityVersionsAbove.
type EntityTx interface {
	UpsertEntity(ctx context.Context, contract common.Address, entityType, entityID string, blockNumber uint64, fields map[string]any) error
	DeleteEntity(ctx context.Context, contract common.Address, entityType, entityID string, blockNumber uint64) error
	ListEntities(ctx context.Context, contract common.Address) ([]EntityRow, error)
}

// EntityRewinder is the optional capability a reorg handler uses to discard
// entity versions written on an abandoned branch. Checked with a type
// assertion alongside EntityTx, for the same reason: not every Store
// backend carries this table.
type EntityRewinder interface {
	DeleteEntityVersionsAbove(ctx context.Context, blockNumber uint64) error
}

var (
	_ EntityTx       = (*tx)(nil)
	_ EntityRewinder = (*tx)(nil)
)

func (t *tx) UpsertEntity(ctx context.Context, contract common.Address, entityType, entityID string, blockNumber uint64, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("watcherdb: marshal entity fields %s/%s/%s: %w", contract, entityType, entityID, err)
	}
	_, err = t.pgxTx.Exec(ctx, `
		INSERT INTO entities (contract, entity_type, entity_id, block_number, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (contract, entity_type, entity_id, block_number) DO UPDATE SET fields = EXCLUDED.fields`,
		contract.Bytes(), entityType, entityID, blockNumber, raw)
	if err != nil {
		return fmt.Errorf("watcherdb: upsert entity %s/%s/%s: %w", contract, entityType, entityID, err)
	}
	return nil
}

func (t *tx) DeleteEntity(ctx context.Context, contract common.Address, entityType, entityID string, blockNumber uint64) error {
	_, err := t.pgxTx.Exec(ctx, `
		INSERT INTO entities (contract, entity_type, entity_id, block_number, fields)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (contract, entity_type, entity_id, block_number) DO UPDATE SET fields = NULL`,
		contract.Bytes(), entityType, entityID, blockNumber)
	if err != nil {
		return fmt.Errorf("watcherdb: delete entity %s/%s/%s: %w", contract, entityType, entityID, err)
	}
	return nil
}

// ListEntities returns the latest surviving version of every entity for
// contract, keyed by its highest block_number, excluding tombstones.
func (t *tx) ListEntities(ctx context.Context, contract common.Address) ([]EntityRow, error) {
	rows, err := t.pgxTx.Query(ctx, `
		SELECT DISTINCT ON (entity_type, entity_id) entity_type, entity_id, fields
		FROM entities WHERE contract = $1
		ORDER BY entity_type, entity_id, block_number DESC`, contract.Bytes())
	if err != nil {
		return nil, fmt.Errorf("watcherdb: list entities for %s: %w", contract, err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var (
			row EntityRow
			raw []byte
		)
		if err := rows.Scan(&row.Type, &row.ID, &raw); err != nil {
			return nil, fmt.Errorf("watcherdb: scan entity row: %w", err)
		}
		if raw == nil {
			continue // tombstoned
		}
		if err := json.Unmarshal(raw, &row.Fields); err != nil {
			return nil, fmt.Errorf("watcherdb: unmarshal entity fields %s/%s: %w", row.Type, row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteEntityVersionsAbove discards every entity version written above
// blockNumber, undoing the derived-state effect of an abandoned branch
// (spec §4.H step 3).
func (t *tx) DeleteEntityVersionsAbove(ctx context.Context, blockNumber uint64) error {
	_, err := t.pgxTx.Exec(ctx, `DELETE FROM entities WHERE block_number > $1`, blockNumber)
	if err != nil {
		return fmt.Errorf("watcherdb: delete entity versions above %d: %w", blockNumber, err)
	}
	return nil
}
