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

// Package evmapplier is the default blockprocessor.EventApplier. It defines
// no fixed entity schema: an event's opaque EventInfo is expected to decode
// as a single entity upsert or delete, and the entity type is whatever that
// update names (package abioracle's default oracle emits type "log"). Any
// other convention requires a purpose-built applier for that contract's
// domain.
package evmapplier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zramsay/watcher-go/materializer"
	"github.com/zramsay/watcher-go/watcherdb"
	"github.com/zramsay/watcher-go/watchertypes"
)

// update is the wire convention a watched contract's AbiOracle is expected
// to emit as Event.EventInfo: one entity's new field values, or a tombstone.
type update struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Fields  map[string]any `json:"fields"`
	Deleted bool           `json:"deleted"`
}

// Applier is the default EventApplier (spec §4.F's EventApplier capability).
// It requires a watchertypes.Tx backed by watcherdb, since entity storage
// is not part of the general Tx interface — a capability only this default
// applier depends on, checked with a type assertion rather than widening
// every Store implementation's contract.
type Applier struct{}

func New() *Applier { return &Applier{} }

// Apply decodes ev.EventInfo as an entity update and upserts (or deletes)
// it at blockNumber. An event with no decodable entity (empty EventInfo)
// is a no-op: not every watched event necessarily mutates derived state.
func (a *Applier) Apply(ctx context.Context, tx watchertypes.Tx, blockNumber uint64, ev *watchertypes.Event) error {
	if len(ev.EventInfo) == 0 {
		return nil
	}
	var upd update
	if err := json.Unmarshal(ev.EventInfo, &upd); err != nil {
		return fmt.Errorf("evmapplier: decode event info %s/%d: %w", ev.BlockHash, ev.Index, err)
	}
	if upd.Type == "" || upd.ID == "" {
		return nil
	}
	store, err := entityTx(tx)
	if err != nil {
		return err
	}
	if upd.Deleted {
		return store.DeleteEntity(ctx, ev.Contract, upd.Type, upd.ID, blockNumber)
	}
	return store.UpsertEntity(ctx, ev.Contract, upd.Type, upd.ID, blockNumber, upd.Fields)
}

// EntitiesForBlock returns every entity currently live for contract, keyed
// by type, for staging as a diff or checkpoint. blockHash is unused: the
// entities table always reflects state as of the last event applied, which
// is exactly blockHash's state when called from the single-threaded
// per-chain-tip processing path (spec §5).
func (a *Applier) EntitiesForBlock(ctx context.Context, tx watchertypes.Tx, contract common.Address, _ common.Hash) (map[string][]materializer.EntityRef, error) {
	store, err := entityTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := store.ListEntities(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("evmapplier: list entities for %s: %w", contract, err)
	}
	out := make(map[string][]materializer.EntityRef, len(rows))
	for _, r := range rows {
		out[r.Type] = append(out[r.Type], materializer.EntityRef{ID: r.ID, Fields: r.Fields})
	}
	return out, nil
}

func entityTx(tx watchertypes.Tx) (watcherdb.EntityTx, error) {
	store, ok := tx.(watcherdb.EntityTx)
	if !ok {
		return nil, fmt.Errorf("evmapplier: store does not support entity persistence")
	}
	return store, nil
}
