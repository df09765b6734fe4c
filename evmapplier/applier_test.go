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

package evmapplier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zramsay/watcher-go/watcherdb"
	"github.com/zramsay/watcher-go/watchertypes"
)

// fakeEntityTx is an in-memory watchertypes.Tx that also satisfies
// watcherdb.EntityTx, exercising evmapplier without a database.
type fakeEntityTx struct {
	rows map[common.Address]map[string]map[string]map[string]any
}

func newFakeEntityTx() *fakeEntityTx {
	return &fakeEntityTx{rows: make(map[common.Address]map[string]map[string]map[string]any)}
}

func (t *fakeEntityTx) UpsertEntity(_ context.Context, contract common.Address, entityType, entityID string, _ uint64, fields map[string]any) error {
	byType, ok := t.rows[contract]
	if !ok {
		byType = make(map[string]map[string]map[string]any)
		t.rows[contract] = byType
	}
	byID, ok := byType[entityType]
	if !ok {
		byID = make(map[string]map[string]any)
		byType[entityType] = byID
	}
	byID[entityID] = fields
	return nil
}

func (t *fakeEntityTx) DeleteEntity(_ context.Context, contract common.Address, entityType, entityID string, _ uint64) error {
	if byType, ok := t.rows[contract]; ok {
		if byID, ok := byType[entityType]; ok {
			delete(byID, entityID)
		}
	}
	return nil
}

func (t *fakeEntityTx) ListEntities(_ context.Context, contract common.Address) ([]watcherdb.EntityRow, error) {
	var out []watcherdb.EntityRow
	for typ, byID := range t.rows[contract] {
		for id, fields := range byID {
			out = append(out, watcherdb.EntityRow{Type: typ, ID: id, Fields: fields})
		}
	}
	return out, nil
}

func (t *fakeEntityTx) InsertBlockWithEvents(context.Context, *watchertypes.Block, []watchertypes.Event) error {
	return nil
}
func (t *fakeEntityTx) UpdateBlockProgress(context.Context, common.Hash, int64, int, bool) error {
	return nil
}
func (t *fakeEntityTx) MarkBlocksPruned(context.Context, []common.Hash) error        { return nil }
func (t *fakeEntityTx) DeleteStateRecordsAbove(context.Context, uint64) error        { return nil }
func (t *fakeEntityTx) InsertStateRecord(context.Context, *watchertypes.StateRecord) error {
	return nil
}
func (t *fakeEntityTx) PromoteDiffStagedToDiff(context.Context, common.Hash, common.Address) error {
	return nil
}
func (t *fakeEntityTx) UpdateChainHead(context.Context, common.Hash, uint64, bool) error       { return nil }
func (t *fakeEntityTx) UpdateLatestIndexed(context.Context, common.Hash, uint64, bool) error    { return nil }
func (t *fakeEntityTx) UpdateLatestCanonical(context.Context, common.Hash, uint64, bool) error  { return nil }
func (t *fakeEntityTx) UpdateStateSyncIndexed(context.Context, uint64, bool) error              { return nil }
func (t *fakeEntityTx) UpdateStateSyncCheckpoint(context.Context, uint64, bool) error           { return nil }

var _ watchertypes.Tx = (*fakeEntityTx)(nil)
var _ watcherdb.EntityTx = (*fakeEntityTx)(nil)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestApplierUpsertThenRead(t *testing.T) {
	a := New()
	tx := newFakeEntityTx()
	contract := common.HexToAddress("0x1")

	ev := &watchertypes.Event{
		Contract: contract,
		EventInfo: mustJSON(t, update{
			Type:   "account",
			ID:     "0xabc",
			Fields: map[string]any{"balance": "100"},
		}),
	}
	require.NoError(t, a.Apply(context.Background(), tx, 100, ev))

	byType, err := a.EntitiesForBlock(context.Background(), tx, contract, common.Hash{})
	require.NoError(t, err)
	require.Len(t, byType["account"], 1)
	assert.Equal(t, "0xabc", byType["account"][0].ID)
	assert.Equal(t, "100", byType["account"][0].Fields["balance"])
}

func TestApplierDelete(t *testing.T) {
	a := New()
	tx := newFakeEntityTx()
	contract := common.HexToAddress("0x2")

	require.NoError(t, a.Apply(context.Background(), tx, 100, &watchertypes.Event{
		Contract:  contract,
		EventInfo: mustJSON(t, update{Type: "account", ID: "0xabc", Fields: map[string]any{"balance": "100"}}),
	}))
	require.NoError(t, a.Apply(context.Background(), tx, 101, &watchertypes.Event{
		Contract:  contract,
		EventInfo: mustJSON(t, update{Type: "account", ID: "0xabc", Deleted: true}),
	}))

	byType, err := a.EntitiesForBlock(context.Background(), tx, contract, common.Hash{})
	require.NoError(t, err)
	assert.Empty(t, byType["account"])
}

func TestApplierEmptyEventInfoIsNoOp(t *testing.T) {
	a := New()
	tx := newFakeEntityTx()
	err := a.Apply(context.Background(), tx, 100, &watchertypes.Event{Contract: common.HexToAddress("0x3")})
	require.NoError(t, err)
}

func TestApplierRejectsUnsupportedTx(t *testing.T) {
	a := New()
	err := a.Apply(context.Background(), plainTx{}, 100, &watchertypes.Event{
		EventInfo: mustJSON(t, update{Type: "account", ID: "0xabc"}),
	})
	require.Error(t, err)
}

// plainTx satisfies watchertypes.Tx but not watcherdb.EntityTx, modeling a
// Store backend with no entity storage.
type plainTx struct{}

func (plainTx) InsertBlockWithEvents(context.Context, *watchertypes.Block, []watchertypes.Event) error {
	return nil
}
func (plainTx) UpdateBlockProgress(context.Context, common.Hash, int64, int, bool) error { return nil }
func (plainTx) MarkBlocksPruned(context.Context, []common.Hash) error                    { return nil }
func (plainTx) DeleteStateRecordsAbove(context.Context, uint64) error                    { return nil }
func (plainTx) InsertStateRecord(context.Context, *watchertypes.StateRecord) error       { return nil }
func (plainTx) PromoteDiffStagedToDiff(context.Context, common.Hash, common.Address) error {
	return nil
}
func (plainTx) UpdateChainHead(context.Context, common.Hash, uint64, bool) error      { return nil }
func (plainTx) UpdateLatestIndexed(context.Context, common.Hash, uint64, bool) error  { return nil }
func (plainTx) UpdateLatestCanonical(context.Context, common.Hash, uint64, bool) error { return nil }
func (plainTx) UpdateStateSyncIndexed(context.Context, uint64, bool) error            { return nil }
func (plainTx) UpdateStateSyncCheckpoint(context.Context, uint64, bool) error         { return nil }

var _ watchertypes.Tx = plainTx{}
