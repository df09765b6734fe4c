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
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zramsay/watcher-go/watchertypes"
)

// openTestStore connects to a real Postgres instance named by
// WATCHER_TEST_DATABASE_URL. Skipped when unset: these exercise actual SQL
// and transaction semantics, not something a fake can stand in for.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("WATCHER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WATCHER_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestInsertBlockWithEventsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	block := &watchertypes.Block{
		Hash:       common.HexToHash("0x1"),
		ParentHash: common.HexToHash("0x0"),
		Number:     1,
		NumEvents:  1,
		LastProcessedEventIndex: -1,
	}
	events := []watchertypes.Event{{BlockHash: block.Hash, Index: 0, EventName: "Transfer"}}

	for i := 0; i < 2; i++ {
		err := s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
			return tx.InsertBlockWithEvents(ctx, block, events)
		})
		require.NoError(t, err)
	}

	got, err := s.GetBlockByHash(ctx, block.Hash)
	require.NoError(t, err)
	require.Equal(t, block.Number, got.Number)

	evs, err := s.GetEventsInRange(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestCursorMonotonicityRejectsRegression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.UpdateLatestIndexed(ctx, common.HexToHash("0x5"), 5, false)
	}))

	err := s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.UpdateLatestIndexed(ctx, common.HexToHash("0x3"), 3, false)
	})
	require.Error(t, err)

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.UpdateLatestIndexed(ctx, common.HexToHash("0x3"), 3, true)
	}))
	status, err := s.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), status.LatestIndexed.Number)
}

func TestCursorMonotonicityRejectsSameNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.UpdateLatestIndexed(ctx, common.HexToHash("0x5"), 5, false)
	}))

	err := s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.UpdateLatestIndexed(ctx, common.HexToHash("0x5b"), 5, false)
	})
	require.Error(t, err)
}

func TestEntityVersionsRewindAboveAncestor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	contract := common.HexToAddress("0xc0ffee")

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		entityTx := tx.(EntityTx)
		if err := entityTx.UpsertEntity(ctx, contract, "account", "0xa", 100, map[string]any{"balance": "1"}); err != nil {
			return err
		}
		if err := entityTx.UpsertEntity(ctx, contract, "account", "0xa", 101, map[string]any{"balance": "2"}); err != nil {
			return err
		}
		return entityTx.UpsertEntity(ctx, contract, "account", "0xb", 101, map[string]any{"balance": "9"})
	}))

	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		return tx.(EntityRewinder).DeleteEntityVersionsAbove(ctx, 100)
	}))

	var rows []EntityRow
	require.NoError(t, s.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		var err error
		rows, err = tx.(EntityTx).ListEntities(ctx, contract)
		return err
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, "0xa", rows[0].ID)
	assert.Equal(t, "1", rows[0].Fields["balance"])
}
