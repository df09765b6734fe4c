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

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/zramsay/watcher-go/evmapplier"
	"github.com/zramsay/watcher-go/materializer"
	"github.com/zramsay/watcher-go/synccursor"
	"github.com/zramsay/watcher-go/watcherdb"
	"github.com/zramsay/watcher-go/watchertypes"
)

// opsCommands returns the operator CLI surface (spec §6): each subcommand
// opens its own short-lived Store connection, does one thing, and on failure
// returns its error wrapped in cli.Exit(err, 1), which urfave/cli turns into
// a non-zero exit code and a single-line stderr diagnostic.
func opsCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "create-checkpoint",
			Usage:     "create a checkpoint state record for a contract",
			ArgsUsage: "<contract> [<blockHash>]",
			Action:    runCreateCheckpoint,
		},
		{
			Name:      "reset-to-block",
			Usage:     "rewind all cursors and delete rewindable state records above a block",
			ArgsUsage: "<blockNumber>",
			Action:    runResetToBlock,
		},
		{
			Name:      "fill-state",
			Usage:     "backfill init/diff/checkpoint records for an already-indexed block range with no pre-existing state",
			ArgsUsage: "<start> <end>",
			Action:    runFillState,
		},
	}
}

func openStoreFromCLI(ctx *cli.Context) (*watcherdb.Store, *Config, error) {
	cfg := buildConfigFromCLI(ctx)
	if cfg.PostgresDSN == "" {
		return nil, nil, fmt.Errorf("postgres-dsn is required")
	}
	store, err := watcherdb.Open(ctx.Context, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := store.Migrate(ctx.Context); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, cfg, nil
}

func runCreateCheckpoint(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return cli.Exit(fmt.Errorf("create-checkpoint requires <contract>"), 1)
	}
	store, _, err := openStoreFromCLI(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer store.Close()

	contract := common.HexToAddress(ctx.Args().Get(0))
	blockHash, blockNumber, err := resolveCheckpointBlock(ctx, store)
	if err != nil {
		return cli.Exit(err, 1)
	}

	mat := materializer.New(store)
	if err := createCheckpoint(ctx.Context, store, mat, contract, blockHash, blockNumber); err != nil {
		return cli.Exit(fmt.Errorf("create checkpoint for %s at %s: %w", contract, blockHash, err), 1)
	}
	return nil
}

func resolveCheckpointBlock(ctx *cli.Context, store *watcherdb.Store) (common.Hash, uint64, error) {
	if ctx.Args().Len() >= 2 {
		hash := common.HexToHash(ctx.Args().Get(1))
		block, err := store.GetBlockByHash(ctx.Context, hash)
		if err != nil {
			return common.Hash{}, 0, fmt.Errorf("look up block %s: %w", hash, err)
		}
		return block.Hash, block.Number, nil
	}
	status, err := store.GetSyncStatus(ctx.Context)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("load sync status: %w", err)
	}
	return status.LatestCanonical.Hash, status.LatestCanonical.Number, nil
}

// createCheckpoint aggregates a contract's current live entity set and
// writes it as a checkpoint record, shared by the CLI subcommand and the
// daemon's automatic checkpoint cadence.
func createCheckpoint(ctx context.Context, store watchertypes.Store, mat *materializer.Materializer, contract common.Address, blockHash common.Hash, blockNumber uint64) error {
	applier := evmapplier.New()
	return store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		entities, err := applier.EntitiesForBlock(ctx, tx, contract, blockHash)
		if err != nil {
			return fmt.Errorf("load entities: %w", err)
		}
		_, err = mat.CreateCheckpoint(ctx, tx, contract, blockHash, blockNumber, entities)
		return err
	})
}

// runResetToBlock implements the reorg-recovery reset operation outside the
// live daemon: delete every rewindable state record above blockNumber, mark
// blocks above it pruned, and force chainHead, latestIndexed,
// latestCanonical and the state-indexed cursor back to blockNumber (the
// state checkpoint cursor is left unchanged).
func runResetToBlock(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return cli.Exit(fmt.Errorf("reset-to-block requires <blockNumber>"), 1)
	}
	number, err := strconv.ParseUint(ctx.Args().Get(0), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Errorf("invalid blockNumber %q: %w", ctx.Args().Get(0), err), 1)
	}
	store, _, err := openStoreFromCLI(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer store.Close()

	blocks, err := store.GetBlockByNumber(ctx.Context, number, false)
	if err != nil || len(blocks) == 0 {
		return cli.Exit(fmt.Errorf("no local, non-pruned block at height %d", number), 1)
	}
	target := blocks[0]

	status, err := store.GetSyncStatus(ctx.Context)
	if err != nil {
		return cli.Exit(fmt.Errorf("load sync status: %w", err), 1)
	}
	var abandoned []common.Hash
	for n := number + 1; n <= status.ChainHead.Number; n++ {
		bs, err := store.GetBlockByNumber(ctx.Context, n, false)
		if err != nil {
			return cli.Exit(fmt.Errorf("load blocks at %d: %w", n, err), 1)
		}
		for _, b := range bs {
			abandoned = append(abandoned, b.Hash)
		}
	}

	cursors := synccursor.New(store)
	err = store.WithTransaction(ctx.Context, func(ctx context.Context, tx watchertypes.Tx) error {
		if err := tx.DeleteStateRecordsAbove(ctx, number); err != nil {
			return err
		}
		if len(abandoned) > 0 {
			if err := tx.MarkBlocksPruned(ctx, abandoned); err != nil {
				return err
			}
		}
		return cursors.ForceRewindAll(ctx, tx, target.Hash, target.Number)
	})
	if err != nil {
		return cli.Exit(fmt.Errorf("reset to block %d: %w", number, err), 1)
	}
	return nil
}

// runFillState backfills state records for an already-indexed, event-only
// block range: init at start, a diff on every block where a watched
// contract's entities changed, and a checkpoint at end. It refuses to run
// if any StateRecord already exists in the range (spec §8 scenario 5).
func runFillState(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return cli.Exit(fmt.Errorf("fill-state requires <start> <end>"), 1)
	}
	start, err := strconv.ParseUint(ctx.Args().Get(0), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Errorf("invalid start %q: %w", ctx.Args().Get(0), err), 1)
	}
	end, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Errorf("invalid end %q: %w", ctx.Args().Get(1), err), 1)
	}
	if end < start {
		return cli.Exit(fmt.Errorf("end (%d) must be >= start (%d)", end, start), 1)
	}

	store, _, err := openStoreFromCLI(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer store.Close()

	if exists, err := store.HasAnyStateRecordInRange(ctx.Context, start, end); err != nil {
		return cli.Exit(fmt.Errorf("check existing state records: %w", err), 1)
	} else if exists {
		return cli.Exit(fmt.Errorf("state records already exist in range [%d, %d]; fill-state requires a clean range", start, end), 1)
	}

	contracts, err := store.GetContracts(ctx.Context)
	if err != nil {
		return cli.Exit(fmt.Errorf("load contracts: %w", err), 1)
	}
	startBlocks, err := store.GetBlockByNumber(ctx.Context, start, false)
	if err != nil || len(startBlocks) == 0 {
		return cli.Exit(fmt.Errorf("no local block at start height %d", start), 1)
	}
	endBlocks, err := store.GetBlockByNumber(ctx.Context, end, false)
	if err != nil || len(endBlocks) == 0 {
		return cli.Exit(fmt.Errorf("no local block at end height %d", end), 1)
	}

	events, err := store.GetEventsInRange(ctx.Context, start, end)
	if err != nil {
		return cli.Exit(fmt.Errorf("load events in range: %w", err), 1)
	}
	byBlockHash := make(map[common.Hash][]watchertypes.Event)
	for _, ev := range events {
		byBlockHash[ev.BlockHash] = append(byBlockHash[ev.BlockHash], ev)
	}

	mat := materializer.New(store)
	applier := evmapplier.New()
	for _, c := range contracts {
		if err := store.WithTransaction(ctx.Context, func(ctx context.Context, tx watchertypes.Tx) error {
			_, err := mat.CreateInit(ctx, tx, c.Address, startBlocks[0].Hash, startBlocks[0].Number)
			return err
		}); err != nil {
			return cli.Exit(fmt.Errorf("init %s at %d: %w", c.Address, start, err), 1)
		}
	}

	for n := start; n <= end; n++ {
		blocks, err := store.GetBlockByNumber(ctx.Context, n, false)
		if err != nil {
			return cli.Exit(fmt.Errorf("load block at %d: %w", n, err), 1)
		}
		for _, block := range blocks {
			touched := make(map[common.Address]bool)
			for _, ev := range byBlockHash[block.Hash] {
				ev := ev
				if err := store.WithTransaction(ctx.Context, func(ctx context.Context, tx watchertypes.Tx) error {
					return applier.Apply(ctx, tx, block.Number, &ev)
				}); err != nil {
					return cli.Exit(fmt.Errorf("apply event index %d on %s: %w", ev.Index, block.Hash, err), 1)
				}
				touched[ev.Contract] = true
			}
			for contract := range touched {
				if err := store.WithTransaction(ctx.Context, func(ctx context.Context, tx watchertypes.Tx) error {
					entities, err := applier.EntitiesForBlock(ctx, tx, contract, block.Hash)
					if err != nil {
						return err
					}
					rec, err := mat.StageDiff(ctx, tx, contract, block.Hash, block.Number, entities)
					if err != nil {
						return err
					}
					_ = rec
					return mat.PromoteDiff(ctx, tx, contract, block.Hash)
				}); err != nil {
					return cli.Exit(fmt.Errorf("diff %s at %s: %w", contract, block.Hash, err), 1)
				}
			}
		}
	}

	for _, c := range contracts {
		if err := createCheckpoint(ctx.Context, store, mat, c.Address, endBlocks[0].Hash, endBlocks[0].Number); err != nil {
			return cli.Exit(fmt.Errorf("checkpoint %s at %d: %w", c.Address, end, err), 1)
		}
	}
	return nil
}
