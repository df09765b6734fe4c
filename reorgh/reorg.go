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

// Package reorgh resolves chain reorganizations detected by the block
// processor (spec §4.H): it finds the common ancestor with the upstream
// chain, prunes the abandoned blocks, discards state records and derived
// entity state built on top of them, and force-rewinds the sync cursors.
package reorgh

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/zramsay/watcher-go/watchertypes"
)

var (
	reorgsHandled   = metrics.NewRegisteredCounter("reorgh/handled", nil)
	reorgDepthGauge = metrics.NewRegisteredGauge("reorgh/depth", nil)
)

// entityRewinder is the optional capability a Tx may implement to discard
// derived entity versions written on an abandoned branch. Only watcherdb's
// EntityTx-backed Tx provides it (watcherdb.EntityRewinder); checked with a
// type assertion rather than widening watchertypes.Tx, the same pattern
// evmapplier uses for entity storage itself.
type entityRewinder interface {
	DeleteEntityVersionsAbove(ctx context.Context, blockNumber uint64) error
}

// Handler resolves reorgs bounded by a maximum walk-back depth. Beyond that
// depth it refuses to act: an operator must intervene via reset-to-block.
type Handler struct {
	store    watchertypes.Store
	chain    watchertypes.ChainClient
	maxDepth uint64
}

func New(store watchertypes.Store, chain watchertypes.ChainClient, maxDepth uint64) *Handler {
	return &Handler{store: store, chain: chain, maxDepth: maxDepth}
}

// Handle resolves the reorg rooted at detected, returning the common
// ancestor the caller should resume indexing from.
func (h *Handler) Handle(ctx context.Context, detected *watchertypes.ReorgDetectedError) (watchertypes.CursorPair, error) {
	ancestorHash, ancestorNumber, err := h.findCommonAncestor(ctx, detected.BlockNumber)
	if err != nil {
		return watchertypes.CursorPair{}, err
	}
	depth := detected.BlockNumber - ancestorNumber
	reorgDepthGauge.Update(int64(depth))
	log.Warn("resolving reorg", "divergedAt", detected.BlockHash, "block", detected.BlockNumber,
		"ancestor", ancestorHash, "ancestorNumber", ancestorNumber, "depth", depth)

	err = h.store.WithTransaction(ctx, func(ctx context.Context, tx watchertypes.Tx) error {
		pruned, err := h.collectAbandonedHashes(ctx, ancestorNumber)
		if err != nil {
			return err
		}
		if len(pruned) > 0 {
			if err := tx.MarkBlocksPruned(ctx, pruned); err != nil {
				return fmt.Errorf("mark pruned: %w", err)
			}
		}
		if err := tx.DeleteStateRecordsAbove(ctx, ancestorNumber); err != nil {
			return fmt.Errorf("discard state records above ancestor: %w", err)
		}
		if rewinder, ok := tx.(entityRewinder); ok {
			if err := rewinder.DeleteEntityVersionsAbove(ctx, ancestorNumber); err != nil {
				return fmt.Errorf("discard entity versions above ancestor: %w", err)
			}
		}
		for _, rewind := range []func(context.Context, common.Hash, uint64, bool) error{
			tx.UpdateChainHead, tx.UpdateLatestIndexed, tx.UpdateLatestCanonical,
		} {
			if err := rewind(ctx, ancestorHash, ancestorNumber, true); err != nil {
				return fmt.Errorf("rewind cursor: %w", err)
			}
		}
		if err := tx.UpdateStateSyncIndexed(ctx, ancestorNumber, true); err != nil {
			return fmt.Errorf("rewind state cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return watchertypes.CursorPair{}, fmt.Errorf("reorgh: rewind to ancestor %d: %w", ancestorNumber, err)
	}
	reorgsHandled.Inc(1)
	return watchertypes.CursorPair{Hash: ancestorHash, Number: ancestorNumber}, nil
}

// findCommonAncestor walks back from divergedNumber, height by height,
// comparing the locally stored canonical hash against the upstream chain's
// hash at that height, stopping at the first match.
func (h *Handler) findCommonAncestor(ctx context.Context, divergedNumber uint64) (common.Hash, uint64, error) {
	for depth := uint64(1); depth <= h.maxDepth; depth++ {
		if depth > divergedNumber {
			return common.Hash{}, 0, &watchertypes.InvariantViolationError{
				Invariant: "reorg-depth",
				Detail:    fmt.Sprintf("walked back past genesis searching for ancestor of block %d", divergedNumber),
			}
		}
		candidateNumber := divergedNumber - depth
		stored, err := h.store.GetBlockByNumber(ctx, candidateNumber, false)
		if err != nil {
			return common.Hash{}, 0, err
		}
		if len(stored) == 0 {
			continue
		}
		header, err := h.chain.GetBlockByHashOrNumber(ctx, candidateNumber)
		if err != nil {
			return common.Hash{}, 0, err
		}
		for _, b := range stored {
			if b.Hash == header.Hash() {
				return b.Hash, b.Number, nil
			}
		}
	}
	return common.Hash{}, 0, &watchertypes.InvariantViolationError{
		Invariant: "reorg-depth",
		Detail:    fmt.Sprintf("no common ancestor found within %d blocks of %d", h.maxDepth, divergedNumber),
	}
}

// collectAbandonedHashes gathers every non-pruned stored block above
// ancestorNumber; these are the blocks the reorg discards.
func (h *Handler) collectAbandonedHashes(ctx context.Context, ancestorNumber uint64) ([]common.Hash, error) {
	var hashes []common.Hash
	for n := ancestorNumber + 1; ; n++ {
		blocks, err := h.store.GetBlockByNumber(ctx, n, false)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			break
		}
		for _, b := range blocks {
			hashes = append(hashes, b.Hash)
		}
	}
	return hashes, nil
}
