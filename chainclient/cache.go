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

package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache over chain reads that never change once
// finalized: a transaction's receipt and a historical storage slot. Both
// are keyed by content that is stable once canonical, so the cache never
// needs invalidation, only a TTL as a safety net against unbounded growth.
// Full blocks are deliberately not cached here: types.Block carries
// consensus-internal cached fields (hash, size) that a plain JSON
// round-trip would not faithfully reproduce, so GetFullBlock always reads
// through to the node.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func receiptKey(txHash common.Hash) string { return "watcher:receipt:" + txHash.Hex() }
func storageKey(blockHash common.Hash, contract common.Address, slot common.Hash) string {
	return fmt.Sprintf("watcher:storage:%s:%s:%s", blockHash.Hex(), contract.Hex(), slot.Hex())
}

func (c *Cache) GetReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, bool) {
	var receipt types.Receipt
	if !c.get(ctx, receiptKey(txHash), &receipt) {
		return nil, false
	}
	return &receipt, true
}

func (c *Cache) PutReceipt(ctx context.Context, txHash common.Hash, receipt *types.Receipt) {
	c.put(ctx, receiptKey(txHash), receipt)
}

type storageEntry struct {
	Value common.Hash
	Proof []byte
}

func (c *Cache) GetStorage(ctx context.Context, blockHash common.Hash, contract common.Address, slot common.Hash) (common.Hash, []byte, bool) {
	var entry storageEntry
	if !c.get(ctx, storageKey(blockHash, contract, slot), &entry) {
		return common.Hash{}, nil, false
	}
	return entry.Value, entry.Proof, true
}

func (c *Cache) PutStorage(ctx context.Context, blockHash common.Hash, contract common.Address, slot common.Hash, value common.Hash, proof []byte) {
	c.put(ctx, storageKey(blockHash, contract, slot), &storageEntry{Value: value, Proof: proof})
}

func (c *Cache) get(ctx context.Context, key string, out any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug("chainclient cache read failed, falling back to upstream", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warn("chainclient cache entry corrupt, ignoring", "key", key, "err", err)
		return false
	}
	return true
}

func (c *Cache) put(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Debug("chainclient cache encode failed, skipping write", "key", key, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		log.Debug("chainclient cache write failed", "key", key, "err", err)
	}
}
