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

// Package chainclient adapts the upstream JSON-RPC node into the uniform
// watchertypes.ChainClient view (spec §4.A), normalizing "future epoch" and
// not-yet-visible-block errors to an empty result instead of a propagated
// error, and caching idempotent historical reads.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zramsay/watcher-go/watchertypes"
)

// Adapter wraps an *ethclient.Client over a shared *rpc.Client and satisfies
// watchertypes.ChainClient.
type Adapter struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	cache   *Cache // nil disables caching
	timeout time.Duration
}

// New builds an Adapter. cache may be nil, in which case reads always hit
// the upstream node.
func New(rpcClient *rpc.Client, cache *Cache, timeout time.Duration) *Adapter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		cache:   cache,
		timeout: timeout,
	}
}

var _ watchertypes.ChainClient = (*Adapter)(nil)

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// GetBlockByHashOrNumber fetches a header by common.Hash or uint64 height.
// A not-yet-visible height (node hasn't produced it, or a future-epoch RPC
// error) normalizes to (nil, nil) rather than an error.
func (a *Adapter) GetBlockByHashOrNumber(ctx context.Context, hashOrNumber any) (*types.Header, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var (
		header *types.Header
		err    error
	)
	switch v := hashOrNumber.(type) {
	case common.Hash:
		header, err = a.eth.HeaderByHash(ctx, v)
	case uint64:
		header, err = a.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(v))
	default:
		return nil, fmt.Errorf("chainclient: unsupported selector type %T", hashOrNumber)
	}
	if err != nil {
		return nil, normalize("GetBlockByHashOrNumber", err)
	}
	return header, nil
}

// GetFullBlock fetches a block and its transactions by hash. Not cached;
// see the Cache type's doc comment for why.
func (a *Adapter) GetFullBlock(ctx context.Context, hash common.Hash) (*types.Block, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	block, err := a.eth.BlockByHash(ctx, hash)
	if err != nil {
		return nil, normalize("GetFullBlock", err)
	}
	return block, nil
}

// GetLogs fetches event logs for a single block, optionally filtered to a
// set of watched contract addresses.
func (a *Adapter) GetLogs(ctx context.Context, blockNumber uint64, addresses []common.Address) ([]types.Log, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	num := new(big.Int).SetUint64(blockNumber)
	query := ethereum.FilterQuery{FromBlock: num, ToBlock: num, Addresses: addresses}
	logs, err := a.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, normalize("GetLogs", err)
	}
	return logs, nil
}

// GetStorageAt fetches a single storage slot at a historical block, with an
// accompanying Merkle proof when the node supports eth_getProof.
func (a *Adapter) GetStorageAt(ctx context.Context, blockHash common.Hash, contract common.Address, slot common.Hash) (common.Hash, []byte, error) {
	if a.cache != nil {
		if value, proof, ok := a.cache.GetStorage(ctx, blockHash, contract, slot); ok {
			return value, proof, nil
		}
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	header, err := a.eth.HeaderByHash(ctx, blockHash)
	if err != nil {
		return common.Hash{}, nil, normalize("GetStorageAt", err)
	}
	raw, err := a.eth.StorageAt(ctx, contract, slot, header.Number)
	if err != nil {
		return common.Hash{}, nil, normalize("GetStorageAt", err)
	}
	value := common.BytesToHash(raw)

	var proof []byte
	if p, perr := a.fetchProof(ctx, header.Number, contract, slot); perr == nil {
		proof = p
	} else {
		log.Debug("eth_getProof unavailable, continuing without proof", "contract", contract, "err", perr)
	}

	if a.cache != nil {
		a.cache.PutStorage(ctx, blockHash, contract, slot, value, proof)
	}
	return value, proof, nil
}

func (a *Adapter) fetchProof(ctx context.Context, blockNumber *big.Int, contract common.Address, slot common.Hash) ([]byte, error) {
	var result struct {
		StorageProof []struct {
			Proof []string `json:"proof"`
		} `json:"storageProof"`
	}
	err := a.rpc.CallContext(ctx, &result, "eth_getProof", contract, []common.Hash{slot}, toBlockNumArg(blockNumber))
	if err != nil {
		return nil, err
	}
	if len(result.StorageProof) == 0 {
		return nil, fmt.Errorf("chainclient: empty storage proof")
	}
	return []byte(strings.Join(result.StorageProof[0].Proof, "")), nil
}

// GetTransactionReceipt fetches a transaction's receipt by hash.
func (a *Adapter) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if a.cache != nil {
		if cached, ok := a.cache.GetReceipt(ctx, txHash); ok {
			return cached, nil
		}
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	receipt, err := a.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, normalize("GetTransactionReceipt", err)
	}
	if a.cache != nil {
		a.cache.PutReceipt(ctx, txHash, receipt)
	}
	return receipt, nil
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return fmt.Sprintf("0x%x", number)
}

// normalize classifies an upstream RPC error (grounded on the retriable /
// non-retriable split in the replay client this adapter descends from). A
// future-epoch or not-yet-visible error is swallowed entirely: the caller
// sees a nil error and must interpret the accompanying zero value as
// "not available yet". A definite incompatibility is returned as-is so it
// surfaces loudly. Everything else is wrapped as transient and retried by
// the caller's backoff loop.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, ethereum.NotFound),
		strings.Contains(msg, "future epoch"),
		strings.Contains(msg, "block not found"),
		strings.Contains(msg, "unknown block"),
		strings.Contains(msg, "header not found"):
		return nil
	case strings.Contains(msg, "method not found"), strings.Contains(msg, "the method"):
		return fmt.Errorf("chainclient: %s: %w", op, err)
	default:
		return &watchertypes.TransientUpstreamError{Op: op, Err: err}
	}
}
