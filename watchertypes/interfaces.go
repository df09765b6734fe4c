// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package watchertypes

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the uniform view over the upstream JSON-RPC chain client
// (spec §4.A). Implementations must normalize "future epoch" errors to an
// empty result rather than propagating them as errors.
type ChainClient interface {
	GetBlockByHashOrNumber(ctx context.Context, hashOrNumber any) (*types.Header, error)
	GetFullBlock(ctx context.Context, hash common.Hash) (*types.Block, error)
	GetLogs(ctx context.Context, blockNumber uint64, addresses []common.Address) ([]types.Log, error)
	GetStorageAt(ctx context.Context, blockHash common.Hash, contract common.Address, slot common.Hash) (value common.Hash, proof []byte, err error)
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxFunc is the body of a Store.WithTransaction call.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the scoped, transactional view of the Store available to a TxFunc.
// Every method on Tx must only be called within the lifetime of the
// enclosing WithTransaction call.
type Tx interface {
	// Blocks
	InsertBlockWithEvents(ctx context.Context, b *Block, events []Event) error
	UpdateBlockProgress(ctx context.Context, hash common.Hash, lastProcessedEventIndex int64, numProcessedEvents int, isComplete bool) error
	MarkBlocksPruned(ctx context.Context, hashes []common.Hash) error
	DeleteStateRecordsAbove(ctx context.Context, blockNumber uint64) error

	// State records
	InsertStateRecord(ctx context.Context, r *StateRecord) error
	PromoteDiffStagedToDiff(ctx context.Context, blockHash common.Hash, contract common.Address) error

	// Cursors — force=true is reserved for the Reorg Handler.
	UpdateChainHead(ctx context.Context, hash common.Hash, number uint64, force bool) error
	UpdateLatestIndexed(ctx context.Context, hash common.Hash, number uint64, force bool) error
	UpdateLatestCanonical(ctx context.Context, hash common.Hash, number uint64, force bool) error
	UpdateStateSyncIndexed(ctx context.Context, number uint64, force bool) error
	UpdateStateSyncCheckpoint(ctx context.Context, number uint64, force bool) error
}

// Store is the transactional persistence layer (spec §4.B).
type Store interface {
	WithTransaction(ctx context.Context, fn TxFunc) error

	GetBlockByHash(ctx context.Context, hash common.Hash) (*Block, error)
	GetBlockByNumber(ctx context.Context, number uint64, includesPruned bool) ([]Block, error)
	GetEventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error)
	GetEventsAfterIndex(ctx context.Context, blockHash common.Hash, afterIndex int64) ([]Event, error)

	GetContracts(ctx context.Context) ([]Contract, error)
	AddContract(ctx context.Context, c *Contract) error

	// GetLatestState returns the newest StateRecord of the given kind for a
	// contract at or below maxBlockNumber, ordered by (blockNumber desc, id
	// desc) per spec §4.B's tiebreak rule. Returns (nil, nil) if none exists.
	GetLatestState(ctx context.Context, contract common.Address, kind StateRecordKind, maxBlockNumber uint64) (*StateRecord, error)
	GetDiffStatesInRange(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]StateRecord, error)
	HasStateRecord(ctx context.Context, cid string) (bool, error)
	HasAnyStateRecordInRange(ctx context.Context, fromBlock, toBlock uint64) (bool, error)

	GetSyncStatus(ctx context.Context) (*SyncStatus, error)
	GetStateSyncStatus(ctx context.Context) (*StateSyncStatus, error)

	CountExpectedProcessedBlocks(ctx context.Context, fromBlock, toBlock uint64) (expected, actual int, err error)
}

// Job is one unit of queued work (spec §4.C).
type Job struct {
	ID          string
	Queue       string
	BlockHash   common.Hash
	BlockNumber uint64
	Priority    int
	Attempts    int
}

// Queue is the durable FIFO job queue (spec §4.C). EnqueueEvents and
// EnqueueBlock are named operations rather than a single generic Enqueue so
// callers cannot accidentally cross-wire the two named queues.
type Queue interface {
	EnqueueEvents(ctx context.Context, blockHash common.Hash, blockNumber uint64, priority int) error
	EnqueueBlock(ctx context.Context, blockHash common.Hash, blockNumber uint64, priority int) error

	// Dequeue blocks (subject to ctx) until a job is available on queue, or
	// returns (nil, ctx.Err()) if ctx is done first. The returned release
	// func must be called exactly once to ack (err == nil) or nack/retry
	// (err != nil) the job.
	Dequeue(ctx context.Context, queue string) (job *Job, release func(err error) error, err error)

	Depth(ctx context.Context, queue string) (int, error)
}

// AbiOracle is the external code-generation collaborator that decodes a raw
// log into an event (spec §6). Unknown contract kinds return a nil event,
// not an error — the caller treats that as "event skipped".
type AbiOracle interface {
	ParseLog(contractKind ContractKind, logObj *types.Log) (eventName string, eventInfo, extraInfo []byte, err error)
}

// StateSink is the optional push endpoint for content-addressed state
// blobs (spec §6). Implementations must be idempotent under repeated
// submission of the same CID.
type StateSink interface {
	Push(ctx context.Context, cid string, data []byte) error
}
