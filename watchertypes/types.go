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

// Package watchertypes holds the data model and capability interfaces shared
// by every component of the chain-indexing core.
package watchertypes

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StateRecordKind is a closed, exhaustively-handled tagged variant. Adding a
// kind is a compile-time obligation across the materializer, the promoter,
// and the CID parenting rule.
type StateRecordKind string

const (
	KindInit        StateRecordKind = "init"
	KindDiff        StateRecordKind = "diff"
	KindDiffStaged  StateRecordKind = "diff_staged"
	KindCheckpoint  StateRecordKind = "checkpoint"
)

func (k StateRecordKind) Valid() bool {
	switch k {
	case KindInit, KindDiff, KindDiffStaged, KindCheckpoint:
		return true
	default:
		return false
	}
}

// ContractKind distinguishes how a watched contract's events are interpreted
// by the ABI oracle. Left opaque here; the oracle owns the meaning.
type ContractKind string

// Block is a single entry on the upstream chain, identified by hash.
type Block struct {
	Hash                    common.Hash
	ParentHash              common.Hash
	Number                  uint64
	Timestamp               uint64
	NumEvents               int
	NumProcessedEvents      int
	LastProcessedEventIndex int64 // -1 before any event has been applied
	IsComplete              bool
	IsPruned                bool
	CreatedAt               time.Time
}

// Complete reports the §3 invariant isComplete ⇔ numProcessedEvents = numEvents.
func (b *Block) Complete() bool {
	return b.NumProcessedEvents == b.NumEvents
}

// Event is an immutable, chain-assigned log entry attributed to a watched
// contract. (BlockHash, Index) is unique.
type Event struct {
	ID        int64
	BlockHash common.Hash
	TxHash    common.Hash
	Index     uint
	Contract  common.Address
	EventName string
	EventInfo []byte // opaque, oracle-defined encoding
	ExtraInfo []byte
	Proof     []byte // optional; nil when the adapter has none
}

// Contract is a watched contract. Address is unique; the set is add-only
// during normal operation.
type Contract struct {
	Address       common.Address
	StartingBlock uint64
	Kind          ContractKind
	Checkpoint    bool
}

// StateRecord is a contract-scoped, content-addressed state entry.
type StateRecord struct {
	ID          int64
	BlockHash   common.Hash
	BlockNumber uint64
	Contract    common.Address
	CID         string
	Kind        StateRecordKind
	Data        []byte // canonical JSON; see materializer.Canonicalize
}

// CursorPair is one of the five named monotone pointers tracked by the sync
// cursor manager.
type CursorPair struct {
	Hash   common.Hash
	Number uint64
}

// SyncStatus is the single-row cursor record.
// Invariant: latestCanonical.Number ≤ latestIndexed.Number ≤ chainHead.Number.
type SyncStatus struct {
	ChainHead         CursorPair
	LatestIndexed     CursorPair
	LatestCanonical   CursorPair
	InitialIndexed    CursorPair
	InitialIndexedSet bool
}

// StateSyncStatus tracks the state-materialization cursors, both monotone
// non-decreasing under normal operation.
type StateSyncStatus struct {
	LatestIndexedBlockNumber   uint64
	LatestCheckpointBlockNumber uint64
}
