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

package blockprocessor

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zramsay/watcher-go/materializer"
	"github.com/zramsay/watcher-go/watchertypes"
)

// fakeStore is an in-memory watchertypes.Store sufficient for both the
// processor and a real materializer.Materializer layered on top of it.
type fakeStore struct {
	blocks      map[common.Hash]*watchertypes.Block
	byNumber    map[uint64][]watchertypes.Block
	events      map[common.Hash][]watchertypes.Event
	contracts   []watchertypes.Contract
	stateByCID  map[string]*watchertypes.StateRecord
	stateByKind map[watchertypes.StateRecordKind][]*watchertypes.StateRecord
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blocks:      map[common.Hash]*watchertypes.Block{},
		byNumber:    map[uint64][]watchertypes.Block{},
		events:      map[common.Hash][]watchertypes.Event{},
		stateByCID:  map[string]*watchertypes.StateRecord{},
		stateByKind: map[watchertypes.StateRecordKind][]*watchertypes.StateRecord{},
	}
}

func (s *fakeStore) WithTransaction(ctx context.Context, fn watchertypes.TxFunc) error {
	return fn(ctx, &fakeTx{s: s})
}
func (s *fakeStore) GetBlockByHash(_ context.Context, hash common.Hash) (*watchertypes.Block, error) {
	b, ok := s.blocks[hash]
	if !ok {
		return nil, watchertypes.ErrNotFound
	}
	return b, nil
}
func (s *fakeStore) GetBlockByNumber(_ context.Context, number uint64, _ bool) ([]watchertypes.Block, error) {
	return s.byNumber[number], nil
}
func (s *fakeStore) GetEventsInRange(context.Context, uint64, uint64) ([]watchertypes.Event, error) {
	return nil, nil
}
func (s *fakeStore) GetEventsAfterIndex(_ context.Context, blockHash common.Hash, afterIndex int64) ([]watchertypes.Event, error) {
	var out []watchertypes.Event
	for _, ev := range s.events[blockHash] {
		if int64(ev.Index) > afterIndex {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (s *fakeStore) GetContracts(context.Context) ([]watchertypes.Contract, error) {
	return s.contracts, nil
}
func (s *fakeStore) AddContract(context.Context, *watchertypes.Contract) error { return nil }
func (s *fakeStore) GetLatestState(_ context.Context, contract common.Address, kind watchertypes.StateRecordKind, maxBlockNumber uint64) (*watchertypes.StateRecord, error) {
	var best *watchertypes.StateRecord
	for _, r := range s.stateByKind[kind] {
		if r.Contract != contract || r.BlockNumber > maxBlockNumber {
			continue
		}
		if best == nil || r.BlockNumber > best.BlockNumber || (r.BlockNumber == best.BlockNumber && r.ID > best.ID) {
			best = r
		}
	}
	return best, nil
}
func (s *fakeStore) GetDiffStatesInRange(context.Context, common.Address, uint64, uint64) ([]watchertypes.StateRecord, error) {
	return nil, nil
}
func (s *fakeStore) HasStateRecord(_ context.Context, cid string) (bool, error) {
	_, ok := s.stateByCID[cid]
	return ok, nil
}
func (s *fakeStore) HasAnyStateRecordInRange(context.Context, uint64, uint64) (bool, error) {
	return false, nil
}
func (s *fakeStore) GetSyncStatus(context.Context) (*watchertypes.SyncStatus, error) {
	return &watchertypes.SyncStatus{}, nil
}
func (s *fakeStore) GetStateSyncStatus(context.Context) (*watchertypes.StateSyncStatus, error) {
	return &watchertypes.StateSyncStatus{}, nil
}
func (s *fakeStore) CountExpectedProcessedBlocks(context.Context, uint64, uint64) (int, int, error) {
	return 0, 0, nil
}

type fakeTx struct {
	s                *fakeStore
	advancedCanonical common.Hash
}

func (t *fakeTx) InsertBlockWithEvents(context.Context, *watchertypes.Block, []watchertypes.Event) error {
	return nil
}
func (t *fakeTx) UpdateBlockProgress(_ context.Context, hash common.Hash, lastIndex int64, numProcessed int, isComplete bool) error {
	b := t.s.blocks[hash]
	b.LastProcessedEventIndex = lastIndex
	b.NumProcessedEvents = numProcessed
	b.IsComplete = isComplete
	return nil
}
func (t *fakeTx) MarkBlocksPruned(context.Context, []common.Hash) error { return nil }
func (t *fakeTx) DeleteStateRecordsAbove(context.Context, uint64) error { return nil }
func (t *fakeTx) InsertStateRecord(_ context.Context, r *watchertypes.StateRecord) error {
	t.s.nextID++
	r.ID = t.s.nextID
	t.s.stateByCID[r.CID] = r
	t.s.stateByKind[r.Kind] = append(t.s.stateByKind[r.Kind], r)
	return nil
}
func (t *fakeTx) PromoteDiffStagedToDiff(_ context.Context, blockHash common.Hash, contract common.Address) error {
	kept := t.s.stateByKind[watchertypes.KindDiffStaged][:0]
	for _, r := range t.s.stateByKind[watchertypes.KindDiffStaged] {
		if r.BlockHash == blockHash && r.Contract == contract {
			r.Kind = watchertypes.KindDiff
			t.s.stateByKind[watchertypes.KindDiff] = append(t.s.stateByKind[watchertypes.KindDiff], r)
			continue
		}
		kept = append(kept, r)
	}
	t.s.stateByKind[watchertypes.KindDiffStaged] = kept
	return nil
}
func (t *fakeTx) UpdateChainHead(context.Context, common.Hash, uint64, bool) error { return nil }
func (t *fakeTx) UpdateLatestIndexed(context.Context, common.Hash, uint64, bool) error { return nil }
func (t *fakeTx) UpdateLatestCanonical(_ context.Context, hash common.Hash, _ uint64, _ bool) error {
	t.advancedCanonical = hash
	return nil
}
func (t *fakeTx) UpdateStateSyncIndexed(context.Context, uint64, bool) error    { return nil }
func (t *fakeTx) UpdateStateSyncCheckpoint(context.Context, uint64, bool) error { return nil }

type fakeCursors struct{ advanced []common.Hash }

func (c *fakeCursors) AdvanceLatestCanonical(_ context.Context, _ watchertypes.Tx, hash common.Hash, _ uint64) error {
	c.advanced = append(c.advanced, hash)
	return nil
}

type fakeReorg struct {
	calls    int
	err      error
	onHandle func()
}

func (r *fakeReorg) Handle(context.Context, *watchertypes.ReorgDetectedError) (watchertypes.CursorPair, error) {
	r.calls++
	if r.onHandle != nil {
		r.onHandle()
	}
	return watchertypes.CursorPair{}, r.err
}

type fakeIndexer struct {
	fetched []common.Hash
	onFetch func(hash common.Hash)
}

func (i *fakeIndexer) SaveBlockAndFetchEvents(_ context.Context, hash common.Hash) error {
	i.fetched = append(i.fetched, hash)
	if i.onFetch != nil {
		i.onFetch(hash)
	}
	return nil
}

// fakeApplier counts applied events and reports one synthetic entity per
// contract, keyed by the number of events applied so far.
type fakeApplier struct {
	applied map[common.Address]int
}

func newFakeApplier() *fakeApplier { return &fakeApplier{applied: map[common.Address]int{}} }

func (a *fakeApplier) Apply(_ context.Context, _ watchertypes.Tx, _ uint64, ev *watchertypes.Event) error {
	a.applied[ev.Contract]++
	return nil
}
func (a *fakeApplier) EntitiesForBlock(_ context.Context, _ watchertypes.Tx, contract common.Address, _ common.Hash) (map[string][]materializer.EntityRef, error) {
	return map[string][]materializer.EntityRef{
		"balance": {{ID: "acct-1", Fields: map[string]any{"count": a.applied[contract]}}},
	}, nil
}

var contractAddr = common.HexToAddress("0xc0")

func newTestProcessor(store *fakeStore, reorg reorgResolver, indexer blockFetcher, applier EventApplier) *Processor {
	mat := materializer.New(store)
	cursors := &fakeCursors{}
	return New(store, indexer, reorg, mat, cursors, applier, nil)
}

func TestProcessAppliesEventsInOrderAndStagesDiff(t *testing.T) {
	store := newFakeStore()
	hash := common.HexToHash("0xb1")
	block := &watchertypes.Block{Hash: hash, Number: 1, NumEvents: 2, LastProcessedEventIndex: -1}
	store.blocks[hash] = block
	store.byNumber[1] = []watchertypes.Block{*block}
	store.events[hash] = []watchertypes.Event{
		{BlockHash: hash, Index: 0, Contract: contractAddr, EventName: "Transfer"},
		{BlockHash: hash, Index: 1, Contract: contractAddr, EventName: "Transfer"},
	}
	store.contracts = []watchertypes.Contract{{Address: contractAddr, Kind: "erc20"}}
	// Seed an init record so StageDiff's parent-resolution fallback succeeds.
	store.stateByKind[watchertypes.KindInit] = []*watchertypes.StateRecord{
		{ID: 1, Contract: contractAddr, CID: "init-cid", Kind: watchertypes.KindInit, BlockNumber: 0},
	}

	applier := newFakeApplier()
	p := newTestProcessor(store, &fakeReorg{}, &fakeIndexer{}, applier)

	require.NoError(t, p.Process(context.Background(), hash))

	assert.True(t, store.blocks[hash].IsComplete)
	assert.Equal(t, 2, store.blocks[hash].NumProcessedEvents)
	require.Len(t, store.stateByKind[watchertypes.KindDiffStaged], 1)
	assert.Equal(t, contractAddr, store.stateByKind[watchertypes.KindDiffStaged][0].Contract)
}

func TestProcessCreatesInitAtContractStartingBlock(t *testing.T) {
	store := newFakeStore()
	hash := common.HexToHash("0xb0")
	block := &watchertypes.Block{Hash: hash, Number: 100, NumEvents: 1, LastProcessedEventIndex: -1}
	store.blocks[hash] = block
	store.byNumber[100] = []watchertypes.Block{*block}
	store.events[hash] = []watchertypes.Event{
		{BlockHash: hash, Index: 0, Contract: contractAddr, EventName: "Transfer"},
	}
	store.contracts = []watchertypes.Contract{{Address: contractAddr, Kind: "erc20", StartingBlock: 100}}

	applier := newFakeApplier()
	p := newTestProcessor(store, &fakeReorg{}, &fakeIndexer{}, applier)

	require.NoError(t, p.Process(context.Background(), hash))

	require.Len(t, store.stateByKind[watchertypes.KindInit], 1)
	assert.Equal(t, contractAddr, store.stateByKind[watchertypes.KindInit][0].Contract)
	require.Len(t, store.stateByKind[watchertypes.KindDiffStaged], 1)

	diffData, err := materializer.ParseStateData(store.stateByKind[watchertypes.KindDiffStaged][0].Data)
	require.NoError(t, err)
	assert.Equal(t, store.stateByKind[watchertypes.KindInit][0].CID, diffData.Meta.Parent)
}

// TestProcessChainsConsecutiveBlocksWithoutPromotion drives two consecutive
// blocks through the real Processor exactly as the daemon does — no call to
// PromoteMatured between them — and checks that the second block's staged
// diff parents onto the first block's staged diff, per spec §8 scenario 1.
// PromoteMatured only promotes diff_staged to diff at chainHead-pruneDepth,
// well after both of these blocks would be staged.
func TestProcessChainsConsecutiveBlocksWithoutPromotion(t *testing.T) {
	store := newFakeStore()
	hash100 := common.HexToHash("0xb0")
	hash101 := common.HexToHash("0xb1")
	block100 := &watchertypes.Block{Hash: hash100, Number: 100, NumEvents: 1, LastProcessedEventIndex: -1}
	block101 := &watchertypes.Block{Hash: hash101, ParentHash: hash100, Number: 101, NumEvents: 1, LastProcessedEventIndex: -1}
	store.blocks[hash100] = block100
	store.blocks[hash101] = block101
	store.byNumber[100] = []watchertypes.Block{*block100}
	store.byNumber[101] = []watchertypes.Block{*block101}
	store.events[hash100] = []watchertypes.Event{
		{BlockHash: hash100, Index: 0, Contract: contractAddr, EventName: "Transfer"},
	}
	store.events[hash101] = []watchertypes.Event{
		{BlockHash: hash101, Index: 0, Contract: contractAddr, EventName: "Transfer"},
	}
	store.contracts = []watchertypes.Contract{{Address: contractAddr, Kind: "erc20", StartingBlock: 100}}

	applier := newFakeApplier()
	p := newTestProcessor(store, &fakeReorg{}, &fakeIndexer{}, applier)

	require.NoError(t, p.Process(context.Background(), hash100))
	require.NoError(t, p.Process(context.Background(), hash101))

	require.Len(t, store.stateByKind[watchertypes.KindDiffStaged], 2)
	// Neither diff was promoted, so the chain lives entirely in diff_staged.
	assert.Empty(t, store.stateByKind[watchertypes.KindDiff])

	var diff100, diff101 *watchertypes.StateRecord
	for _, r := range store.stateByKind[watchertypes.KindDiffStaged] {
		switch r.BlockNumber {
		case 100:
			diff100 = r
		case 101:
			diff101 = r
		}
	}
	require.NotNil(t, diff100)
	require.NotNil(t, diff101)

	diff101Data, err := materializer.ParseStateData(diff101.Data)
	require.NoError(t, err)
	assert.Equal(t, diff100.CID, diff101Data.Meta.Parent, "block 101 should parent onto still-staged block 100, not fall back to init")
}

func TestProcessIsIdempotentOnAlreadyCompleteBlock(t *testing.T) {
	store := newFakeStore()
	hash := common.HexToHash("0xb1")
	store.blocks[hash] = &watchertypes.Block{Hash: hash, Number: 1, NumEvents: 1, NumProcessedEvents: 1, IsComplete: true}

	applier := newFakeApplier()
	p := newTestProcessor(store, &fakeReorg{}, &fakeIndexer{}, applier)

	require.NoError(t, p.Process(context.Background(), hash))
	assert.Zero(t, applier.applied[contractAddr])
}

func TestProcessInvokesReorgHandlerOnParentMismatch(t *testing.T) {
	store := newFakeStore()
	parentHash := common.HexToHash("0xa1")
	hash := common.HexToHash("0xb2")
	store.blocks[hash] = &watchertypes.Block{Hash: hash, ParentHash: parentHash, Number: 2, NumEvents: 0}
	store.blocks[parentHash] = &watchertypes.Block{Hash: parentHash, Number: 1, IsComplete: true}
	// Local chain at height 1 has a different hash than the incoming parent.
	store.byNumber[1] = []watchertypes.Block{{Hash: common.HexToHash("0xa0"), Number: 1}}

	// Once handled, the local chain at height 1 is the incoming parent.
	reorg := &fakeReorg{onHandle: func() {
		store.byNumber[1] = []watchertypes.Block{*store.blocks[parentHash]}
	}}
	p := newTestProcessor(store, reorg, &fakeIndexer{}, newFakeApplier())

	require.NoError(t, p.Process(context.Background(), hash))
	assert.Equal(t, 1, reorg.calls)
}

func TestProcessBackfillsUnknownParent(t *testing.T) {
	store := newFakeStore()
	parentHash := common.HexToHash("0xa2")
	hash := common.HexToHash("0xb3")
	store.blocks[hash] = &watchertypes.Block{Hash: hash, ParentHash: parentHash, Number: 1, NumEvents: 0}

	indexer := &fakeIndexer{onFetch: func(h common.Hash) {
		store.blocks[h] = &watchertypes.Block{Hash: h, Number: 0, IsComplete: true}
	}}
	p := newTestProcessor(store, &fakeReorg{}, indexer, newFakeApplier())

	require.NoError(t, p.Process(context.Background(), hash))
	require.Len(t, indexer.fetched, 1)
	assert.Equal(t, parentHash, indexer.fetched[0])
}
