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

// Package abioracle is a placeholder watchertypes.AbiOracle. Real ABI
// decoding is out of scope (spec non-goal); production deployments supply
// their own oracle translating a watched contract's logs into the entity
// convention the chosen EventApplier expects. This one records every log
// as a raw entity — its topics and data hex-encoded — so the rest of the
// pipeline (indexing, processing, materialization) can be exercised
// end-to-end without a real decoder.
package abioracle

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zramsay/watcher-go/watchertypes"
)

// Oracle is the default, decode-nothing AbiOracle.
type Oracle struct{}

func New() *Oracle { return &Oracle{} }

var _ watchertypes.AbiOracle = (*Oracle)(nil)

// rawLogEntity is evmapplier's entity-update wire convention, duplicated
// here rather than imported: the oracle decides what an event IS, the
// applier decides how to store it, and the two should stay decoupled even
// though this placeholder's output happens to satisfy the default applier.
type rawLogEntity struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// ParseLog treats every log as a "log" entity keyed by (txHash, logIndex),
// regardless of contract kind. eventName is always "Log"; extraInfo is
// unused.
func (o *Oracle) ParseLog(_ watchertypes.ContractKind, lg *types.Log) (eventName string, eventInfo, extraInfo []byte, err error) {
	topics := make([]string, len(lg.Topics))
	for i, t := range lg.Topics {
		topics[i] = t.Hex()
	}
	id := fmt.Sprintf("%s-%d", lg.TxHash.Hex(), lg.Index)
	info, err := json.Marshal(rawLogEntity{
		Type: "log",
		ID:   id,
		Fields: map[string]any{
			"topics": topics,
			"data":   hexutil.Encode(lg.Data),
		},
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("abioracle: marshal entity for %s: %w", id, err)
	}
	return "Log", info, nil, nil
}
