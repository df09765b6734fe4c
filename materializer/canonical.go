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

package materializer

import (
	"encoding/json"
	"sort"

	"github.com/zramsay/watcher-go/watchertypes"
)

// Meta is the parent-linkage envelope embedded in every StateRecord's data.
type Meta struct {
	Kind     watchertypes.StateRecordKind `json:"kind"`
	Parent   string                       `json:"parent"`
	Contract string                       `json:"contract"`
	Block    string                       `json:"block"`
}

// EntityRef is a single changed entity, keyed by an opaque application ID.
// Fields is an arbitrary bag of post-state values; it is marshaled through
// encoding/json, which sorts map keys, so two EntityRefs built with the same
// logical fields in different insertion order canonicalize identically.
type EntityRef struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// StateData is the opaque payload carried by a StateRecord. Entities groups
// changed entities by application-defined type name (e.g. "log" for
// the entities package evmapplier stores from package abioracle's default
// oracle).
type StateData struct {
	Meta     Meta                   `json:"meta"`
	Entities map[string][]EntityRef `json:"entities"`
}

// Canonicalize renders d as canonical JSON: sorted mapping keys (guaranteed
// by encoding/json for map[string]... since Go 1.12) and arrays of entities
// sorted by ID. The result is byte-identical for the same logical state
// regardless of the order fields or entities were added in.
func Canonicalize(d *StateData) ([]byte, error) {
	sorted := &StateData{
		Meta:     d.Meta,
		Entities: make(map[string][]EntityRef, len(d.Entities)),
	}
	for typ, refs := range d.Entities {
		cp := append([]EntityRef(nil), refs...)
		sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
		sorted.Entities[typ] = cp
	}
	return json.Marshal(sorted)
}

// ParseStateData decodes a StateRecord's canonical Data back into a
// StateData, e.g. for inspecting Meta.Parent or replaying Entities.
func ParseStateData(data []byte) (*StateData, error) {
	var d StateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
