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

package watchertypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockComplete(t *testing.T) {
	b := &Block{NumEvents: 3, NumProcessedEvents: 2}
	assert.False(t, b.Complete())
	b.NumProcessedEvents = 3
	assert.True(t, b.Complete())

	empty := &Block{NumEvents: 0, NumProcessedEvents: 0}
	assert.True(t, empty.Complete())
}

func TestStateRecordKindValid(t *testing.T) {
	assert.True(t, KindInit.Valid())
	assert.True(t, KindDiff.Valid())
	assert.True(t, KindDiffStaged.Valid())
	assert.True(t, KindCheckpoint.Valid())
	assert.False(t, StateRecordKind("bogus").Valid())
}
