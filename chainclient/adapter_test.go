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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zramsay/watcher-go/watchertypes"
)

func TestNormalizeFutureEpochIsNotAnError(t *testing.T) {
	err := normalize("GetBlockByHashOrNumber", errors.New("block is in the future epoch"))
	assert.NoError(t, err)
}

func TestNormalizeUnknownBlockIsNotAnError(t *testing.T) {
	err := normalize("GetBlockByHashOrNumber", errors.New("unknown block"))
	assert.NoError(t, err)
}

func TestNormalizeMethodNotFoundIsPermanent(t *testing.T) {
	err := normalize("GetStorageAt", errors.New("the method eth_getProof does not exist"))
	assert.Error(t, err)
	var transient *watchertypes.TransientUpstreamError
	assert.False(t, errors.As(err, &transient))
}

func TestNormalizeOtherErrorsAreTransient(t *testing.T) {
	err := normalize("GetLogs", errors.New("connection reset by peer"))
	var transient *watchertypes.TransientUpstreamError
	assert.ErrorAs(t, err, &transient)
}

func TestNormalizeNilIsNil(t *testing.T) {
	assert.NoError(t, normalize("op", nil))
}
