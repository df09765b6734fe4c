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
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/zramsay/watcher-go/watchertypes"
)

// emptyParentCID is the sentinel parent for init records, which by
// definition have no predecessor in a contract's state chain.
const emptyParentCID = ""

// ComputeCID derives the content address of a state record from its kind,
// parent CID, containing block, contract, and canonical data. Two records
// with identical inputs always produce identical CIDs; any differing input
// changes the result.
func ComputeCID(kind watchertypes.StateRecordKind, parentCID string, blockHash common.Hash, contract common.Address, canonicalData []byte) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("materializer: invalid state record kind %q", kind)
	}
	buf := new(bytes.Buffer)
	buf.WriteString(string(kind))
	buf.WriteByte(0)
	buf.WriteString(parentCID)
	buf.WriteByte(0)
	buf.Write(blockHash.Bytes())
	buf.Write(contract.Bytes())
	buf.Write(canonicalData)

	sum, err := mh.Sum(buf.Bytes(), mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("materializer: hash state record: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}
