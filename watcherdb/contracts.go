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

package watcherdb

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zramsay/watcher-go/watchertypes"
)

func (s *Store) GetContracts(ctx context.Context) ([]watchertypes.Contract, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, starting_block, kind, checkpoint FROM contracts ORDER BY starting_block`)
	if err != nil {
		return nil, fmt.Errorf("watcherdb: get contracts: %w", err)
	}
	defer rows.Close()

	var out []watchertypes.Contract
	for rows.Next() {
		var c watchertypes.Contract
		var address []byte
		var kind string
		if err := rows.Scan(&address, &c.StartingBlock, &kind, &c.Checkpoint); err != nil {
			return nil, fmt.Errorf("watcherdb: scan contract: %w", err)
		}
		c.Address = common.BytesToAddress(address)
		c.Kind = watchertypes.ContractKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddContract registers a contract to watch. Add-only: re-adding the same
// address is a no-op rather than an error.
func (s *Store) AddContract(ctx context.Context, c *watchertypes.Contract) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (address, starting_block, kind, checkpoint) VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO NOTHING`,
		c.Address.Bytes(), c.StartingBlock, string(c.Kind), c.Checkpoint)
	if err != nil {
		return fmt.Errorf("watcherdb: add contract %s: %w", c.Address, err)
	}
	return nil
}
