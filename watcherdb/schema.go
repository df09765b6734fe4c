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
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS blocks (
	hash                       BYTEA PRIMARY KEY,
	parent_hash                BYTEA NOT NULL,
	number                     BIGINT NOT NULL,
	timestamp                  BIGINT NOT NULL,
	num_events                 INTEGER NOT NULL DEFAULT 0,
	num_processed_events       INTEGER NOT NULL DEFAULT 0,
	last_processed_event_index BIGINT NOT NULL DEFAULT -1,
	is_complete                BOOLEAN NOT NULL DEFAULT FALSE,
	is_pruned                  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_blocks_number ON blocks (number) WHERE NOT is_pruned;

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	block_hash  BYTEA NOT NULL REFERENCES blocks(hash),
	tx_hash     BYTEA NOT NULL,
	index       INTEGER NOT NULL,
	contract    BYTEA NOT NULL,
	event_name  TEXT NOT NULL,
	event_info  BYTEA,
	extra_info  BYTEA,
	proof       BYTEA,
	UNIQUE (block_hash, index)
);
CREATE INDEX IF NOT EXISTS idx_events_block_index ON events (block_hash, index);

CREATE TABLE IF NOT EXISTS contracts (
	address        BYTEA PRIMARY KEY,
	starting_block BIGINT NOT NULL,
	kind           TEXT NOT NULL,
	checkpoint     BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS state_records (
	id           BIGSERIAL PRIMARY KEY,
	block_hash   BYTEA NOT NULL,
	block_number BIGINT NOT NULL,
	contract     BYTEA NOT NULL,
	cid          TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	data         BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_records_contract_kind ON state_records (contract, kind, block_number DESC, id DESC);

CREATE TABLE IF NOT EXISTS sync_status (
	id                      SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	chain_head_hash         BYTEA NOT NULL DEFAULT '\x',
	chain_head_number       BIGINT NOT NULL DEFAULT 0,
	latest_indexed_hash     BYTEA NOT NULL DEFAULT '\x',
	latest_indexed_number   BIGINT NOT NULL DEFAULT 0,
	latest_canonical_hash   BYTEA NOT NULL DEFAULT '\x',
	latest_canonical_number BIGINT NOT NULL DEFAULT 0,
	initial_indexed_hash    BYTEA NOT NULL DEFAULT '\x',
	initial_indexed_number  BIGINT NOT NULL DEFAULT 0,
	initial_indexed_set     BOOLEAN NOT NULL DEFAULT FALSE
);
INSERT INTO sync_status (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS state_sync_status (
	id                             SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	latest_indexed_block_number    BIGINT NOT NULL DEFAULT 0,
	latest_checkpoint_block_number BIGINT NOT NULL DEFAULT 0
);
INSERT INTO state_sync_status (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS entities (
	contract     BYTEA NOT NULL,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	fields       JSONB,
	PRIMARY KEY (contract, entity_type, entity_id, block_number)
);
CREATE INDEX IF NOT EXISTS idx_entities_contract ON entities (contract, entity_type, entity_id, block_number DESC);
CREATE INDEX IF NOT EXISTS idx_entities_block_number ON entities (block_number);
`

// Migrate creates every table this package needs if it does not already
// exist. Safe to call on every daemon startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("watcherdb: migrate: %w", err)
	}
	return nil
}
