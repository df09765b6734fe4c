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

package jobqueue

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id           UUID PRIMARY KEY,
	queue        TEXT NOT NULL,
	block_hash   BYTEA NOT NULL,
	block_number BIGINT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	not_before   TIMESTAMPTZ,
	last_error   TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at    TIMESTAMPTZ,
	UNIQUE (queue, block_hash)
);
CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs (queue, priority DESC, enqueued_at) WHERE status = 'pending';
`

// Migrate creates the jobs table if it does not already exist.
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("jobqueue: migrate: %w", err)
	}
	return nil
}
