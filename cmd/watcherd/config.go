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

package main

import (
	"fmt"
	"time"
)

// Config holds the watcherd daemon configuration.
type Config struct {
	RPCEndpoint   string
	PostgresDSN   string
	RedisAddr     string // empty disables the idempotent-read cache
	RPCTimeout    time.Duration
	ChainClientCacheTTL time.Duration

	IndexerWorkers   int
	ProcessorWorkers int
	QueueRateLimit   float64 // dequeues/sec across all workers of both queues (one shared limiter); 0 disables backpressure

	MaxReorgDepth    uint64
	PruneDepth       uint64 // blocks behind head before diff_staged matures to diff
	MaintenanceEvery time.Duration

	StateSinkEnabled bool
	IPFSAPIEndpoint  string

	LogFilePath string // empty disables file logging
	LogMaxSizeMB int
	LogMaxBackups int
}

// Validate checks cross-field invariants eagerly, before any component is
// constructed, so a misconfigured daemon fails fast with one diagnostic
// instead of a confusing error several layers deep.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("rpc-endpoint is required")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn is required")
	}
	if c.IndexerWorkers <= 0 {
		return fmt.Errorf("indexer-workers must be > 0")
	}
	if c.ProcessorWorkers <= 0 {
		return fmt.Errorf("processor-workers must be > 0")
	}
	if c.PruneDepth > 0 && c.MaxReorgDepth > 0 && c.PruneDepth < c.MaxReorgDepth {
		return fmt.Errorf(
			"retention invariant violated: prune-depth (%d) must be >= max-reorg-depth (%d), or a promoted diff could be pruned before a recoverable reorg could still reach it",
			c.PruneDepth, c.MaxReorgDepth)
	}
	if c.StateSinkEnabled && c.IPFSAPIEndpoint == "" {
		return fmt.Errorf("ipfs-api-endpoint is required when state-sink is enabled")
	}
	return nil
}
