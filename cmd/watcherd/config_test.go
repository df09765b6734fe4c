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
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		RPCEndpoint:      "http://localhost:8545",
		PostgresDSN:      "postgres://localhost/watcher",
		IndexerWorkers:   4,
		ProcessorWorkers: 4,
		MaxReorgDepth:    128,
		PruneDepth:       256,
	}
}

func TestConfigValidate_MissingRPCEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.RPCEndpoint = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing rpc endpoint")
	}
	if !strings.Contains(err.Error(), "rpc-endpoint is required") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestConfigValidate_MissingPostgresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresDSN = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing postgres dsn")
	}
	if !strings.Contains(err.Error(), "postgres-dsn is required") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestConfigValidate_ZeroWorkers(t *testing.T) {
	t.Run("indexer workers", func(t *testing.T) {
		cfg := validConfig()
		cfg.IndexerWorkers = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "indexer-workers must be > 0") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	t.Run("processor workers", func(t *testing.T) {
		cfg := validConfig()
		cfg.ProcessorWorkers = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "processor-workers must be > 0") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestConfigValidate_PruneDepthBelowReorgDepth(t *testing.T) {
	cfg := validConfig()
	cfg.PruneDepth = 64
	cfg.MaxReorgDepth = 128
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for prune depth below max reorg depth")
	}
	if !strings.Contains(err.Error(), "retention invariant violated") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestConfigValidate_StateSinkRequiresIPFSEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.StateSinkEnabled = true
	cfg.IPFSAPIEndpoint = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for state sink with no ipfs endpoint")
	}
	if !strings.Contains(err.Error(), "ipfs-api-endpoint is required") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestConfigValidate_ValidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "minimal", config: validConfig()},
		{
			name: "with state sink",
			config: func() *Config {
				c := validConfig()
				c.StateSinkEnabled = true
				c.IPFSAPIEndpoint = "http://localhost:5001"
				return c
			}(),
		},
		{
			name: "prune depth equal to max reorg depth",
			config: func() *Config {
				c := validConfig()
				c.PruneDepth = 128
				c.MaxReorgDepth = 128
				return c
			}(),
		},
		{
			name: "zero prune depth disables the invariant check",
			config: func() *Config {
				c := validConfig()
				c.PruneDepth = 0
				return c
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); err != nil {
				t.Fatalf("expected valid config, got error: %v", err)
			}
		})
	}
}
