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

// watcherd is the chain-indexing core daemon: it wires the chain client,
// persistence layer, job queue, block indexer/processor, state
// materializer and reorg handler into a running service, and exposes the
// operator CLI surface (create-checkpoint, reset-to-block, fill-state).
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	app = &cli.App{
		Name:  "watcherd",
		Usage: "chain-indexing core daemon",
	}

	rpcEndpointFlag = &cli.StringFlag{
		Name:  "rpc-endpoint",
		Usage: "Upstream EVM JSON-RPC endpoint",
		Value: "http://localhost:8545",
	}
	postgresDSNFlag = &cli.StringFlag{
		Name:  "postgres-dsn",
		Usage: "Postgres connection string for the persistence layer and job queue",
	}
	redisAddrFlag = &cli.StringFlag{
		Name:  "redis-addr",
		Usage: "Redis address for the chain client's idempotent-read cache (empty disables caching)",
	}
	rpcTimeoutFlag = &cli.DurationFlag{
		Name:  "rpc-timeout",
		Usage: "Per-call timeout for upstream RPC requests",
		Value: 10 * time.Second,
	}
	cacheTTLFlag = &cli.DurationFlag{
		Name:  "cache-ttl",
		Usage: "TTL for cached receipts and storage proofs",
		Value: 10 * time.Minute,
	}
	indexerWorkersFlag = &cli.IntFlag{
		Name:  "indexer-workers",
		Usage: "Number of concurrent block-indexing workers",
		Value: 4,
	}
	processorWorkersFlag = &cli.IntFlag{
		Name:  "processor-workers",
		Usage: "Number of concurrent block-processing workers",
		Value: 4,
	}
	queueRateLimitFlag = &cli.Float64Flag{
		Name:  "queue-rate-limit",
		Usage: "Max job dequeues per second across all workers of both queues, one shared limit (0 disables backpressure)",
		Value: 0,
	}
	maxReorgDepthFlag = &cli.Uint64Flag{
		Name:  "max-reorg-depth",
		Usage: "Maximum recoverable reorg depth",
		Value: 128,
	}
	pruneDepthFlag = &cli.Uint64Flag{
		Name:  "prune-depth",
		Usage: "Blocks behind chain head before a diff_staged record matures to diff",
		Value: 256,
	}
	maintenanceEveryFlag = &cli.DurationFlag{
		Name:  "maintenance-interval",
		Usage: "Interval between maintenance runs (promotion, checkpoint cadence, cursor advancement)",
		Value: 30 * time.Second,
	}
	stateSinkEnabledFlag = &cli.BoolFlag{
		Name:  "state-sink-enabled",
		Usage: "Push completed state records to the configured IPFS API endpoint",
		Value: false,
	}
	ipfsAPIEndpointFlag = &cli.StringFlag{
		Name:  "ipfs-api-endpoint",
		Usage: "Base URL of the IPFS HTTP API (required if state-sink-enabled)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Path to a rotating log file (empty disables file logging, stderr only)",
	}
	logMaxSizeMBFlag = &cli.IntFlag{
		Name:  "log-max-size-mb",
		Usage: "Maximum size in megabytes of the log file before rotation",
		Value: 100,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:  "log-max-backups",
		Usage: "Maximum number of rotated log files to retain",
		Value: 5,
	}
)

func init() {
	app.Action = runDaemon
	app.Flags = []cli.Flag{
		rpcEndpointFlag,
		postgresDSNFlag,
		redisAddrFlag,
		rpcTimeoutFlag,
		cacheTTLFlag,
		indexerWorkersFlag,
		processorWorkersFlag,
		queueRateLimitFlag,
		maxReorgDepthFlag,
		pruneDepthFlag,
		maintenanceEveryFlag,
		stateSinkEnabledFlag,
		ipfsAPIEndpointFlag,
		logFileFlag,
		logMaxSizeMBFlag,
		logMaxBackupsFlag,
	}
	app.Commands = opsCommands()
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx *cli.Context) error {
	cfg := buildConfigFromCLI(ctx)
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	log.Info("watcherd started", "rpcEndpoint", cfg.RPCEndpoint, "indexerWorkers", cfg.IndexerWorkers, "processorWorkers", cfg.ProcessorWorkers)

	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)
	return runner.Stop()
}

// setupLogging wires go-ethereum's structured logger to stderr, and
// additionally to a lumberjack-rotated file when log-file is set, so a
// long-running daemon doesn't fill its disk with an unbounded log.
func setupLogging(cfg *Config) {
	if cfg.LogFilePath == "" {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
	out := io.MultiWriter(os.Stderr, rotator)
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(out, log.LevelInfo, false)))
}

func buildConfigFromCLI(ctx *cli.Context) *Config {
	return &Config{
		RPCEndpoint:         ctx.String(rpcEndpointFlag.Name),
		PostgresDSN:         ctx.String(postgresDSNFlag.Name),
		RedisAddr:           ctx.String(redisAddrFlag.Name),
		RPCTimeout:          ctx.Duration(rpcTimeoutFlag.Name),
		ChainClientCacheTTL: ctx.Duration(cacheTTLFlag.Name),
		IndexerWorkers:      ctx.Int(indexerWorkersFlag.Name),
		ProcessorWorkers:    ctx.Int(processorWorkersFlag.Name),
		QueueRateLimit:      ctx.Float64(queueRateLimitFlag.Name),
		MaxReorgDepth:       ctx.Uint64(maxReorgDepthFlag.Name),
		PruneDepth:          ctx.Uint64(pruneDepthFlag.Name),
		MaintenanceEvery:    ctx.Duration(maintenanceEveryFlag.Name),
		StateSinkEnabled:    ctx.Bool(stateSinkEnabledFlag.Name),
		IPFSAPIEndpoint:     ctx.String(ipfsAPIEndpointFlag.Name),
		LogFilePath:         ctx.String(logFileFlag.Name),
		LogMaxSizeMB:        ctx.Int(logMaxSizeMBFlag.Name),
		LogMaxBackups:       ctx.Int(logMaxBackupsFlag.Name),
	}
}
