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

import "github.com/ethereum/go-ethereum/metrics"

var (
	indexerWorkerBackoff   = metrics.NewRegisteredGauge("watcher/indexer/worker/backoff/ms", nil)
	processorWorkerBackoff = metrics.NewRegisteredGauge("watcher/processor/worker/backoff/ms", nil)
	maintenanceRunsTotal   = metrics.NewRegisteredCounter("watcher/maintenance/runs/total", nil)
	maintenanceErrorsTotal = metrics.NewRegisteredCounter("watcher/maintenance/errors/total", nil)
	promotedRecordsTotal   = metrics.NewRegisteredCounter("watcher/maintenance/promoted/total", nil)
)
