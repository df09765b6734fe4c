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
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is the sentinel NotFound error (spec §7): expected-missing
// entities are returned as absent, callers compare with errors.Is.
var ErrNotFound = errors.New("watcher: not found")

// TransientUpstreamError wraps an RPC timeout, connection reset, or other
// recoverable upstream fault. Retried with backoff; not surfaced unless the
// retry budget is exhausted.
type TransientUpstreamError struct {
	Op  string
	Err error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error during %s: %v", e.Op, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// InvariantViolationError marks a fatal condition: events applied out of
// order, duplicate canonical block at a height, parent-CID mismatch in a
// state chain, or a cursor regression attempted without force. The daemon's
// workers log it and release the job to the queue's retry path like any
// other error; the process does not exit on it.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

// ReorgDetectedError is not a failure; it is a control-flow signal raised by
// the Block Processor when a parent-hash mismatch is observed, and consumed
// by the caller to invoke the Reorg Handler.
type ReorgDetectedError struct {
	BlockHash      common.Hash
	BlockNumber    uint64
	ExpectedParent common.Hash
	ObservedParent common.Hash
}

func (e *ReorgDetectedError) Error() string {
	return fmt.Sprintf("reorg detected at block %d (%s): expected parent %s, observed %s", e.BlockNumber, e.BlockHash, e.ExpectedParent, e.ObservedParent)
}

// PoisonedError records a job that exceeded its retry budget. Operator
// intervention is required; the queue surfaces this via a metric as well.
type PoisonedError struct {
	JobID   string
	Queue   string
	Attempts int
	LastErr error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("job %s on queue %s poisoned after %d attempts: %v", e.JobID, e.Queue, e.Attempts, e.LastErr)
}

func (e *PoisonedError) Unwrap() error { return e.LastErr }
