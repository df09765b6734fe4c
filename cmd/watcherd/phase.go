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
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// DaemonPhase is the watcherd's operational phase, derived from the gap
// between chainHead and latestCanonical.
type DaemonPhase string

const (
	PhaseInitializing DaemonPhase = "initializing"
	PhaseCatchingUp   DaemonPhase = "catching-up"
	PhaseSynced       DaemonPhase = "synced"
	PhaseDiverged     DaemonPhase = "diverged"
)

// PhaseTracker tracks phase transitions as the processor's lag behind the
// chain head changes.
type PhaseTracker struct {
	current     DaemonPhase
	lagThresh   uint64
	syncedSince time.Time
}

func NewPhaseTracker(lagThreshold uint64) *PhaseTracker {
	return &PhaseTracker{current: PhaseInitializing, lagThresh: lagThreshold}
}

// Update recomputes the phase given the current lag (chainHead -
// latestCanonical) and whether the last processing cycle produced an
// error.
func (pt *PhaseTracker) Update(lag uint64, hasError bool) {
	prev := pt.current
	switch {
	case hasError:
		pt.current = PhaseDiverged
		pt.syncedSince = time.Time{}
	case lag <= pt.lagThresh:
		if pt.current != PhaseSynced {
			pt.syncedSince = time.Now()
		}
		pt.current = PhaseSynced
	default:
		pt.current = PhaseCatchingUp
		pt.syncedSince = time.Time{}
	}
	if prev != pt.current {
		log.Info("watcherd phase transition", "from", prev, "to", pt.current, "lag", lag)
	}
}

func (pt *PhaseTracker) Current() DaemonPhase { return pt.current }

func (pt *PhaseTracker) SyncedSince() time.Time { return pt.syncedSince }
