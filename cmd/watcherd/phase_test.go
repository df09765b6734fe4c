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

import "testing"

func TestPhaseTracker_StartsInitializing(t *testing.T) {
	pt := NewPhaseTracker(10)
	if pt.Current() != PhaseInitializing {
		t.Fatalf("expected PhaseInitializing, got %v", pt.Current())
	}
}

func TestPhaseTracker_CatchingUpWhenLagExceedsThreshold(t *testing.T) {
	pt := NewPhaseTracker(10)
	pt.Update(50, false)
	if pt.Current() != PhaseCatchingUp {
		t.Fatalf("expected PhaseCatchingUp, got %v", pt.Current())
	}
}

func TestPhaseTracker_SyncedWhenLagAtOrBelowThreshold(t *testing.T) {
	pt := NewPhaseTracker(10)
	pt.Update(5, false)
	if pt.Current() != PhaseSynced {
		t.Fatalf("expected PhaseSynced, got %v", pt.Current())
	}
	if pt.SyncedSince().IsZero() {
		t.Fatal("expected SyncedSince to be set once synced")
	}
}

func TestPhaseTracker_DivergedOnError(t *testing.T) {
	pt := NewPhaseTracker(10)
	pt.Update(0, true)
	if pt.Current() != PhaseDiverged {
		t.Fatalf("expected PhaseDiverged, got %v", pt.Current())
	}
	if !pt.SyncedSince().IsZero() {
		t.Fatal("expected SyncedSince to be cleared once diverged")
	}
}

func TestPhaseTracker_RecoversFromDivergedToSynced(t *testing.T) {
	pt := NewPhaseTracker(10)
	pt.Update(0, true)
	pt.Update(0, false)
	if pt.Current() != PhaseSynced {
		t.Fatalf("expected PhaseSynced after recovery, got %v", pt.Current())
	}
}

func TestPhaseTracker_LagExactlyAtThresholdIsSynced(t *testing.T) {
	pt := NewPhaseTracker(10)
	pt.Update(10, false)
	if pt.Current() != PhaseSynced {
		t.Fatalf("expected PhaseSynced at exact threshold, got %v", pt.Current())
	}
}
