package statesync

import (
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	st, err := store.Open(store.Config{WALPath: sb.WALPath()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, DefaultConfig(), nil), st
}

func TestComputeStateHashDeterministicRegardlessOfInsertOrder(t *testing.T) {
	e1, st1 := newEngine(t)
	if _, err := st1.MergePeerState(store.PeerState{PeerID: "p2", Version: 1, LastGossip: 5}); err != nil {
		t.Fatalf("MergePeerState: %v", err)
	}
	if _, err := st1.MergePeerState(store.PeerState{PeerID: "p1", Version: 1, LastGossip: 5}); err != nil {
		t.Fatalf("MergePeerState: %v", err)
	}
	h1, err := e1.ComputeStateHash()
	if err != nil {
		t.Fatalf("ComputeStateHash: %v", err)
	}

	e2, st2 := newEngine(t)
	if _, err := st2.MergePeerState(store.PeerState{PeerID: "p1", Version: 1, LastGossip: 5}); err != nil {
		t.Fatalf("MergePeerState: %v", err)
	}
	if _, err := st2.MergePeerState(store.PeerState{PeerID: "p2", Version: 1, LastGossip: 5}); err != nil {
		t.Fatalf("MergePeerState: %v", err)
	}
	h2, err := e2.ComputeStateHash()
	if err != nil {
		t.Fatalf("ComputeStateHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected insertion-order-independent hash: %s vs %s", h1, h2)
	}
}

func TestShouldGossipTriggers(t *testing.T) {
	e, _ := newEngine(t)
	old := store.PeerState{CapacitySats: 1000, FeePolicy: map[string]interface{}{"base": 1}}
	noChange := store.PeerState{CapacitySats: 1005, FeePolicy: map[string]interface{}{"base": 1}}
	if e.ShouldGossip(old, noChange, 0, 10, false) {
		t.Fatalf("expected small capacity delta + unchanged fee policy not to trigger")
	}
	bigDelta := store.PeerState{CapacitySats: 2000, FeePolicy: map[string]interface{}{"base": 1}}
	if !e.ShouldGossip(old, bigDelta, 0, 10, false) {
		t.Fatalf("expected >10%% capacity delta to trigger")
	}
	feeChange := store.PeerState{CapacitySats: 1000, FeePolicy: map[string]interface{}{"base": 2}}
	if !e.ShouldGossip(old, feeChange, 0, 10, false) {
		t.Fatalf("expected fee policy change to trigger")
	}
	if !e.ShouldGossip(old, noChange, 0, 10, true) {
		t.Fatalf("expected ban/unban flag to trigger")
	}
	if !e.ShouldGossip(old, noChange, 0, 10000, false) {
		t.Fatalf("expected elapsed heartbeat interval to trigger")
	}
}

func TestShouldRequestFullSyncCooldown(t *testing.T) {
	e, _ := newEngine(t)
	if !e.ShouldRequestFullSync("p1", 0) {
		t.Fatalf("expected first request allowed")
	}
	if e.ShouldRequestFullSync("p1", 10) {
		t.Fatalf("expected cooldown to block request within 60s")
	}
	if !e.ShouldRequestFullSync("p1", 100) {
		t.Fatalf("expected request allowed after cooldown elapses")
	}
}

func TestApplyFullSyncResponseCountsApplied(t *testing.T) {
	e, st := newEngine(t)
	if _, err := st.MergePeerState(store.PeerState{PeerID: "p1", Version: 5}); err != nil {
		t.Fatalf("MergePeerState: %v", err)
	}
	entries := []store.PeerState{
		{PeerID: "p1", Version: 3}, // stale, should not apply
		{PeerID: "p2", Version: 1}, // new, should apply
	}
	applied, err := e.ApplyFullSyncResponse(entries)
	if err != nil {
		t.Fatalf("ApplyFullSyncResponse: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
}
