package idempotency

import (
	"encoding/json"
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
	"hivecore/internal/wire"
)

func TestGenerateEventIDStableUnderKeyOrder(t *testing.T) {
	p1, _ := json.Marshal(map[string]any{"proposal_id": "p1", "extra": 1})
	p2, _ := json.Marshal(struct {
		Extra      int    `json:"extra"`
		ProposalID string `json:"proposal_id"`
	}{1, "p1"})

	id1, err := GenerateEventID(wire.TypeBanProposal, p1)
	if err != nil {
		t.Fatalf("GenerateEventID: %v", err)
	}
	id2, err := GenerateEventID(wire.TypeBanProposal, p2)
	if err != nil {
		t.Fatalf("GenerateEventID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("event id depends on key order: %s vs %s", id1, id2)
	}
	if len(id1) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(id1))
	}
}

func TestCheckAndRecordTwiceIsIdempotent(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()
	st, err := store.Open(store.Config{WALPath: sb.WALPath()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	payload, _ := json.Marshal(map[string]string{"proposal_id": "p1", "voter_peer_id": "02aa"})

	isNew1, id1, err := CheckAndRecord(st, wire.TypeBanVote, payload, "02aa", 10)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected first call to be new")
	}
	isNew2, id2, err := CheckAndRecord(st, wire.TypeBanVote, payload, "02aa", 11)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected second call to be a duplicate")
	}
	if id1 != id2 {
		t.Fatalf("expected stable event id: %s vs %s", id1, id2)
	}
}

func TestTrackedExcludesGossip(t *testing.T) {
	if Tracked(wire.TypeGossip) {
		t.Fatalf("GOSSIP must not be idempotency-tracked")
	}
	if !Tracked(wire.TypeBanProposal) {
		t.Fatalf("BAN_PROPOSAL must be idempotency-tracked")
	}
}
