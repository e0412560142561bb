package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
	"hivecore/internal/wire"
)

type fakeSender struct {
	fail bool
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, peerID string, raw []byte) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, peerID)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
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
	return st
}

func TestEnqueueRespectsBackpressure(t *testing.T) {
	st := openTestStore(t)
	cfg := DefaultConfig()
	cfg.MaxInflightPerPeer = 1
	ob := New(st, &fakeSender{}, cfg, nil)

	if err := ob.Enqueue("m1", wire.TypeGossip, map[string]int{"a": 1}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := ob.Enqueue("m2", wire.TypeGossip, map[string]int{"a": 1}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := st.CountNonTerminalForPeer("p1"); got != 1 {
		t.Fatalf("expected backpressure to cap at 1, got %d", got)
	}
}

func TestRetryOnceSendsAndSchedulesNext(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	ob := New(st, sender, DefaultConfig(), nil)

	if err := ob.Enqueue("m1", wire.TypeHello, map[string]int{"a": 1}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ob.RetryOnce(context.Background(), 0)
	if len(sender.sent) != 1 || sender.sent[0] != "p1" {
		t.Fatalf("expected one send to p1, got %v", sender.sent)
	}
	e, ok := st.GetOutboxEntry("m1", "p1")
	if !ok || e.Status != store.OutboxSent {
		t.Fatalf("expected status sent, got %+v ok=%v", e, ok)
	}
	if e.NextRetryAt <= 0 {
		t.Fatalf("expected next retry scheduled in the future")
	}
}

func TestRetryOnceBacksOffOnFailure(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{fail: true}
	ob := New(st, sender, DefaultConfig(), nil)

	if err := ob.Enqueue("m1", wire.TypeHello, map[string]int{"a": 1}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ob.RetryOnce(context.Background(), 0)
	e, ok := st.GetOutboxEntry("m1", "p1")
	if !ok || e.Status != store.OutboxQueued {
		t.Fatalf("expected status still queued after failed send, got %+v ok=%v", e, ok)
	}
	if e.RetryCount != 0 {
		t.Fatalf("failed send should not consume retry budget, got retrycount=%d", e.RetryCount)
	}
}

func TestProcessAckTransitions(t *testing.T) {
	st := openTestStore(t)
	ob := New(st, &fakeSender{}, DefaultConfig(), nil)
	if err := ob.Enqueue("m1", wire.TypeHello, map[string]int{"a": 1}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := ob.ProcessAck("m1", "p1", "ok"); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	e, _ := st.GetOutboxEntry("m1", "p1")
	if e.Status != store.OutboxAcked {
		t.Fatalf("expected acked, got %s", e.Status)
	}
}

func TestProcessImplicitAckMatchesField(t *testing.T) {
	st := openTestStore(t)
	ob := New(st, &fakeSender{}, DefaultConfig(), nil)
	if err := ob.Enqueue("m1", wire.TypeSettlementPropose, map[string]string{"proposal_id": "sp1"}, []string{"p1"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	resp, _ := json.Marshal(map[string]string{"proposal_id": "sp1", "voter": "p1"})
	if err := ob.ProcessImplicitAck("p1", wire.TypeSettlementReady, resp); err != nil {
		t.Fatalf("ProcessImplicitAck: %v", err)
	}
	e, _ := st.GetOutboxEntry("m1", "p1")
	if e.Status != store.OutboxAcked {
		t.Fatalf("expected implicit ack to mark acked, got %s", e.Status)
	}
}

func TestExpireAndCleanup(t *testing.T) {
	st := openTestStore(t)
	ob := New(st, &fakeSender{}, DefaultConfig(), nil)
	if err := st.PutOutboxEntry(store.OutboxEntry{
		MsgID: "m1", PeerID: "p1", MsgType: wire.TypeHello.String(),
		Status: store.OutboxQueued, CreatedAt: 0, NextRetryAt: 0, ExpiresAt: 10,
	}); err != nil {
		t.Fatalf("PutOutboxEntry: %v", err)
	}
	if err := ob.ExpireAndCleanup(20); err != nil {
		t.Fatalf("ExpireAndCleanup: %v", err)
	}
	e, ok := st.GetOutboxEntry("m1", "p1")
	if !ok || e.Status != store.OutboxExpired {
		t.Fatalf("expected expired, got %+v ok=%v", e, ok)
	}
}
