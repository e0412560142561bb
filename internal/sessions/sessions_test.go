package sessions

import (
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
	"hivecore/internal/wire"
)

const (
	pkA = "02aa0000000000000000000000000000000000000000000000000000000000aa"
	pkB = "02bb0000000000000000000000000000000000000000000000000000000000bb"
	pkC = "03cc0000000000000000000000000000000000000000000000000000000000cc"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })
	s, err := store.Open(store.Config{WALPath: sb.WALPath()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openSplice(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.HandleInitRequest(wire.SpliceInitRequestPayload{
		SessionID: "s1", InitiatorID: pkA, ChannelPeer: pkC, DeltaSats: 500_000, ExpiresAt: 1000,
	}, 100); err != nil {
		t.Fatalf("HandleInitRequest: %v", err)
	}
}

func TestSpliceLifecycle(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	openSplice(t, e)

	if err := e.HandleInitResponse(wire.SpliceInitResponsePayload{
		SessionID: "s1", ResponderID: pkB, Accepted: true,
	}, 110); err != nil {
		t.Fatalf("HandleInitResponse: %v", err)
	}
	if err := e.HandleUpdate(wire.SpliceUpdatePayload{SessionID: "s1", SenderID: pkB, PSBTBase64: "cHNidA==", Round: 1}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := e.HandleSigned(wire.SpliceSignedPayload{SessionID: "s1", SenderID: pkA, TxHex: "0200"}); err != nil {
		t.Fatalf("HandleSigned: %v", err)
	}
	if err := e.CompleteSplice("s1"); err != nil {
		t.Fatalf("CompleteSplice: %v", err)
	}
	sess, _ := st.GetSpliceSession("s1")
	if sess.Status != store.SessionCompleted || sess.Round != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestSpliceDecline(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	openSplice(t, e)

	if err := e.HandleInitResponse(wire.SpliceInitResponsePayload{
		SessionID: "s1", ResponderID: pkB, Accepted: false, Reason: "low fee",
	}, 110); err != nil {
		t.Fatalf("HandleInitResponse: %v", err)
	}
	sess, _ := st.GetSpliceSession("s1")
	if sess.Status != store.SessionAborted || sess.Reason != "low fee" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestStaleUpdateRoundIgnored(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	openSplice(t, e)
	if err := e.HandleInitResponse(wire.SpliceInitResponsePayload{SessionID: "s1", ResponderID: pkB, Accepted: true}, 110); err != nil {
		t.Fatalf("HandleInitResponse: %v", err)
	}
	if err := e.HandleUpdate(wire.SpliceUpdatePayload{SessionID: "s1", SenderID: pkB, PSBTBase64: "x", Round: 2}); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := e.HandleUpdate(wire.SpliceUpdatePayload{SessionID: "s1", SenderID: pkB, PSBTBase64: "y", Round: 1}); err != nil {
		t.Fatalf("stale round should be a no-op, got %v", err)
	}
	sess, _ := st.GetSpliceSession("s1")
	if sess.Round != 2 {
		t.Fatalf("round regressed to %d", sess.Round)
	}
}

func TestAbortSessionsInvolvingBannedPeer(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	openSplice(t, e)

	if err := e.AbortSessionsInvolving(pkC); err != nil {
		t.Fatalf("AbortSessionsInvolving: %v", err)
	}
	sess, _ := st.GetSpliceSession("s1")
	if sess.Status != store.SessionAborted || sess.Reason != "peer_banned" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestSweepExpired(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	openSplice(t, e)
	if reason, err := e.HandleTaskRequest(wire.TaskRequestPayload{
		TaskID: "t1", RequesterID: pkB, TaskType: "probe_sweep", DeadlineAt: 500,
	}, 100); err != nil || reason != "" {
		t.Fatalf("HandleTaskRequest: reason=%q err=%v", reason, err)
	}

	n, err := e.SweepExpired(2000)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", n)
	}
	sess, _ := st.GetSpliceSession("s1")
	task, _ := st.GetTaskSession("t1")
	if sess.Status != store.SessionExpired || task.Status != store.SessionExpired {
		t.Fatalf("sessions not expired: %+v %+v", sess, task)
	}
}

func TestTaskResponseTerminalStates(t *testing.T) {
	st := openTestStore(t)
	e := New(st, DefaultConfig(), nil)
	if reason, err := e.HandleTaskRequest(wire.TaskRequestPayload{
		TaskID: "t1", RequesterID: pkB, TaskType: "rebalance_leg", DeadlineAt: 900,
	}, 100); err != nil || reason != "" {
		t.Fatalf("HandleTaskRequest: reason=%q err=%v", reason, err)
	}
	if err := e.HandleTaskResponse(wire.TaskResponsePayload{
		TaskID: "t1", ResponderID: pkA, Status: "completed", ResultJSON: `{"ok":true}`,
	}); err != nil {
		t.Fatalf("HandleTaskResponse: %v", err)
	}
	task, _ := st.GetTaskSession("t1")
	if task.Status != store.SessionCompleted || task.ResponderID != pkA {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestTaskRequestRejectedBusyAtCap(t *testing.T) {
	st := openTestStore(t)
	cfg := DefaultConfig()
	cfg.MaxPendingTasks = 2
	e := New(st, cfg, nil)

	for i, id := range []string{"t1", "t2"} {
		reason, err := e.HandleTaskRequest(wire.TaskRequestPayload{
			TaskID: id, RequesterID: pkB, TaskType: "probe_sweep", DeadlineAt: 900,
		}, int64(100+i))
		if err != nil || reason != "" {
			t.Fatalf("task %s: reason=%q err=%v", id, reason, err)
		}
	}
	reason, err := e.HandleTaskRequest(wire.TaskRequestPayload{
		TaskID: "t3", RequesterID: pkB, TaskType: "probe_sweep", DeadlineAt: 900,
	}, 102)
	if err != nil {
		t.Fatalf("HandleTaskRequest: %v", err)
	}
	if reason != TaskRejectBusy {
		t.Fatalf("expected busy rejection at cap, got %q", reason)
	}
	if _, ok := st.GetTaskSession("t3"); ok {
		t.Fatalf("rejected task must not be recorded")
	}
	// a duplicate of an accepted task is still a silent no-op
	if reason, err := e.HandleTaskRequest(wire.TaskRequestPayload{
		TaskID: "t1", RequesterID: pkB, TaskType: "probe_sweep", DeadlineAt: 900,
	}, 103); err != nil || reason != "" {
		t.Fatalf("duplicate accepted task: reason=%q err=%v", reason, err)
	}
}
