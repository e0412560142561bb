package operator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
)

type recordingExecutor struct {
	executed []string
	fail     bool
}

func (r *recordingExecutor) ExecuteAction(a store.PendingAction) error {
	if r.fail {
		return http.ErrHandlerTimeout
	}
	r.executed = append(r.executed, a.ID)
	return nil
}

func newTestServer(t *testing.T, exec Executor) (*Server, *store.Store) {
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
	return NewServer(":0", st, nil, exec, nil), st
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec, rec.Body.Bytes()
}

func TestMembersEndpointScalesUptime(t *testing.T) {
	s, st := newTestServer(t, nil)
	if err := st.PutMember(store.Member{
		PeerID: "02aa", Tier: store.TierMember, PromotedAt: 1, JoinedAt: 1, UptimePct: 0.97,
	}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}

	rec, body := doJSON(t, s, http.MethodGet, "/api/members", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one member, got %d", len(out))
	}
	if got := out[0]["uptime_pct"].(float64); got != 97 {
		t.Fatalf("uptime_pct = %v, want 97", got)
	}
}

func TestActionLifecycle(t *testing.T) {
	exec := &recordingExecutor{}
	s, st := newTestServer(t, exec)

	rec, body := doJSON(t, s, http.MethodPost, "/api/actions",
		`{"action_type":"channel_open","target":"02bb"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("propose status %d", rec.Code)
	}
	var action store.PendingAction
	if err := json.Unmarshal(body, &action); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if action.Status != store.ActionPending {
		t.Fatalf("new action status %s", action.Status)
	}

	rec, body = doJSON(t, s, http.MethodPost, "/api/actions/"+action.ID+"/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status %d: %s", rec.Code, body)
	}
	if len(exec.executed) != 1 || exec.executed[0] != action.ID {
		t.Fatalf("executor not invoked: %v", exec.executed)
	}
	got, _ := st.GetPendingAction(action.ID)
	if got.Status != store.ActionExecuted {
		t.Fatalf("approved action status %s", got.Status)
	}

	// a second approve must 404: the action is no longer pending
	rec, _ = doJSON(t, s, http.MethodPost, "/api/actions/"+action.ID+"/approve", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("re-approve status %d", rec.Code)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	s, st := newTestServer(t, nil)
	_, body := doJSON(t, s, http.MethodPost, "/api/actions",
		`{"action_type":"ban_proposal","target":"02bb"}`)
	var action store.PendingAction
	if err := json.Unmarshal(body, &action); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/api/actions/"+action.ID+"/reject", `{"reason":"not warranted"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reject status %d", rec.Code)
	}
	got, _ := st.GetPendingAction(action.ID)
	if got.Status != store.ActionRejected || got.Reason != "not warranted" {
		t.Fatalf("rejected action %+v", got)
	}
}

func TestSettlementEndpoint(t *testing.T) {
	s, st := newTestServer(t, nil)
	if err := st.PutSettlementProposal(store.SettlementProposal{
		ProposalID: "sp1", Period: "2025-W03", Proposer: "02aa",
		Status: store.ProposalReady, DataHash: "h", MemberCount: 3,
	}); err != nil {
		t.Fatalf("PutSettlementProposal: %v", err)
	}
	if err := st.MarkPeriodSettled("2025-W03", 100); err != nil {
		t.Fatalf("MarkPeriodSettled: %v", err)
	}

	rec, body := doJSON(t, s, http.MethodGet, "/api/settlement/2025-W03", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out struct {
		ProposalID string `json:"proposal_id"`
		Settled    bool   `json:"settled"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ProposalID != "sp1" || !out.Settled {
		t.Fatalf("unexpected view %+v", out)
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/settlement/2025-W04", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing period status %d", rec.Code)
	}
}
