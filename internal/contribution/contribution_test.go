package contribution

import (
	"testing"
	"time"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
)

type fakeChannelMap struct {
	m map[string]string
}

func (f *fakeChannelMap) PeerForChannel(channelID string) (string, bool) {
	p, ok := f.m[channelID]
	return p, ok
}

func newLedger(t *testing.T) (*Ledger, *store.Store) {
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

func TestRecordForwardResolvesBothLegs(t *testing.T) {
	l, st := newLedger(t)
	if err := st.PutMember(store.Member{PeerID: "peerA", Tier: store.TierMember, PromotedAt: 1}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	if err := st.PutMember(store.Member{PeerID: "peerB", Tier: store.TierNeophyte, JoinedAt: 1}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	l.SetChannelMap(&fakeChannelMap{m: map[string]string{"chanIn": "peerA", "chanOut": "peerB"}}, time.Unix(0, 0))

	n, err := l.RecordForward(ForwardEvent{InChannel: "chanIn", OutChannel: "chanOut", AmountSats: 1000, Timestamp: 10}, "fwd1")
	if err != nil {
		t.Fatalf("RecordForward: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both legs recorded, got %d", n)
	}
	if got := st.ContributionRowCount(); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
}

func TestRecordForwardSkipsNonMembers(t *testing.T) {
	l, st := newLedger(t)
	l.SetChannelMap(&fakeChannelMap{m: map[string]string{"chanIn": "strangerPeer"}}, time.Unix(0, 0))
	n, err := l.RecordForward(ForwardEvent{InChannel: "chanIn", OutChannel: "unknown", AmountSats: 500, Timestamp: 10}, "fwd1")
	if err != nil {
		t.Fatalf("RecordForward: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 recorded for unknown peers, got %d", n)
	}
	_ = st
}

func TestRecordForwardRespectsPerPeerHourlyLimit(t *testing.T) {
	l, st := newLedger(t)
	l.cfg.PerPeerHourlyLimit = 1
	if err := st.PutMember(store.Member{PeerID: "peerA", Tier: store.TierMember, PromotedAt: 1}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	l.SetChannelMap(&fakeChannelMap{m: map[string]string{"chanIn": "peerA"}}, time.Unix(0, 0))

	if _, err := l.RecordForward(ForwardEvent{InChannel: "chanIn", OutChannel: "x", AmountSats: 1, Timestamp: 10}, "a"); err != nil {
		t.Fatalf("RecordForward: %v", err)
	}
	n, err := l.RecordForward(ForwardEvent{InChannel: "chanIn", OutChannel: "x", AmountSats: 1, Timestamp: 20}, "b")
	if err != nil {
		t.Fatalf("RecordForward: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected hourly limit to suppress second event, got %d recorded", n)
	}
}

func TestComputeRatioDefaultsToOneWithNoReceived(t *testing.T) {
	l, st := newLedger(t)
	if err := st.InsertContributionEvent(store.ContributionEvent{ID: "e1", PeerID: "p1", Direction: store.DirForwarded, AmountSat: 100, Timestamp: 10}); err != nil {
		t.Fatalf("InsertContributionEvent: %v", err)
	}
	if got := l.ComputeRatio("p1", 1000); got != 1.0 {
		t.Fatalf("expected ratio 1.0 with no received volume, got %f", got)
	}
}

func TestEvaluateLeechFlagsAndReportsBanWorthy(t *testing.T) {
	l, st := newLedger(t)
	if err := st.PutMember(store.Member{PeerID: "p1", Tier: store.TierMember, PromotedAt: 1}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	if err := st.InsertContributionEvent(store.ContributionEvent{ID: "e1", PeerID: "p1", Direction: store.DirReceived, AmountSat: 1000, Timestamp: 0}); err != nil {
		t.Fatalf("InsertContributionEvent: %v", err)
	}
	if err := st.InsertContributionEvent(store.ContributionEvent{ID: "e2", PeerID: "p1", Direction: store.DirForwarded, AmountSat: 100, Timestamp: 0}); err != nil {
		t.Fatalf("InsertContributionEvent: %v", err)
	}

	ratio, banWorthy, err := l.EvaluateLeech("p1", 100)
	if err != nil {
		t.Fatalf("EvaluateLeech: %v", err)
	}
	if ratio >= l.cfg.LeechBanRatio {
		t.Fatalf("expected ratio below ban threshold, got %f", ratio)
	}
	if banWorthy {
		t.Fatalf("expected not yet ban-worthy before the window elapses")
	}
	m, _ := st.GetMember("p1")
	if !m.LeechFlagged {
		t.Fatalf("expected leech flag raised")
	}

	windowSeconds := int64(l.cfg.LeechWindowDays) * 86400
	_, banWorthy, err = l.EvaluateLeech("p1", m.LeechSince+windowSeconds+1)
	if err != nil {
		t.Fatalf("EvaluateLeech: %v", err)
	}
	if !banWorthy {
		t.Fatalf("expected ban-worthy once continuously flagged beyond the window")
	}
}
