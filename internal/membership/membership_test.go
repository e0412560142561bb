package membership

import (
	"testing"

	"hivecore/internal/store"
	"hivecore/internal/testutil"
)

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

func TestHandleAttestIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	if err := mb.HandleAttest("02aa", 100); err != nil {
		t.Fatalf("HandleAttest: %v", err)
	}
	if err := mb.HandleAttest("02aa", 200); err != nil {
		t.Fatalf("HandleAttest second: %v", err)
	}
	m, ok := st.GetMember("02aa")
	if !ok || m.JoinedAt != 100 {
		t.Fatalf("expected first-seen joined_at preserved, got %+v ok=%v", m, ok)
	}
}

func TestPromotionQuorumAndApply(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	now := int64(10_000_000)

	// three existing voting members
	for i, id := range []string{"m1", "m2", "m3"} {
		if err := st.PutMember(store.Member{PeerID: id, Tier: store.TierMember, PromotedAt: int64(i + 1)}); err != nil {
			t.Fatalf("PutMember: %v", err)
		}
	}
	target := store.Member{
		PeerID: "neo1", Tier: store.TierNeophyte, JoinedAt: 0,
		UptimePct: 0.95, ContributionRatio: 0.8,
	}
	if err := st.PutMember(target); err != nil {
		t.Fatalf("PutMember target: %v", err)
	}
	if err := mb.HandlePromotionRequest("req1", "neo1", now); err != nil {
		t.Fatalf("HandlePromotionRequest: %v", err)
	}

	for _, voucher := range []string{"m1", "m2"} {
		vouched, err := mb.EvaluateAndVouch("req1", "neo1", voucher, now)
		if err != nil {
			t.Fatalf("EvaluateAndVouch: %v", err)
		}
		if !vouched {
			t.Fatalf("expected eligible target to receive vouch from %s", voucher)
		}
	}
	// ceil(2/3 * 3) = 2, so quorum should now be reached
	if !mb.QuorumReached("req1") {
		t.Fatalf("expected quorum reached after 2/3 vouches")
	}
	if err := mb.ApplyPromotion("neo1", now); err != nil {
		t.Fatalf("ApplyPromotion: %v", err)
	}
	got, _ := st.GetMember("neo1")
	if got.Tier != store.TierMember || got.PromotedAt != now {
		t.Fatalf("expected promoted member, got %+v", got)
	}
}

func TestEvaluateAndVouchRejectsIneligible(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	if err := st.PutMember(store.Member{PeerID: "neo1", Tier: store.TierNeophyte, JoinedAt: 0, UptimePct: 0.1}); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	vouched, err := mb.EvaluateAndVouch("req1", "neo1", "m1", 100)
	if err != nil {
		t.Fatalf("EvaluateAndVouch: %v", err)
	}
	if vouched {
		t.Fatalf("expected low-uptime neophyte to be rejected")
	}
}

func TestStandardBanQuorumPasses(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := st.PutMember(store.Member{PeerID: id, Tier: store.TierMember, PromotedAt: 1}); err != nil {
			t.Fatalf("PutMember: %v", err)
		}
	}
	p := store.BanProposal{ProposalID: "bp1", Target: "bad", Proposer: "m1", ExpiresAt: 1000, ProposalType: store.ProposalStandard}
	if err := mb.HandleBanProposal(p); err != nil {
		t.Fatalf("HandleBanProposal: %v", err)
	}
	for _, voter := range []string{"m1", "m2"} {
		if err := mb.CastBanVote(store.BanVote{ProposalID: "bp1", Voter: voter, Vote: store.VoteApprove}); err != nil {
			t.Fatalf("CastBanVote: %v", err)
		}
	}
	passed, resolved := mb.EvaluateBanQuorum(p, 500)
	if !passed || !resolved {
		t.Fatalf("expected 2/3 approve to pass before expiry: passed=%v resolved=%v", passed, resolved)
	}
	if err := mb.ApplyBanPass(p, 500, nil, nil); err != nil {
		t.Fatalf("ApplyBanPass: %v", err)
	}
	if !st.IsBanned("bad", 500) {
		t.Fatalf("expected target banned")
	}
}

func TestSettlementGamingInvertedVoting(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := st.PutMember(store.Member{PeerID: id, Tier: store.TierMember, PromotedAt: 1}); err != nil {
			t.Fatalf("PutMember: %v", err)
		}
	}
	p := store.BanProposal{ProposalID: "bp2", Target: "gamer", Proposer: "m1", ExpiresAt: 1000, ProposalType: store.ProposalSettlementGaming}
	if err := mb.HandleBanProposal(p); err != nil {
		t.Fatalf("HandleBanProposal: %v", err)
	}
	// before expiry: unresolved regardless of votes
	if _, resolved := mb.EvaluateBanQuorum(p, 500); resolved {
		t.Fatalf("settlement_gaming proposal must not resolve before expiry")
	}
	// after expiry, with no reject votes, non-votes count as approve -> passes
	passed, resolved := mb.EvaluateBanQuorum(p, 1001)
	if !passed || !resolved {
		t.Fatalf("expected inverted voting to pass with zero rejects: passed=%v resolved=%v", passed, resolved)
	}
}

func TestSettlementGamingBlockedByActiveReject(t *testing.T) {
	st := openTestStore(t)
	mb := New(st, DefaultConfig(), nil)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := st.PutMember(store.Member{PeerID: id, Tier: store.TierMember, PromotedAt: 1}); err != nil {
			t.Fatalf("PutMember: %v", err)
		}
	}
	p := store.BanProposal{ProposalID: "bp3", Target: "gamer", Proposer: "m1", ExpiresAt: 1000, ProposalType: store.ProposalSettlementGaming}
	if err := mb.HandleBanProposal(p); err != nil {
		t.Fatalf("HandleBanProposal: %v", err)
	}
	for _, voter := range []string{"m1", "m2"} {
		if err := mb.CastBanVote(store.BanVote{ProposalID: "bp3", Voter: voter, Vote: store.VoteReject}); err != nil {
			t.Fatalf("CastBanVote: %v", err)
		}
	}
	passed, resolved := mb.EvaluateBanQuorum(p, 1001)
	if passed || !resolved {
		t.Fatalf("expected majority active-reject to block: passed=%v resolved=%v", passed, resolved)
	}
}
