package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"hivecore/internal/sessions"
	"hivecore/internal/settlement"
	"hivecore/internal/store"
	"hivecore/internal/testutil"
	"hivecore/internal/wire"
)

const (
	pkA = "02aa000000000000000000000000000000000000000000000000000000000000aa"
	pkB = "02bb000000000000000000000000000000000000000000000000000000000000bb"
	pkC = "03cc000000000000000000000000000000000000000000000000000000000000cc"
)

// fakeLink records every frame handed to the transport.
type fakeLink struct {
	mu         sync.Mutex
	sent       map[string][][]byte // peerID -> frames
	broadcasts [][]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{sent: make(map[string][][]byte)}
}

func (f *fakeLink) Send(_ context.Context, peerID string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], raw)
	return nil
}

func (f *fakeLink) Broadcast(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, raw)
	return nil
}

func (f *fakeLink) BroadcastExcept(raw []byte, _ []string) error {
	return f.Broadcast(raw)
}

// fakeSigner produces verifiable fake signatures of the form "sig:<pubkey>".
type fakeSigner struct{ pub string }

func (s *fakeSigner) Sign(_ []byte) (string, error) { return "sig:" + s.pub, nil }
func (s *fakeSigner) PubkeyHex() string             { return s.pub }
func (s *fakeSigner) Verify(_ []byte, sig string) (bool, string, error) {
	if !strings.HasPrefix(sig, "sig:") {
		return false, "", nil
	}
	return true, strings.TrimPrefix(sig, "sig:"), nil
}

type testEnv struct {
	c    *Coordinator
	st   *store.Store
	link *fakeLink
	now  *int64
}

func newTestEnv(t *testing.T, self string) *testEnv {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { sb.Cleanup() })

	now := new(int64)
	*now = 1_700_000_000
	st, err := store.Open(store.Config{
		WALPath: sb.WALPath(),
		Now:     func() time.Time { return time.Unix(*now, 0) },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	link := newFakeLink()
	signer := &fakeSigner{pub: self}
	c, err := New(DefaultConfig(self), Deps{
		Store:  st,
		Link:   link,
		Signer: signer,
		Verify: signer.Verify,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{c: c, st: st, link: link, now: now}
}

func (e *testEnv) addMember(t *testing.T, peerID string) {
	t.Helper()
	if err := e.st.PutMember(store.Member{
		PeerID: peerID, Tier: store.TierMember, PromotedAt: 1, JoinedAt: 1, UptimePct: 1.0,
	}); err != nil {
		t.Fatalf("PutMember %s: %v", peerID, err)
	}
}

func frame(t *testing.T, typ wire.Type, payload any) []byte {
	t.Helper()
	raw, err := wire.Serialize(wire.MaxSupportedVersion, typ, payload)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func TestPeriodForAndBounds(t *testing.T) {
	// Wednesday inside ISO week 3 of 2025.
	ts := time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
	if p := PeriodFor(ts); p != "2025-W03" {
		t.Fatalf("PeriodFor = %s", p)
	}
	start, end, err := PeriodBounds("2025-W03")
	if err != nil {
		t.Fatalf("PeriodBounds: %v", err)
	}
	wantStart := time.Date(2025, time.January, 13, 0, 0, 0, 0, time.UTC).Unix()
	if start != wantStart {
		t.Fatalf("start = %d want %d", start, wantStart)
	}
	if end-start != 7*24*60*60 {
		t.Fatalf("period length = %d", end-start)
	}
	if _, _, err := PeriodBounds("garbage"); err == nil {
		t.Fatalf("expected error on malformed period")
	}
}

func TestIntentTieBreak(t *testing.T) {
	// We are B; A announces the same (channel_open, C) intent in the same
	// second. After the hold window, A's lexicographically smaller pubkey
	// wins: our intent aborts and an INTENT_ABORT goes out.
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)

	ours, err := env.c.AnnounceIntent("channel_open", pkC)
	if err != nil {
		t.Fatalf("AnnounceIntent: %v", err)
	}
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeIntent, wire.IntentPayload{
		ID:         "remote-1",
		IntentType: "channel_open",
		Target:     pkC,
		Initiator:  pkA,
		Timestamp:  *env.now,
	}))

	*env.now += env.c.cfg.Intent.HoldSeconds + 1
	if err := env.c.intentTick(*env.now); err != nil {
		t.Fatalf("intentTick: %v", err)
	}

	got, ok := env.st.GetIntent(ours.ID)
	if !ok {
		t.Fatalf("our intent vanished")
	}
	if got.Status != store.IntentAborted || got.Reason != "lost_tiebreaker" {
		t.Fatalf("our intent = %s/%s, want aborted/lost_tiebreaker", got.Status, got.Reason)
	}
	remote, ok := env.st.GetIntent("remote-1")
	if !ok || remote.Status != store.IntentCommitted {
		t.Fatalf("remote intent = %+v, want committed", remote)
	}
	if n := len(env.st.ListOutboxByPeerAndType(pkA, wire.TypeIntentAbort.String())); n != 1 {
		t.Fatalf("expected one INTENT_ABORT outbox row to A, got %d", n)
	}
}

func TestIntentTieBreakWinner(t *testing.T) {
	// Same race with roles swapped: we are A and win the tie-break.
	env := newTestEnv(t, pkA)
	env.addMember(t, pkA)
	env.addMember(t, pkB)

	ours, err := env.c.AnnounceIntent("channel_open", pkC)
	if err != nil {
		t.Fatalf("AnnounceIntent: %v", err)
	}
	env.c.HandleInbound(pkB, nil, frame(t, wire.TypeIntent, wire.IntentPayload{
		ID:         "remote-1",
		IntentType: "channel_open",
		Target:     pkC,
		Initiator:  pkB,
		Timestamp:  *env.now,
	}))

	*env.now += env.c.cfg.Intent.HoldSeconds + 1
	if err := env.c.intentTick(*env.now); err != nil {
		t.Fatalf("intentTick: %v", err)
	}
	got, _ := env.st.GetIntent(ours.ID)
	if got.Status != store.IntentCommitted {
		t.Fatalf("our intent = %s, want committed", got.Status)
	}
}

func TestInboundRejectsNonMemberTraffic(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkB)

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeIntent, wire.IntentPayload{
		ID: "x", IntentType: "channel_open", Target: pkC, Initiator: pkA, Timestamp: *env.now,
	}))
	if _, ok := env.st.GetIntent("x"); ok {
		t.Fatalf("intent from non-member must be dropped")
	}

	// ATTEST from the same outsider is allowed and creates a neophyte.
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeAttest, wire.AttestPayload{
		PeerID: pkA, Features: []string{"proto-v1"},
	}))
	m, ok := env.st.GetMember(pkA)
	if !ok || m.Tier != store.TierNeophyte {
		t.Fatalf("ATTEST should create a neophyte row, got %+v ok=%v", m, ok)
	}
}

func TestInboundRejectsBannedPeer(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	if err := env.st.PutBan(store.Ban{PeerID: pkA, Reason: "test", Reporter: pkB, BannedAt: *env.now}); err != nil {
		t.Fatalf("PutBan: %v", err)
	}

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeIntent, wire.IntentPayload{
		ID: "x", IntentType: "channel_open", Target: pkC, Initiator: pkA, Timestamp: *env.now,
	}))
	if _, ok := env.st.GetIntent("x"); ok {
		t.Fatalf("intent from banned peer must be dropped")
	}
}

func TestBanVoteIdentityBinding(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	if err := env.st.PutBanProposal(store.BanProposal{
		ProposalID: "bp1", Target: pkC, Proposer: pkB, ProposedAt: *env.now,
		ExpiresAt: *env.now + 3600, Status: store.ProposalPending, ProposalType: store.ProposalStandard,
	}); err != nil {
		t.Fatalf("PutBanProposal: %v", err)
	}

	// signature recovers pkC, claimed voter is pkA: binding must fail.
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeBanVote, wire.BanVotePayload{
		ProposalID: "bp1", Voter: pkA, Vote: "approve", VotedAt: *env.now, Signature: "sig:" + pkC,
	}))
	if n := len(env.st.ListBanVotes("bp1")); n != 0 {
		t.Fatalf("mismatched signature must not record a vote, got %d", n)
	}

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeBanVote, wire.BanVotePayload{
		ProposalID: "bp1", Voter: pkA, Vote: "approve", VotedAt: *env.now, Signature: "sig:" + pkA,
	}))
	if n := len(env.st.ListBanVotes("bp1")); n != 1 {
		t.Fatalf("expected one recorded vote, got %d", n)
	}
}

func TestBanQuorumExecutesConsequences(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	env.addMember(t, pkC)

	// a pending intent against the future ban target
	if err := env.st.PutIntent(store.Intent{
		ID: "i1", IntentType: "channel_open", Target: pkC, Initiator: pkB,
		Timestamp: *env.now, ExpiresAt: *env.now + 60, Status: store.IntentPending, Local: true,
	}); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	if err := env.st.PutBanProposal(store.BanProposal{
		ProposalID: "bp1", Target: pkC, Proposer: pkB, ProposedAt: *env.now,
		ExpiresAt: *env.now + 3600, Status: store.ProposalPending, ProposalType: store.ProposalStandard,
	}); err != nil {
		t.Fatalf("PutBanProposal: %v", err)
	}

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeBanVote, wire.BanVotePayload{
		ProposalID: "bp1", Voter: pkA, Vote: "approve", VotedAt: *env.now, Signature: "sig:" + pkA,
	}))
	if env.st.IsBanned(pkC, *env.now) {
		t.Fatalf("1/3 approvals should not pass 0.51 quorum")
	}
	if err := env.c.CastBanVote("bp1", store.VoteApprove); err != nil {
		t.Fatalf("CastBanVote: %v", err)
	}
	if !env.st.IsBanned(pkC, *env.now) {
		t.Fatalf("2/3 approvals should pass quorum and insert the ban")
	}
	it, _ := env.st.GetIntent("i1")
	if it.Status != store.IntentAborted {
		t.Fatalf("pending intent against banned peer should abort, got %s", it.Status)
	}
}

func TestDuplicateTrackedMessageStillAcked(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)

	payload := wire.BanProposalPayload{
		ProposalID: "bp9", Target: pkC, Reason: "spam", Proposer: pkA,
		ProposalType: "standard", ProposedAt: *env.now, ExpiresAt: *env.now + 3600,
		Signature: "sig:" + pkA,
	}
	wrapped, err := injectMsgID(payload, "msg-1")
	if err != nil {
		t.Fatalf("injectMsgID: %v", err)
	}
	raw := frame(t, wire.TypeBanProposal, wrapped)

	env.c.HandleInbound(pkA, nil, raw)
	env.c.HandleInbound(pkA, nil, raw)

	env.link.mu.Lock()
	acks := len(env.link.sent[pkA])
	env.link.mu.Unlock()
	if acks < 2 {
		t.Fatalf("duplicate delivery must still be ACKed, got %d sends", acks)
	}
	if _, ok := env.st.GetBanProposal("bp9"); !ok {
		t.Fatalf("proposal should be recorded once")
	}
}

func TestGossipMergeIsVersionGuarded(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeGossip, wire.GossipPayload{
		PeerID: pkA, CapacitySats: 1000, AvailableSats: 500, Version: 3, LastGossip: *env.now,
	}))
	ps, ok := env.st.GetPeerState(pkA)
	if !ok || ps.Version != 3 {
		t.Fatalf("gossip v3 should merge, got %+v", ps)
	}

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeGossip, wire.GossipPayload{
		PeerID: pkA, CapacitySats: 9999, AvailableSats: 1, Version: 2, LastGossip: *env.now,
	}))
	ps, _ = env.st.GetPeerState(pkA)
	if ps.Version != 3 || ps.CapacitySats != 1000 {
		t.Fatalf("older version must not overwrite, got %+v", ps)
	}
}

func TestSettlementProposeTriggersReadyVote(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	for _, p := range []struct {
		id   string
		fees uint64
	}{{pkA, 100}, {pkB, 50}} {
		if err := env.st.UpsertFeeReport(store.FeeReport{
			PeerID: p.id, Period: "2025-W03", FeesEarnedSats: p.fees,
			ForwardCount: 1, PeriodStart: 1, PeriodEnd: 2,
		}); err != nil {
			t.Fatalf("UpsertFeeReport: %v", err)
		}
	}

	// A (the elected proposer) sends a proposal whose data hash matches
	// our own recomputation: we must vote ready.
	contributions, err := env.c.Settle.BuildContributions("2025-W03")
	if err != nil {
		t.Fatalf("BuildContributions: %v", err)
	}
	dataHash, err := settlement.DataHash(contributions)
	if err != nil {
		t.Fatalf("DataHash: %v", err)
	}
	contribJSON, _ := json.Marshal(contributions)

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeSettlementPropose, wire.SettlementProposePayload{
		ProposalID: "sp1", Period: "2025-W03", Proposer: pkA,
		DataHash: dataHash, TotalFeesSats: 150, MemberCount: 2,
		ContributionsRaw: string(contribJSON),
	}))

	votes := env.st.ListReadyVotes("sp1")
	if len(votes) != 1 || votes[0].Voter != pkB {
		t.Fatalf("expected our ready vote, got %+v", votes)
	}
}

func TestSettlementProposeDivergentHashAbstains(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	if err := env.st.UpsertFeeReport(store.FeeReport{
		PeerID: pkB, Period: "2025-W03", FeesEarnedSats: 50, ForwardCount: 1, PeriodStart: 1, PeriodEnd: 2,
	}); err != nil {
		t.Fatalf("UpsertFeeReport: %v", err)
	}
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeSettlementPropose, wire.SettlementProposePayload{
		ProposalID: "sp1", Period: "2025-W03", Proposer: pkA,
		DataHash: "0000000000000000000000000000000000000000000000000000000000000000",
		TotalFeesSats: 150, MemberCount: 2,
	}))
	if votes := env.st.ListReadyVotes("sp1"); len(votes) != 0 {
		t.Fatalf("divergent hash must abstain, got %+v", votes)
	}
}

func TestSettlementExecutedIgnoredOnceSettled(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	if err := env.st.PutSettlementProposal(store.SettlementProposal{
		ProposalID: "sp1", Period: "2025-W03", Proposer: pkA,
		Status: store.ProposalReady, DataHash: "h",
	}); err != nil {
		t.Fatalf("PutSettlementProposal: %v", err)
	}
	if err := env.st.MarkPeriodSettled("2025-W03", *env.now); err != nil {
		t.Fatalf("MarkPeriodSettled: %v", err)
	}

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeSettlementExecuted, wire.SettlementExecutedPayload{
		ProposalID: "sp1", Executor: pkA, AmountPaidSats: 20, Signature: "sig:" + pkA,
	}))
	if n := len(env.st.ListExecutions("sp1")); n != 0 {
		t.Fatalf("executions after settlement must be ignored, got %d", n)
	}
}

func TestFeeReportRequiresValidSignature(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)

	report := wire.FeeReportPayload{
		PeerID: pkA, Period: "2025-W03",
		FeesEarnedSats: 100, ForwardCount: 10,
		PeriodStart: 1000, PeriodEnd: 2000,
	}

	// unsigned: dropped before any store mutation
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeFeeReport, report))
	if n := len(env.st.ListFeeReportsForPeriod("2025-W03")); n != 0 {
		t.Fatalf("unsigned fee report must not be recorded, got %d", n)
	}

	// signature recovering a different pubkey than the claimed peer_id:
	// a member fabricating another member's figures
	forged := report
	forged.Signature = "sig:" + pkB
	env.c.HandleInbound(pkB, nil, frame(t, wire.TypeFeeReport, forged))
	if n := len(env.st.ListFeeReportsForPeriod("2025-W03")); n != 0 {
		t.Fatalf("forged fee report must not be recorded, got %d", n)
	}

	signed := report
	signed.Signature = "sig:" + pkA
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeFeeReport, signed))
	reports := env.st.ListFeeReportsForPeriod("2025-W03")
	if len(reports) != 1 || reports[0].FeesEarnedSats != 100 {
		t.Fatalf("properly signed fee report should be recorded, got %+v", reports)
	}
}

func TestTaskRequestBusyRejection(t *testing.T) {
	env := newTestEnv(t, pkB)
	env.addMember(t, pkA)
	env.addMember(t, pkB)
	sessCfg := sessions.DefaultConfig()
	sessCfg.MaxPendingTasks = 1
	env.c.Sessions = sessions.New(env.st, sessCfg, nil)

	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeTaskRequest, wire.TaskRequestPayload{
		TaskID: "t1", RequesterID: pkA, TaskType: "probe_sweep", DeadlineAt: *env.now + 900,
	}))
	env.c.HandleInbound(pkA, nil, frame(t, wire.TypeTaskRequest, wire.TaskRequestPayload{
		TaskID: "t2", RequesterID: pkA, TaskType: "probe_sweep", DeadlineAt: *env.now + 900,
	}))

	if _, ok := env.st.GetTaskSession("t2"); ok {
		t.Fatalf("task beyond the pending cap must not be recorded")
	}
	// the requester got a busy rejection back
	env.link.mu.Lock()
	var sawRejection bool
	for _, raw := range env.link.sent[pkA] {
		f, err := wire.Deserialize(raw)
		if err != nil || f.Type != wire.TypeTaskResponse {
			continue
		}
		var resp wire.TaskResponsePayload
		if json.Unmarshal(f.Payload, &resp) == nil && resp.TaskID == "t2" && resp.Status == "rejected" {
			sawRejection = true
		}
	}
	env.link.mu.Unlock()
	if !sawRejection {
		t.Fatalf("expected a rejected TASK_RESPONSE for t2")
	}
}
