// Package membership implements the hive's invitation, vouched-promotion
// and ban governance state machines: eligibility-gated role transitions
// ratified by quorum-counted votes.
package membership

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
)

// Config holds the membership/governance thresholds.
type Config struct {
	VouchQuorumFraction   float64 // default 2/3
	UptimeThreshold       float64 // fraction in [0,1], default 0.9
	ContributionThreshold float64 // default 0.5
	ProbationSeconds      int64   // default 7 days
	StandardBanQuorum     float64 // default 0.51
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		VouchQuorumFraction:   2.0 / 3.0,
		UptimeThreshold:       0.9,
		ContributionThreshold: 0.5,
		ProbationSeconds:      7 * 24 * 60 * 60,
		StandardBanQuorum:     0.51,
	}
}

// IntentCanceller clears pending intents targeting a peer once it is
// banned. Implemented by the intent package; kept as an
// interface here to avoid a membership->intent import cycle.
type IntentCanceller interface {
	CancelIntentsForTarget(target string, now int64) error
}

// SessionAborter aborts in-flight settlement/splice sessions involving a
// peer once it is banned.
type SessionAborter interface {
	AbortSessionsInvolving(peerID string) error
}

// Membership owns the join/promotion/ban state machines.
type Membership struct {
	st  *store.Store
	cfg Config
	log *logrus.Logger
}

// New wires a Membership engine to its Store.
func New(st *store.Store, cfg Config, log *logrus.Logger) *Membership {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Membership{st: st, cfg: cfg, log: log}
}

// HandleAttest processes an inbound ATTEST: first sight of a peer inserts
// a neophyte row. Idempotent: an existing
// row is left untouched.
func (m *Membership) HandleAttest(peerID string, now int64) error {
	if _, ok := m.st.GetMember(peerID); ok {
		return nil
	}
	return m.st.PutMember(store.Member{
		PeerID:   peerID,
		Tier:     store.TierNeophyte,
		JoinedAt: now,
		LastSeen: now,
	})
}

// EligibleForPromotion reports whether a neophyte satisfies the
// promotion gate: uptime, contribution, probation age, not
// banned, not leech-flagged.
func (m *Membership) EligibleForPromotion(target store.Member, now int64) bool {
	if target.Tier != store.TierNeophyte {
		return false
	}
	if target.UptimePct < m.cfg.UptimeThreshold {
		return false
	}
	if target.ContributionRatio < m.cfg.ContributionThreshold {
		return false
	}
	if now-target.JoinedAt < m.cfg.ProbationSeconds {
		return false
	}
	if target.LeechFlagged {
		return false
	}
	if m.st.IsBanned(target.PeerID, now) {
		return false
	}
	return true
}

// HandlePromotionRequest records a neophyte's bid for member tier.
func (m *Membership) HandlePromotionRequest(requestID, target string, now int64) error {
	return m.st.PutPromotionRequest(store.PromotionRequest{RequestID: requestID, Target: target, CreatedAt: now})
}

// EvaluateAndVouch checks target's eligibility and, if satisfied, records
// voucherID's endorsement. Returns whether a vouch was cast.
func (m *Membership) EvaluateAndVouch(requestID, target, voucherID string, now int64) (bool, error) {
	targetMember, ok := m.st.GetMember(target)
	if !ok {
		return false, fmt.Errorf("membership: promotion target %s not found", target)
	}
	if !m.EligibleForPromotion(targetMember, now) {
		return false, nil
	}
	if err := m.st.PutVouch(store.Vouch{RequestID: requestID, Target: target, Voucher: voucherID, VouchedAt: now}); err != nil {
		return false, fmt.Errorf("membership: record vouch: %w", err)
	}
	return true, nil
}

// requiredVouches is ceil(quorumFraction * voting member count).
func (m *Membership) requiredVouches() int {
	n := m.st.VotingMemberCount()
	return int(math.Ceil(m.cfg.VouchQuorumFraction * float64(n)))
}

// QuorumReached reports whether a promotion request has collected enough
// distinct vouches to be broadcastable as PROMOTION.
func (m *Membership) QuorumReached(requestID string) bool {
	required := m.requiredVouches()
	if required <= 0 {
		return false
	}
	return m.st.VouchCount(requestID) >= required
}

// ApplyPromotion transitions target from neophyte to member. The caller
// (coordinator) is responsible for idempotency-log gating before calling
// this, since the same PROMOTION message may be relayed more than once.
func (m *Membership) ApplyPromotion(target string, now int64) error {
	mem, ok := m.st.GetMember(target)
	if !ok {
		return fmt.Errorf("membership: promotion target %s not found", target)
	}
	if mem.Tier == store.TierMember {
		return nil // already promoted, idempotent no-op
	}
	mem.Tier = store.TierMember
	mem.PromotedAt = now
	return m.st.PutMember(mem)
}

// HandleBanProposal records a new ban proposal, idempotently.
func (m *Membership) HandleBanProposal(p store.BanProposal) error {
	if _, ok := m.st.GetBanProposal(p.ProposalID); ok {
		return nil
	}
	return m.st.PutBanProposal(p)
}

// CastBanVote records a member's vote on an open proposal.
func (m *Membership) CastBanVote(v store.BanVote) error {
	return m.st.PutBanVote(v)
}

// EvaluateBanQuorum applies the type-specific quorum rule and
// reports whether the proposal passed and whether it is now resolved
// (passed, rejected, or expired) and should stop being evaluated.
func (m *Membership) EvaluateBanQuorum(p store.BanProposal, now int64) (passed bool, resolved bool) {
	memberCount := m.st.VotingMemberCount()
	if memberCount == 0 {
		return false, false
	}
	votes := m.st.ListBanVotes(p.ProposalID)

	switch p.ProposalType {
	case store.ProposalSettlementGaming:
		if now < p.ExpiresAt {
			return false, false
		}
		reject := 0
		for _, v := range votes {
			if v.Vote == store.VoteReject {
				reject++
			}
		}
		effectiveApprove := memberCount - reject
		if float64(effectiveApprove)/float64(memberCount) >= m.cfg.StandardBanQuorum {
			return true, true
		}
		return false, true

	default: // standard
		approve := 0
		for _, v := range votes {
			if v.Vote == store.VoteApprove {
				approve++
			}
		}
		if float64(approve)/float64(memberCount) >= m.cfg.StandardBanQuorum {
			return true, true
		}
		if now >= p.ExpiresAt {
			return false, true
		}
		return false, false
	}
}

// ApplyBanPass executes the consequences of a passed ban proposal: insert
// the Ban row, clear pending intents against the target, and abort any
// in-flight settlement/splice sessions involving it. canceller/aborter
// may be nil in tests that don't exercise those side effects.
func (m *Membership) ApplyBanPass(p store.BanProposal, now int64, canceller IntentCanceller, aborter SessionAborter) error {
	if err := m.st.PutBan(store.Ban{
		PeerID:   p.Target,
		Reason:   p.Reason,
		Reporter: p.Proposer,
		BannedAt: now,
	}); err != nil {
		return fmt.Errorf("membership: insert ban: %w", err)
	}
	p.Status = store.ProposalPassed
	if err := m.st.PutBanProposal(p); err != nil {
		return fmt.Errorf("membership: mark proposal passed: %w", err)
	}
	if canceller != nil {
		if err := canceller.CancelIntentsForTarget(p.Target, now); err != nil {
			m.log.WithError(err).Warn("membership: cancel intents for banned peer")
		}
	}
	if aborter != nil {
		if err := aborter.AbortSessionsInvolving(p.Target); err != nil {
			m.log.WithError(err).Warn("membership: abort sessions for banned peer")
		}
	}
	return nil
}

// ApplyBanReject marks a proposal rejected or expired without side
// effects.
func (m *Membership) ApplyBanReject(p store.BanProposal, status store.ProposalStatus) error {
	p.Status = status
	return m.st.PutBanProposal(p)
}

// HandleMemberLeft processes a voluntary departure: deletes the member
// row and lets callers drop any associated caches.
func (m *Membership) HandleMemberLeft(peerID string) error {
	return m.st.DeleteMember(peerID)
}
