package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// budgetHoldTTLSeconds bounds how long an expansion round may reserve
// liquidity before the hold is swept back.
const budgetHoldTTLSeconds = 3600

// RegisterOffer stores our (or a fleet member's) BOLT12 offer for
// receiving settlement payments.
func (c *Coordinator) RegisterOffer(peerID, bolt12Offer string) error {
	return c.st.RegisterOffer(peerID, bolt12Offer, c.st.Now())
}

// queueAction records a governance decision for operator review. In
// autonomous mode callers should act directly instead; this is the
// advisor/oracle escalation path.
func (c *Coordinator) queueAction(actionType, target string, ctx map[string]string, now int64) error {
	var contextJSON string
	if ctx != nil {
		b, err := json.Marshal(ctx)
		if err != nil {
			return fmt.Errorf("coordinator: marshal action context: %w", err)
		}
		contextJSON = string(b)
	}
	return c.st.PutPendingAction(store.PendingAction{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		Target:      target,
		ContextJSON: contextJSON,
		Status:      store.ActionPending,
		CreatedAt:   now,
	})
}

// AnnounceIntent starts the Intent Lock protocol for an external action:
// persist the local intent and broadcast it reliably.
func (c *Coordinator) AnnounceIntent(intentType, target string) (store.Intent, error) {
	now := c.st.Now()
	it, err := c.Intents.Announce(intentType, target, c.cfg.SelfPeerID, now)
	if err != nil {
		return store.Intent{}, err
	}
	_, err = c.broadcastReliable(wire.TypeIntent, wire.IntentPayload{
		ID:         it.ID,
		IntentType: it.IntentType,
		Target:     it.Target,
		Initiator:  it.Initiator,
		Timestamp:  it.Timestamp,
	})
	if err != nil {
		return store.Intent{}, err
	}
	return it, nil
}

// ProposeBan opens a ban proposal against target and broadcasts it.
func (c *Coordinator) ProposeBan(target, reason string, proposalType store.ProposalType) (string, error) {
	now := c.st.Now()
	p := wire.BanProposalPayload{
		ProposalID:   uuid.NewString(),
		Target:       target,
		Reason:       reason,
		Proposer:     c.cfg.SelfPeerID,
		ProposalType: string(proposalType),
		ProposedAt:   now,
		ExpiresAt:    now + c.cfg.BanVoteTTLSeconds,
	}
	sig, err := c.signPayload(wire.GetBanProposalSigningPayload(p))
	if err != nil {
		return "", fmt.Errorf("coordinator: sign ban proposal: %w", err)
	}
	p.Signature = sig
	if err := c.Members.HandleBanProposal(store.BanProposal{
		ProposalID:   p.ProposalID,
		Target:       p.Target,
		Proposer:     p.Proposer,
		Reason:       p.Reason,
		ProposedAt:   p.ProposedAt,
		ExpiresAt:    p.ExpiresAt,
		Status:       store.ProposalPending,
		ProposalType: proposalType,
	}); err != nil {
		return "", err
	}
	if _, err := c.broadcastReliable(wire.TypeBanProposal, p); err != nil {
		return "", err
	}
	return p.ProposalID, nil
}

// CastBanVote signs, records and broadcasts our vote on a proposal.
func (c *Coordinator) CastBanVote(proposalID string, vote store.Vote) error {
	now := c.st.Now()
	p := wire.BanVotePayload{
		ProposalID: proposalID,
		Voter:      c.cfg.SelfPeerID,
		Vote:       string(vote),
		VotedAt:    now,
	}
	sig, err := c.signPayload(wire.GetBanVoteSigningPayload(p))
	if err != nil {
		return fmt.Errorf("coordinator: sign ban vote: %w", err)
	}
	p.Signature = sig
	if err := c.Members.CastBanVote(store.BanVote{
		ProposalID: proposalID,
		Voter:      p.Voter,
		Vote:       vote,
		VotedAt:    now,
		Signature:  sig,
	}); err != nil {
		return err
	}
	if _, err := c.broadcastReliable(wire.TypeBanVote, p); err != nil {
		return err
	}
	if proposal, ok := c.st.GetBanProposal(proposalID); ok && proposal.Status == store.ProposalPending {
		return c.evaluateBanProposal(proposal, now)
	}
	return nil
}

// Join broadcasts our ATTEST capability manifest, the entry point of the
// Outsider→Neophyte transition. The invite-ticket check is
// performed by the operator surface before calling this.
func (c *Coordinator) Join(features []string) error {
	manifest := append([]string{fmt.Sprintf("proto-v%d", wire.MaxSupportedVersion)}, features...)
	raw, err := wire.Serialize(wire.MaxSupportedVersion, wire.TypeAttest, wire.AttestPayload{
		PeerID:   c.cfg.SelfPeerID,
		Features: manifest,
	})
	if err != nil {
		return err
	}
	return c.link.Broadcast(raw)
}

// RequestPromotion issues our own PROMOTION_REQUEST as a neophyte.
func (c *Coordinator) RequestPromotion() (string, error) {
	requestID := uuid.NewString()
	_, err := c.broadcastReliable(wire.TypePromotionRequest, wire.PromotionRequestPayload{
		RequestID: requestID,
		Target:    c.cfg.SelfPeerID,
	})
	if err != nil {
		return "", err
	}
	return requestID, c.Members.HandlePromotionRequest(requestID, c.cfg.SelfPeerID, c.st.Now())
}

// Leave announces our voluntary departure and stops participating.
func (c *Coordinator) Leave() error {
	p := wire.MemberLeftPayload{PeerID: c.cfg.SelfPeerID, Timestamp: c.st.Now()}
	sig, err := c.signPayload(wire.GetMemberLeftSigningPayload(p))
	if err != nil {
		return fmt.Errorf("coordinator: sign departure: %w", err)
	}
	p.Signature = sig
	if _, err := c.broadcastReliable(wire.TypeMemberLeft, p); err != nil {
		return err
	}
	return c.Members.HandleMemberLeft(c.cfg.SelfPeerID)
}

// ReportOwnState updates our HiveMap entry and broadcasts GOSSIP when a
// threshold trigger fires.
func (c *Coordinator) ReportOwnState(capacitySats, availableSats uint64, feePolicy map[string]any, topology []string) error {
	now := c.st.Now()

	version := c.st.NextPeerStateVersion(c.cfg.SelfPeerID)

	c.stateMu.Lock()
	old := c.ownState
	banChanged := c.banStateChanged
	lastAt := c.lastGossipAt
	next := store.PeerState{
		PeerID:        c.cfg.SelfPeerID,
		CapacitySats:  capacitySats,
		AvailableSats: availableSats,
		FeePolicy:     feePolicy,
		Topology:      topology,
		LastGossip:    now,
		Version:       version,
	}
	c.ownState = next
	c.stateMu.Unlock()

	if _, err := c.st.MergePeerState(next); err != nil {
		return err
	}
	if !c.Sync.ShouldGossip(old, next, lastAt, now, banChanged) {
		return nil
	}
	return c.gossipOwnState(next, now)
}

func (c *Coordinator) gossipOwnState(state store.PeerState, now int64) error {
	raw, err := wire.Serialize(wire.MaxSupportedVersion, wire.TypeGossip, wire.GossipPayload{
		PeerID:        state.PeerID,
		CapacitySats:  state.CapacitySats,
		AvailableSats: state.AvailableSats,
		FeePolicy:     state.FeePolicy,
		Topology:      state.Topology,
		Version:       state.Version,
		LastGossip:    state.LastGossip,
	})
	if err != nil {
		return err
	}
	if err := c.link.Broadcast(raw); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.lastGossipAt = now
	c.banStateChanged = false
	c.stateMu.Unlock()
	return nil
}

// ExecuteAction implements operator.Executor: an approved pending action
// is carried out through the matching coordinator path. Repeat runs of
// ban_vote, settlement_payment and the budget hold are deduplicated (vote
// rows keyed by voter, journaled legs, holds keyed by action ID); a repeat
// ban_proposal opens a further proposal, and a repeat intent announce
// fails while the earlier intent is pending and announces anew after it.
func (c *Coordinator) ExecuteAction(a store.PendingAction) error {
	var ctx map[string]string
	if a.ContextJSON != "" {
		if err := json.Unmarshal([]byte(a.ContextJSON), &ctx); err != nil {
			return fmt.Errorf("coordinator: action context: %w", err)
		}
	}
	switch a.ActionType {
	case "channel_open", "rebalance", "splice":
		// reserve the budget for the round before announcing, so two
		// concurrent expansion rounds cannot claim the same liquidity.
		if amt := ctx["amount_sats"]; amt != "" {
			var sats uint64
			if _, err := fmt.Sscanf(amt, "%d", &sats); err == nil && sats > 0 {
				now := c.st.Now()
				if err := c.st.AcquireBudgetHold(store.BudgetHold{
					HoldID:     a.ID,
					AmountSats: sats,
					Purpose:    a.ActionType + ":" + a.Target,
					CreatedAt:  now,
					ExpiresAt:  now + budgetHoldTTLSeconds,
				}); err != nil {
					return err
				}
			}
		}
		_, err := c.AnnounceIntent(a.ActionType, a.Target)
		return err
	case "ban_proposal":
		_, err := c.ProposeBan(a.Target, ctx["reason"], store.ProposalType(nonEmpty(ctx["type"], string(store.ProposalStandard))))
		return err
	case "ban_vote":
		return c.CastBanVote(ctx["proposal_id"], store.VoteApprove)
	case "settlement_payment":
		return c.executePaymentPlan(ctx["proposal_id"])
	case "task_request", "splice_init":
		// acceptance only; the host executes the actual work
		return nil
	default:
		return fmt.Errorf("coordinator: unknown action type %q", a.ActionType)
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
