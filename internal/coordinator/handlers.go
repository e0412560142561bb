package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"hivecore/internal/idempotency"
	"hivecore/internal/identity"
	"hivecore/internal/relay"
	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// decode unmarshals a frame payload into a concrete payload struct.
// Unknown keys are ignored and missing optionals default, the best-effort
// tolerance in-range-but-unexpected versions get.
func decode[T any](raw json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// HandleInbound is the full inbound pipeline: framing →
// ban/membership gate → rate limit → idempotency → dispatch. path is the
// relay path the transport envelope accumulated.
func (c *Coordinator) HandleInbound(fromPeerID string, path []string, raw []byte) {
	frame, err := wire.Deserialize(raw)
	if err != nil {
		c.log.WithError(err).WithField("peer_id", fromPeerID).Warn("coordinator: drop undecodable frame")
		return
	}
	now := c.st.Now()

	if c.st.IsBanned(fromPeerID, now) {
		c.log.WithField("peer_id", fromPeerID).Debug("coordinator: drop frame from banned peer")
		return
	}

	// Outsiders may only introduce themselves.
	if _, known := c.st.GetMember(fromPeerID); !known {
		switch frame.Type {
		case wire.TypeHello, wire.TypeAttest:
		default:
			c.log.WithFields(logrus.Fields{"peer_id": fromPeerID, "type": frame.Type.String()}).
				Warn("coordinator: drop non-introduction frame from non-member")
			return
		}
	}

	if !c.allowRate(fromPeerID, frame.Type, now) {
		c.log.WithFields(logrus.Fields{"peer_id": fromPeerID, "type": frame.Type.String()}).
			Debug("coordinator: rate-limited")
		return
	}

	msgID := extractMsgID(frame.Payload)

	// The event ID is generated up front but only recorded after the
	// handler succeeds, so a message that fails validation or identity
	// binding does not burn its identity tuple for a later valid retry.
	var eventID string
	if idempotency.Tracked(frame.Type) {
		id, err := idempotency.GenerateEventID(frame.Type, frame.Payload)
		if err != nil {
			c.log.WithError(err).Warn("coordinator: event id")
			c.countErr()
			return
		}
		if c.st.HasEvent(id) {
			// duplicate: still ACK so the sender clears its outbox.
			c.sendAck(fromPeerID, msgID, "ok")
			return
		}
		eventID = id
	}

	// A domain response implicitly acks its request.
	if err := c.Outbox.ProcessImplicitAck(fromPeerID, frame.Type, frame.Payload); err != nil {
		c.log.WithError(err).Debug("coordinator: implicit ack")
	}

	if err := c.dispatch(fromPeerID, path, frame, now); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"peer_id": fromPeerID, "type": frame.Type.String()}).
			Warn("coordinator: handler error")
		c.countErr()
		var inv errInvalid
		if errors.As(err, &inv) {
			c.sendAck(fromPeerID, msgID, "invalid")
		}
		return
	}
	if eventID != "" {
		if _, err := c.st.CheckAndRecordEvent(eventID, frame.Type.String(), fromPeerID, now); err != nil {
			c.log.WithError(err).Warn("coordinator: record event")
			c.countErr()
		}
	}
	c.sendAck(fromPeerID, msgID, "ok")
}

// errInvalid tags a structural-validation failure so the pipeline can
// NACK it.
type errInvalid struct{ typ wire.Type }

func (e errInvalid) Error() string { return "coordinator: invalid " + e.typ.String() + " payload" }

func (c *Coordinator) dispatch(from string, path []string, frame *wire.Frame, now int64) error {
	switch frame.Type {
	case wire.TypeHello:
		return c.handleHello(from, frame.Payload, now)
	case wire.TypeAttest:
		return c.handleAttest(from, frame.Payload, now)
	case wire.TypeGossip:
		return c.handleGossip(from, path, frame, now)
	case wire.TypeStateHash:
		return c.handleStateHash(from, frame.Payload, now)
	case wire.TypeFullSyncRequest:
		return c.handleFullSyncRequest(from, frame.Payload)
	case wire.TypeFullSyncResponse:
		return c.handleFullSyncResponse(frame.Payload)
	case wire.TypeIntent:
		return c.handleIntent(frame.Payload, now)
	case wire.TypeIntentAbort:
		return c.handleIntentAbort(frame.Payload)
	case wire.TypePromotionRequest:
		return c.handlePromotionRequest(frame.Payload, now)
	case wire.TypeVouch:
		return c.handleVouch(from, frame.Payload, now)
	case wire.TypePromotion:
		return c.handlePromotion(frame.Payload, now)
	case wire.TypeMemberLeft:
		return c.handleMemberLeft(from, frame.Payload)
	case wire.TypeBanProposal:
		return c.handleBanProposal(from, frame.Payload, now)
	case wire.TypeBanVote:
		return c.handleBanVote(from, frame.Payload, now)
	case wire.TypeFeeReport:
		return c.handleFeeReport(from, frame.Payload, now)
	case wire.TypeSettlementPropose:
		return c.handleSettlementPropose(frame.Payload, now)
	case wire.TypeSettlementReady:
		return c.handleSettlementReady(from, frame.Payload, now)
	case wire.TypeSettlementExecuted:
		return c.handleSettlementExecuted(from, frame.Payload, now)
	case wire.TypeMsgAck:
		return c.handleMsgAck(from, frame.Payload)
	case wire.TypeFeeIntelligenceSnapshot:
		return c.handleFeeIntelligence(frame.Payload, now)
	case wire.TypeLiquidityNeed:
		return c.handleLiquidityNeed(frame.Payload, now)
	case wire.TypeLiquiditySnapshot:
		return c.handleLiquiditySnapshot(frame.Payload, now)
	case wire.TypeRouteProbe:
		return c.handleRouteProbe(frame.Payload)
	case wire.TypeRouteProbeBatch:
		return c.handleRouteProbeBatch(frame.Payload)
	case wire.TypePeerReputationSnapshot:
		return c.handleReputationSnapshot(frame.Payload, now)
	case wire.TypeHealthReport:
		return c.handleHealthReport(frame.Payload, now)
	case wire.TypeTaskRequest:
		return c.handleTaskRequest(frame.Payload, now)
	case wire.TypeTaskResponse:
		return c.handleTaskResponse(frame.Payload)
	case wire.TypeSpliceInitRequest:
		return c.handleSpliceInitRequest(frame.Payload, now)
	case wire.TypeSpliceInitResponse:
		return c.handleSpliceInitResponse(frame.Payload, now)
	case wire.TypeSpliceInitUpdate:
		return c.handleSpliceUpdate(frame.Payload)
	case wire.TypeSpliceInitSigned:
		return c.handleSpliceSigned(frame.Payload)
	case wire.TypeSpliceInitAbort:
		return c.handleSpliceAbort(frame.Payload)
	default:
		// Deserialize already rejected unknown types; nothing to do.
		return nil
	}
}

func (c *Coordinator) handleHello(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.HelloPayload](raw)
	if !ok || !wire.ValidateHelloPayload(p) {
		return errInvalid{wire.TypeHello}
	}
	effective := wire.EffectiveVersion(wire.MaxSupportedVersion, p.SupportedVersions[1])
	c.verMu.Lock()
	c.peerVersions[p.PeerID] = effective
	c.verMu.Unlock()
	if _, known := c.st.GetMember(from); known {
		return c.st.UpdateMemberPresence(from, now, nil)
	}
	return nil
}

func (c *Coordinator) handleAttest(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.AttestPayload](raw)
	if !ok || !wire.ValidateAttestPayload(p) {
		return errInvalid{wire.TypeAttest}
	}
	if p.PeerID != from {
		return identityMismatch(p.PeerID, from)
	}
	return c.Members.HandleAttest(p.PeerID, now)
}

func identityMismatch(claimed, transport string) error {
	return errIdentity{claimed: claimed, transport: transport}
}

type errIdentity struct{ claimed, transport string }

func (e errIdentity) Error() string {
	return "coordinator: identity binding failed: claimed " + e.claimed + " transport " + e.transport
}

func (c *Coordinator) handleGossip(from string, path []string, frame *wire.Frame, now int64) error {
	p, ok := decode[wire.GossipPayload](frame.Payload)
	if !ok || !wire.ValidateGossipPayload(p) {
		return errInvalid{wire.TypeGossip}
	}

	// Relay first: dedup window drops re-gossip regardless of merge
	// outcome. TTL remaining is inferred from the accumulated path.
	canon, err := wire.CanonicalJSON(p)
	if err == nil {
		env := relay.Envelope{TTL: relay.DefaultTTL - len(path), Path: append(append([]string{}, path...), from)}
		raw, serr := wire.Serialize(frame.Version, wire.TypeGossip, frame.Payload)
		if serr == nil {
			if _, _, rerr := c.Relay.Receive(canon, env, raw, c.cfg.SelfPeerID, c.st.NowTime()); rerr != nil {
				c.log.WithError(rerr).Debug("coordinator: relay gossip")
			}
		}
	}

	_, err = c.Sync.MergeIncoming(store.PeerState{
		PeerID:        p.PeerID,
		CapacitySats:  p.CapacitySats,
		AvailableSats: p.AvailableSats,
		FeePolicy:     p.FeePolicy,
		Topology:      p.Topology,
		LastGossip:    p.LastGossip,
		Version:       p.Version,
	})
	if err != nil {
		return err
	}
	if _, known := c.st.GetMember(p.PeerID); known {
		return c.st.UpdateMemberPresence(p.PeerID, now, nil)
	}
	return nil
}

func (c *Coordinator) handleStateHash(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.StateHashPayload](raw)
	if !ok || !wire.ValidateStateHashPayload(p) {
		return errInvalid{wire.TypeStateHash}
	}
	needsSync, err := c.Sync.EvaluatePeer(from, p.StateHash, p.MembershipHash, now)
	if err != nil {
		return err
	}
	if !needsSync {
		return nil
	}
	return c.sendDirect(from, wire.TypeFullSyncRequest, wire.FullSyncRequestPayload{RequesterID: c.cfg.SelfPeerID})
}

func (c *Coordinator) handleFullSyncRequest(from string, raw json.RawMessage) error {
	p, ok := decode[wire.FullSyncRequestPayload](raw)
	if !ok || !wire.ValidateFullSyncRequestPayload(p) {
		return errInvalid{wire.TypeFullSyncRequest}
	}
	entries := c.Sync.BuildFullSyncResponse()
	out := make([]wire.GossipPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.GossipPayload{
			PeerID:        e.PeerID,
			CapacitySats:  e.CapacitySats,
			AvailableSats: e.AvailableSats,
			FeePolicy:     e.FeePolicy,
			Topology:      e.Topology,
			Version:       e.Version,
			LastGossip:    e.LastGossip,
		})
	}
	return c.sendDirect(from, wire.TypeFullSyncResponse, wire.FullSyncResponsePayload{
		ResponderID: c.cfg.SelfPeerID,
		Entries:     out,
	})
}

func (c *Coordinator) handleFullSyncResponse(raw json.RawMessage) error {
	p, ok := decode[wire.FullSyncResponsePayload](raw)
	if !ok || !wire.ValidateFullSyncResponsePayload(p) {
		return errInvalid{wire.TypeFullSyncResponse}
	}
	entries := make([]store.PeerState, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, store.PeerState{
			PeerID:        e.PeerID,
			CapacitySats:  e.CapacitySats,
			AvailableSats: e.AvailableSats,
			FeePolicy:     e.FeePolicy,
			Topology:      e.Topology,
			LastGossip:    e.LastGossip,
			Version:       e.Version,
		})
	}
	applied, err := c.Sync.ApplyFullSyncResponse(entries)
	if err != nil {
		return err
	}
	if applied > 0 {
		c.log.WithField("applied", applied).Info("coordinator: full sync advanced local view")
	}
	return nil
}

func (c *Coordinator) handleIntent(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.IntentPayload](raw)
	if !ok || !wire.ValidateIntentPayload(p) {
		return errInvalid{wire.TypeIntent}
	}
	return c.Intents.ReceiveRemote(store.Intent{
		ID:         p.ID,
		IntentType: p.IntentType,
		Target:     p.Target,
		Initiator:  p.Initiator,
		Timestamp:  p.Timestamp,
		ExpiresAt:  p.Timestamp + c.cfg.Intent.HoldSeconds,
		Status:     store.IntentPending,
	}, now)
}

func (c *Coordinator) handleIntentAbort(raw json.RawMessage) error {
	p, ok := decode[wire.IntentAbortPayload](raw)
	if !ok || !wire.ValidateIntentAbortPayload(p) {
		return errInvalid{wire.TypeIntentAbort}
	}
	it, ok := c.st.GetIntent(p.ID)
	if !ok {
		return nil
	}
	if it.Status != store.IntentPending {
		return nil // terminal states are sticky
	}
	it.Status = store.IntentAborted
	it.Reason = p.Reason
	return c.st.PutIntent(it)
}

func (c *Coordinator) handlePromotionRequest(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.PromotionRequestPayload](raw)
	if !ok || !wire.ValidatePromotionRequestPayload(p) {
		return errInvalid{wire.TypePromotionRequest}
	}
	if err := c.Members.HandlePromotionRequest(p.RequestID, p.Target, now); err != nil {
		return err
	}

	// We only vouch if we hold voting tier ourselves.
	self, ok := c.st.GetMember(c.cfg.SelfPeerID)
	if !ok || self.Tier != store.TierMember {
		return nil
	}
	vouched, err := c.Members.EvaluateAndVouch(p.RequestID, p.Target, c.cfg.SelfPeerID, now)
	if err != nil || !vouched {
		return err
	}
	vp := wire.VouchPayload{RequestID: p.RequestID, Target: p.Target, Voucher: c.cfg.SelfPeerID}
	sig, err := c.signPayload(wire.GetVouchSigningPayload(vp))
	if err != nil {
		return err
	}
	vp.Signature = sig
	_, err = c.broadcastReliable(wire.TypeVouch, vp)
	return err
}

func (c *Coordinator) handleVouch(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.VouchPayload](raw)
	if !ok || !wire.ValidateVouchPayload(p) {
		return errInvalid{wire.TypeVouch}
	}
	signing, err := wire.GetVouchSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.Voucher, from); err != nil {
		return err
	}
	if err := c.st.PutVouch(store.Vouch{
		RequestID: p.RequestID,
		Target:    p.Target,
		Voucher:   p.Voucher,
		VouchedAt: now,
		Signature: p.Signature,
	}); err != nil {
		return err
	}
	if !c.Members.QuorumReached(p.RequestID) {
		return nil
	}
	if target, ok := c.st.GetMember(p.Target); ok && target.Tier == store.TierMember {
		return nil // already promoted
	}
	// Any member may announce the promotion; idempotency collapses the
	// duplicates.
	_, err = c.broadcastReliable(wire.TypePromotion, wire.PromotionPayload{RequestID: p.RequestID, Target: p.Target})
	if err != nil {
		return err
	}
	return c.Members.ApplyPromotion(p.Target, now)
}

func (c *Coordinator) handlePromotion(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.PromotionPayload](raw)
	if !ok || !wire.ValidatePromotionPayload(p) {
		return errInvalid{wire.TypePromotion}
	}
	return c.Members.ApplyPromotion(p.Target, now)
}

func (c *Coordinator) handleMemberLeft(from string, raw json.RawMessage) error {
	p, ok := decode[wire.MemberLeftPayload](raw)
	if !ok || !wire.ValidateMemberLeftPayload(p) {
		return errInvalid{wire.TypeMemberLeft}
	}
	signing, err := wire.GetMemberLeftSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.PeerID, from); err != nil {
		return err
	}
	if err := c.Members.HandleMemberLeft(p.PeerID); err != nil {
		return err
	}
	if err := c.st.DeletePeerState(p.PeerID); err != nil {
		return err
	}
	if err := c.st.DeactivateOffer(p.PeerID); err != nil {
		return err
	}
	return c.Intel.DropReporter(p.PeerID)
}

func (c *Coordinator) handleBanProposal(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.BanProposalPayload](raw)
	if !ok || !wire.ValidateBanProposalPayload(p) {
		return errInvalid{wire.TypeBanProposal}
	}
	signing, err := wire.GetBanProposalSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.Proposer, from); err != nil {
		return err
	}
	if err := c.Members.HandleBanProposal(store.BanProposal{
		ProposalID:   p.ProposalID,
		Target:       p.Target,
		Proposer:     p.Proposer,
		Reason:       p.Reason,
		ProposedAt:   p.ProposedAt,
		ExpiresAt:    p.ExpiresAt,
		Status:       store.ProposalPending,
		ProposalType: store.ProposalType(p.ProposalType),
	}); err != nil {
		return err
	}

	// Our own vote. Autonomous nodes vote from local evidence only;
	// advisor nodes queue the decision for the operator.
	switch c.cfg.Mode {
	case ModeAutonomous:
		target, ok := c.st.GetMember(p.Target)
		if ok && target.LeechFlagged {
			return c.CastBanVote(p.ProposalID, store.VoteApprove)
		}
		// no local evidence: abstain on standard proposals; actively
		// reject would require operator judgment.
		return nil
	default:
		return c.queueAction("ban_vote", p.Target, map[string]string{
			"proposal_id": p.ProposalID,
			"reason":      p.Reason,
			"type":        p.ProposalType,
		}, now)
	}
}

func (c *Coordinator) handleBanVote(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.BanVotePayload](raw)
	if !ok || !wire.ValidateBanVotePayload(p) {
		return errInvalid{wire.TypeBanVote}
	}
	signing, err := wire.GetBanVoteSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.Voter, from); err != nil {
		return err
	}
	if err := c.Members.CastBanVote(store.BanVote{
		ProposalID: p.ProposalID,
		Voter:      p.Voter,
		Vote:       store.Vote(p.Vote),
		VotedAt:    p.VotedAt,
		Signature:  p.Signature,
	}); err != nil {
		return err
	}
	proposal, ok := c.st.GetBanProposal(p.ProposalID)
	if !ok || proposal.Status != store.ProposalPending {
		return nil
	}
	return c.evaluateBanProposal(proposal, now)
}

// evaluateBanProposal applies quorum rules and executes the consequences
// of a pass.
func (c *Coordinator) evaluateBanProposal(p store.BanProposal, now int64) error {
	passed, resolved := c.Members.EvaluateBanQuorum(p, now)
	if !resolved {
		return nil
	}
	if !passed {
		status := store.ProposalRejected
		if now >= p.ExpiresAt {
			status = store.ProposalExpired
		}
		return c.Members.ApplyBanReject(p, status)
	}
	if err := c.Members.ApplyBanPass(p, now, c.Intents, c.Sessions); err != nil {
		return err
	}
	if err := c.Intel.DropReporter(p.Target); err != nil {
		c.log.WithError(err).Warn("coordinator: drop banned reporter intelligence")
	}
	c.stateMu.Lock()
	c.banStateChanged = true
	c.stateMu.Unlock()
	return nil
}

func (c *Coordinator) handleFeeReport(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.FeeReportPayload](raw)
	if !ok || !wire.ValidateFeeReportPayload(p) {
		return errInvalid{wire.TypeFeeReport}
	}
	// Fee figures feed the fair-share split that moves real sats, so the
	// report must be signed by the peer it claims to account for.
	signing, err := wire.GetFeeReportSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.PeerID, from); err != nil {
		return err
	}
	return c.Settle.RecordFeeReport(store.FeeReport{
		PeerID:             p.PeerID,
		Period:             p.Period,
		FeesEarnedSats:     p.FeesEarnedSats,
		ForwardCount:       p.ForwardCount,
		RebalanceCostSats:  p.RebalanceCostSats,
		PeriodStart:        p.PeriodStart,
		PeriodEnd:          p.PeriodEnd,
		ReceivedAt:         now,
	})
}

func (c *Coordinator) handleMsgAck(from string, raw json.RawMessage) error {
	p, ok := decode[wire.MsgAckPayload](raw)
	if !ok || !wire.ValidateMsgAckPayload(p) {
		return errInvalid{wire.TypeMsgAck}
	}
	return c.Outbox.ProcessAck(p.MsgID, from, p.Status)
}

func (c *Coordinator) handleFeeIntelligence(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.FeeIntelligenceSnapshotPayload](raw)
	if !ok || !wire.ValidateFeeIntelligenceSnapshotPayload(p) {
		return errInvalid{wire.TypeFeeIntelligenceSnapshot}
	}
	return c.Intel.HandleFeeIntelligence(p, now)
}

func (c *Coordinator) handleLiquidityNeed(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.LiquidityNeedPayload](raw)
	if !ok || !wire.ValidateLiquidityNeedPayload(p) {
		return errInvalid{wire.TypeLiquidityNeed}
	}
	c.Intel.HandleLiquidityNeed(p, now)
	return nil
}

func (c *Coordinator) handleLiquiditySnapshot(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.LiquiditySnapshotPayload](raw)
	if !ok || !wire.ValidateLiquiditySnapshotPayload(p) {
		return errInvalid{wire.TypeLiquiditySnapshot}
	}
	return c.Intel.HandleLiquiditySnapshot(p, now)
}

func (c *Coordinator) handleRouteProbe(raw json.RawMessage) error {
	p, ok := decode[wire.RouteProbePayload](raw)
	if !ok || !wire.ValidateRouteProbePayload(p) {
		return errInvalid{wire.TypeRouteProbe}
	}
	return c.Intel.HandleRouteProbe(p)
}

func (c *Coordinator) handleRouteProbeBatch(raw json.RawMessage) error {
	p, ok := decode[wire.RouteProbeBatchPayload](raw)
	if !ok || !wire.ValidateRouteProbeBatchPayload(p) {
		return errInvalid{wire.TypeRouteProbeBatch}
	}
	return c.Intel.HandleRouteProbeBatch(p)
}

func (c *Coordinator) handleReputationSnapshot(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.PeerReputationSnapshotPayload](raw)
	if !ok || !wire.ValidatePeerReputationSnapshotPayload(p) {
		return errInvalid{wire.TypePeerReputationSnapshot}
	}
	return c.Intel.HandleReputationSnapshot(p, now)
}

func (c *Coordinator) handleHealthReport(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.HealthReportPayload](raw)
	if !ok || !wire.ValidateHealthReportPayload(p) {
		return errInvalid{wire.TypeHealthReport}
	}
	return c.Intel.HandleHealthReport(p, now)
}

func (c *Coordinator) handleTaskRequest(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.TaskRequestPayload](raw)
	if !ok || !wire.ValidateTaskRequestPayload(p) {
		return errInvalid{wire.TypeTaskRequest}
	}
	rejectReason, err := c.Sessions.HandleTaskRequest(p, now)
	if err != nil {
		return err
	}
	if rejectReason != "" {
		return c.sendDirect(p.RequesterID, wire.TypeTaskResponse, wire.TaskResponsePayload{
			TaskID:      p.TaskID,
			ResponderID: c.cfg.SelfPeerID,
			Status:      "rejected",
			ResultJSON:  `{"reason":"` + rejectReason + `"}`,
		})
	}
	// Execution is an operator decision; queue it.
	return c.queueAction("task_request", p.RequesterID, map[string]string{
		"task_id":   p.TaskID,
		"task_type": p.TaskType,
	}, now)
}

func (c *Coordinator) handleTaskResponse(raw json.RawMessage) error {
	p, ok := decode[wire.TaskResponsePayload](raw)
	if !ok || !wire.ValidateTaskResponsePayload(p) {
		return errInvalid{wire.TypeTaskResponse}
	}
	return c.Sessions.HandleTaskResponse(p)
}

func (c *Coordinator) handleSpliceInitRequest(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.SpliceInitRequestPayload](raw)
	if !ok || !wire.ValidateSpliceInitRequestPayload(p) {
		return errInvalid{wire.TypeSpliceInitRequest}
	}
	if err := c.Sessions.HandleInitRequest(p, now); err != nil {
		return err
	}
	return c.queueAction("splice_init", p.InitiatorID, map[string]string{
		"session_id": p.SessionID,
	}, now)
}

func (c *Coordinator) handleSpliceInitResponse(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.SpliceInitResponsePayload](raw)
	if !ok || !wire.ValidateSpliceInitResponsePayload(p) {
		return errInvalid{wire.TypeSpliceInitResponse}
	}
	return c.Sessions.HandleInitResponse(p, now)
}

func (c *Coordinator) handleSpliceUpdate(raw json.RawMessage) error {
	p, ok := decode[wire.SpliceUpdatePayload](raw)
	if !ok || !wire.ValidateSpliceUpdatePayload(p) {
		return errInvalid{wire.TypeSpliceInitUpdate}
	}
	return c.Sessions.HandleUpdate(p)
}

func (c *Coordinator) handleSpliceSigned(raw json.RawMessage) error {
	p, ok := decode[wire.SpliceSignedPayload](raw)
	if !ok || !wire.ValidateSpliceSignedPayload(p) {
		return errInvalid{wire.TypeSpliceInitSigned}
	}
	return c.Sessions.HandleSigned(p)
}

func (c *Coordinator) handleSpliceAbort(raw json.RawMessage) error {
	p, ok := decode[wire.SpliceAbortPayload](raw)
	if !ok || !wire.ValidateSpliceAbortPayload(p) {
		return errInvalid{wire.TypeSpliceInitAbort}
	}
	return c.Sessions.HandleAbort(p)
}

// sendDirect serializes and sends one frame outside the outbox, for
// request/response exchanges that are cheap to re-derive (state hashes,
// full syncs).
func (c *Coordinator) sendDirect(peerID string, typ wire.Type, payload any) error {
	raw, err := wire.Serialize(wire.MaxSupportedVersion, typ, payload)
	if err != nil {
		return err
	}
	return c.link.Send(c.baseCtx(), peerID, raw)
}

func (c *Coordinator) baseCtx() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}
