package coordinator

// Settlement orchestration: ISO-week period arithmetic, the proposer
// election and proposal lifecycle, quorum evaluation, idempotent plan
// execution and the hard double-settlement guard.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hivecore/internal/identity"
	"hivecore/internal/settlement"
	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// PeriodFor returns the ISO-week key YYYY-WNN for a point in time.
func PeriodFor(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PreviousPeriod returns the period key of the ISO week before t's.
func PreviousPeriod(t time.Time) string {
	return PeriodFor(t.UTC().AddDate(0, 0, -7))
}

// PeriodBounds returns a period's start (Monday 00:00 UTC) and end (the
// following Monday) as Unix seconds.
func PeriodBounds(period string) (start, end int64, err error) {
	var year, week int
	if _, err := fmt.Sscanf(period, "%d-W%d", &year, &week); err != nil {
		return 0, 0, fmt.Errorf("coordinator: bad period %q: %w", period, err)
	}
	if week < 1 || week > 53 {
		return 0, 0, fmt.Errorf("coordinator: bad week in period %q", period)
	}
	// January 4th is always inside ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7 // days since Monday
	week1Monday := jan4.AddDate(0, 0, -offset)
	s := week1Monday.AddDate(0, 0, (week-1)*7)
	e := s.AddDate(0, 0, 7)
	return s.Unix(), e.Unix(), nil
}

// SubmitFeeReport records and broadcasts our own per-period fee report,
// typically invoked by the host integration once per accounting pass.
func (c *Coordinator) SubmitFeeReport(feesEarnedSats, forwardCount, rebalanceCostSats uint64) error {
	now := c.st.NowTime()
	period := PeriodFor(now)
	start, end, err := PeriodBounds(period)
	if err != nil {
		return err
	}
	report := store.FeeReport{
		PeerID:            c.cfg.SelfPeerID,
		Period:            period,
		FeesEarnedSats:    feesEarnedSats,
		ForwardCount:      forwardCount,
		RebalanceCostSats: rebalanceCostSats,
		PeriodStart:       start,
		PeriodEnd:         end,
		ReceivedAt:        now.Unix(),
	}
	if err := c.Settle.RecordFeeReport(report); err != nil {
		return err
	}
	rp := wire.FeeReportPayload{
		PeerID:            report.PeerID,
		Period:            report.Period,
		FeesEarnedSats:    report.FeesEarnedSats,
		ForwardCount:      report.ForwardCount,
		RebalanceCostSats: report.RebalanceCostSats,
		PeriodStart:       report.PeriodStart,
		PeriodEnd:         report.PeriodEnd,
	}
	sig, err := c.signPayload(wire.GetFeeReportSigningPayload(rp))
	if err != nil {
		return fmt.Errorf("coordinator: sign fee report: %w", err)
	}
	rp.Signature = sig
	_, err = c.broadcastReliable(wire.TypeFeeReport, rp)
	return err
}

func (c *Coordinator) handleSettlementPropose(raw json.RawMessage, now int64) error {
	p, ok := decode[wire.SettlementProposePayload](raw)
	if !ok || !wire.ValidateSettlementProposePayload(p) {
		return errInvalid{wire.TypeSettlementPropose}
	}
	// Already-settled periods are a no-op success on the receive path:
	// the ACK clears the sender's outbox.
	if c.st.IsPeriodSettled(p.Period) {
		return nil
	}
	if _, exists := c.st.GetSettlementProposal(p.ProposalID); !exists {
		if err := c.st.PutSettlementProposal(store.SettlementProposal{
			ProposalID:        p.ProposalID,
			Period:            p.Period,
			Proposer:          p.Proposer,
			ProposedAt:        now,
			ExpiresAt:         now + c.cfg.Settlement.ProposalTTL,
			Status:            store.ProposalPending,
			DataHash:          p.DataHash,
			PlanHash:          p.PlanHash,
			TotalFeesSats:     p.TotalFeesSats,
			MemberCount:       p.MemberCount,
			ContributionsJSON: p.ContributionsRaw,
		}); err != nil {
			return err
		}
	}
	proposal, _ := c.st.GetSettlementProposal(p.ProposalID)

	// Independent recomputation from our own fee-report store: a match
	// earns our signed ready vote, a mismatch an abstention with a
	// divergence log.
	matches, err := c.Settle.VerifyProposal(proposal)
	if err != nil {
		return err
	}
	if !matches {
		c.log.WithField("proposal_id", p.ProposalID).
			Warn("coordinator: settlement data hash diverges from local recomputation, abstaining")
		return nil
	}
	return c.castReadyVote(proposal, now)
}

func (c *Coordinator) castReadyVote(proposal store.SettlementProposal, now int64) error {
	rp := wire.SettlementReadyPayload{
		ProposalID: proposal.ProposalID,
		DataHash:   proposal.DataHash,
		Voter:      c.cfg.SelfPeerID,
	}
	sig, err := c.signPayload(wire.GetSettlementReadySigningPayload(rp))
	if err != nil {
		return fmt.Errorf("coordinator: sign ready vote: %w", err)
	}
	rp.Signature = sig
	if err := c.Settle.CastReadyVote(store.ReadyVote{
		ProposalID: proposal.ProposalID,
		Voter:      rp.Voter,
		DataHash:   proposal.DataHash,
		VotedAt:    now,
		Signature:  sig,
	}); err != nil {
		return err
	}
	if _, err := c.broadcastReliable(wire.TypeSettlementReady, rp); err != nil {
		return err
	}
	return c.evaluateReadyQuorum(proposal, now)
}

func (c *Coordinator) handleSettlementReady(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.SettlementReadyPayload](raw)
	if !ok || !wire.ValidateSettlementReadyPayload(p) {
		return errInvalid{wire.TypeSettlementReady}
	}
	signing, err := wire.GetSettlementReadySigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.Voter, from); err != nil {
		return err
	}
	if err := c.Settle.CastReadyVote(store.ReadyVote{
		ProposalID: p.ProposalID,
		Voter:      p.Voter,
		DataHash:   p.DataHash,
		VotedAt:    now,
		Signature:  p.Signature,
	}); err != nil {
		return err
	}
	proposal, ok := c.st.GetSettlementProposal(p.ProposalID)
	if !ok {
		return nil
	}
	return c.evaluateReadyQuorum(proposal, now)
}

// evaluateReadyQuorum promotes a proposal to ready once votes cross the
// quorum fraction, then schedules our own payment leg if we owe.
func (c *Coordinator) evaluateReadyQuorum(proposal store.SettlementProposal, now int64) error {
	if proposal.Status != store.ProposalPending {
		return nil
	}
	if !c.Settle.EvaluateReadyQuorum(proposal) {
		return nil
	}
	if err := c.Settle.MarkReady(proposal); err != nil {
		return err
	}
	proposal.Status = store.ProposalReady

	owes, err := c.selfOwes(proposal)
	if err != nil {
		return err
	}
	if !owes {
		return nil
	}
	switch c.cfg.Mode {
	case ModeAutonomous:
		return c.executePaymentPlan(proposal.ProposalID)
	default:
		return c.queueAction("settlement_payment", c.cfg.SelfPeerID, map[string]string{
			"proposal_id": proposal.ProposalID,
			"period":      proposal.Period,
		}, now)
	}
}

// selfOwes reports whether our balance in the proposal is negative.
func (c *Coordinator) selfOwes(proposal store.SettlementProposal) (bool, error) {
	contributions, err := parseContributions(proposal)
	if err != nil {
		return false, err
	}
	for _, contrib := range contributions {
		if contrib.PeerID == c.cfg.SelfPeerID {
			return contrib.BalanceSats < 0, nil
		}
	}
	return false, nil
}

func parseContributions(proposal store.SettlementProposal) ([]settlement.Contribution, error) {
	if proposal.ContributionsJSON == "" {
		return nil, nil
	}
	var out []settlement.Contribution
	if err := json.Unmarshal([]byte(proposal.ContributionsJSON), &out); err != nil {
		return nil, fmt.Errorf("coordinator: parse contributions: %w", err)
	}
	return out, nil
}

// executePaymentPlan pays our legs of a ready proposal's plan. Each leg is
// journaled before and after payment so a crashed executor resumes
// instead of double-paying.
func (c *Coordinator) executePaymentPlan(proposalID string) error {
	proposal, ok := c.st.GetSettlementProposal(proposalID)
	if !ok {
		return fmt.Errorf("coordinator: settlement proposal %s not found", proposalID)
	}
	// the is_period_settled check comes before mutating any payment
	// state.
	if c.st.IsPeriodSettled(proposal.Period) {
		c.log.WithField("period", proposal.Period).Info("coordinator: period already settled, skipping execution")
		return nil
	}
	if c.ln == nil {
		return fmt.Errorf("coordinator: no payment backend wired for settlement execution")
	}
	contributions, err := parseContributions(proposal)
	if err != nil {
		return err
	}
	plan := c.Settle.PaymentPlan(contributions)

	journal := make(map[string]store.SubPayment)
	for _, sp := range c.st.ListSubPayments(proposalID) {
		journal[sp.From+"|"+sp.To] = sp
	}

	now := c.st.Now()
	var paidTotal uint64
	var lastPaymentHash string
	for _, leg := range plan {
		if leg.From != c.cfg.SelfPeerID {
			continue
		}
		if sp, ok := journal[leg.From+"|"+leg.To]; ok && sp.Status == "paid" {
			paidTotal += sp.AmountSats
			continue
		}
		// payments go to the payee's registered BOLT12 offer; a member
		// without one cannot be paid, so the leg is left pending for a
		// retry once the offer shows up.
		offer, ok := c.st.GetOffer(leg.To)
		if !ok {
			c.log.WithField("peer_id", leg.To).Warn("coordinator: payee has no registered offer, skipping leg")
			continue
		}
		if err := c.Settle.RecordSubPayment(store.SubPayment{
			ProposalID: proposalID,
			From:       leg.From,
			To:         leg.To,
			AmountSats: leg.AmountSats,
			Status:     "pending",
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
		invoice, err := c.ln.FetchInvoice(c.baseCtx(), offer, leg.AmountSats*1000)
		if err != nil {
			return fmt.Errorf("coordinator: fetch invoice for %s: %w", leg.To, err)
		}
		paymentHash, err := c.ln.Pay(c.baseCtx(), invoice)
		if err != nil {
			return fmt.Errorf("coordinator: pay %s: %w", leg.To, err)
		}
		if err := c.Settle.RecordSubPayment(store.SubPayment{
			ProposalID: proposalID,
			From:       leg.From,
			To:         leg.To,
			AmountSats: leg.AmountSats,
			Status:     "paid",
			UpdatedAt:  c.st.Now(),
		}); err != nil {
			return err
		}
		paidTotal += leg.AmountSats
		lastPaymentHash = paymentHash
	}

	xp := wire.SettlementExecutedPayload{
		ProposalID:     proposalID,
		Executor:       c.cfg.SelfPeerID,
		PaymentHash:    lastPaymentHash,
		AmountPaidSats: paidTotal,
		PlanHash:       proposal.PlanHash,
	}
	sig, err := c.signPayload(wire.GetSettlementExecutedSigningPayload(xp))
	if err != nil {
		return fmt.Errorf("coordinator: sign execution: %w", err)
	}
	xp.Signature = sig
	if err := c.Settle.RecordExecution(store.Execution{
		ProposalID:     proposalID,
		Executor:       xp.Executor,
		PaymentHash:    xp.PaymentHash,
		AmountPaidSats: xp.AmountPaidSats,
		ExecutedAt:     c.st.Now(),
		Signature:      sig,
		PlanHash:       proposal.PlanHash,
	}); err != nil {
		return err
	}
	if _, err := c.broadcastReliable(wire.TypeSettlementExecuted, xp); err != nil {
		return err
	}
	return c.maybeClosePeriod(proposal)
}

func (c *Coordinator) handleSettlementExecuted(from string, raw json.RawMessage, now int64) error {
	p, ok := decode[wire.SettlementExecutedPayload](raw)
	if !ok || !wire.ValidateSettlementExecutedPayload(p) {
		return errInvalid{wire.TypeSettlementExecuted}
	}
	signing, err := wire.GetSettlementExecutedSigningPayload(p)
	if err != nil {
		return err
	}
	if err := identity.CheckIdentityBinding(c.verify, signing, p.Signature, p.Executor, from); err != nil {
		return err
	}
	proposal, ok := c.st.GetSettlementProposal(p.ProposalID)
	if !ok {
		return nil
	}
	// consult the double-settlement guard before mutating anything.
	if c.st.IsPeriodSettled(proposal.Period) {
		return nil
	}
	if err := c.Settle.RecordExecution(store.Execution{
		ProposalID:     p.ProposalID,
		Executor:       p.Executor,
		PaymentHash:    p.PaymentHash,
		AmountPaidSats: p.AmountPaidSats,
		ExecutedAt:     now,
		Signature:      p.Signature,
		PlanHash:       p.PlanHash,
	}); err != nil {
		return err
	}
	return c.maybeClosePeriod(proposal)
}

// maybeClosePeriod closes the period once every owing member has
// reported execution. The settled_periods primary key is the hard
// anti-double-settlement guard; losing the race is not an error.
func (c *Coordinator) maybeClosePeriod(proposal store.SettlementProposal) error {
	contributions, err := parseContributions(proposal)
	if err != nil {
		return err
	}
	executed := make(map[string]bool)
	for _, x := range c.st.ListExecutions(proposal.ProposalID) {
		executed[x.Executor] = true
	}
	for _, contrib := range contributions {
		if contrib.BalanceSats < 0 && !executed[contrib.PeerID] {
			return nil
		}
	}
	already, err := c.Settle.ClosePeriod(proposal.Period, c.st.Now())
	if err != nil {
		return err
	}
	if already {
		c.log.WithField("period", proposal.Period).Debug("coordinator: period was already settled")
	} else {
		c.log.WithField("period", proposal.Period).Info("coordinator: settlement period closed")
	}
	return nil
}

// settlementTick drives the per-period lifecycle: proposer election for
// the just-ended period, rebroadcast of pending proposals, quorum
// re-evaluation and gaming detection.
func (c *Coordinator) settlementTick(now int64) error {
	period := PreviousPeriod(c.st.NowTime())

	if !c.st.IsPeriodSettled(period) {
		if _, exists := c.st.GetSettlementProposalByPeriod(period); !exists {
			reports := c.st.ListFeeReportsForPeriod(period)
			if proposer, ok := settlement.ElectProposer(reports); ok && proposer == c.cfg.SelfPeerID {
				if err := c.proposeSettlement(period, now); err != nil {
					return err
				}
			}
		}
	}

	for _, proposal := range c.st.ListSettlementProposalsByStatus(store.ProposalPending) {
		if c.st.IsPeriodSettled(proposal.Period) {
			continue
		}
		if proposal.Proposer == c.cfg.SelfPeerID && c.Settle.ShouldRebroadcast(proposal, now) {
			if err := c.rebroadcastProposal(proposal, now); err != nil {
				c.log.WithError(err).Warn("coordinator: rebroadcast settlement proposal")
			}
		}
		if err := c.evaluateReadyQuorum(proposal, now); err != nil {
			c.log.WithError(err).Warn("coordinator: re-evaluate settlement quorum")
		}
		c.detectGaming(proposal, now)
	}
	for _, proposal := range c.st.ListSettlementProposalsByStatus(store.ProposalReady) {
		c.detectGaming(proposal, now)
	}
	return nil
}

func (c *Coordinator) proposeSettlement(period string, now int64) error {
	proposal, err := c.Settle.ProposeSettlement(uuid.NewString(), period, c.cfg.SelfPeerID, now)
	if err != nil {
		return err
	}
	if proposal.MemberCount == 0 {
		return nil // nothing to settle this period
	}
	if _, err := c.broadcastReliable(wire.TypeSettlementPropose, wire.SettlementProposePayload{
		ProposalID:       proposal.ProposalID,
		Period:           proposal.Period,
		Proposer:         proposal.Proposer,
		DataHash:         proposal.DataHash,
		PlanHash:         proposal.PlanHash,
		TotalFeesSats:    proposal.TotalFeesSats,
		MemberCount:      proposal.MemberCount,
		ContributionsRaw: proposal.ContributionsJSON,
	}); err != nil {
		return err
	}
	return c.castReadyVote(proposal, now)
}

func (c *Coordinator) rebroadcastProposal(proposal store.SettlementProposal, now int64) error {
	if _, err := c.broadcastReliable(wire.TypeSettlementPropose, wire.SettlementProposePayload{
		ProposalID:       proposal.ProposalID,
		Period:           proposal.Period,
		Proposer:         proposal.Proposer,
		DataHash:         proposal.DataHash,
		PlanHash:         proposal.PlanHash,
		TotalFeesSats:    proposal.TotalFeesSats,
		MemberCount:      proposal.MemberCount,
		ContributionsRaw: proposal.ContributionsJSON,
	}); err != nil {
		return err
	}
	return c.Settle.MarkRebroadcast(proposal, now)
}

// detectGaming raises settlement_gaming ban proposals against members
// that ignored a proposal past the grace period.
func (c *Coordinator) detectGaming(proposal store.SettlementProposal, now int64) {
	if now-proposal.ProposedAt < c.cfg.SettlementGraceSeconds {
		return
	}
	contributions, err := parseContributions(proposal)
	if err != nil || len(contributions) == 0 {
		return
	}
	for _, peerID := range c.Settle.NonParticipants(proposal, contributions) {
		if peerID == c.cfg.SelfPeerID {
			continue
		}
		if c.st.IsBanned(peerID, now) {
			continue
		}
		if c.hasOpenGamingProposal(peerID) {
			continue
		}
		if c.cfg.Mode == ModeAutonomous && c.cfg.BanAutotriggerEnabled {
			if _, err := c.ProposeBan(peerID, "ignored settlement "+proposal.Period, store.ProposalSettlementGaming); err != nil {
				c.log.WithError(err).Warn("coordinator: propose settlement_gaming ban")
			}
			continue
		}
		if err := c.queueAction("ban_proposal", peerID, map[string]string{
			"reason": "ignored settlement " + proposal.Period,
			"type":   string(store.ProposalSettlementGaming),
		}, now); err != nil {
			c.log.WithError(err).Warn("coordinator: queue settlement_gaming action")
		}
	}
}

func (c *Coordinator) hasOpenGamingProposal(target string) bool {
	for _, p := range c.st.ListBanProposalsByStatus(store.ProposalPending) {
		if p.Target == target && p.ProposalType == store.ProposalSettlementGaming {
			return true
		}
	}
	// a queued-but-undecided action also counts as open
	for _, a := range c.st.ListActionsByStatus(store.ActionPending) {
		if a.ActionType == "ban_proposal" && a.Target == target {
			return true
		}
	}
	return false
}
