// Package settlement implements the hive's weekly fair-share revenue
// distribution: period accounting, canonical-hash proposals, quorum
// voting, idempotent execution and the hard double-settlement guard.
// Shares are normalized across participants and residual dust is
// attributed deterministically so every node reproduces the same plan.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Weights controls the fair-share formula; must sum to 1.0.
type Weights struct {
	Capacity float64 `json:"w_capacity"` // default 0.30
	Forwards float64 `json:"w_forwards"` // default 0.60
	Uptime   float64 `json:"w_uptime"`   // default 0.10
}

// DefaultWeights returns the standard weight split.
func DefaultWeights() Weights {
	return Weights{Capacity: 0.30, Forwards: 0.60, Uptime: 0.10}
}

// Config holds settlement timing/quorum constants.
type Config struct {
	Weights             Weights
	ReadyQuorumFraction float64 // default 0.51
	RebroadcastInterval int64   // default 21600 (6h)
	ProposalTTL         int64   // default e.g. 7 days
	MinPaymentSats      uint64  // dust floor; legs below it are dropped from the plan
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		ReadyQuorumFraction: 0.51,
		RebroadcastInterval: 6 * 60 * 60,
		ProposalTTL:         7 * 24 * 60 * 60,
	}
}

// Contribution is one member's computed settlement line item.
type Contribution struct {
	PeerID            string  `json:"peer_id"`
	FeesEarnedSats    uint64  `json:"fees_earned_sats"`
	ForwardCount      uint64  `json:"forward_count"`
	RebalanceCostSats uint64  `json:"rebalance_costs_sats"`
	CapacitySats      uint64  `json:"capacity_sats"`
	UptimePct         float64 `json:"uptime_pct"`
	FairShareSats     int64   `json:"fair_share_sats"`
	BalanceSats       int64   `json:"balance_sats"` // positive = owed, negative = owes
}

// Engine owns settlement-period accounting and the proposal lifecycle.
type Engine struct {
	st  *store.Store
	cfg Config
	log *logrus.Logger
}

// New wires an Engine to its Store.
func New(st *store.Store, cfg Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{st: st, cfg: cfg, log: log}
}

// ElectProposer deterministically picks the lowest peer_id among members
// that filed a fee report for the period.
func ElectProposer(reports []store.FeeReport) (string, bool) {
	if len(reports) == 0 {
		return "", false
	}
	best := reports[0].PeerID
	for _, r := range reports[1:] {
		if r.PeerID < best {
			best = r.PeerID
		}
	}
	return best, true
}

// RecordFeeReport authoritatively upserts a member's per-period fee
// report.
func (e *Engine) RecordFeeReport(r store.FeeReport) error {
	return e.st.UpsertFeeReport(r)
}

// BuildContributions computes each reporting member's weighted fair
// share and balance for period, normalizing capacity/forwards/uptime
// across the participant set. Residual rounding dust
// is attributed to the largest positive balance.
func (e *Engine) BuildContributions(period string) ([]Contribution, error) {
	reports := e.st.ListFeeReportsForPeriod(period)
	if len(reports) == 0 {
		return nil, nil
	}
	w := e.cfg.Weights
	if s := w.Capacity + w.Forwards + w.Uptime; s < 0.999 || s > 1.001 {
		return nil, fmt.Errorf("settlement: weights must sum to 1.0, got %f", s)
	}

	contributions := make([]Contribution, 0, len(reports))
	var totalFees uint64
	var totalCapacity, totalForwards, totalUptime float64

	for _, r := range reports {
		member, ok := e.st.GetMember(r.PeerID)
		capacitySats := uint64(0)
		uptime := 0.0
		if ok {
			uptime = member.UptimePct
		}
		if ps, ok := e.st.GetPeerState(r.PeerID); ok {
			capacitySats = ps.CapacitySats
		}
		c := Contribution{
			PeerID:            r.PeerID,
			FeesEarnedSats:    r.FeesEarnedSats,
			ForwardCount:      r.ForwardCount,
			RebalanceCostSats: r.RebalanceCostSats,
			CapacitySats:      capacitySats,
			UptimePct:         uptime,
		}
		contributions = append(contributions, c)
		totalFees += r.FeesEarnedSats
		totalCapacity += float64(capacitySats)
		totalForwards += float64(r.ForwardCount)
		totalUptime += uptime
	}

	sort.Slice(contributions, func(i, j int) bool { return contributions[i].PeerID < contributions[j].PeerID })

	var allocated int64
	bestIdx := 0
	for i := range contributions {
		c := &contributions[i]
		capShare := safeShare(float64(c.CapacitySats), totalCapacity)
		fwdShare := safeShare(float64(c.ForwardCount), totalForwards)
		upShare := safeShare(c.UptimePct, totalUptime)
		weighted := w.Capacity*capShare + w.Forwards*fwdShare + w.Uptime*upShare
		fairShare := int64(math.Round(weighted * float64(totalFees)))
		c.FairShareSats = fairShare
		c.BalanceSats = fairShare - int64(c.FeesEarnedSats)
		allocated += fairShare
		if contributions[i].BalanceSats > contributions[bestIdx].BalanceSats {
			bestIdx = i
		}
	}

	// residual dust from integer rounding is attributed to the largest
	// positive balance.
	dust := int64(totalFees) - allocated
	if dust != 0 {
		contributions[bestIdx].FairShareSats += dust
		contributions[bestIdx].BalanceSats += dust
	}

	return contributions, nil
}

func safeShare(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return part / total
}

// DataHash computes SHA256(canonical(contributions)).
func DataHash(contributions []Contribution) (string, error) {
	canon, err := wire.CanonicalJSON(contributions)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// PaymentLeg is one transfer in a settlement's payment plan: from a
// member with a negative balance to one with a positive balance.
type PaymentLeg struct {
	From       string `json:"from"`
	To         string `json:"to"`
	AmountSats uint64 `json:"amount_sats"`
}

// BuildPaymentPlan greedily matches negative-balance payers to
// positive-balance payees, largest amounts first, to minimize the number
// of transfers. The payment primitive belongs to the host; this only
// sizes the legs.
func BuildPaymentPlan(contributions []Contribution) []PaymentLeg {
	type bucket struct {
		peerID string
		amount int64
	}
	var payers, payees []bucket
	for _, c := range contributions {
		if c.BalanceSats < 0 {
			payers = append(payers, bucket{c.PeerID, -c.BalanceSats})
		} else if c.BalanceSats > 0 {
			payees = append(payees, bucket{c.PeerID, c.BalanceSats})
		}
	}
	sort.Slice(payers, func(i, j int) bool { return payers[i].amount > payers[j].amount })
	sort.Slice(payees, func(i, j int) bool { return payees[i].amount > payees[j].amount })

	var legs []PaymentLeg
	i, j := 0, 0
	for i < len(payers) && j < len(payees) {
		amt := payers[i].amount
		if payees[j].amount < amt {
			amt = payees[j].amount
		}
		if amt > 0 {
			legs = append(legs, PaymentLeg{From: payers[i].peerID, To: payees[j].peerID, AmountSats: uint64(amt)})
		}
		payers[i].amount -= amt
		payees[j].amount -= amt
		if payers[i].amount == 0 {
			i++
		}
		if payees[j].amount == 0 {
			j++
		}
	}
	return legs
}

// PaymentPlan builds the plan for a contribution set and drops dust legs
// below the configured floor, so no member burns routing fees delivering
// amounts smaller than the cost of sending them.
func (e *Engine) PaymentPlan(contributions []Contribution) []PaymentLeg {
	plan := BuildPaymentPlan(contributions)
	if e.cfg.MinPaymentSats == 0 {
		return plan
	}
	out := plan[:0]
	for _, leg := range plan {
		if leg.AmountSats < e.cfg.MinPaymentSats {
			continue
		}
		out = append(out, leg)
	}
	return out
}

// PlanHash computes SHA256(canonical(plan)).
func PlanHash(plan []PaymentLeg) (string, error) {
	canon, err := wire.CanonicalJSON(plan)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ProposeSettlement builds, hashes, and persists a new settlement
// proposal for period.
func (e *Engine) ProposeSettlement(proposalID, period, proposer string, now int64) (store.SettlementProposal, error) {
	contributions, err := e.BuildContributions(period)
	if err != nil {
		return store.SettlementProposal{}, err
	}
	dataHash, err := DataHash(contributions)
	if err != nil {
		return store.SettlementProposal{}, fmt.Errorf("settlement: data hash: %w", err)
	}
	plan := e.PaymentPlan(contributions)
	planHash, err := PlanHash(plan)
	if err != nil {
		return store.SettlementProposal{}, fmt.Errorf("settlement: plan hash: %w", err)
	}
	var totalFees uint64
	for _, c := range contributions {
		totalFees += c.FeesEarnedSats
	}
	contribJSON, err := json.Marshal(contributions)
	if err != nil {
		return store.SettlementProposal{}, fmt.Errorf("settlement: marshal contributions: %w", err)
	}

	p := store.SettlementProposal{
		ProposalID:        proposalID,
		Period:            period,
		Proposer:          proposer,
		ProposedAt:        now,
		ExpiresAt:         now + e.cfg.ProposalTTL,
		Status:            store.ProposalPending,
		DataHash:          dataHash,
		PlanHash:          planHash,
		TotalFeesSats:     totalFees,
		MemberCount:       len(contributions),
		LastBroadcastAt:   now,
		ContributionsJSON: string(contribJSON),
	}
	if err := e.st.PutSettlementProposal(p); err != nil {
		return store.SettlementProposal{}, fmt.Errorf("settlement: persist proposal: %w", err)
	}
	return p, nil
}

// VerifyProposal independently recomputes contributions from this node's
// own fee-report store and reports whether the result matches the
// proposal's data_hash.
func (e *Engine) VerifyProposal(p store.SettlementProposal) (matches bool, err error) {
	contributions, err := e.BuildContributions(p.Period)
	if err != nil {
		return false, err
	}
	gotHash, err := DataHash(contributions)
	if err != nil {
		return false, err
	}
	return gotHash == p.DataHash, nil
}

// CastReadyVote records a signed SETTLEMENT_READY vote.
func (e *Engine) CastReadyVote(v store.ReadyVote) error {
	return e.st.PutReadyVote(v)
}

// EvaluateReadyQuorum reports whether ready_votes/member_count has
// reached the quorum fraction.
func (e *Engine) EvaluateReadyQuorum(p store.SettlementProposal) bool {
	if p.MemberCount == 0 {
		return false
	}
	votes := e.st.ListReadyVotes(p.ProposalID)
	matching := 0
	for _, v := range votes {
		if v.DataHash == p.DataHash {
			matching++
		}
	}
	return float64(matching)/float64(p.MemberCount) >= e.cfg.ReadyQuorumFraction
}

// MarkReady transitions a proposal to ready once quorum is reached.
func (e *Engine) MarkReady(p store.SettlementProposal) error {
	p.Status = store.ProposalReady
	return e.st.PutSettlementProposal(p)
}

// RecordExecution journals a member's SETTLEMENT_EXECUTED report,
// idempotently.
func (e *Engine) RecordExecution(x store.Execution) error {
	return e.st.PutExecution(x)
}

// RecordSubPayment journals one payment-plan leg for crash recovery:
// on restart, the executor consults this journal before retrying.
func (e *Engine) RecordSubPayment(p store.SubPayment) error {
	return e.st.PutSubPayment(p)
}

// ClosePeriod inserts the settled_periods row, the hard
// anti-double-settlement guard. Returns
// alreadySettled=true if another settlement beat this one to it.
func (e *Engine) ClosePeriod(period string, now int64) (alreadySettled bool, err error) {
	return e.st.CheckAndMarkPeriodSettled(period, now)
}

// ShouldRebroadcast reports whether a pending proposal's rebroadcast
// interval has elapsed.
func (e *Engine) ShouldRebroadcast(p store.SettlementProposal, now int64) bool {
	if p.Status != store.ProposalPending {
		return false
	}
	return now-p.LastBroadcastAt >= e.cfg.RebroadcastInterval
}

// MarkRebroadcast updates last_broadcast_at after a rebroadcast.
func (e *Engine) MarkRebroadcast(p store.SettlementProposal, now int64) error {
	p.LastBroadcastAt = now
	return e.st.PutSettlementProposal(p)
}

// NonParticipants returns the peer IDs of voting members that neither
// cast a SETTLEMENT_READY vote nor reported a SETTLEMENT_EXECUTED for a
// proposal with a negative balance, the gaming-detection candidate set
// for the coordinator to weigh a settlement_gaming ban proposal against
// after the grace period.
func (e *Engine) NonParticipants(p store.SettlementProposal, contributions []Contribution) []string {
	votes := e.st.ListReadyVotes(p.ProposalID)
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.Voter] = true
	}
	execs := e.st.ListExecutions(p.ProposalID)
	executed := make(map[string]bool, len(execs))
	for _, x := range execs {
		executed[x.Executor] = true
	}

	var out []string
	for _, c := range contributions {
		if voted[c.PeerID] {
			continue
		}
		if c.BalanceSats < 0 && executed[c.PeerID] {
			continue
		}
		out = append(out, c.PeerID)
	}
	return out
}
