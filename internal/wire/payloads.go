package wire

import (
	"fmt"
	"sort"
	"strings"
)

// Structural bounds enforced by validate_<type>_payload.
const (
	PubkeyHexLen       = 66 // 33-byte compressed secp256k1 pubkey, hex-encoded
	MaxReasonLen       = 256
	MaxPeersInSnapshot = 500
	MaxTopologyPeers   = 2000
	MaxFeatureStrings  = 64
)

func validPubkey(s string) bool {
	if len(s) != PubkeyHexLen {
		return false
	}
	if !strings.HasPrefix(s, "02") && !strings.HasPrefix(s, "03") {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// PeerRecord is the shape nested peer lists in signing payloads take. Lists
// of PeerRecord must be sorted by PeerID before canonical encoding.
type PeerRecord struct {
	PeerID  string `json:"peer_id"`
	Version uint64 `json:"version,omitempty"`
	Tier    string `json:"tier,omitempty"`
}

// SortPeerRecords sorts a slice of PeerRecord by PeerID in place, as required
// before computing a reproducible signing payload.
func SortPeerRecords(recs []PeerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].PeerID < recs[j].PeerID })
}

// HelloPayload advertises a node's supported protocol version range.
type HelloPayload struct {
	PeerID            string `json:"peer_id"`
	SupportedVersions [2]uint8 `json:"supported_versions"`
}

func ValidateHelloPayload(p HelloPayload) bool {
	if !validPubkey(p.PeerID) {
		return false
	}
	lo, hi := p.SupportedVersions[0], p.SupportedVersions[1]
	return lo <= hi && hi >= MinSupportedVersion && lo <= MaxSupportedVersion
}

// AttestPayload is a capability manifest broadcast on join.
type AttestPayload struct {
	PeerID   string   `json:"peer_id"`
	Features []string `json:"features"`
}

func ValidateAttestPayload(p AttestPayload) bool {
	if !validPubkey(p.PeerID) {
		return false
	}
	if len(p.Features) > MaxFeatureStrings {
		return false
	}
	for _, f := range p.Features {
		if len(f) == 0 || len(f) > 64 {
			return false
		}
	}
	return true
}

// IntentPayload announces an intended action for the Intent Lock protocol.
type IntentPayload struct {
	ID         string `json:"id"`
	IntentType string `json:"intent_type"`
	Target     string `json:"target"`
	Initiator  string `json:"initiator_pubkey"`
	Timestamp  int64  `json:"timestamp"`
}

func ValidateIntentPayload(p IntentPayload) bool {
	if p.ID == "" || len(p.ID) > 128 {
		return false
	}
	if p.IntentType == "" || len(p.Target) == 0 || len(p.Target) > 128 {
		return false
	}
	if !validPubkey(p.Initiator) {
		return false
	}
	return p.Timestamp > 0
}

// GetIntentSigningPayload returns the canonical string signed over an intent
// announcement's identity fields. Signing payloads are built over maps so
// CanonicalJSON sorts the keys; a fixed-order struct would bake the field
// order into the signature and break cross-implementation verification.
func GetIntentSigningPayload(p IntentPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":            "INTENT",
		"id":               p.ID,
		"intent_type":      p.IntentType,
		"target":           p.Target,
		"initiator_pubkey": p.Initiator,
		"timestamp":        p.Timestamp,
	})
}

// IntentAbortPayload aborts a previously announced intent.
type IntentAbortPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func ValidateIntentAbortPayload(p IntentAbortPayload) bool {
	return p.ID != "" && len(p.Reason) <= MaxReasonLen
}

// BanProposalPayload opens a ban vote.
type BanProposalPayload struct {
	ProposalID   string `json:"proposal_id"`
	Target       string `json:"target"`
	Reason       string `json:"reason"`
	Proposer     string `json:"proposer"`
	ProposalType string `json:"proposal_type"`
	ProposedAt   int64  `json:"proposed_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Signature    string `json:"signature,omitempty"`
}

func ValidateBanProposalPayload(p BanProposalPayload) bool {
	if p.ProposalID == "" || !validPubkey(p.Target) || !validPubkey(p.Proposer) {
		return false
	}
	if len(p.Reason) > MaxReasonLen {
		return false
	}
	switch p.ProposalType {
	case "standard", "settlement_gaming":
	default:
		return false
	}
	return p.ExpiresAt > p.ProposedAt
}

func GetBanProposalSigningPayload(p BanProposalPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":         "BAN_PROPOSAL",
		"proposal_id":   p.ProposalID,
		"target":        p.Target,
		"reason":        p.Reason,
		"proposer":      p.Proposer,
		"proposal_type": p.ProposalType,
		"proposed_at":   p.ProposedAt,
		"expires_at":    p.ExpiresAt,
	})
}

// BanVotePayload casts one member's vote on a ban proposal.
type BanVotePayload struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter_peer_id"`
	Vote       string `json:"vote"`
	VotedAt    int64  `json:"voted_at"`
	Signature  string `json:"signature"`
}

func ValidateBanVotePayload(p BanVotePayload) bool {
	if p.ProposalID == "" || !validPubkey(p.Voter) {
		return false
	}
	return p.Vote == "approve" || p.Vote == "reject"
}

func GetBanVoteSigningPayload(p BanVotePayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":         "BAN_VOTE",
		"proposal_id":   p.ProposalID,
		"voter_peer_id": p.Voter,
		"vote":          p.Vote,
		"voted_at":      p.VotedAt,
	})
}

// PromotionRequestPayload asks the hive to consider a neophyte for promotion.
type PromotionRequestPayload struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

func ValidatePromotionRequestPayload(p PromotionRequestPayload) bool {
	return p.RequestID != "" && validPubkey(p.Target)
}

// VouchPayload is a signed endorsement toward a promotion quorum.
type VouchPayload struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Voucher   string `json:"voucher"`
	Signature string `json:"signature"`
}

func ValidateVouchPayload(p VouchPayload) bool {
	return p.RequestID != "" && validPubkey(p.Target) && validPubkey(p.Voucher)
}

func GetVouchSigningPayload(p VouchPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":      "VOUCH",
		"request_id": p.RequestID,
		"target":     p.Target,
		"voucher":    p.Voucher,
	})
}

// PromotionPayload announces a neophyte crossed the vouch quorum.
type PromotionPayload struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

func ValidatePromotionPayload(p PromotionPayload) bool {
	return p.RequestID != "" && validPubkey(p.Target)
}

// MemberLeftPayload is a signed voluntary-departure notice.
type MemberLeftPayload struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func ValidateMemberLeftPayload(p MemberLeftPayload) bool {
	return validPubkey(p.PeerID) && p.Timestamp > 0
}

func GetMemberLeftSigningPayload(p MemberLeftPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":     "MEMBER_LEFT",
		"peer_id":   p.PeerID,
		"timestamp": p.Timestamp,
	})
}

// FeeReportPayload is a member's self-reported fee accounting for a period.
type FeeReportPayload struct {
	PeerID            string `json:"peer_id"`
	Period            string `json:"period"`
	FeesEarnedSats    uint64 `json:"fees_earned_sats"`
	ForwardCount      uint64 `json:"forward_count"`
	RebalanceCostSats uint64 `json:"rebalance_costs_sats"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	Signature         string `json:"signature,omitempty"`
}

func ValidateFeeReportPayload(p FeeReportPayload) bool {
	if !validPubkey(p.PeerID) || p.Period == "" {
		return false
	}
	return p.PeriodEnd > p.PeriodStart
}

// GetFeeReportSigningPayload covers the full report, not just its identity
// tuple: the figures feed the settlement fair-share split, so a signature
// over identity alone would leave the amounts forgeable in transit.
func GetFeeReportSigningPayload(p FeeReportPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":                "FEE_REPORT",
		"peer_id":              p.PeerID,
		"period":               p.Period,
		"fees_earned_sats":     p.FeesEarnedSats,
		"forward_count":        p.ForwardCount,
		"rebalance_costs_sats": p.RebalanceCostSats,
		"period_start":         p.PeriodStart,
		"period_end":           p.PeriodEnd,
	})
}

// GossipPayload carries one node's state entry for threshold/heartbeat
// broadcasts.
type GossipPayload struct {
	PeerID        string            `json:"peer_id"`
	CapacitySats  uint64            `json:"capacity_sats"`
	AvailableSats uint64            `json:"available_sats"`
	FeePolicy     map[string]any    `json:"fee_policy"`
	Topology      []string          `json:"topology"`
	Version       uint64            `json:"version"`
	LastGossip    int64             `json:"last_gossip"`
}

func ValidateGossipPayload(p GossipPayload) bool {
	if !validPubkey(p.PeerID) {
		return false
	}
	if p.AvailableSats > p.CapacitySats {
		return false
	}
	return len(p.Topology) <= MaxTopologyPeers
}

// StateHashPayload exchanges hive-wide drift digests for anti-entropy.
type StateHashPayload struct {
	PeerID         string `json:"peer_id"`
	StateHash      string `json:"state_hash"`
	MembershipHash string `json:"membership_hash"`
}

func ValidateStateHashPayload(p StateHashPayload) bool {
	return validPubkey(p.PeerID) && p.StateHash != ""
}

// FullSyncRequestPayload asks a peer for its complete HiveMap.
type FullSyncRequestPayload struct {
	RequesterID string `json:"requester_id"`
}

func ValidateFullSyncRequestPayload(p FullSyncRequestPayload) bool {
	return validPubkey(p.RequesterID)
}

// FullSyncResponsePayload carries a peer's full HiveMap snapshot.
type FullSyncResponsePayload struct {
	ResponderID string          `json:"responder_id"`
	Entries     []GossipPayload `json:"entries"`
}

func ValidateFullSyncResponsePayload(p FullSyncResponsePayload) bool {
	if !validPubkey(p.ResponderID) {
		return false
	}
	return len(p.Entries) <= MaxPeersInSnapshot
}

// SettlementProposePayload opens a weekly settlement round.
type SettlementProposePayload struct {
	ProposalID       string `json:"proposal_id"`
	Period           string `json:"period"`
	Proposer         string `json:"proposer"`
	DataHash         string `json:"data_hash"`
	PlanHash         string `json:"plan_hash,omitempty"`
	TotalFeesSats    uint64 `json:"total_fees_sats"`
	MemberCount      int    `json:"member_count"`
	ContributionsRaw string `json:"contributions_json,omitempty"`
}

func ValidateSettlementProposePayload(p SettlementProposePayload) bool {
	if p.ProposalID == "" || p.Period == "" || !validPubkey(p.Proposer) {
		return false
	}
	return p.DataHash != "" && p.MemberCount >= 0
}

func GetSettlementProposeSigningPayload(p SettlementProposePayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":       "SETTLEMENT_PROPOSE",
		"proposal_id": p.ProposalID,
		"period":      p.Period,
		"data_hash":   p.DataHash,
	})
}

// SettlementReadyPayload signals a member independently reproduced the
// proposal's data_hash.
type SettlementReadyPayload struct {
	ProposalID string `json:"proposal_id"`
	DataHash   string `json:"data_hash"`
	Voter      string `json:"voter"`
	Signature  string `json:"signature"`
}

func ValidateSettlementReadyPayload(p SettlementReadyPayload) bool {
	return p.ProposalID != "" && p.DataHash != "" && validPubkey(p.Voter)
}

func GetSettlementReadySigningPayload(p SettlementReadyPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":       "SETTLEMENT_READY",
		"proposal_id": p.ProposalID,
		"data_hash":   p.DataHash,
		"voter":       p.Voter,
	})
}

// SettlementExecutedPayload reports a member completed its payment plan.
type SettlementExecutedPayload struct {
	ProposalID     string `json:"proposal_id"`
	Executor       string `json:"executor"`
	PaymentHash    string `json:"payment_hash,omitempty"`
	AmountPaidSats uint64 `json:"amount_paid_sats,omitempty"`
	PlanHash       string `json:"plan_hash,omitempty"`
	Signature      string `json:"signature"`
}

func ValidateSettlementExecutedPayload(p SettlementExecutedPayload) bool {
	return p.ProposalID != "" && validPubkey(p.Executor)
}

func GetSettlementExecutedSigningPayload(p SettlementExecutedPayload) ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"_type":        "SETTLEMENT_EXECUTED",
		"proposal_id":  p.ProposalID,
		"executor":     p.Executor,
		"payment_hash": p.PaymentHash,
	})
}

// MsgAckPayload explicitly acknowledges receipt/processing of a message.
type MsgAckPayload struct {
	MsgID  string `json:"msg_id"`
	Status string `json:"status"` // ok | invalid | retry_later
}

func ValidateMsgAckPayload(p MsgAckPayload) bool {
	switch p.Status {
	case "ok", "invalid", "retry_later":
	default:
		return false
	}
	return p.MsgID != ""
}

// ErrFieldOutOfRange is returned by callers that wrap a failed
// validate_<type>_payload check with additional context.
func ErrFieldOutOfRange(typ Type) error {
	return fmt.Errorf("wire: %s payload failed validation", typ)
}
