// Package store is the hive's single source of truth: durable, concurrent
// persistence for members, intents, peer state, bans, the outbox, the
// idempotency log and settlement data, behind a thread-safe façade
// offering both autocommit calls and a scoped transaction context.
//
// Mutations are appended to a write-ahead log as they happen and replayed
// in full on startup; readers and writers may run concurrently.
package store

import "time"

// Tier is a member's standing in the hive.
type Tier string

const (
	TierNeophyte Tier = "neophyte"
	TierMember   Tier = "member"
)

// Member is a hive participant.
type Member struct {
	PeerID            string            `json:"peer_id"`
	Tier              Tier              `json:"tier"`
	JoinedAt          int64             `json:"joined_at"`
	PromotedAt        int64             `json:"promoted_at,omitempty"`
	ContributionRatio float64           `json:"contribution_ratio"`
	UptimePct         float64           `json:"uptime_pct"`
	VouchCount        int               `json:"vouch_count"`
	LastSeen          int64             `json:"last_seen"`
	Addresses         []string          `json:"addresses,omitempty"`
	LeechFlagged      bool              `json:"leech_flagged"`
	LeechSince        int64             `json:"leech_since,omitempty"`
}

// IntentStatus is a node in the Intent Lock's status DAG. Terminal states
// (Committed, Aborted, Expired, Failed) are sticky.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCommitted IntentStatus = "committed"
	IntentAborted   IntentStatus = "aborted"
	IntentExpired   IntentStatus = "expired"
	IntentFailed    IntentStatus = "failed"
)

// Intent is a single Intent Lock entry, local or remote.
type Intent struct {
	ID         string       `json:"id"`
	IntentType string       `json:"intent_type"`
	Target     string       `json:"target"`
	Initiator  string       `json:"initiator_pubkey"`
	Timestamp  int64        `json:"timestamp"`
	ExpiresAt  int64        `json:"expires_at"`
	Status     IntentStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Local      bool         `json:"local"`
}

// PeerState is a HiveMap entry: a node's cached view of one peer's
// capacity/fee/topology state.
type PeerState struct {
	PeerID        string                 `json:"peer_id"`
	CapacitySats  uint64                 `json:"capacity_sats"`
	AvailableSats uint64                 `json:"available_sats"`
	FeePolicy     map[string]interface{} `json:"fee_policy"`
	Topology      []string               `json:"topology"`
	LastGossip    int64                  `json:"last_gossip"`
	StateHash     string                 `json:"state_hash"`
	Version       uint64                 `json:"version"`
}

// Direction of a contribution ledger event.
type Direction string

const (
	DirForwarded Direction = "forwarded"
	DirReceived  Direction = "received"
)

// ContributionEvent is one settled-forward accounting row.
type ContributionEvent struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peer_id"`
	Direction Direction `json:"direction"`
	AmountSat uint64    `json:"amount_sats"`
	Timestamp int64     `json:"timestamp"`
}

// Ban is an active or historical exclusion row.
type Ban struct {
	PeerID    string `json:"peer_id"`
	Reason    string `json:"reason"`
	Reporter  string `json:"reporter"`
	Signature string `json:"signature,omitempty"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // 0 means permanent
}

// Active reports whether the ban is in force at time now (Unix seconds).
func (b Ban) Active(now int64) bool {
	return b.ExpiresAt == 0 || b.ExpiresAt > now
}

// ProposalType distinguishes the two ban-quorum mechanics.
type ProposalType string

const (
	ProposalStandard          ProposalType = "standard"
	ProposalSettlementGaming  ProposalType = "settlement_gaming"
)

// ProposalStatus is shared by ban and settlement proposals.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalReady    ProposalStatus = "ready"
	ProposalPassed   ProposalStatus = "passed"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// BanProposal is an open or resolved ban vote.
type BanProposal struct {
	ProposalID   string         `json:"proposal_id"`
	Target       string         `json:"target"`
	Proposer     string         `json:"proposer"`
	Reason       string         `json:"reason"`
	ProposedAt   int64          `json:"proposed_at"`
	ExpiresAt    int64          `json:"expires_at"`
	Status       ProposalStatus `json:"status"`
	ProposalType ProposalType   `json:"proposal_type"`
}

// Vote is the approve/reject enum shared by ban votes.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

// BanVote is one member's cast vote on a BanProposal.
type BanVote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Vote       Vote   `json:"vote"`
	VotedAt    int64  `json:"voted_at"`
	Signature  string `json:"signature,omitempty"`
}

// OutboxStatus tracks one per-peer delivery attempt.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSent    OutboxStatus = "sent"
	OutboxAcked   OutboxStatus = "acked"
	OutboxFailed  OutboxStatus = "failed"
	OutboxExpired OutboxStatus = "expired"
)

// OutboxEntry is a single (msg_id, peer_id) delivery row.
type OutboxEntry struct {
	MsgID       string       `json:"msg_id"`
	PeerID      string       `json:"peer_id"`
	MsgType     string       `json:"msg_type"`
	PayloadJSON string       `json:"payload_json"`
	Status      OutboxStatus `json:"status"`
	CreatedAt   int64        `json:"created_at"`
	NextRetryAt int64        `json:"next_retry_at"`
	RetryCount  int          `json:"retry_count"`
	ExpiresAt   int64        `json:"expires_at"`
	LastError   string       `json:"last_error,omitempty"`
}

// Terminal reports whether the entry will never be retried again.
func (e OutboxEntry) Terminal() bool {
	switch e.Status {
	case OutboxAcked, OutboxFailed, OutboxExpired:
		return true
	default:
		return false
	}
}

// ProtoEvent is one idempotency-log row.
type ProtoEvent struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	ActorID    string `json:"actor_id"`
	CreatedAt  int64  `json:"created_at"`
	ReceivedAt int64  `json:"received_at"`
}

// SettlementProposal is one weekly-period settlement round.
type SettlementProposal struct {
	ProposalID        string         `json:"proposal_id"`
	Period            string         `json:"period"`
	Proposer          string         `json:"proposer"`
	ProposedAt        int64          `json:"proposed_at"`
	ExpiresAt         int64          `json:"expires_at"`
	Status            ProposalStatus `json:"status"`
	DataHash          string         `json:"data_hash"`
	PlanHash          string         `json:"plan_hash,omitempty"`
	TotalFeesSats     uint64         `json:"total_fees_sats"`
	MemberCount       int            `json:"member_count"`
	LastBroadcastAt   int64          `json:"last_broadcast_at,omitempty"`
	ContributionsJSON string         `json:"contributions_json,omitempty"`
}

// ReadyVote is one member's SETTLEMENT_READY vote.
type ReadyVote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	DataHash   string `json:"data_hash"`
	VotedAt    int64  `json:"voted_at"`
	Signature  string `json:"signature,omitempty"`
}

// Execution is one member's SETTLEMENT_EXECUTED report.
type Execution struct {
	ProposalID     string `json:"proposal_id"`
	Executor       string `json:"executor"`
	PaymentHash    string `json:"payment_hash,omitempty"`
	AmountPaidSats uint64 `json:"amount_paid_sats,omitempty"`
	ExecutedAt     int64  `json:"executed_at"`
	Signature      string `json:"signature,omitempty"`
	PlanHash       string `json:"plan_hash,omitempty"`
}

// SubPayment journals one leg of a settlement payment plan, keyed by
// (proposal_id, from, to), so a crashed executor can resume instead of
// double-paying.
type SubPayment struct {
	ProposalID string `json:"proposal_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	AmountSats uint64 `json:"amount_sats"`
	Status     string `json:"status"` // pending | paid | failed
	UpdatedAt  int64  `json:"updated_at"`
}

// SettledPeriod is the hard anti-double-settlement guard: one row per
// period, ever.
type SettledPeriod struct {
	Period      string `json:"period"`
	SettledAt   int64  `json:"settled_at"`
}

// FeeReport is a member's fee accounting for one period.
type FeeReport struct {
	PeerID            string `json:"peer_id"`
	Period            string `json:"period"`
	FeesEarnedSats    uint64 `json:"fees_earned_sats"`
	ForwardCount      uint64 `json:"forward_count"`
	RebalanceCostSats uint64 `json:"rebalance_costs_sats"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	ReceivedAt        int64  `json:"received_at"`
}

// PromotionRequest is a neophyte's bid for member tier.
type PromotionRequest struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	CreatedAt int64  `json:"created_at"`
}

// Vouch is one member's signed endorsement of a PromotionRequest.
type Vouch struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Voucher   string `json:"voucher"`
	VouchedAt int64  `json:"vouched_at"`
	Signature string `json:"signature,omitempty"`
}

// Clock abstracts wall-clock time so tests can control it deterministically.
type Clock func() time.Time

// RealClock is the default Clock implementation.
func RealClock() time.Time { return time.Now() }
