// Package idempotency implements the hive's deterministic event-ID log
//: a static identity-field table per message type plus
// check-and-record against the Store, so a replayed or re-relayed message
// is processed at most once.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// identityFields is the compile-time identity table: for each tracked
// message type, the ordered list of payload fields that make up its
// identity tuple.
var identityFields = map[wire.Type][]string{
	wire.TypePromotionRequest:   {"request_id", "target"},
	wire.TypeVouch:              {"request_id", "target", "voucher"},
	wire.TypePromotion:          {"request_id", "target"},
	wire.TypeMemberLeft:         {"peer_id", "timestamp"},
	wire.TypeBanProposal:        {"proposal_id"},
	wire.TypeBanVote:            {"proposal_id", "voter_peer_id"},
	wire.TypeFeeReport:          {"peer_id", "period"},
	wire.TypeSettlementPropose:  {"proposal_id"},
	wire.TypeSettlementReady:    {"proposal_id", "voter"},
	wire.TypeSettlementExecuted: {"proposal_id", "executor"},
	wire.TypeTaskRequest:        {"task_id"},
	wire.TypeTaskResponse:       {"task_id", "responder_id"},
	wire.TypeSpliceInitRequest:  {"session_id"},
	wire.TypeSpliceInitResponse: {"session_id", "responder_id"},
	wire.TypeSpliceInitUpdate:   {"session_id", "round"},
	wire.TypeSpliceInitSigned:   {"session_id"},
	wire.TypeSpliceInitAbort:    {"session_id"},
}

// Tracked reports whether typ's duplicates are tracked via the idempotency
// log. Gossip and overwrite-based intelligence snapshots are deliberately
// excluded — they are naturally idempotent.
func Tracked(typ wire.Type) bool {
	_, ok := identityFields[typ]
	return ok
}

// GenerateEventID returns the first 32 hex chars of
// SHA256(canonical_json({_type, ...identity_fields})).
func GenerateEventID(typ wire.Type, payload json.RawMessage) (string, error) {
	fields, ok := identityFields[typ]
	if !ok {
		return "", fmt.Errorf("idempotency: message type %s is not tracked", typ)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return "", fmt.Errorf("idempotency: unmarshal payload: %w", err)
	}
	identity := make(map[string]json.RawMessage, len(fields)+1)
	typeTag, _ := json.Marshal(typ.String())
	identity["_type"] = typeTag
	for _, f := range fields {
		v, ok := generic[f]
		if !ok {
			return "", fmt.Errorf("idempotency: payload missing identity field %q for %s", f, typ)
		}
		identity[f] = v
	}
	canon, err := wire.CanonicalJSON(identity)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:32], nil
}

// CheckAndRecord generates the event ID for (typ, payload) and attempts to
// record it against st. Returns (isNew, eventID). Duplicate calls with the
// same identity fields always return the same eventID.
func CheckAndRecord(st *store.Store, typ wire.Type, payload json.RawMessage, actorID string, now int64) (isNew bool, eventID string, err error) {
	id, err := GenerateEventID(typ, payload)
	if err != nil {
		return false, "", err
	}
	isNew, err = st.CheckAndRecordEvent(id, typ.String(), actorID, now)
	if err != nil {
		return false, "", err
	}
	return isNew, id, nil
}

// MaxEventAgeSeconds is the retention window for idempotency-log rows.
const MaxEventAgeSeconds = 30 * 24 * 60 * 60

// Prune removes idempotency rows older than MaxEventAgeSeconds relative to
// now, returning the number of rows removed.
func Prune(st *store.Store, now int64) int {
	return st.PruneEventsOlderThan(now - MaxEventAgeSeconds)
}
