// Package wire implements the hive's signed, versioned message protocol:
// framing, the message-type taxonomy, payload validation and the canonical
// signing-payload encoding every signature is computed over.
//
// Framing: 4-byte magic, 1-byte version, 2-byte type code, JSON payload.
// Message-type codes are kept odd so a non-hive plugin sharing the same
// Lightning host's custom-message channel ignores our traffic.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Magic identifies a hive frame: ASCII "HIVE".
const Magic uint32 = 0x48495645

const (
	MinSupportedVersion uint8 = 1
	MaxSupportedVersion uint8 = 1

	// MaxMessageBytes bounds both encode and decode; peers that would
	// exceed it must be dropped from the send path rather than truncated.
	MaxMessageBytes = 1 << 20 // 1 MiB

	frameHeaderLen = 4 + 1 + 2
)

// Type is a hive message-type code. All values are odd.
type Type uint16

const (
	TypeHello                    Type = 1
	TypeAttest                   Type = 3
	TypeGossip                   Type = 5
	TypeFullSyncRequest          Type = 7
	TypeFullSyncResponse         Type = 9
	TypeStateHash                Type = 11
	TypeIntent                   Type = 13
	TypeIntentAbort              Type = 15
	TypePromotionRequest         Type = 17
	TypeVouch                    Type = 19
	TypePromotion                Type = 21
	TypeMemberLeft               Type = 23
	TypeBanProposal              Type = 25
	TypeBanVote                  Type = 27
	TypeFeeReport                Type = 29
	TypeFeeIntelligenceSnapshot  Type = 31
	TypeLiquidityNeed            Type = 33
	TypeLiquiditySnapshot        Type = 35
	TypeRouteProbe               Type = 37
	TypeRouteProbeBatch          Type = 39
	TypePeerReputationSnapshot   Type = 41
	TypeHealthReport             Type = 43
	TypeTaskRequest              Type = 45
	TypeTaskResponse             Type = 47
	TypeSpliceInitRequest        Type = 49
	TypeSpliceInitResponse       Type = 51
	TypeSpliceInitUpdate         Type = 53
	TypeSpliceInitSigned         Type = 55
	TypeSpliceInitAbort          Type = 57
	TypeSettlementPropose        Type = 59
	TypeSettlementReady          Type = 61
	TypeSettlementExecuted       Type = 63
	TypeMsgAck                   Type = 65
)

var typeNames = map[Type]string{
	TypeHello:                   "HELLO",
	TypeAttest:                  "ATTEST",
	TypeGossip:                  "GOSSIP",
	TypeFullSyncRequest:         "FULL_SYNC_REQUEST",
	TypeFullSyncResponse:        "FULL_SYNC_RESPONSE",
	TypeStateHash:               "STATE_HASH",
	TypeIntent:                  "INTENT",
	TypeIntentAbort:             "INTENT_ABORT",
	TypePromotionRequest:        "PROMOTION_REQUEST",
	TypeVouch:                   "VOUCH",
	TypePromotion:               "PROMOTION",
	TypeMemberLeft:              "MEMBER_LEFT",
	TypeBanProposal:             "BAN_PROPOSAL",
	TypeBanVote:                 "BAN_VOTE",
	TypeFeeReport:               "FEE_REPORT",
	TypeFeeIntelligenceSnapshot: "FEE_INTELLIGENCE_SNAPSHOT",
	TypeLiquidityNeed:           "LIQUIDITY_NEED",
	TypeLiquiditySnapshot:       "LIQUIDITY_SNAPSHOT",
	TypeRouteProbe:              "ROUTE_PROBE",
	TypeRouteProbeBatch:         "ROUTE_PROBE_BATCH",
	TypePeerReputationSnapshot:  "PEER_REPUTATION_SNAPSHOT",
	TypeHealthReport:            "HEALTH_REPORT",
	TypeTaskRequest:             "TASK_REQUEST",
	TypeTaskResponse:            "TASK_RESPONSE",
	TypeSpliceInitRequest:       "SPLICE_INIT_REQUEST",
	TypeSpliceInitResponse:      "SPLICE_INIT_RESPONSE",
	TypeSpliceInitUpdate:        "SPLICE_INIT_UPDATE",
	TypeSpliceInitSigned:        "SPLICE_INIT_SIGNED",
	TypeSpliceInitAbort:         "SPLICE_INIT_ABORT",
	TypeSettlementPropose:       "SETTLEMENT_PROPOSE",
	TypeSettlementReady:         "SETTLEMENT_READY",
	TypeSettlementExecuted:      "SETTLEMENT_EXECUTED",
	TypeMsgAck:                  "MSG_ACK",
}

// String returns the taxonomy name for a type code, or a numeric fallback.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TYPE(%d)", uint16(t))
}

// KnownType reports whether t is a recognised message-type code.
func KnownType(t Type) bool {
	_, ok := typeNames[t]
	return ok
}

// Protocol errors. Each is terminal for the offending message: drop, log,
// no retry.
var (
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrBadVersion      = errors.New("wire: unsupported version")
	ErrUnknownType     = errors.New("wire: unknown message type")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrMalformedJSON   = errors.New("wire: malformed json payload")
)

// Frame is a decoded hive message: type code, protocol version and the raw
// JSON payload bytes (already size-checked, not yet unmarshalled into a
// concrete payload struct).
type Frame struct {
	Version uint8
	Type    Type
	Payload json.RawMessage
}

// Serialize encodes a frame to wire bytes. It enforces the same size cap as
// Deserialize: callers whose payload would exceed MaxMessageBytes must drop
// the send rather than truncate it.
func Serialize(version uint8, typ Type, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	if len(body) > MaxMessageBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = version
	binary.BigEndian.PutUint16(buf[5:7], uint16(typ))
	copy(buf[7:], body)
	return buf, nil
}

// Deserialize parses wire bytes into a Frame. Unknown fields in an
// in-range-but-unexpected version payload are left for the caller's
// validate_<type>_payload step to tolerate (best-effort decode).
func Deserialize(raw []byte) (*Frame, error) {
	if len(raw) < frameHeaderLen {
		return nil, ErrBadMagic
	}
	if binary.BigEndian.Uint32(raw[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	version := raw[4]
	if version < MinSupportedVersion || version > MaxSupportedVersion {
		return nil, ErrBadVersion
	}
	typ := Type(binary.BigEndian.Uint16(raw[5:7]))
	if !KnownType(typ) {
		return nil, ErrUnknownType
	}
	body := raw[7:]
	if len(body) > MaxMessageBytes {
		return nil, ErrPayloadTooLarge
	}
	if !json.Valid(body) {
		return nil, ErrMalformedJSON
	}
	return &Frame{Version: version, Type: typ, Payload: json.RawMessage(body)}, nil
}

// EffectiveVersion returns the protocol version to use with a peer given the
// two sides' advertised max-supported versions.
func EffectiveVersion(ourMax, peerMax uint8) uint8 {
	if peerMax < ourMax {
		return peerMax
	}
	return ourMax
}

// CanonicalJSON serializes v the way signing payloads require: sorted keys,
// compact separators. Nested peer lists must already be sorted by peer_id
// by the caller (see SortPeerRecords) before this is invoked, since
// json.Marshal never reorders slices.
func CanonicalJSON(v any) ([]byte, error) {
	// encoding/json already sorts map keys; struct field order follows the
	// struct definition, so identity payloads are defined with a stable,
	// deliberate field order and signing uses maps only for dynamic parts.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return compactSeparators(out), nil
}

// compactSeparators rewrites ", " / ": " produced by json.Marshal-style
// encoders into the compact separators signing payloads require.
// encoding/json already omits the spaces for Marshal, so this is a
// defensive no-op in practice, kept because Encoder historically does not
// guarantee it.
func compactSeparators(b []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(b))
	inString := false
	escaped := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out.WriteByte(c)
		case ' ', '\t', '\n', '\r':
			// drop insignificant whitespace between tokens
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}
