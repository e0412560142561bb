package wire

// Session-class payloads: task delegation and cooperative splicing. Both
// protocols run point-to-point between two members and carry their own
// session identifiers and timeouts.

// TaskRequestPayload delegates a named task (rebalance leg, probe sweep)
// to another member.
type TaskRequestPayload struct {
	TaskID      string `json:"task_id"`
	RequesterID string `json:"requester_id"`
	TaskType    string `json:"task_type"`
	ParamsJSON  string `json:"params_json,omitempty"`
	DeadlineAt  int64  `json:"deadline_at"`
}

func ValidateTaskRequestPayload(p TaskRequestPayload) bool {
	if p.TaskID == "" || len(p.TaskID) > 128 || !validPubkey(p.RequesterID) {
		return false
	}
	return p.TaskType != "" && p.DeadlineAt > 0
}

// TaskResponsePayload reports a delegated task's outcome.
type TaskResponsePayload struct {
	TaskID      string `json:"task_id"`
	ResponderID string `json:"responder_id"`
	Status      string `json:"status"` // accepted | completed | failed | rejected
	ResultJSON  string `json:"result_json,omitempty"`
}

func ValidateTaskResponsePayload(p TaskResponsePayload) bool {
	if p.TaskID == "" || !validPubkey(p.ResponderID) {
		return false
	}
	switch p.Status {
	case "accepted", "completed", "failed", "rejected":
		return true
	default:
		return false
	}
}

// SpliceInitRequestPayload opens a cooperative splice session.
type SpliceInitRequestPayload struct {
	SessionID    string `json:"session_id"`
	InitiatorID  string `json:"initiator_id"`
	ChannelPeer  string `json:"channel_peer"`
	DeltaSats    int64  `json:"delta_sats"` // positive = splice-in, negative = splice-out
	FeeRateSatVB uint64 `json:"fee_rate_sat_vb"`
	ExpiresAt    int64  `json:"expires_at"`
}

func ValidateSpliceInitRequestPayload(p SpliceInitRequestPayload) bool {
	if p.SessionID == "" || len(p.SessionID) > 128 {
		return false
	}
	if !validPubkey(p.InitiatorID) || !validPubkey(p.ChannelPeer) {
		return false
	}
	return p.DeltaSats != 0 && p.ExpiresAt > 0
}

// SpliceInitResponsePayload accepts or declines a splice session.
type SpliceInitResponsePayload struct {
	SessionID   string `json:"session_id"`
	ResponderID string `json:"responder_id"`
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
}

func ValidateSpliceInitResponsePayload(p SpliceInitResponsePayload) bool {
	return p.SessionID != "" && validPubkey(p.ResponderID) && len(p.Reason) <= MaxReasonLen
}

// SpliceUpdatePayload carries a PSBT round within an open session.
type SpliceUpdatePayload struct {
	SessionID  string `json:"session_id"`
	SenderID   string `json:"sender_id"`
	PSBTBase64 string `json:"psbt_base64"`
	Round      int    `json:"round"`
}

func ValidateSpliceUpdatePayload(p SpliceUpdatePayload) bool {
	if p.SessionID == "" || !validPubkey(p.SenderID) {
		return false
	}
	return p.PSBTBase64 != "" && p.Round >= 0
}

// SpliceSignedPayload carries the final signed transaction.
type SpliceSignedPayload struct {
	SessionID  string `json:"session_id"`
	SenderID   string `json:"sender_id"`
	TxHex      string `json:"tx_hex"`
	TxID       string `json:"txid,omitempty"`
}

func ValidateSpliceSignedPayload(p SpliceSignedPayload) bool {
	return p.SessionID != "" && validPubkey(p.SenderID) && p.TxHex != ""
}

// SpliceAbortPayload tears a session down from either side.
type SpliceAbortPayload struct {
	SessionID string `json:"session_id"`
	SenderID  string `json:"sender_id"`
	Reason    string `json:"reason,omitempty"`
}

func ValidateSpliceAbortPayload(p SpliceAbortPayload) bool {
	return p.SessionID != "" && validPubkey(p.SenderID) && len(p.Reason) <= MaxReasonLen
}
