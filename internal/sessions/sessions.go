// Package sessions manages the hive's point-to-point negotiation
// protocols: cooperative splicing (SPLICE_INIT_REQUEST through
// SPLICE_INIT_ABORT) and task delegation (TASK_REQUEST/TASK_RESPONSE).
// Each session carries its own deadline; expired sessions are swept by a
// background loop, and splice sessions involving a banned peer are
// aborted immediately.
package sessions

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Task rejection reasons a responder may return instead of accepting.
const (
	TaskRejectBusy         = "busy"
	TaskRejectNoFunds      = "no_funds"
	TaskRejectNoConnection = "no_connection"
	TaskRejectPolicy       = "policy"
)

// Config holds session deadlines and delegation backpressure.
type Config struct {
	SpliceTTLSeconds int64 // default 3600
	TaskTTLSeconds   int64 // default 1800
	MaxPendingTasks  int   // default 10; excess requests are rejected busy
}

// DefaultConfig returns the default session deadlines.
func DefaultConfig() Config {
	return Config{SpliceTTLSeconds: 3600, TaskTTLSeconds: 1800, MaxPendingTasks: 10}
}

// Engine owns the splice and task session state machines.
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

// OpenSplice creates the local row for an outbound splice session.
func (e *Engine) OpenSplice(p wire.SpliceInitRequestPayload, now int64) error {
	expires := p.ExpiresAt
	if expires <= now {
		expires = now + e.cfg.SpliceTTLSeconds
	}
	return e.st.PutSpliceSession(store.SpliceSession{
		SessionID:    p.SessionID,
		InitiatorID:  p.InitiatorID,
		ChannelPeer:  p.ChannelPeer,
		DeltaSats:    p.DeltaSats,
		FeeRateSatVB: p.FeeRateSatVB,
		Status:       store.SessionOpen,
		CreatedAt:    now,
		ExpiresAt:    expires,
	})
}

// HandleInitRequest records an inbound splice opening. Idempotent: a
// session that already exists is left untouched.
func (e *Engine) HandleInitRequest(p wire.SpliceInitRequestPayload, now int64) error {
	if _, ok := e.st.GetSpliceSession(p.SessionID); ok {
		return nil
	}
	return e.OpenSplice(p, now)
}

// HandleInitResponse applies the responder's accept/decline.
func (e *Engine) HandleInitResponse(p wire.SpliceInitResponsePayload, now int64) error {
	sess, ok := e.st.GetSpliceSession(p.SessionID)
	if !ok {
		return fmt.Errorf("sessions: splice session %s not found", p.SessionID)
	}
	if sess.Status != store.SessionOpen {
		return nil
	}
	sess.ResponderID = p.ResponderID
	if p.Accepted {
		sess.Status = store.SessionAccepted
	} else {
		sess.Status = store.SessionAborted
		sess.Reason = p.Reason
	}
	return e.st.PutSpliceSession(sess)
}

// HandleUpdate advances the PSBT round counter on an accepted session.
func (e *Engine) HandleUpdate(p wire.SpliceUpdatePayload) error {
	sess, ok := e.st.GetSpliceSession(p.SessionID)
	if !ok {
		return fmt.Errorf("sessions: splice session %s not found", p.SessionID)
	}
	if sess.Status != store.SessionAccepted {
		return nil
	}
	if p.Round <= sess.Round {
		return nil // stale round, already seen
	}
	sess.Round = p.Round
	return e.st.PutSpliceSession(sess)
}

// HandleSigned marks a session signed; the host broadcast of the splice
// transaction is outside the core.
func (e *Engine) HandleSigned(p wire.SpliceSignedPayload) error {
	sess, ok := e.st.GetSpliceSession(p.SessionID)
	if !ok {
		return fmt.Errorf("sessions: splice session %s not found", p.SessionID)
	}
	switch sess.Status {
	case store.SessionAccepted:
		sess.Status = store.SessionSigned
		return e.st.PutSpliceSession(sess)
	case store.SessionSigned, store.SessionCompleted:
		return nil
	default:
		return fmt.Errorf("sessions: splice session %s cannot sign from status %s", p.SessionID, sess.Status)
	}
}

// HandleAbort tears a session down from either side.
func (e *Engine) HandleAbort(p wire.SpliceAbortPayload) error {
	sess, ok := e.st.GetSpliceSession(p.SessionID)
	if !ok {
		return nil
	}
	switch sess.Status {
	case store.SessionCompleted, store.SessionAborted, store.SessionExpired:
		return nil
	}
	sess.Status = store.SessionAborted
	sess.Reason = p.Reason
	return e.st.PutSpliceSession(sess)
}

// CompleteSplice marks a signed session done once the host confirms the
// transaction made it on-chain.
func (e *Engine) CompleteSplice(sessionID string) error {
	sess, ok := e.st.GetSpliceSession(sessionID)
	if !ok {
		return fmt.Errorf("sessions: splice session %s not found", sessionID)
	}
	sess.Status = store.SessionCompleted
	return e.st.PutSpliceSession(sess)
}

// AbortSessionsInvolving implements membership.SessionAborter: every
// non-terminal splice session touching a banned peer is aborted.
func (e *Engine) AbortSessionsInvolving(peerID string) error {
	for _, sess := range e.st.ListSpliceSessionsInvolving(peerID) {
		sess.Status = store.SessionAborted
		sess.Reason = "peer_banned"
		if err := e.st.PutSpliceSession(sess); err != nil {
			return fmt.Errorf("sessions: abort %s: %w", sess.SessionID, err)
		}
	}
	return nil
}

// SweepExpired expires overdue splice and task sessions, returning how
// many were touched.
func (e *Engine) SweepExpired(now int64) (int, error) {
	n := 0
	for _, sess := range e.st.ListExpiredSpliceSessions(now) {
		sess.Status = store.SessionExpired
		if err := e.st.PutSpliceSession(sess); err != nil {
			return n, fmt.Errorf("sessions: expire splice %s: %w", sess.SessionID, err)
		}
		n++
	}
	for _, t := range e.st.ListExpiredTaskSessions(now) {
		t.Status = store.SessionExpired
		if err := e.st.PutTaskSession(t); err != nil {
			return n, fmt.Errorf("sessions: expire task %s: %w", t.TaskID, err)
		}
		n++
	}
	return n, nil
}

// HandleTaskRequest records an inbound delegated task, returning a
// rejection reason instead when the node is already at its pending-task
// cap. The decision to accept and execute belongs to the operator
// surface; the core only tracks the session.
func (e *Engine) HandleTaskRequest(p wire.TaskRequestPayload, now int64) (rejectReason string, err error) {
	if _, ok := e.st.GetTaskSession(p.TaskID); ok {
		return "", nil
	}
	if e.cfg.MaxPendingTasks > 0 && e.st.CountOpenTaskSessions() >= e.cfg.MaxPendingTasks {
		return TaskRejectBusy, nil
	}
	return "", e.st.PutTaskSession(store.TaskSession{
		TaskID:      p.TaskID,
		RequesterID: p.RequesterID,
		TaskType:    p.TaskType,
		ParamsJSON:  p.ParamsJSON,
		Status:      store.SessionOpen,
		CreatedAt:   now,
		DeadlineAt:  p.DeadlineAt,
	})
}

// HandleTaskResponse applies a responder's status to an open task.
func (e *Engine) HandleTaskResponse(p wire.TaskResponsePayload) error {
	t, ok := e.st.GetTaskSession(p.TaskID)
	if !ok {
		return fmt.Errorf("sessions: task %s not found", p.TaskID)
	}
	t.ResponderID = p.ResponderID
	t.ResultJSON = p.ResultJSON
	switch p.Status {
	case "accepted":
		t.Status = store.SessionAccepted
	case "completed":
		t.Status = store.SessionCompleted
	case "failed", "rejected":
		t.Status = store.SessionAborted
	}
	return e.st.PutTaskSession(t)
}
