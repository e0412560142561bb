package store

// SessionStatus tracks splice and task-delegation sessions.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionAccepted  SessionStatus = "accepted"
	SessionSigned    SessionStatus = "signed"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionExpired   SessionStatus = "expired"
)

// SpliceSession is one cooperative splice negotiation between two members.
type SpliceSession struct {
	SessionID    string        `json:"session_id"`
	InitiatorID  string        `json:"initiator_id"`
	ResponderID  string        `json:"responder_id,omitempty"`
	ChannelPeer  string        `json:"channel_peer"`
	DeltaSats    int64         `json:"delta_sats"`
	FeeRateSatVB uint64        `json:"fee_rate_sat_vb"`
	Status       SessionStatus `json:"status"`
	Round        int           `json:"round"`
	CreatedAt    int64         `json:"created_at"`
	ExpiresAt    int64         `json:"expires_at"`
	Reason       string        `json:"reason,omitempty"`
}

// TaskSession is one delegated task's lifecycle row.
type TaskSession struct {
	TaskID      string        `json:"task_id"`
	RequesterID string        `json:"requester_id"`
	ResponderID string        `json:"responder_id,omitempty"`
	TaskType    string        `json:"task_type"`
	ParamsJSON  string        `json:"params_json,omitempty"`
	ResultJSON  string        `json:"result_json,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   int64         `json:"created_at"`
	DeadlineAt  int64         `json:"deadline_at"`
}

// PutSpliceSession inserts or updates a splice session.
func (s *Store) PutSpliceSession(sess SpliceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("splice", sess.SessionID, "put", sess); err != nil {
		return err
	}
	s.spliceSessions[sess.SessionID] = &sess
	return nil
}

// GetSpliceSession fetches a splice session by ID.
func (s *Store) GetSpliceSession(id string) (SpliceSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.spliceSessions[id]
	if !ok {
		return SpliceSession{}, false
	}
	return *sess, true
}

// ListSpliceSessionsInvolving returns non-terminal splice sessions where
// peerID appears as initiator, responder or channel peer.
func (s *Store) ListSpliceSessionsInvolving(peerID string) []SpliceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SpliceSession
	for _, sess := range s.spliceSessions {
		switch sess.Status {
		case SessionCompleted, SessionAborted, SessionExpired:
			continue
		}
		if sess.InitiatorID == peerID || sess.ResponderID == peerID || sess.ChannelPeer == peerID {
			out = append(out, *sess)
		}
	}
	return out
}

// ListExpiredSpliceSessions returns non-terminal splice sessions past
// their deadline.
func (s *Store) ListExpiredSpliceSessions(now int64) []SpliceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SpliceSession
	for _, sess := range s.spliceSessions {
		switch sess.Status {
		case SessionCompleted, SessionAborted, SessionExpired:
			continue
		}
		if sess.ExpiresAt <= now {
			out = append(out, *sess)
		}
	}
	return out
}

// PutTaskSession inserts or updates a task session.
func (s *Store) PutTaskSession(t TaskSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("task", t.TaskID, "put", t); err != nil {
		return err
	}
	s.taskSessions[t.TaskID] = &t
	return nil
}

// GetTaskSession fetches a task session by ID.
func (s *Store) GetTaskSession(id string) (TaskSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.taskSessions[id]
	if !ok {
		return TaskSession{}, false
	}
	return *t, true
}

// ListExpiredTaskSessions returns non-terminal task sessions past their
// deadline.
func (s *Store) ListExpiredTaskSessions(now int64) []TaskSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TaskSession
	for _, t := range s.taskSessions {
		switch t.Status {
		case SessionCompleted, SessionAborted, SessionExpired:
			continue
		}
		if t.DeadlineAt <= now {
			out = append(out, *t)
		}
	}
	return out
}

// CountOpenTaskSessions counts task sessions still awaiting completion,
// the backpressure input for rejecting new delegations when busy.
func (s *Store) CountOpenTaskSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.taskSessions {
		switch t.Status {
		case SessionOpen, SessionAccepted:
			n++
		}
	}
	return n
}
