package store

func outboxKey(msgID, peerID string) string { return msgID + "|" + peerID }

// PutOutboxEntry inserts or updates an outbox row.
func (s *Store) PutOutboxEntry(e OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outboxKey(e.MsgID, e.PeerID)
	if err := s.appendLocked("outbox", key, "put", e); err != nil {
		return err
	}
	cp := e
	s.outbox[key] = &cp
	return nil
}

// CountNonTerminalForPeer reports how many non-terminal rows peerID has,
// the figure compared against MAX_INFLIGHT_PER_PEER on enqueue.
func (s *Store) CountNonTerminalForPeer(peerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.outbox {
		if e.PeerID == peerID && !e.Terminal() {
			n++
		}
	}
	return n
}

// ListOutboxDue returns non-terminal rows with NextRetryAt <= now and
// ExpiresAt > now, capped at limit (0 means unlimited), for the retry loop.
func (s *Store) ListOutboxDue(now int64, limit int) []OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxEntry
	for _, e := range s.outbox {
		if e.Terminal() {
			continue
		}
		if e.ExpiresAt <= now {
			continue
		}
		if e.NextRetryAt > now {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ListOutboxExpiring returns non-terminal rows whose ExpiresAt <= now.
func (s *Store) ListOutboxExpiring(now int64) []OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxEntry
	for _, e := range s.outbox {
		if !e.Terminal() && e.ExpiresAt <= now {
			out = append(out, *e)
		}
	}
	return out
}

// ListOutboxByPeerAndType returns non-terminal rows for peerID whose
// msg_type equals msgType — used by implicit-ack matching.
func (s *Store) ListOutboxByPeerAndType(peerID, msgType string) []OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxEntry
	for _, e := range s.outbox {
		if e.PeerID == peerID && e.MsgType == msgType && !e.Terminal() {
			out = append(out, *e)
		}
	}
	return out
}

// DeleteTerminalOlderThan purges terminal rows created before cutoff.
func (s *Store) DeleteTerminalOlderThan(cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.outbox {
		if e.Terminal() && e.CreatedAt < cutoff {
			if err := s.appendLocked("outbox", key, "delete", nil); err != nil {
				return n, err
			}
			delete(s.outbox, key)
			n++
		}
	}
	return n, nil
}

// GetOutboxEntry returns a snapshot of one (msgID, peerID) row.
func (s *Store) GetOutboxEntry(msgID, peerID string) (OutboxEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.outbox[outboxKey(msgID, peerID)]
	if !ok {
		return OutboxEntry{}, false
	}
	return *e, true
}
