package store

// CheckAndRecordEvent implements INSERT OR IGNORE semantics for the
// idempotency log: returns isNew=true and records the row the first time
// eventID is seen, isNew=false on any subsequent call.
func (s *Store) CheckAndRecordEvent(eventID, eventType, actorID string, now int64) (isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[eventID]; exists {
		return false, nil
	}
	ev := ProtoEvent{EventID: eventID, EventType: eventType, ActorID: actorID, CreatedAt: now, ReceivedAt: now}
	if err := s.appendLocked("event", eventID, "put", ev); err != nil {
		return false, err
	}
	s.events[eventID] = &ev
	return true, nil
}

// HasEvent reports whether eventID has already been recorded.
func (s *Store) HasEvent(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok
}

// PruneEventsOlderThan deletes idempotency rows older than cutoff. It does
// not append tombstones to the WAL for these — on replay, old proto_events simply get
// re-applied and re-pruned on the next sweep, which is an accepted
// trade-off for a log that is allowed to grow between compactions.
func (s *Store) PruneEventsOlderThan(cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if ev.CreatedAt < cutoff {
			delete(s.events, id)
			n++
		}
	}
	return n
}
