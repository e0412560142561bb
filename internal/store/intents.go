package store

import "fmt"

// intentKey groups the per-(type,target,initiator) uniqueness invariant.
func intentKey(intentType, target, initiator string) string {
	return intentType + "|" + target + "|" + initiator
}

// PutIntent inserts or transitions an intent. Terminal states are sticky:
// a write that would move a terminal intent anywhere is rejected, with one
// sanctioned exception — committed intents the host never confirmed may be
// failed by the stuck-recovery sweep.
func (s *Store) PutIntent(it Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.intents[it.ID]; ok && isTerminal(existing.Status) && existing.Status != it.Status {
		if !(existing.Status == IntentCommitted && it.Status == IntentFailed) {
			return fmt.Errorf("store: intent %s is terminal (%s), cannot transition to %s", it.ID, existing.Status, it.Status)
		}
	}
	if err := s.appendLocked("intent", it.ID, "put", it); err != nil {
		return err
	}
	cp := it
	s.intents[it.ID] = &cp
	return nil
}

func isTerminal(s IntentStatus) bool {
	switch s {
	case IntentCommitted, IntentAborted, IntentExpired, IntentFailed:
		return true
	default:
		return false
	}
}

// GetIntent returns a snapshot copy of one intent.
func (s *Store) GetIntent(id string) (Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.intents[id]
	if !ok {
		return Intent{}, false
	}
	return *it, true
}

// ListIntentsByTarget returns every non-deleted intent for (intentType,
// target), used to detect conflicts during the hold window.
func (s *Store) ListIntentsByTarget(intentType, target string) []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Intent
	for _, it := range s.intents {
		if it.IntentType == intentType && it.Target == target {
			out = append(out, *it)
		}
	}
	return out
}

// PendingIntentExists reports whether a pending intent already exists for
// the (type, target, initiator) tuple. At most one may be pending at a
// time per node.
func (s *Store) PendingIntentExists(intentType, target, initiator string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.intents {
		if it.Status == IntentPending && it.IntentType == intentType && it.Target == target && it.Initiator == initiator {
			return true
		}
	}
	return false
}

// ListIntentsByStatus returns every intent in the given status, used by the
// expiry/recovery sweep.
func (s *Store) ListIntentsByStatus(status IntentStatus) []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Intent
	for _, it := range s.intents {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	return out
}

// ListTerminalIntentsOlderThan returns terminal intents whose Timestamp
// predates cutoff, for the 24h purge sweep.
func (s *Store) ListTerminalIntentsOlderThan(cutoff int64) []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Intent
	for _, it := range s.intents {
		if isTerminal(it.Status) && it.Timestamp < cutoff {
			out = append(out, *it)
		}
	}
	return out
}

// DeleteIntent purges a terminal intent.
func (s *Store) DeleteIntent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("intent", id, "delete", nil); err != nil {
		return err
	}
	delete(s.intents, id)
	return nil
}
