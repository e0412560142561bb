package store

// MergePeerState applies the state-sync merge rule: the
// incoming entry is accepted only if its Version exceeds the stored
// version; ties and regressions are silently discarded. Returns whether
// the incoming entry was applied.
func (s *Store) MergePeerState(incoming PeerState) (applied bool, err error) {
	// Defensive copies of slice/map fields, taken before the lock so a
	// caller's later mutation of its own incoming value cannot corrupt
	// what we store.
	cp := incoming
	cp.Topology = append([]string(nil), incoming.Topology...)
	cp.FeePolicy = make(map[string]interface{}, len(incoming.FeePolicy))
	for k, v := range incoming.FeePolicy {
		cp.FeePolicy[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.peerStates[incoming.PeerID]
	if ok && cur.Version >= incoming.Version {
		return false, nil
	}
	if err := s.appendLocked("peerstate", incoming.PeerID, "put", cp); err != nil {
		return false, err
	}
	s.peerStates[incoming.PeerID] = &cp
	return true, nil
}

// GetPeerState returns a defensive-copy snapshot of one peer's state.
func (s *Store) GetPeerState(peerID string) (PeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peerStates[peerID]
	if !ok {
		return PeerState{}, false
	}
	return clonePeerState(*p), true
}

// ListPeerStates returns a defensive-copy snapshot of every known entry.
func (s *Store) ListPeerStates() []PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerState, 0, len(s.peerStates))
	for _, p := range s.peerStates {
		out = append(out, clonePeerState(*p))
	}
	return out
}

func clonePeerState(p PeerState) PeerState {
	cp := p
	cp.Topology = append([]string(nil), p.Topology...)
	cp.FeePolicy = make(map[string]interface{}, len(p.FeePolicy))
	for k, v := range p.FeePolicy {
		cp.FeePolicy[k] = v
	}
	return cp
}

// DeletePeerState removes a peer's cached state (e.g. after a ban executes).
func (s *Store) DeletePeerState(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("peerstate", peerID, "delete", nil); err != nil {
		return err
	}
	delete(s.peerStates, peerID)
	return nil
}

// NextPeerStateVersion returns the version to use for a fresh local write:
// strictly greater than whatever is currently stored for peerID.
func (s *Store) NextPeerStateVersion(peerID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.peerStates[peerID]; ok {
		return p.Version + 1
	}
	return 1
}
