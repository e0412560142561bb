package store

import "fmt"

// PutMember inserts or replaces a member row. Invariant enforced here:
// PromotedAt is set iff Tier == TierMember.
func (s *Store) PutMember(m Member) error {
	if (m.Tier == TierMember) != (m.PromotedAt != 0) {
		return fmt.Errorf("store: member %s: promoted_at must be set iff tier=member", m.PeerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("member", m.PeerID, "put", m); err != nil {
		return err
	}
	cp := m
	s.members[m.PeerID] = &cp
	return nil
}

// GetMember returns a snapshot copy of a member row, or ok=false.
func (s *Store) GetMember(peerID string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[peerID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// ListMembers returns a snapshot of every member row.
func (s *Store) ListMembers() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// MemberCount returns the number of member+neophyte rows. Quorum
// calculations use VotingMemberCount instead.
func (s *Store) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// VotingMemberCount returns the number of tier=member rows (voting rights).
func (s *Store) VotingMemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.members {
		if m.Tier == TierMember {
			n++
		}
	}
	return n
}

// DeleteMember removes a member row (voluntary departure or expired ban).
func (s *Store) DeleteMember(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("member", peerID, "delete", nil); err != nil {
		return err
	}
	delete(s.members, peerID)
	return nil
}

// UpdateMemberPresence updates LastSeen and optional address hints without
// touching tier/promotion fields.
func (s *Store) UpdateMemberPresence(peerID string, lastSeen int64, addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[peerID]
	if !ok {
		return fmt.Errorf("store: member %s not found", peerID)
	}
	cp := *m
	cp.LastSeen = lastSeen
	if addrs != nil {
		cp.Addresses = append([]string(nil), addrs...)
	}
	if err := s.appendLocked("member", peerID, "put", cp); err != nil {
		return err
	}
	s.members[peerID] = &cp
	return nil
}

// UpdateMemberContribution updates the rolling contribution ratio and leech
// flag computed by the contribution ledger.
func (s *Store) UpdateMemberContribution(peerID string, ratio float64, leechFlagged bool, leechSince int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[peerID]
	if !ok {
		return fmt.Errorf("store: member %s not found", peerID)
	}
	cp := *m
	cp.ContributionRatio = ratio
	cp.LeechFlagged = leechFlagged
	cp.LeechSince = leechSince
	if err := s.appendLocked("member", peerID, "put", cp); err != nil {
		return err
	}
	s.members[peerID] = &cp
	return nil
}
