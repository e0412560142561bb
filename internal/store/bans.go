package store

// PutBan inserts or replaces a ban row.
func (s *Store) PutBan(b Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("ban", b.PeerID, "put", b); err != nil {
		return err
	}
	cp := b
	s.bans[b.PeerID] = &cp
	return nil
}

// IsBanned reports whether peerID has an active ban row at time now.
func (s *Store) IsBanned(peerID string, now int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bans[peerID]
	return ok && b.Active(now)
}

// ListActiveBans returns every currently-active ban row.
func (s *Store) ListActiveBans(now int64) []Ban {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ban
	for _, b := range s.bans {
		if b.Active(now) {
			out = append(out, *b)
		}
	}
	return out
}

// PutBanProposal inserts or updates a ban proposal row.
func (s *Store) PutBanProposal(p BanProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("banproposal", p.ProposalID, "put", p); err != nil {
		return err
	}
	cp := p
	s.banProposals[p.ProposalID] = &cp
	return nil
}

// GetBanProposal returns a snapshot of one ban proposal.
func (s *Store) GetBanProposal(id string) (BanProposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.banProposals[id]
	if !ok {
		return BanProposal{}, false
	}
	return *p, true
}

// ListBanProposalsByStatus returns every ban proposal in the given status.
func (s *Store) ListBanProposalsByStatus(status ProposalStatus) []BanProposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BanProposal
	for _, p := range s.banProposals {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out
}

// PutBanVote records one member's vote. Idempotent: a repeat vote from the
// same voter for the same proposal overwrites in place rather than
// duplicating, so re-delivery yields the same vote row.
func (s *Store) PutBanVote(v BanVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("banvote", v.ProposalID+"|"+v.Voter, "put", v); err != nil {
		return err
	}
	if s.banVotes[v.ProposalID] == nil {
		s.banVotes[v.ProposalID] = make(map[string]*BanVote)
	}
	cp := v
	s.banVotes[v.ProposalID][v.Voter] = &cp
	return nil
}

// ListBanVotes returns every vote cast on a proposal.
func (s *Store) ListBanVotes(proposalID string) []BanVote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	votes := s.banVotes[proposalID]
	out := make([]BanVote, 0, len(votes))
	for _, v := range votes {
		out = append(out, *v)
	}
	return out
}
