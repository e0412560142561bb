package store

import (
	"fmt"
	"strings"
)

// SettlementOffer is a member's registered BOLT12 offer for receiving
// settlement payments. Payment plans are built without regard to offers;
// when a payer executes its legs, a leg whose payee has no active offer
// is skipped.
type SettlementOffer struct {
	PeerID       string `json:"peer_id"`
	Bolt12Offer  string `json:"bolt12_offer"`
	RegisteredAt int64  `json:"registered_at"`
	Active       bool   `json:"active"`
}

// RegisterOffer upserts a member's BOLT12 offer. Offers must carry the
// lno1 prefix.
func (s *Store) RegisterOffer(peerID, bolt12Offer string, now int64) error {
	if !strings.HasPrefix(bolt12Offer, "lno1") {
		return fmt.Errorf("store: offer for %s is not a BOLT12 offer", peerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := SettlementOffer{PeerID: peerID, Bolt12Offer: bolt12Offer, RegisteredAt: now, Active: true}
	if err := s.appendLocked("offer", peerID, "put", o); err != nil {
		return err
	}
	s.offers[peerID] = &o
	return nil
}

// GetOffer returns a member's active offer, if any.
func (s *Store) GetOffer(peerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[peerID]
	if !ok || !o.Active {
		return "", false
	}
	return o.Bolt12Offer, true
}

// DeactivateOffer marks a member's offer inactive (e.g. on departure).
func (s *Store) DeactivateOffer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[peerID]
	if !ok {
		return nil
	}
	updated := *o
	updated.Active = false
	if err := s.appendLocked("offer", peerID, "put", updated); err != nil {
		return err
	}
	s.offers[peerID] = &updated
	return nil
}

// BudgetHold reserves liquidity during a cooperative expansion round so
// concurrent rounds cannot claim the same funds.
type BudgetHold struct {
	HoldID     string `json:"hold_id"`
	AmountSats uint64 `json:"amount_sats"`
	Purpose    string `json:"purpose"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Released   bool   `json:"released"`
}

// AcquireBudgetHold records a new hold.
func (s *Store) AcquireBudgetHold(h BudgetHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.budgetHolds[h.HoldID]; exists {
		return nil
	}
	if err := s.appendLocked("hold", h.HoldID, "put", h); err != nil {
		return err
	}
	s.budgetHolds[h.HoldID] = &h
	return nil
}

// ReleaseBudgetHold marks a hold released.
func (s *Store) ReleaseBudgetHold(holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.budgetHolds[holdID]
	if !ok || h.Released {
		return nil
	}
	updated := *h
	updated.Released = true
	if err := s.appendLocked("hold", holdID, "put", updated); err != nil {
		return err
	}
	s.budgetHolds[holdID] = &updated
	return nil
}

// ActiveHoldTotal sums every unreleased, unexpired hold at time now.
func (s *Store) ActiveHoldTotal(now int64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, h := range s.budgetHolds {
		if h.Released || h.ExpiresAt <= now {
			continue
		}
		total += h.AmountSats
	}
	return total
}

// ExpireBudgetHolds releases holds past their deadline, returning how
// many were swept.
func (s *Store) ExpireBudgetHolds(now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, h := range s.budgetHolds {
		if h.Released || h.ExpiresAt > now {
			continue
		}
		updated := *h
		updated.Released = true
		if err := s.appendLocked("hold", id, "put", updated); err != nil {
			return n, err
		}
		s.budgetHolds[id] = &updated
		n++
	}
	return n, nil
}
