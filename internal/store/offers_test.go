package store

import "testing"

func TestRegisterOfferRequiresBolt12Prefix(t *testing.T) {
	s, sb := openTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	if err := s.RegisterOffer("02aa", "lnbc1notanoffer", 100); err == nil {
		t.Fatalf("non-BOLT12 string must be rejected")
	}
	if err := s.RegisterOffer("02aa", "lno1qcp4256ypq", 100); err != nil {
		t.Fatalf("RegisterOffer: %v", err)
	}
	offer, ok := s.GetOffer("02aa")
	if !ok || offer != "lno1qcp4256ypq" {
		t.Fatalf("GetOffer = %q, %v", offer, ok)
	}

	if err := s.DeactivateOffer("02aa"); err != nil {
		t.Fatalf("DeactivateOffer: %v", err)
	}
	if _, ok := s.GetOffer("02aa"); ok {
		t.Fatalf("deactivated offer must not resolve")
	}
}

func TestBudgetHoldLifecycle(t *testing.T) {
	s, sb := openTestStore(t)
	defer sb.Cleanup()
	defer s.Close()

	holds := []BudgetHold{
		{HoldID: "h1", AmountSats: 500_000, Purpose: "channel_open:02bb", CreatedAt: 100, ExpiresAt: 200},
		{HoldID: "h2", AmountSats: 300_000, Purpose: "channel_open:02cc", CreatedAt: 100, ExpiresAt: 1000},
	}
	for _, h := range holds {
		if err := s.AcquireBudgetHold(h); err != nil {
			t.Fatalf("AcquireBudgetHold %s: %v", h.HoldID, err)
		}
	}
	if got := s.ActiveHoldTotal(150); got != 800_000 {
		t.Fatalf("ActiveHoldTotal = %d, want 800000", got)
	}

	// h1 expires at 200; the sweep releases it
	n, err := s.ExpireBudgetHolds(250)
	if err != nil {
		t.Fatalf("ExpireBudgetHolds: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired hold, got %d", n)
	}
	if got := s.ActiveHoldTotal(250); got != 300_000 {
		t.Fatalf("ActiveHoldTotal after expiry = %d, want 300000", got)
	}

	if err := s.ReleaseBudgetHold("h2"); err != nil {
		t.Fatalf("ReleaseBudgetHold: %v", err)
	}
	if got := s.ActiveHoldTotal(250); got != 0 {
		t.Fatalf("ActiveHoldTotal after release = %d, want 0", got)
	}
	// releasing again is a no-op
	if err := s.ReleaseBudgetHold("h2"); err != nil {
		t.Fatalf("ReleaseBudgetHold again: %v", err)
	}
}
