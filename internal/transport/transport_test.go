package transport

import (
	"io"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAuthenticatePinsClaimedPubkey(t *testing.T) {
	n := &Node{bindings: make(map[string]peer.ID), log: newTestLogger()}

	claimed := "02aa0000000000000000000000000000000000000000000000000000000000aa"
	honest := peer.ID("QmHonest")
	imposter := peer.ID("QmImposter")

	from, ok := n.authenticate(claimed, honest)
	if !ok || from != claimed {
		t.Fatalf("first sighting should pin and pass, got %q %v", from, ok)
	}
	if from, ok := n.authenticate(claimed, honest); !ok || from != claimed {
		t.Fatalf("same libp2p peer should keep passing, got %q %v", from, ok)
	}
	if _, ok := n.authenticate(claimed, imposter); ok {
		t.Fatalf("a different libp2p peer claiming the same pubkey must be dropped")
	}
	// the honest binding survives the spoof attempt
	if _, ok := n.authenticate(claimed, honest); !ok {
		t.Fatalf("honest peer must still pass after a spoof attempt")
	}
}

func TestAuthenticateRejectsEmptyClaim(t *testing.T) {
	n := &Node{bindings: make(map[string]peer.ID), log: newTestLogger()}
	if _, ok := n.authenticate("", peer.ID("QmAny")); ok {
		t.Fatalf("empty claimed pubkey must be dropped")
	}
}
