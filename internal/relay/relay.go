// Package relay implements TTL/hop-limited gossip forwarding with
// payload-hash dedup and path tracking. The dedup cache is time-windowed
// rather than an unbounded seen-set.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultTTL is the hop budget a freshly originated gossip message
	// carries.
	DefaultTTL = 3

	// DedupWindow is how long a payload hash is remembered before it can
	// be relayed again.
	DedupWindow = 10 * time.Minute
)

// Broadcaster is the host-node capability used to fan a frame out to
// connected peers, excluding any peer already in path.
type Broadcaster interface {
	BroadcastExcept(raw []byte, path []string) error
}

// seenEntry records when a payload hash was first observed, for dedup
// window expiry.
type seenEntry struct{ at time.Time }

// Relay deduplicates and forwards gossip-class messages.
type Relay struct {
	mu   sync.Mutex
	seen map[string]seenEntry
	bc   Broadcaster
}

// New constructs a Relay bound to a Broadcaster.
func New(bc Broadcaster) *Relay {
	return &Relay{seen: make(map[string]seenEntry), bc: bc}
}

// HashPayload returns the dedup key for a canonicalized gossip payload.
func HashPayload(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Envelope is the hop metadata carried alongside a relayable message
//: TTL remaining and the path of peers that already relayed
// it.
type Envelope struct {
	TTL  int      `json:"ttl"`
	Path []string `json:"path"`
}

// NewEnvelope builds the originating envelope for a freshly created
// gossip-class message.
func NewEnvelope(selfPeerID string) Envelope {
	return Envelope{TTL: DefaultTTL, Path: []string{selfPeerID}}
}

// Receive processes an inbound relayable frame: dedups by payload hash,
// decrements TTL, and if TTL remains positive, forwards to all peers not
// already in path. Returns (isDuplicate, forwarded).
func (r *Relay) Receive(canonicalPayload []byte, env Envelope, raw []byte, selfPeerID string, now time.Time) (isDuplicate bool, forwarded bool, err error) {
	key := HashPayload(canonicalPayload)

	r.mu.Lock()
	if e, ok := r.seen[key]; ok && now.Sub(e.at) < DedupWindow {
		r.mu.Unlock()
		return true, false, nil
	}
	r.seen[key] = seenEntry{at: now}
	r.mu.Unlock()

	env.TTL--
	if env.TTL <= 0 {
		return false, false, nil
	}
	path := append(append([]string{}, env.Path...), selfPeerID)
	if err := r.bc.BroadcastExcept(raw, path); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// PruneExpired removes dedup entries older than DedupWindow, bounding
// memory for long-running nodes.
func (r *Relay) PruneExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.seen {
		if now.Sub(e.at) >= DedupWindow {
			delete(r.seen, k)
			n++
		}
	}
	return n
}

// InPath reports whether peerID already appears in env.Path, the
// exclusion set consulted by the Broadcaster.
func InPath(env Envelope, peerID string) bool {
	for _, p := range env.Path {
		if p == peerID {
			return true
		}
	}
	return false
}
