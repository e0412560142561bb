// Package host defines the Lightning node RPC surface the core consumes
// and a thread-safe façade over it. The node itself is an
// external collaborator; everything here is an injected capability so
// tests can substitute deterministic fakes.
package host

import (
	"context"
	"sync"
)

// PeerChannel is one channel row from list_peer_channels.
type PeerChannel struct {
	ChannelID  string
	PeerID     string
	LocalSats  uint64
	RemoteSats uint64
}

// Forward is one settled-forward row from list_forwards.
type Forward struct {
	InChannel  string
	OutChannel string
	InMsat     uint64
	OutMsat    uint64
	Status     string
}

// Lightning is the host-node RPC contract. Every call may block for
// hundreds of milliseconds; callers must never hold a process-wide lock
// across one.
type Lightning interface {
	SignMessage(ctx context.Context, text string) (signature string, err error)
	VerifyMessage(ctx context.Context, text, signature string) (verified bool, pubkey string, err error)
	ListPeers(ctx context.Context) ([]string, error)
	ListPeerChannels(ctx context.Context) ([]PeerChannel, error)
	ListForwards(ctx context.Context) ([]Forward, error)
	FetchInvoice(ctx context.Context, offer string, amountMsat uint64) (invoice string, err error)
	Pay(ctx context.Context, invoice string) (paymentHash string, err error)
}

// Facade serialises access to a Lightning implementation whose client is
// not safe for concurrent use. RPC latency is tolerated inside the lock
// per call, never across calls.
type Facade struct {
	mu sync.Mutex
	ln Lightning
}

// NewFacade wraps a Lightning client.
func NewFacade(ln Lightning) *Facade { return &Facade{ln: ln} }

func (f *Facade) SignMessage(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.SignMessage(ctx, text)
}

func (f *Facade) VerifyMessage(ctx context.Context, text, signature string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.VerifyMessage(ctx, text, signature)
}

func (f *Facade) ListPeers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.ListPeers(ctx)
}

func (f *Facade) ListPeerChannels(ctx context.Context) ([]PeerChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.ListPeerChannels(ctx)
}

func (f *Facade) ListForwards(ctx context.Context) ([]Forward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.ListForwards(ctx)
}

func (f *Facade) FetchInvoice(ctx context.Context, offer string, amountMsat uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.FetchInvoice(ctx, offer, amountMsat)
}

func (f *Facade) Pay(ctx context.Context, invoice string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.Pay(ctx, invoice)
}

// ChannelMapSnapshot is a channel->peer resolver snapshot built from a
// list_peer_channels result by BuildChannelMap, the refreshable cache the
// contribution ledger consults.
type ChannelMapSnapshot map[string]string

// PeerForChannel implements contribution.ChannelMap.
func (m ChannelMapSnapshot) PeerForChannel(channelID string) (string, bool) {
	peerID, ok := m[channelID]
	return peerID, ok
}

// BuildChannelMap converts channels into a resolver snapshot.
func BuildChannelMap(channels []PeerChannel) ChannelMapSnapshot {
	m := make(ChannelMapSnapshot, len(channels))
	for _, ch := range channels {
		m[ch.ChannelID] = ch.PeerID
	}
	return m
}
