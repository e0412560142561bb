// Package transport is the concrete HostLink: it carries hive frames
// between members over libp2p gossipsub, standing in for the Lightning
// host's send_custom_message primitive and its inbound custom-message
// callback. Each member subscribes to a fleet-wide broadcast
// topic plus a per-pubkey inbox topic; envelopes are RLP-encoded so the
// frame bytes ride opaque inside them.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Config controls the libp2p host and topic naming.
type Config struct {
	PeerID         string // our hive pubkey (66-hex); names our inbox topic
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
	TopicPrefix    string // default "hive"
}

// Envelope is the RLP frame carried on every topic: the sender's hive
// pubkey, the relay path accumulated so far, and the raw wire frame.
type Envelope struct {
	From string
	Path []string
	Raw  []byte
}

// Handler consumes one inbound envelope.
type Handler func(fromPeerID string, path []string, raw []byte)

// Node is the libp2p-backed transport link.
type Node struct {
	p2p    p2pHost
	pubsub *pubsub.PubSub
	cfg    Config
	log    *logrus.Logger

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic

	handlerMu sync.RWMutex
	handler   Handler

	peerLock sync.RWMutex
	peers    map[string]peer.AddrInfo

	// bindings pins each hive pubkey to the libp2p peer that first
	// presented it, keyed on pubsub's authenticated ReceivedFrom. The
	// envelope's From field is self-asserted and only trusted once it is
	// consistent with this pin; the coordinator's signature checks remain
	// the definitive identity binding.
	bindMu   sync.Mutex
	bindings map[string]peer.ID

	ctx    context.Context
	cancel context.CancelFunc
}

// p2pHost is the slice of the libp2p host interface the Node drives,
// narrow so tests can fake it.
type p2pHost interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Close() error
}

// NewNode creates and bootstraps a hive transport node.
func NewNode(cfg Config, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "hive"
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}

	n := &Node{
		p2p:    h,
		pubsub: ps,
		cfg:    cfg,
		log:    log,
		topics:   make(map[string]*pubsub.Topic),
		peers:    make(map[string]peer.AddrInfo),
		bindings: make(map[string]peer.ID),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		log.Warnf("transport: bootstrap warning: %v", err)
	}

	// mDNS discovery automatically registers n as a notifee.
	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	if err := n.subscribeLoop(n.broadcastTopic()); err != nil {
		n.Close()
		return nil, err
	}
	if err := n.subscribeLoop(n.inboxTopic(cfg.PeerID)); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Ensure Node implements mdns.Notifee.
var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a discovered peer,
// ignoring self-connections and duplicates.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.p2p.ID() {
		return
	}
	n.peerLock.RLock()
	_, exists := n.peers[info.ID.String()]
	n.peerLock.RUnlock()
	if exists {
		return
	}
	if err := n.p2p.Connect(n.ctx, info); err != nil {
		n.log.Warnf("transport: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	n.peerLock.Lock()
	n.peers[info.ID.String()] = info
	n.peerLock.Unlock()
	n.log.Infof("transport: connected to peer %s via mDNS", info.ID)
}

func (n *Node) dialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid addr %s: %w", addr, err)
			}
			continue
		}
		if err := n.p2p.Connect(n.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("connect %s: %w", addr, err)
			}
			continue
		}
		n.peerLock.Lock()
		n.peers[pi.ID.String()] = *pi
		n.peerLock.Unlock()
		n.log.Infof("transport: bootstrapped to %s", addr)
	}
	return firstErr
}

func (n *Node) broadcastTopic() string          { return n.cfg.TopicPrefix + "/broadcast" }
func (n *Node) inboxTopic(peerID string) string { return n.cfg.TopicPrefix + "/peer/" + peerID }

// SetHandler installs the inbound callback. Envelopes arriving before a
// handler is set are dropped.
func (n *Node) SetHandler(h Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

func (n *Node) joinTopic(name string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// subscribeLoop joins a topic and pumps its messages into the handler.
func (n *Node) subscribeLoop(name string) error {
	t, err := n.joinTopic(name)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("transport: subscribe topic %s: %w", name, err)
	}
	go func() {
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				if n.ctx.Err() == nil {
					n.log.Warnf("transport: subscription %s: %v", name, err)
				}
				return
			}
			if msg.ReceivedFrom == n.p2p.ID() {
				continue
			}
			var env Envelope
			if err := rlp.DecodeBytes(msg.Data, &env); err != nil {
				n.log.Warnf("transport: malformed envelope on %s: %v", name, err)
				continue
			}
			if env.From == n.cfg.PeerID {
				continue
			}
			from, ok := n.authenticate(env.From, msg.ReceivedFrom)
			if !ok {
				continue
			}
			n.handlerMu.RLock()
			h := n.handler
			n.handlerMu.RUnlock()
			if h != nil {
				h(from, env.Path, env.Raw)
			}
		}
	}()
	return nil
}

// authenticate checks a self-asserted hive pubkey against the libp2p peer
// that pubsub actually received the message from. The first sighting pins
// the pair; afterwards a claimed pubkey arriving from a different libp2p
// peer is dropped rather than delivered under the claimed identity.
func (n *Node) authenticate(claimed string, receivedFrom peer.ID) (string, bool) {
	if claimed == "" {
		return "", false
	}
	n.bindMu.Lock()
	defer n.bindMu.Unlock()
	bound, ok := n.bindings[claimed]
	if !ok {
		n.bindings[claimed] = receivedFrom
		return claimed, true
	}
	if bound != receivedFrom {
		n.log.Warnf("transport: drop envelope claiming %s from %s (pinned to %s)",
			claimed, receivedFrom, bound)
		return "", false
	}
	return claimed, true
}

func (n *Node) publish(topic string, env Envelope) error {
	data, err := rlp.EncodeToBytes(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// Send delivers raw to one peer's inbox topic (the send_custom_message
// role). Success means handed to transport, not remote processed.
func (n *Node) Send(ctx context.Context, peerID string, raw []byte) error {
	_ = ctx
	return n.publish(n.inboxTopic(peerID), Envelope{From: n.cfg.PeerID, Raw: raw})
}

// Broadcast fans raw out on the fleet-wide topic.
func (n *Node) Broadcast(raw []byte) error {
	return n.publish(n.broadcastTopic(), Envelope{From: n.cfg.PeerID, Raw: raw})
}

// BroadcastExcept implements relay.Broadcaster: the relay path rides in
// the envelope so each receiver can skip frames it already relayed.
func (n *Node) BroadcastExcept(raw []byte, path []string) error {
	return n.publish(n.broadcastTopic(), Envelope{From: n.cfg.PeerID, Path: path, Raw: raw})
}

// ConnectedPeerCount reports the size of the known-peer set.
func (n *Node) ConnectedPeerCount() int {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	return len(n.peers)
}

// Close tears the transport down.
func (n *Node) Close() {
	n.cancel()
	if err := n.p2p.Close(); err != nil {
		n.log.Warnf("transport: close host: %v", err)
	}
}
