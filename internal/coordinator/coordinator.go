// Package coordinator is the hive node's top-level orchestrator: it
// wires every component to the Store and transport, gates and dispatches
// inbound messages, and drives the background loops (outbox retry,
// intent sweep, anti-entropy, settlement tick, pruning). Startup follows
// a load-store, hydrate-caches, start-loops sequence.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hivecore/internal/contribution"
	"hivecore/internal/host"
	"hivecore/internal/identity"
	"hivecore/internal/intelligence"
	"hivecore/internal/intent"
	"hivecore/internal/membership"
	"hivecore/internal/outbox"
	"hivecore/internal/relay"
	"hivecore/internal/sessions"
	"hivecore/internal/settlement"
	"hivecore/internal/statesync"
	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// GovernanceMode selects how state-changing decisions are executed.
type GovernanceMode string

const (
	ModeAdvisor    GovernanceMode = "advisor"
	ModeAutonomous GovernanceMode = "autonomous"
	ModeOracle     GovernanceMode = "oracle"
)

// Link is the transport capability the coordinator drives: direct sends
// for the outbox, fan-out for gossip-class traffic.
type Link interface {
	Send(ctx context.Context, peerID string, raw []byte) error
	Broadcast(raw []byte) error
	BroadcastExcept(raw []byte, path []string) error
}

// Config aggregates every component's tunables plus the coordinator's own.
type Config struct {
	SelfPeerID string
	Mode       GovernanceMode

	Intent       intent.Config
	Outbox       outbox.Config
	StateSync    statesync.Config
	Membership   membership.Config
	Contribution contribution.Config
	Settlement   settlement.Config
	Intelligence intelligence.Config
	Sessions     sessions.Config

	// PerSenderRateLimit caps messages per sender per message type per
	// RateWindowSeconds; violations short-circuit before the Store is
	// touched.
	PerSenderRateLimit int
	RateWindowSeconds  int64

	BanVoteTTLSeconds         int64 // how long ban proposals stay open
	SettlementGraceSeconds    int64 // gaming-detection grace after a proposal
	BanAutotriggerEnabled     bool
}

// DefaultConfig returns a Config with every component at its defaults.
func DefaultConfig(selfPeerID string) Config {
	return Config{
		SelfPeerID:             selfPeerID,
		Mode:                   ModeAdvisor,
		Intent:                 intent.DefaultConfig(),
		Outbox:                 outbox.DefaultConfig(),
		StateSync:              statesync.DefaultConfig(),
		Membership:             membership.DefaultConfig(),
		Contribution:           contribution.DefaultConfig(),
		Settlement:             settlement.DefaultConfig(),
		Intelligence:           intelligence.DefaultConfig(),
		Sessions:               sessions.DefaultConfig(),
		PerSenderRateLimit:     120,
		RateWindowSeconds:      60,
		BanVoteTTLSeconds:      24 * 60 * 60,
		SettlementGraceSeconds: 24 * 60 * 60,
	}
}

// ErrorCounter is the narrow metrics hook the coordinator reports caught
// handler errors through; nil disables it.
type ErrorCounter interface {
	IncHandlerError()
}

// rateKey is one (sender, message-type) rate-limit bucket.
type rateKey struct {
	sender string
	typ    wire.Type
}

type rateWindow struct {
	windowStart int64
	count       int
}

// Coordinator wires and drives every core component.
type Coordinator struct {
	cfg    Config
	st     *store.Store
	link   Link
	signer identity.Signer
	verify identity.VerifyFunc
	ln     *host.Facade
	log    *logrus.Logger

	Outbox     *outbox.Outbox
	Intents    *intent.Engine
	Members    *membership.Membership
	Sync       *statesync.Engine
	Ledger     *contribution.Ledger
	Settle     *settlement.Engine
	Intel      *intelligence.Engine
	Sessions   *sessions.Engine
	Relay      *relay.Relay

	metrics ErrorCounter

	rateMu sync.Mutex
	rates  map[rateKey]*rateWindow

	verMu        sync.Mutex
	peerVersions map[string]uint8 // effective protocol version per peer

	stateMu         sync.Mutex
	ownState        store.PeerState
	lastGossipAt    int64
	banStateChanged bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps carries the injected capabilities New wires together.
type Deps struct {
	Store   *store.Store
	Link    Link
	Signer  identity.Signer
	Verify  identity.VerifyFunc
	LN      *host.Facade
	Logger  *logrus.Logger
	Metrics ErrorCounter
}

// New constructs a Coordinator and all its components.
func New(cfg Config, d Deps) (*Coordinator, error) {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if cfg.SelfPeerID == "" {
		return nil, fmt.Errorf("coordinator: SelfPeerID required")
	}
	intents, err := intent.New(d.Store, cfg.Intent, d.Logger)
	if err != nil {
		return nil, err
	}
	intel, err := intelligence.New(d.Store, cfg.Intelligence, d.Logger)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:    cfg,
		st:     d.Store,
		link:   d.Link,
		signer: d.Signer,
		verify: d.Verify,
		ln:     d.LN,
		log:    d.Logger,

		Intents:  intents,
		Members:  membership.New(d.Store, cfg.Membership, d.Logger),
		Sync:     statesync.New(d.Store, cfg.StateSync, d.Logger),
		Ledger:   contribution.New(d.Store, cfg.Contribution, d.Logger),
		Settle:   settlement.New(d.Store, cfg.Settlement, d.Logger),
		Intel:    intel,
		Sessions: sessions.New(d.Store, cfg.Sessions, d.Logger),

		metrics:      d.Metrics,
		rates:        make(map[rateKey]*rateWindow),
		peerVersions: make(map[string]uint8),
	}
	c.Outbox = outbox.New(d.Store, senderFunc(d.Link.Send), cfg.Outbox, d.Logger)
	c.Relay = relay.New(broadcastExceptFunc(d.Link.BroadcastExcept))
	return c, nil
}

// senderFunc adapts a function to outbox.Sender.
type senderFunc func(ctx context.Context, peerID string, raw []byte) error

func (f senderFunc) Send(ctx context.Context, peerID string, raw []byte) error {
	return f(ctx, peerID, raw)
}

// broadcastExceptFunc adapts a function to relay.Broadcaster.
type broadcastExceptFunc func(raw []byte, path []string) error

func (f broadcastExceptFunc) BroadcastExcept(raw []byte, path []string) error {
	return f(raw, path)
}

// allowRate applies the per-sender per-message-type window. The inbound
// pipeline consults it before touching the Store.
func (c *Coordinator) allowRate(sender string, typ wire.Type, now int64) bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	k := rateKey{sender: sender, typ: typ}
	w, ok := c.rates[k]
	if !ok || now-w.windowStart >= c.cfg.RateWindowSeconds {
		w = &rateWindow{windowStart: now}
		c.rates[k] = w
	}
	if w.count >= c.cfg.PerSenderRateLimit {
		return false
	}
	w.count++
	return true
}

// memberPeerIDs returns every known member's peer ID except our own, the
// broadcast target set for reliable delivery.
func (c *Coordinator) memberPeerIDs() []string {
	members := c.st.ListMembers()
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.PeerID == c.cfg.SelfPeerID {
			continue
		}
		out = append(out, m.PeerID)
	}
	return out
}

// broadcastReliable enqueues a payload to every member via the outbox,
// injecting a msg_id the receiver echoes back in MSG_ACK.
func (c *Coordinator) broadcastReliable(typ wire.Type, payload any) (msgID string, err error) {
	return c.sendReliable(typ, payload, c.memberPeerIDs())
}

// sendReliable enqueues a payload to specific peers via the outbox.
func (c *Coordinator) sendReliable(typ wire.Type, payload any, peerIDs []string) (string, error) {
	msgID := uuid.NewString()
	wrapped, err := injectMsgID(payload, msgID)
	if err != nil {
		return "", err
	}
	if err := c.Outbox.Enqueue(msgID, typ, wrapped, peerIDs, c.st.Now()); err != nil {
		return "", err
	}
	return msgID, nil
}

// injectMsgID adds a msg_id key to a payload's JSON object so explicit
// ACKs can reference the outbox row.
func injectMsgID(payload any, msgID string) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal payload: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("coordinator: payload is not an object: %w", err)
	}
	id, _ := json.Marshal(msgID)
	m["msg_id"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// extractMsgID pulls the msg_id a reliable sender injected, if any.
func extractMsgID(raw json.RawMessage) string {
	var probe struct {
		MsgID string `json:"msg_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.MsgID
}

// sendAck emits an explicit MSG_ACK for a reliably delivered message.
// Fire-and-forget: ACKs themselves are not reliably delivered.
func (c *Coordinator) sendAck(peerID, msgID, status string) {
	if msgID == "" {
		return
	}
	raw, err := wire.Serialize(wire.MaxSupportedVersion, wire.TypeMsgAck, wire.MsgAckPayload{MsgID: msgID, Status: status})
	if err != nil {
		c.log.WithError(err).Warn("coordinator: serialize ack")
		return
	}
	if err := c.link.Send(context.Background(), peerID, raw); err != nil {
		c.log.WithError(err).WithField("peer_id", peerID).Debug("coordinator: send ack")
	}
}

// signPayload signs a canonical signing payload, propagating any encoding
// error from the payload builder so callers fail closed.
func (c *Coordinator) signPayload(signing []byte, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return c.signer.Sign(signing)
}

// countErr reports a caught handler error to metrics if wired.
func (c *Coordinator) countErr() {
	if c.metrics != nil {
		c.metrics.IncHandlerError()
	}
}
