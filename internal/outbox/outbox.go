// Package outbox implements per-peer, at-least-once reliable delivery:
// enqueue, exponential-backoff retry, explicit and implicit ACK
// processing, backpressure, and expiry/cleanup.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
	"hivecore/internal/wire"
)

// Config holds the retry-policy constants.
type Config struct {
	BaseRetry          time.Duration // default 30s
	MaxRetryCap        time.Duration // default 1h
	TTL                time.Duration // default 24h
	MaxRetries         int           // default 20
	MaxInflightPerPeer int           // default 10
	RetryBatchSize     int           // 0 = unlimited
}

// DefaultConfig returns the standard retry-policy constants.
func DefaultConfig() Config {
	return Config{
		BaseRetry:          30 * time.Second,
		MaxRetryCap:        time.Hour,
		TTL:                24 * time.Hour,
		MaxRetries:         20,
		MaxInflightPerPeer: 10,
		RetryBatchSize:     256,
	}
}

// Sender is the host-node capability that actually puts bytes on the wire
//. Success means "handed to transport," not
// "remote processed" — the outbox keeps retrying a "sent" row until it is
// acknowledged.
type Sender interface {
	Send(ctx context.Context, peerID string, raw []byte) error
}

// Outbox is the per-peer reliable-delivery engine.
type Outbox struct {
	st     *store.Store
	sender Sender
	cfg    Config
	log    *logrus.Logger
	rng    *rand.Rand
}

// New wires an Outbox to its Store and Sender.
func New(st *store.Store, sender Sender, cfg Config, log *logrus.Logger) *Outbox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Outbox{st: st, sender: sender, cfg: cfg, log: log, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Enqueue creates one outbox row per target peer (self excluded by the
// caller). Per-peer backpressure: if a peer already has
// MaxInflightPerPeer non-terminal rows, that peer's enqueue is dropped
// with a warning rather than queued.
func (o *Outbox) Enqueue(msgID string, typ wire.Type, payload any, peerIDs []string, now int64) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	for _, peerID := range peerIDs {
		if o.st.CountNonTerminalForPeer(peerID) >= o.cfg.MaxInflightPerPeer {
			o.log.WithFields(logrus.Fields{"peer_id": peerID, "msg_id": msgID}).
				Warn("outbox: dropping enqueue, peer at MaxInflightPerPeer")
			continue
		}
		entry := store.OutboxEntry{
			MsgID:       msgID,
			PeerID:      peerID,
			MsgType:     typ.String(),
			PayloadJSON: string(body),
			Status:      store.OutboxQueued,
			CreatedAt:   now,
			NextRetryAt: now,
			ExpiresAt:   now + int64(o.cfg.TTL.Seconds()),
		}
		if err := o.st.PutOutboxEntry(entry); err != nil {
			return fmt.Errorf("outbox: enqueue %s->%s: %w", msgID, peerID, err)
		}
	}
	return nil
}

// backoff computes the next retry delay in seconds for a given retry count,
// with 0-25% jitter, capped at MaxRetryCap.
func (o *Outbox) backoff(retryCount int) int64 {
	d := o.cfg.BaseRetry * time.Duration(1<<uint(retryCount))
	if d > o.cfg.MaxRetryCap || d <= 0 {
		d = o.cfg.MaxRetryCap
	}
	jitter := time.Duration(o.rng.Int63n(int64(d) / 4 + 1))
	return int64((d + jitter).Seconds())
}

// RetryOnce runs one pass of the retry loop:
// selects due rows and attempts delivery.
func (o *Outbox) RetryOnce(ctx context.Context, now int64) {
	due := o.st.ListOutboxDue(now, o.cfg.RetryBatchSize)
	for _, e := range due {
		o.attempt(ctx, e, now)
	}
}

func (o *Outbox) attempt(ctx context.Context, e store.OutboxEntry, now int64) {
	if e.RetryCount >= o.cfg.MaxRetries {
		e.Status = store.OutboxFailed
		e.LastError = "max retries exceeded"
		if err := o.st.PutOutboxEntry(e); err != nil {
			o.log.WithError(err).Error("outbox: mark failed")
		}
		return
	}

	raw, err := wire.Serialize(wire.MaxSupportedVersion, typeFromName(e.MsgType), json.RawMessage(e.PayloadJSON))
	if err != nil {
		// reconstruction failure is permanent.
		e.Status = store.OutboxFailed
		e.LastError = err.Error()
		if perr := o.st.PutOutboxEntry(e); perr != nil {
			o.log.WithError(perr).Error("outbox: mark failed after serialize error")
		}
		return
	}

	if sendErr := o.sender.Send(ctx, e.PeerID, raw); sendErr != nil {
		// unsent: back off but do not consume retry budget.
		e.NextRetryAt = now + o.backoff(e.RetryCount)
		e.LastError = sendErr.Error()
		if perr := o.st.PutOutboxEntry(e); perr != nil {
			o.log.WithError(perr).Error("outbox: record send failure")
		}
		return
	}

	e.Status = store.OutboxSent
	e.RetryCount++
	e.NextRetryAt = now + o.backoff(e.RetryCount)
	e.LastError = ""
	if perr := o.st.PutOutboxEntry(e); perr != nil {
		o.log.WithError(perr).Error("outbox: record sent")
	}
}

// typeFromName resolves a stored msg_type string back to a wire.Type for
// re-serialization. The outbox stores the name (not the numeric code) so
// the WAL stays human-readable; this reverse lookup is built once.
var nameToType = func() map[string]wire.Type {
	m := make(map[string]wire.Type, 40)
	for t := wire.Type(1); t < 200; t += 2 {
		if wire.KnownType(t) {
			m[t.String()] = t
		}
	}
	return m
}()

func typeFromName(name string) wire.Type { return nameToType[name] }

// ProcessAck handles an explicit MSG_ACK: ok marks acked,
// invalid marks failed, retry_later leaves the row on its existing
// schedule.
func (o *Outbox) ProcessAck(msgID, peerID, status string) error {
	e, ok := o.st.GetOutboxEntry(msgID, peerID)
	if !ok {
		return nil // nothing to ack; not an error (could be a relay mishap)
	}
	switch status {
	case "ok":
		e.Status = store.OutboxAcked
	case "invalid":
		e.Status = store.OutboxFailed
		e.LastError = "peer reported invalid"
	case "retry_later":
		// leave status/schedule untouched
		return nil
	default:
		return fmt.Errorf("outbox: unknown ack status %q", status)
	}
	return o.st.PutOutboxEntry(e)
}

// ImplicitAck describes one entry of the static implicit-ack table: a
// response type implicitly acknowledges its corresponding request type,
// matched on a shared field.
type ImplicitAck struct {
	RequestType wire.Type
	MatchField  string
}

// ImplicitAckMap is the constant table driving bulk-ack on domain
// responses that imply their request was processed.
var ImplicitAckMap = map[wire.Type]ImplicitAck{
	wire.TypeSettlementReady:    {RequestType: wire.TypeSettlementPropose, MatchField: "proposal_id"},
	wire.TypeSettlementExecuted: {RequestType: wire.TypeSettlementPropose, MatchField: "proposal_id"},
	wire.TypePromotion:          {RequestType: wire.TypePromotionRequest, MatchField: "target"},
	wire.TypeVouch:              {RequestType: wire.TypePromotionRequest, MatchField: "target"},
	wire.TypeBanVote:            {RequestType: wire.TypeBanProposal, MatchField: "proposal_id"},
	wire.TypeIntentAbort:        {RequestType: wire.TypeIntent, MatchField: "id"},
}

// ProcessImplicitAck acks every matching non-terminal outbox row for
// peerID whose request type and match-field value line up with the
// response payload.
func (o *Outbox) ProcessImplicitAck(peerID string, responseType wire.Type, payload json.RawMessage) error {
	rule, ok := ImplicitAckMap[responseType]
	if !ok {
		return nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return fmt.Errorf("outbox: unmarshal implicit-ack payload: %w", err)
	}
	matchVal, ok := generic[rule.MatchField]
	if !ok {
		return nil
	}
	rows := o.st.ListOutboxByPeerAndType(peerID, rule.RequestType.String())
	for _, e := range rows {
		var rowGeneric map[string]json.RawMessage
		if err := json.Unmarshal([]byte(e.PayloadJSON), &rowGeneric); err != nil {
			continue
		}
		if v, ok := rowGeneric[rule.MatchField]; ok && string(v) == string(matchVal) {
			e.Status = store.OutboxAcked
			if err := o.st.PutOutboxEntry(e); err != nil {
				return fmt.Errorf("outbox: implicit ack %s: %w", e.MsgID, err)
			}
		}
	}
	return nil
}

// ExpireAndCleanup marks overdue rows expired and purges terminal rows
// older than 7 days.
func (o *Outbox) ExpireAndCleanup(now int64) error {
	for _, e := range o.st.ListOutboxExpiring(now) {
		e.Status = store.OutboxExpired
		if err := o.st.PutOutboxEntry(e); err != nil {
			return fmt.Errorf("outbox: expire %s: %w", e.MsgID, err)
		}
	}
	cutoff := now - int64((7 * 24 * time.Hour).Seconds())
	if _, err := o.st.DeleteTerminalOlderThan(cutoff); err != nil {
		return fmt.Errorf("outbox: cleanup: %w", err)
	}
	return nil
}
