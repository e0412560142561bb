// Package metrics exposes the hive node's health gauges over Prometheus,
// following the registry/gauge layout of a long-running node monitor.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"hivecore/internal/store"
)

// Registry bundles the node's gauges behind one Prometheus registry.
type Registry struct {
	st  *store.Store
	log *logrus.Logger

	registry *prometheus.Registry

	memberGauge       prometheus.Gauge
	neophyteGauge     prometheus.Gauge
	activeBanGauge    prometheus.Gauge
	pendingIntents    prometheus.Gauge
	outboxInflight    prometheus.Gauge
	pendingProposals  prometheus.Gauge
	pendingActions    prometheus.Gauge
	handlerErrCounter prometheus.Counter

	srv *http.Server
}

// New builds the registry and registers every collector.
func New(st *store.Store, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	r := &Registry{
		st:       st,
		log:      log,
		registry: reg,
		memberGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_members_total", Help: "Members at tier member."}),
		neophyteGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_neophytes_total", Help: "Members at tier neophyte."}),
		activeBanGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_active_bans_total", Help: "Bans currently in force."}),
		pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_pending_intents_total", Help: "Intent locks in pending status."}),
		outboxInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_outbox_inflight_total", Help: "Outbox rows in non-terminal status."}),
		pendingProposals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_settlement_proposals_pending", Help: "Settlement proposals awaiting quorum."}),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_pending_actions_total", Help: "Governance actions awaiting operator input."}),
		handlerErrCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_handler_errors_total", Help: "Errors caught by message handlers and loops."}),
	}
	reg.MustRegister(
		r.memberGauge, r.neophyteGauge, r.activeBanGauge, r.pendingIntents,
		r.outboxInflight, r.pendingProposals, r.pendingActions, r.handlerErrCounter,
	)
	return r
}

// IncHandlerError counts one caught handler/loop error.
func (r *Registry) IncHandlerError() { r.handlerErrCounter.Inc() }

// Collect refreshes every gauge from the Store.
func (r *Registry) Collect(now int64) {
	var members, neophytes float64
	for _, m := range r.st.ListMembers() {
		if m.Tier == store.TierMember {
			members++
		} else {
			neophytes++
		}
	}
	r.memberGauge.Set(members)
	r.neophyteGauge.Set(neophytes)
	r.activeBanGauge.Set(float64(len(r.st.ListActiveBans(now))))
	r.pendingIntents.Set(float64(len(r.st.ListIntentsByStatus(store.IntentPending))))

	inflight := 0
	for _, m := range r.st.ListMembers() {
		inflight += r.st.CountNonTerminalForPeer(m.PeerID)
	}
	r.outboxInflight.Set(float64(inflight))
	r.pendingProposals.Set(float64(len(r.st.ListSettlementProposalsByStatus(store.ProposalPending))))
	r.pendingActions.Set(float64(len(r.st.ListActionsByStatus(store.ActionPending))))
}

// Serve starts the /metrics endpoint and a periodic collector until ctx is
// cancelled.
func (r *Registry) Serve(ctx context.Context, addr string, interval time.Duration) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	r.srv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = r.srv.Close()
				return
			case <-ticker.C:
				r.Collect(r.st.Now())
			}
		}
	}()

	go func() {
		if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Warnf("metrics: serve: %v", err)
		}
	}()
}
