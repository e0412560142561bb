// Package operator exposes the node's operator-facing command surface
// over a small chi HTTP API: live member listing, the pending
// governance-action queue, and approve/reject decisions. In advisor mode
// every state-changing decision lands here before anything executes.
package operator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hivecore/internal/contribution"
	"hivecore/internal/store"
)

// Executor carries an approved action back into the coordinator for
// execution. Implementations must be idempotent per action ID.
type Executor interface {
	ExecuteAction(a store.PendingAction) error
}

// Server is the operator HTTP façade.
type Server struct {
	st     *store.Store
	ledger *contribution.Ledger
	exec   Executor
	log    *logrus.Logger

	httpServer *http.Server
}

// NewServer constructs the router and HTTP server. exec may be nil when
// the node runs pure-advisor with out-of-band execution.
func NewServer(addr string, st *store.Store, ledger *contribution.Ledger, exec Executor, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{st: st, ledger: ledger, exec: exec, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/api/members", s.handleMembers)
	r.Get("/api/actions", s.handleListActions)
	r.Post("/api/actions", s.handleProposeAction)
	r.Post("/api/actions/{id}/approve", s.handleApprove)
	r.Post("/api/actions/{id}/reject", s.handleReject)
	r.Get("/api/intents", s.handleIntents)
	r.Get("/api/bans", s.handleBans)
	r.Get("/api/settlement/{period}", s.handleSettlement)
	r.Post("/api/settlement/offer", s.handleRegisterOffer)
	s.httpServer = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start blocks serving HTTP until Close.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Close shuts the HTTP server down.
func (s *Server) Close() error { return s.httpServer.Close() }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// memberView is the operator-facing member row: uptime as a percentage in
// [0,100], contribution ratio recomputed live.
type memberView struct {
	PeerID            string  `json:"peer_id"`
	Tier              string  `json:"tier"`
	ContributionRatio float64 `json:"contribution_ratio"`
	UptimePct         float64 `json:"uptime_pct"`
	VouchCount        int     `json:"vouch_count"`
	JoinedAt          int64   `json:"joined_at"`
	LastSeen          int64   `json:"last_seen"`
	LeechFlagged      bool    `json:"leech_flagged"`
}

func (s *Server) handleMembers(w http.ResponseWriter, _ *http.Request) {
	now := s.st.Now()
	members := s.st.ListMembers()
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		ratio := m.ContributionRatio
		if s.ledger != nil {
			ratio = s.ledger.ComputeRatio(m.PeerID, now)
		}
		out = append(out, memberView{
			PeerID:            m.PeerID,
			Tier:              string(m.Tier),
			ContributionRatio: ratio,
			UptimePct:         m.UptimePct * 100,
			VouchCount:        m.VouchCount,
			JoinedAt:          m.JoinedAt,
			LastSeen:          m.LastSeen,
			LeechFlagged:      m.LeechFlagged,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	actions := s.st.ListActionsByStatus(store.ActionPending)
	if actions == nil {
		actions = []store.PendingAction{}
	}
	writeJSON(w, actions)
}

type proposeRequest struct {
	ActionType string          `json:"action_type"`
	Target     string          `json:"target"`
	Context    json.RawMessage `json:"context,omitempty"`
}

func (s *Server) handleProposeAction(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.ActionType == "" {
		http.Error(w, "action_type required", http.StatusBadRequest)
		return
	}
	a := store.PendingAction{
		ID:          uuid.NewString(),
		ActionType:  req.ActionType,
		Target:      req.Target,
		ContextJSON: string(req.Context),
		Status:      store.ActionPending,
		CreatedAt:   s.st.Now(),
	}
	if err := s.st.PutPendingAction(a); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decided, err := s.st.DecideAction(id, store.ActionApproved, "", s.st.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !decided {
		http.Error(w, "action not found or not pending", http.StatusNotFound)
		return
	}
	a, _ := s.st.GetPendingAction(id)
	if s.exec != nil {
		if err := s.exec.ExecuteAction(a); err != nil {
			s.log.WithError(err).WithField("action_id", id).Warn("operator: execute approved action")
			a.Status = store.ActionFailed
			a.Reason = err.Error()
			_ = s.st.PutPendingAction(a)
			writeJSON(w, a)
			return
		}
		a.Status = store.ActionExecuted
		_ = s.st.PutPendingAction(a)
	}
	writeJSON(w, a)
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	decided, err := s.st.DecideAction(id, store.ActionRejected, req.Reason, s.st.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !decided {
		http.Error(w, "action not found or not pending", http.StatusNotFound)
		return
	}
	a, _ := s.st.GetPendingAction(id)
	writeJSON(w, a)
}

func (s *Server) handleIntents(w http.ResponseWriter, _ *http.Request) {
	out := s.st.ListIntentsByStatus(store.IntentPending)
	if out == nil {
		out = []store.Intent{}
	}
	writeJSON(w, out)
}

func (s *Server) handleBans(w http.ResponseWriter, _ *http.Request) {
	out := s.st.ListActiveBans(s.st.Now())
	if out == nil {
		out = []store.Ban{}
	}
	writeJSON(w, out)
}

type registerOfferRequest struct {
	PeerID      string `json:"peer_id"`
	Bolt12Offer string `json:"bolt12_offer"`
}

// handleRegisterOffer stores a member's BOLT12 offer for receiving
// settlement payments. Members without an active offer are skipped by the
// payment plan executor.
func (s *Server) handleRegisterOffer(w http.ResponseWriter, r *http.Request) {
	var req registerOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.PeerID == "" || req.Bolt12Offer == "" {
		http.Error(w, "peer_id and bolt12_offer required", http.StatusBadRequest)
		return
	}
	if err := s.st.RegisterOffer(req.PeerID, req.Bolt12Offer, s.st.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"peer_id": req.PeerID, "status": "registered"})
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	p, ok := s.st.GetSettlementProposalByPeriod(period)
	if !ok {
		http.Error(w, "no proposal for period", http.StatusNotFound)
		return
	}
	type settlementView struct {
		store.SettlementProposal
		ReadyVotes int  `json:"ready_votes"`
		Settled    bool `json:"settled"`
	}
	writeJSON(w, settlementView{
		SettlementProposal: p,
		ReadyVotes:         len(s.st.ListReadyVotes(p.ProposalID)),
		Settled:            s.st.IsPeriodSettled(period),
	})
}
