package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// walRecord is one write-ahead-log line: a tagged mutation the replay loop
// can re-apply in order. One generic envelope covers every table rather
// than one WAL per entity.
type walRecord struct {
	Table string          `json:"table"`
	Key   string          `json:"key"`
	Op    string          `json:"op"` // put | delete
	Value json.RawMessage `json:"value,omitempty"`
}

// Store is the hive's single source of truth. All mutation paths append to
// the WAL before (or as part of) updating the in-memory tables that every
// component reads. Readers take the RLock; writers take the Lock:
// immediate write lock, concurrent readers.
type Store struct {
	mu  sync.RWMutex
	log *logrus.Logger

	walPath string
	walFile *os.File

	members      map[string]*Member
	intents      map[string]*Intent
	peerStates   map[string]*PeerState
	contribution []*ContributionEvent
	bans         map[string]*Ban
	banProposals map[string]*BanProposal
	banVotes     map[string]map[string]*BanVote // proposalID -> voter -> vote
	outbox       map[string]*OutboxEntry         // msgID|peerID -> entry
	events       map[string]*ProtoEvent
	settlement   map[string]*SettlementProposal
	readyVotes   map[string]map[string]*ReadyVote
	executions   map[string]map[string]*Execution
	subPayments  map[string]map[string]*SubPayment // proposalID -> "from|to" -> row
	settled      map[string]*SettledPeriod
	feeReports   map[string]*FeeReport // "peerID|period" -> report

	promotions map[string]*PromotionRequest   // requestID -> request
	vouches    map[string]map[string]*Vouch   // requestID -> voucher -> vouch

	feeIntel       map[string]*FeeIntelligence
	liquidity      map[string]*LiquiditySnapshot
	reputation     map[string]*ReputationSnapshot
	health         map[string]*HealthReportRow
	routeStats     map[string]*RouteStat
	actions        map[string]*PendingAction
	spliceSessions map[string]*SpliceSession
	taskSessions   map[string]*TaskSession
	offers         map[string]*SettlementOffer
	budgetHolds    map[string]*BudgetHold

	now Clock
}

// Config controls where the Store persists its WAL.
type Config struct {
	WALPath string
	Logger  *logrus.Logger
	Now     Clock
}

// Open creates or restores a Store, replaying any existing WAL. The WAL
// file is closed if an error occurs during initialisation.
func Open(cfg Config) (s *Store, err error) {
	if cfg.WALPath == "" {
		return nil, fmt.Errorf("store: WALPath required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = RealClock
	}
	if err := os.MkdirAll(filepath.Dir(cfg.WALPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	s = &Store{
		log:          cfg.Logger,
		walPath:      cfg.WALPath,
		walFile:      f,
		members:      make(map[string]*Member),
		intents:      make(map[string]*Intent),
		peerStates:   make(map[string]*PeerState),
		bans:         make(map[string]*Ban),
		banProposals: make(map[string]*BanProposal),
		banVotes:     make(map[string]map[string]*BanVote),
		outbox:       make(map[string]*OutboxEntry),
		events:       make(map[string]*ProtoEvent),
		settlement:   make(map[string]*SettlementProposal),
		readyVotes:   make(map[string]map[string]*ReadyVote),
		executions:   make(map[string]map[string]*Execution),
		subPayments:  make(map[string]map[string]*SubPayment),
		settled:      make(map[string]*SettledPeriod),
		feeReports:   make(map[string]*FeeReport),
		promotions:   make(map[string]*PromotionRequest),
		vouches:      make(map[string]map[string]*Vouch),
		feeIntel:     make(map[string]*FeeIntelligence),
		liquidity:    make(map[string]*LiquiditySnapshot),
		reputation:   make(map[string]*ReputationSnapshot),
		health:       make(map[string]*HealthReportRow),
		routeStats:   make(map[string]*RouteStat),
		actions:      make(map[string]*PendingAction),
		spliceSessions: make(map[string]*SpliceSession),
		taskSessions: make(map[string]*TaskSession),
		offers:       make(map[string]*SettlementOffer),
		budgetHolds:  make(map[string]*BudgetHold),
		now:          cfg.Now,
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err = json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("store: WAL unmarshal: %w", err)
		}
		if err = s.applyRecord(rec); err != nil {
			return nil, fmt.Errorf("store: WAL replay: %w", err)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: WAL scan: %w", err)
	}
	return s, nil
}

// Close flushes and closes the WAL file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walFile.Close()
}

// appendLocked writes one WAL record. Caller must hold s.mu.
func (s *Store) appendLocked(table, key, op string, value any) error {
	var raw json.RawMessage
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: marshal %s/%s: %w", table, key, err)
		}
		raw = b
	}
	rec := walRecord{Table: table, Key: key, Op: op, Value: raw}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal WAL record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.walFile.Write(line); err != nil {
		return fmt.Errorf("store: write WAL: %w", err)
	}
	return nil
}

func (s *Store) applyRecord(rec walRecord) error {
	switch rec.Table {
	case "member":
		if rec.Op == "delete" {
			delete(s.members, rec.Key)
			return nil
		}
		var m Member
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			return err
		}
		s.members[rec.Key] = &m
	case "intent":
		if rec.Op == "delete" {
			delete(s.intents, rec.Key)
			return nil
		}
		var v Intent
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.intents[rec.Key] = &v
	case "peerstate":
		if rec.Op == "delete" {
			delete(s.peerStates, rec.Key)
			return nil
		}
		var v PeerState
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.peerStates[rec.Key] = &v
	case "contribution":
		var v ContributionEvent
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.contribution = append(s.contribution, &v)
	case "ban":
		if rec.Op == "delete" {
			delete(s.bans, rec.Key)
			return nil
		}
		var v Ban
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.bans[rec.Key] = &v
	case "banproposal":
		var v BanProposal
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.banProposals[rec.Key] = &v
	case "banvote":
		var v BanVote
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		if s.banVotes[v.ProposalID] == nil {
			s.banVotes[v.ProposalID] = make(map[string]*BanVote)
		}
		s.banVotes[v.ProposalID][v.Voter] = &v
	case "outbox":
		if rec.Op == "delete" {
			delete(s.outbox, rec.Key)
			return nil
		}
		var v OutboxEntry
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.outbox[rec.Key] = &v
	case "event":
		var v ProtoEvent
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.events[rec.Key] = &v
	case "settlement":
		var v SettlementProposal
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.settlement[rec.Key] = &v
	case "readyvote":
		var v ReadyVote
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		if s.readyVotes[v.ProposalID] == nil {
			s.readyVotes[v.ProposalID] = make(map[string]*ReadyVote)
		}
		s.readyVotes[v.ProposalID][v.Voter] = &v
	case "execution":
		var v Execution
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		if s.executions[v.ProposalID] == nil {
			s.executions[v.ProposalID] = make(map[string]*Execution)
		}
		s.executions[v.ProposalID][v.Executor] = &v
	case "subpayment":
		var v SubPayment
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		if s.subPayments[v.ProposalID] == nil {
			s.subPayments[v.ProposalID] = make(map[string]*SubPayment)
		}
		s.subPayments[v.ProposalID][v.From+"|"+v.To] = &v
	case "settledperiod":
		var v SettledPeriod
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.settled[rec.Key] = &v
	case "feereport":
		var v FeeReport
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.feeReports[rec.Key] = &v
	case "promotion":
		var v PromotionRequest
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.promotions[rec.Key] = &v
	case "vouch":
		var v Vouch
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		if s.vouches[v.RequestID] == nil {
			s.vouches[v.RequestID] = make(map[string]*Vouch)
		}
		s.vouches[v.RequestID][v.Voucher] = &v
	case "feeintel":
		if rec.Op == "delete" {
			delete(s.feeIntel, rec.Key)
			return nil
		}
		var v FeeIntelligence
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.feeIntel[rec.Key] = &v
	case "liquidity":
		if rec.Op == "delete" {
			delete(s.liquidity, rec.Key)
			return nil
		}
		var v LiquiditySnapshot
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.liquidity[rec.Key] = &v
	case "reputation":
		if rec.Op == "delete" {
			delete(s.reputation, rec.Key)
			return nil
		}
		var v ReputationSnapshot
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.reputation[rec.Key] = &v
	case "health":
		if rec.Op == "delete" {
			delete(s.health, rec.Key)
			return nil
		}
		var v HealthReportRow
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.health[rec.Key] = &v
	case "routestat":
		var v RouteStat
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.routeStats[rec.Key] = &v
	case "action":
		var v PendingAction
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.actions[rec.Key] = &v
	case "splice":
		var v SpliceSession
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.spliceSessions[rec.Key] = &v
	case "task":
		var v TaskSession
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.taskSessions[rec.Key] = &v
	case "offer":
		var v SettlementOffer
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.offers[rec.Key] = &v
	case "hold":
		var v BudgetHold
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		s.budgetHolds[rec.Key] = &v
	default:
		return fmt.Errorf("unknown WAL table %q", rec.Table)
	}
	return nil
}

// Now returns the store's configured clock (real time in production, a
// fixed/injected time in tests).
func (s *Store) Now() int64 { return s.now().Unix() }

// NowTime returns the configured clock as a time.Time.
func (s *Store) NowTime() time.Time { return s.now() }

// Tx is the handle WithTx passes to its callback. It exposes no operations
// of its own, and nothing is rolled back when fn returns an error. The
// Store's methods take the same non-reentrant lock WithTx holds, so fn
// cannot call them without deadlocking; atomic check-and-write paths such
// as CheckAndMarkPeriodSettled take the lock themselves instead.
type Tx struct {
	s *Store
}

// WithTx runs fn holding the Store's write lock for the duration, passing
// it a Tx handle.
func (s *Store) WithTx(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// view runs fn holding the Store's read lock.
func (s *Store) view(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}
