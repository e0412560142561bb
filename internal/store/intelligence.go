package store

// Intelligence tables: overwrite-based snapshots keyed by reporter, plus
// aggregated route-probe statistics keyed by destination. Latest snapshot
// per reporter wins; there is no idempotency tracking for these rows.

// FeeIntelligence is a member's latest fee-observation snapshot.
type FeeIntelligence struct {
	ReporterID string `json:"reporter_id"`
	EntriesJSON string `json:"entries_json"`
	CreatedAt  int64  `json:"created_at"`
	ReceivedAt int64  `json:"received_at"`
}

// LiquiditySnapshot is a member's latest per-channel liquidity split.
type LiquiditySnapshot struct {
	ReporterID  string `json:"reporter_id"`
	ChannelsJSON string `json:"channels_json"`
	CreatedAt   int64  `json:"created_at"`
	ReceivedAt  int64  `json:"received_at"`
}

// ReputationSnapshot is a member's latest peer-reputation observations.
type ReputationSnapshot struct {
	ReporterID  string `json:"reporter_id"`
	EntriesJSON string `json:"entries_json"`
	CreatedAt   int64  `json:"created_at"`
	ReceivedAt  int64  `json:"received_at"`
}

// HealthReportRow is a member's latest self-reported node health.
type HealthReportRow struct {
	ReporterID   string  `json:"reporter_id"`
	UptimePct    float64 `json:"uptime_pct"`
	PeerCount    int     `json:"peer_count"`
	ChannelCount int     `json:"channel_count"`
	ReportedAt   int64   `json:"reported_at"`
	ReceivedAt   int64   `json:"received_at"`
}

// RouteStat aggregates probe outcomes per destination.
type RouteStat struct {
	Destination string `json:"destination"`
	Attempts    uint64 `json:"attempts"`
	Successes   uint64 `json:"successes"`
	TotalLatMs  uint64 `json:"total_latency_ms"`
	LastProbeAt int64  `json:"last_probe_at"`
}

// PutFeeIntelligence overwrites the reporter's fee snapshot.
func (s *Store) PutFeeIntelligence(fi FeeIntelligence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("feeintel", fi.ReporterID, "put", fi); err != nil {
		return err
	}
	s.feeIntel[fi.ReporterID] = &fi
	return nil
}

// GetFeeIntelligence returns the reporter's latest fee snapshot.
func (s *Store) GetFeeIntelligence(reporterID string) (FeeIntelligence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fi, ok := s.feeIntel[reporterID]
	if !ok {
		return FeeIntelligence{}, false
	}
	return *fi, true
}

// PutLiquiditySnapshot overwrites the reporter's liquidity snapshot.
func (s *Store) PutLiquiditySnapshot(ls LiquiditySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("liquidity", ls.ReporterID, "put", ls); err != nil {
		return err
	}
	s.liquidity[ls.ReporterID] = &ls
	return nil
}

// GetLiquiditySnapshot returns the reporter's latest liquidity snapshot.
func (s *Store) GetLiquiditySnapshot(reporterID string) (LiquiditySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.liquidity[reporterID]
	if !ok {
		return LiquiditySnapshot{}, false
	}
	return *ls, true
}

// PutReputationSnapshot overwrites the reporter's reputation snapshot.
func (s *Store) PutReputationSnapshot(rs ReputationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("reputation", rs.ReporterID, "put", rs); err != nil {
		return err
	}
	s.reputation[rs.ReporterID] = &rs
	return nil
}

// GetReputationSnapshot returns the reporter's latest reputation snapshot.
func (s *Store) GetReputationSnapshot(reporterID string) (ReputationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.reputation[reporterID]
	if !ok {
		return ReputationSnapshot{}, false
	}
	return *rs, true
}

// PutHealthReport overwrites the reporter's health row.
func (s *Store) PutHealthReport(hr HealthReportRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked("health", hr.ReporterID, "put", hr); err != nil {
		return err
	}
	s.health[hr.ReporterID] = &hr
	return nil
}

// GetHealthReport returns the reporter's latest health row.
func (s *Store) GetHealthReport(reporterID string) (HealthReportRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hr, ok := s.health[reporterID]
	if !ok {
		return HealthReportRow{}, false
	}
	return *hr, true
}

// RecordRouteProbe folds one probe outcome into the destination's
// aggregate stat row.
func (s *Store) RecordRouteProbe(destination string, success bool, latencyMs uint64, probedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat, ok := s.routeStats[destination]
	if !ok {
		stat = &RouteStat{Destination: destination}
		s.routeStats[destination] = stat
	}
	stat.Attempts++
	if success {
		stat.Successes++
	}
	stat.TotalLatMs += latencyMs
	stat.LastProbeAt = probedAt
	return s.appendLocked("routestat", destination, "put", *stat)
}

// GetRouteStat returns the aggregate probe stats for a destination.
func (s *Store) GetRouteStat(destination string) (RouteStat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, ok := s.routeStats[destination]
	if !ok {
		return RouteStat{}, false
	}
	return *stat, true
}

// ListReputationSnapshots returns every reporter's latest reputation
// snapshot, the aggregation input.
func (s *Store) ListReputationSnapshots() []ReputationSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReputationSnapshot, 0, len(s.reputation))
	for _, rs := range s.reputation {
		out = append(out, *rs)
	}
	return out
}

// DeleteIntelligenceFor drops every snapshot a departed or banned peer
// reported.
func (s *Store) DeleteIntelligenceFor(reporterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"feeintel", "liquidity", "reputation", "health"} {
		if err := s.appendLocked(table, reporterID, "delete", nil); err != nil {
			return err
		}
	}
	delete(s.feeIntel, reporterID)
	delete(s.liquidity, reporterID)
	delete(s.reputation, reporterID)
	delete(s.health, reporterID)
	return nil
}
