package subrav

import "sync/atomic"

// ProcessingStats counts pipeline outcomes for observability. The counters
// carry no persistence guarantee and are never consulted by protocol logic.
// One instance is owned by each Pipeline; pass it explicitly where needed.
type ProcessingStats struct {
	totalRequests       atomic.Uint64
	successfulPayments  atomic.Uint64
	failedPayments      atomic.Uint64
	autoClaimsTriggered atomic.Uint64
}

// StatsSnapshot is a point-in-time read of the counters.
type StatsSnapshot struct {
	TotalRequests       uint64 `json:"totalRequests"`
	SuccessfulPayments  uint64 `json:"successfulPayments"`
	FailedPayments      uint64 `json:"failedPayments"`
	AutoClaimsTriggered uint64 `json:"autoClaimsTriggered"`
}

// Snapshot returns the current counter values.
func (s *ProcessingStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalRequests:       s.totalRequests.Load(),
		SuccessfulPayments:  s.successfulPayments.Load(),
		FailedPayments:      s.failedPayments.Load(),
		AutoClaimsTriggered: s.autoClaimsTriggered.Load(),
	}
}

func (s *ProcessingStats) recordRequest() { s.totalRequests.Add(1) }

func (s *ProcessingStats) recordSuccess() { s.successfulPayments.Add(1) }

func (s *ProcessingStats) recordFailure() { s.failedPayments.Add(1) }

func (s *ProcessingStats) recordAutoClaim() { s.autoClaimsTriggered.Add(1) }
