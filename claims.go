package subrav

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

// SkipReason explains why a sub-channel was not claimed on this trigger.
type SkipReason string

const (
	SkipNoDelta           SkipReason = "no_delta"
	SkipBelowThreshold    SkipReason = "below_threshold"
	SkipInFlight          SkipReason = "in_flight"
	SkipBackingOff        SkipReason = "backing_off"
	SkipInsufficientFunds SkipReason = "insufficient_funds"
	SkipRetriesExhausted  SkipReason = "retries_exhausted"
)

// ClaimPolicy is the knob set deciding when unclaimed value justifies an
// on-chain claim.
type ClaimPolicy struct {
	// MinClaimAmount is the smallest delta worth a transaction.
	MinClaimAmount *big.Int

	// MaxConcurrent bounds in-flight claim submissions across sub-channels.
	MaxConcurrent int

	// MaxRetries bounds consecutive failed submissions per sub-channel.
	MaxRetries int

	// RetryBackoff is the fixed delay after a failed submission.
	RetryBackoff time.Duration

	// InsufficientFundsBackoff is the separate delay applied after an
	// insufficient-funds outcome, so those lanes do not burn the shared
	// retry budget.
	InsufficientFundsBackoff time.Duration

	// CountInsufficientAsFailure controls whether insufficient-funds
	// outcomes consume MaxRetries. Off by default: they only back off.
	CountInsufficientAsFailure bool

	// Interval enables the scheduled trigger when positive.
	Interval time.Duration
}

// DefaultClaimPolicy returns a conservative policy.
func DefaultClaimPolicy() ClaimPolicy {
	return ClaimPolicy{
		MinClaimAmount:           big.NewInt(0),
		MaxConcurrent:            4,
		MaxRetries:               3,
		RetryBackoff:             30 * time.Second,
		InsufficientFundsBackoff: 5 * time.Minute,
	}
}

// SubChannelClaimResult reports the trigger outcome for one sub-channel.
type SubChannelClaimResult struct {
	VMIDFragment string     `json:"vmIdFragment"`
	Queued       bool       `json:"queued"`
	Delta        *big.Int   `json:"delta"`
	Threshold    *big.Int   `json:"threshold,omitempty"`
	Reason       SkipReason `json:"reason,omitempty"`
}

// ClaimTriggerResult reports one trigger evaluation over a channel.
type ClaimTriggerResult struct {
	ChannelID ChannelID               `json:"channelId"`
	Results   []SubChannelClaimResult `json:"results"`
}

type subChannelKey struct {
	channel  ChannelID
	fragment string
}

type retryState struct {
	failures     int
	nextAttempt  time.Time
	insufficient bool
}

// ClaimScheduler decides when to settle sub-channel deltas on chain. It is
// invoked out-of-band (post-payment nudge, fixed interval, or admin call) and
// never blocks the request path: claim submission happens on background
// workers bounded by the policy's concurrency limit.
type ClaimScheduler struct {
	chain  ChainAdapter
	signed SignedSubRAVRepository
	policy ClaimPolicy
	stats  *ProcessingStats

	mu       sync.Mutex
	retries  map[subChannelKey]*retryState
	inFlight map[subChannelKey]bool

	sem   chan struct{}
	nudge chan ChannelID

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerOption configures a ClaimScheduler.
type SchedulerOption func(*ClaimScheduler)

// WithSchedulerStats wires the pipeline's counters so queued claims show up
// as autoClaimsTriggered.
func WithSchedulerStats(stats *ProcessingStats) SchedulerOption {
	return func(s *ClaimScheduler) {
		s.stats = stats
	}
}

// NewClaimScheduler creates a scheduler with the given policy.
func NewClaimScheduler(chain ChainAdapter, signed SignedSubRAVRepository, policy ClaimPolicy, opts ...SchedulerOption) *ClaimScheduler {
	if policy.MaxConcurrent <= 0 {
		policy.MaxConcurrent = 1
	}
	s := &ClaimScheduler{
		chain:    chain,
		signed:   signed,
		policy:   policy,
		retries:  make(map[subChannelKey]*retryState),
		inFlight: make(map[subChannelKey]bool),
		sem:      make(chan struct{}, policy.MaxConcurrent),
		nudge:    make(chan ChannelID, 64),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop serving nudges and, when configured,
// the interval trigger. Stop with the returned context's cancellation via
// Close.
func (s *ClaimScheduler) Start(ctx context.Context, channels ...ChannelID) {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var tick <-chan time.Time
		if s.policy.Interval > 0 {
			ticker := time.NewTicker(s.policy.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case channelID := <-s.nudge:
				s.TriggerChannel(s.baseCtx, channelID) //nolint:errcheck // trigger results are advisory
			case <-tick:
				for _, channelID := range channels {
					s.TriggerChannel(s.baseCtx, channelID) //nolint:errcheck
				}
			}
		}
	}()
}

// Close stops the background loop and waits for in-flight claims.
func (s *ClaimScheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Nudge requests an asynchronous trigger for a channel. Never blocks; a full
// queue drops the nudge, which the interval trigger will cover later.
func (s *ClaimScheduler) Nudge(channelID ChannelID) {
	select {
	case s.nudge <- channelID:
	default:
	}
}

// TriggerChannel evaluates every authorized sub-channel of the channel and
// queues claims for deltas that clear the policy. The report lists, per
// sub-channel, queued(delta) or skipped(reason, delta, threshold).
func (s *ClaimScheduler) TriggerChannel(ctx context.Context, channelID ChannelID) (*ClaimTriggerResult, error) {
	subs, err := s.chain.ListSubChannels(ctx, channelID)
	if err != nil {
		return nil, err
	}

	result := &ClaimTriggerResult{ChannelID: channelID}
	for _, sub := range subs {
		result.Results = append(result.Results, s.evaluate(ctx, channelID, sub))
	}
	return result, nil
}

func (s *ClaimScheduler) evaluate(ctx context.Context, channelID ChannelID, sub *SubChannelInfo) SubChannelClaimResult {
	res := SubChannelClaimResult{
		VMIDFragment: sub.VMIDFragment,
		Delta:        new(big.Int),
		Threshold:    s.policy.MinClaimAmount,
	}

	latest, err := s.signed.GetLatest(ctx, channelID, sub.VMIDFragment)
	if err != nil || latest == nil {
		res.Reason = SkipNoDelta
		return res
	}

	claimed := new(big.Int)
	if sub.LastClaimedAmount != nil {
		claimed.Set(sub.LastClaimedAmount)
	}
	delta := new(big.Int).Sub(latest.SubRAV.AccumulatedAmount, claimed)
	res.Delta = delta

	if delta.Sign() <= 0 {
		res.Reason = SkipNoDelta
		return res
	}
	if s.policy.MinClaimAmount != nil && delta.Cmp(s.policy.MinClaimAmount) < 0 {
		res.Reason = SkipBelowThreshold
		return res
	}

	key := subChannelKey{channel: channelID, fragment: sub.VMIDFragment}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[key] {
		res.Reason = SkipInFlight
		return res
	}
	if rs, ok := s.retries[key]; ok {
		if s.policy.MaxRetries > 0 && rs.failures >= s.policy.MaxRetries {
			res.Reason = SkipRetriesExhausted
			return res
		}
		if time.Now().Before(rs.nextAttempt) {
			if rs.insufficient {
				res.Reason = SkipInsufficientFunds
			} else {
				res.Reason = SkipBackingOff
			}
			return res
		}
	}

	s.inFlight[key] = true
	if s.stats != nil {
		s.stats.recordAutoClaim()
	}
	s.wg.Add(1)
	go s.submit(key, latest)

	res.Queued = true
	return res
}

// submit runs on a background worker under the concurrency bound.
func (s *ClaimScheduler) submit(key subChannelKey, latest *SignedSubRAV) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.baseCtx.Done():
		s.release(key)
		return
	}

	_, err := s.chain.SubmitClaim(s.baseCtx, latest)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)

	if err == nil {
		delete(s.retries, key)
		return
	}

	rs := s.retries[key]
	if rs == nil {
		rs = &retryState{}
		s.retries[key] = rs
	}

	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Code == ErrCodeInsufficientFunds {
		rs.insufficient = true
		rs.nextAttempt = time.Now().Add(s.policy.InsufficientFundsBackoff)
		if s.policy.CountInsufficientAsFailure {
			rs.failures++
		}
		return
	}

	rs.insufficient = false
	rs.failures++
	rs.nextAttempt = time.Now().Add(s.policy.RetryBackoff)
}

func (s *ClaimScheduler) release(key subChannelKey) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}
