package subrav

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// IncomingRequest is the transport-neutral view of one inbound request the
// pipeline processes. The HTTP layer decodes the wire header and fills in
// whatever authentication it performed.
type IncomingRequest struct {
	// RuleID selects the billing rule for the matched route.
	RuleID string

	// Header is the decoded protocol header, nil if the request carried none.
	Header *RequestHeader

	// AuthPayerID is the authenticated payer identity, empty if the request
	// was unauthenticated. Used to resolve the channel when no signed
	// voucher is attached.
	AuthPayerID string

	// AuthKeyFragment is the verification-key fragment the payer
	// authenticated with, empty if unknown.
	AuthKeyFragment string
}

// RequestState carries everything PreProcess fetched plus the running
// outcome. Settle and Persist operate on it without further I/O decisions.
type RequestState struct {
	Rule         BillingRule
	Header       *RequestHeader
	ClientTxRef  string
	ServiceTxRef string

	ChainID      uint64
	Channel      *ChannelInfo
	SubChannel   *SubChannelInfo
	LatestSigned *SignedSubRAV
	Pending      *SubRAV

	// RatePicoUSD is the prefetched price of one asset base unit, nil if the
	// rate fetch failed. Settle turns nil into a rate_unavailable error.
	RatePicoUSD *big.Int

	Decision Decision

	// Proposal is the next unsigned voucher built by Settle, nil for free
	// rules and failed requests.
	Proposal *SubRAV

	// Cost is the priced cost of this request in asset base units.
	Cost *big.Int

	// Err is the structured protocol error, nil while the request is healthy.
	Err *ProtocolError
}

// Failed reports whether a protocol error has been recorded.
func (s *RequestState) Failed() bool { return s.Err != nil }

func (s *RequestState) fail(err *ProtocolError) { s.Err = err }

// Pipeline orchestrates per-request payment processing on the payee side:
// prefetch, verify, price, propose, persist. One instance serves a
// deployment; repositories provide their own synchronization.
type Pipeline struct {
	chain   ChainAdapter
	pending PendingSubRAVRepository
	signed  SignedSubRAVRepository
	rates   RateProvider

	payeeID        string
	defaultAssetID string

	rules map[string]BillingRule
	stats *ProcessingStats

	// onPaymentAccepted is invoked out-of-band after a signed voucher is
	// persisted, typically wired to ClaimScheduler.Nudge.
	onPaymentAccepted func(channelID ChannelID)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithBillingRule registers a billing rule at construction time.
func WithBillingRule(rule BillingRule) PipelineOption {
	return func(p *Pipeline) {
		p.rules[rule.ID] = rule
	}
}

// WithPayeeIdentity sets the payee identity and asset used to derive channel
// ids for requests that authenticate without a voucher.
func WithPayeeIdentity(payeeID, assetID string) PipelineOption {
	return func(p *Pipeline) {
		p.payeeID = payeeID
		p.defaultAssetID = assetID
	}
}

// WithPaymentAcceptedHook registers the out-of-band callback fired after each
// accepted payment.
func WithPaymentAcceptedHook(hook func(channelID ChannelID)) PipelineOption {
	return func(p *Pipeline) {
		p.onPaymentAccepted = hook
	}
}

// NewPipeline creates a payee processing pipeline.
func NewPipeline(
	chain ChainAdapter,
	pending PendingSubRAVRepository,
	signed SignedSubRAVRepository,
	rates RateProvider,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		chain:   chain,
		pending: pending,
		signed:  signed,
		rates:   rates,
		rules:   make(map[string]BillingRule),
		stats:   &ProcessingStats{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats exposes the pipeline's counters for admin surfaces.
func (p *Pipeline) Stats() *ProcessingStats { return p.stats }

// RegisterRule adds or replaces a billing rule.
func (p *Pipeline) RegisterRule(rule BillingRule) {
	p.rules[rule.ID] = rule
}

// CleanupPending reaps stale proposals; intended for a periodic janitor.
func (p *Pipeline) CleanupPending(ctx context.Context, maxAge time.Duration) (int, error) {
	return p.pending.Cleanup(ctx, maxAge)
}

// PreProcess performs all request I/O in one place: it resolves the
// sub-channel, prefetches channel/baseline/rate state, runs voucher
// verification, and applies the accept side effects (remove matched
// proposal, persist signed voucher). Expected failures land in state.Err;
// only repository/transport breakage is returned as an error.
func (p *Pipeline) PreProcess(ctx context.Context, req IncomingRequest) (*RequestState, error) {
	p.stats.recordRequest()

	state := &RequestState{
		Header:       req.Header,
		ServiceTxRef: uuid.NewString(),
	}
	if req.Header != nil {
		state.ClientTxRef = req.Header.ClientTxRef
	}

	rule, ok := p.rules[req.RuleID]
	if !ok {
		state.fail(NewProtocolError(ErrCodeUnknownRule, "no billing rule registered for %q", req.RuleID))
		return state, nil
	}
	state.Rule = rule

	var signed *SignedSubRAV
	if req.Header != nil {
		signed = req.Header.SignedSubRAV
	}

	// Resolve (channel, fragment) from the voucher, else from authentication.
	var channelID ChannelID
	var fragment string
	switch {
	case signed != nil:
		channelID = signed.SubRAV.ChannelID
		fragment = signed.SubRAV.VMIDFragment
	case req.AuthPayerID != "":
		if req.AuthKeyFragment == "" {
			state.fail(NewProtocolError(ErrCodeKeyNotResolved,
				"authenticated payer %s has no resolvable key fragment", req.AuthPayerID))
			return state, nil
		}
		channelID = p.chain.DeriveChannelID(req.AuthPayerID, p.payeeID, p.defaultAssetID)
		fragment = req.AuthKeyFragment
	case !rule.PaymentRequired:
		// Free route, no voucher, no identity: nothing to meter.
		state.Decision = Decision{Kind: DecisionAccept}
		return state, nil
	default:
		state.fail(NewProtocolError(ErrCodeMissingAuth,
			"request carries neither a signed voucher nor an authenticated payer"))
		return state, nil
	}

	chainID, err := p.chain.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain id: %w", err)
	}
	state.ChainID = chainID

	channel, err := p.chain.GetChannelInfo(ctx, channelID)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code == ErrCodeChannelNotFound {
			state.fail(pe)
			return state, nil
		}
		return nil, fmt.Errorf("failed to load channel %s: %w", channelID.Hex(), err)
	}
	if channel.Status == ChannelStatusClosed {
		state.fail(NewProtocolError(ErrCodeChannelClosed, "channel %s is closed", channelID.Hex()))
		return state, nil
	}
	state.Channel = channel

	sub, err := p.chain.GetSubChannelState(ctx, channelID, fragment)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code == ErrCodeSubChannelNotFound {
			state.fail(pe)
			return state, nil
		}
		return nil, fmt.Errorf("failed to load sub-channel %s/%s: %w", channelID.Hex(), fragment, err)
	}
	if len(sub.PublicKey) == 0 {
		state.fail(NewProtocolError(ErrCodeKeyNotResolved,
			"sub-channel %s/%s has no verification key", channelID.Hex(), fragment))
		return state, nil
	}
	state.SubChannel = sub

	latest, err := p.signed.GetLatest(ctx, channelID, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest signed voucher: %w", err)
	}
	state.LatestSigned = latest

	pendingProposal, err := p.pending.FindLatestBySubChannel(ctx, channelID, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending proposal: %w", err)
	}
	state.Pending = pendingProposal

	// Prefetch the exchange rate now so Settle stays synchronous. A failed
	// fetch is recorded as a missing rate, which Settle treats as a hard
	// error for priced work.
	if rate, rateErr := p.rates.AssetPricePicoUSD(ctx, channel.AssetID); rateErr == nil {
		state.RatePicoUSD = rate
	}

	decision := VerifyVoucher(VerifyParams{
		Channel:      channel,
		SubChannel:   sub,
		Rule:         rule,
		PayerKey:     sub.PublicKey,
		KeyScheme:    sub.KeyScheme,
		Signed:       signed,
		LatestSigned: latest,
		Pending:      pendingProposal,
	})
	state.Decision = decision

	switch decision.Kind {
	case DecisionAccept:
		if decision.PersistSigned != nil {
			if err := p.signed.Save(ctx, decision.PersistSigned); err != nil {
				return nil, fmt.Errorf("failed to persist signed voucher: %w", err)
			}
			if decision.RemovePending != nil {
				rp := decision.RemovePending
				if err := p.pending.Remove(ctx, rp.ChannelID, rp.VMIDFragment, rp.Nonce); err != nil {
					return nil, fmt.Errorf("failed to remove matched proposal: %w", err)
				}
			}
			state.LatestSigned = decision.PersistSigned
			state.Pending = nil
			p.stats.recordSuccess()
			if p.onPaymentAccepted != nil {
				p.onPaymentAccepted(channelID)
			}
		}
	case DecisionRequireSignature, DecisionConflict:
		p.stats.recordFailure()
		state.fail(decision.Err)
	}

	return state, nil
}

// Settle prices the work just performed and, for paid rules, builds the next
// unsigned proposal over the baseline. Purely synchronous; every failure is
// recorded as a protocol error on the state rather than returned.
func (p *Pipeline) Settle(state *RequestState, usage Usage) *RequestState {
	if state.Failed() {
		return state
	}
	if !state.Rule.PaymentRequired {
		// Free rules never advance the voucher sequence.
		state.Cost = new(big.Int)
		return state
	}
	if state.Rule.Strategy == nil {
		state.fail(NewProtocolError(ErrCodeUnknownRule,
			"billing rule %q requires payment but has no pricing strategy", state.Rule.ID))
		return state
	}
	if state.SubChannel == nil {
		state.fail(NewProtocolError(ErrCodeSubChannelNotFound,
			"cannot settle a paid rule without a resolved sub-channel"))
		return state
	}
	if state.RatePicoUSD == nil || state.RatePicoUSD.Sign() <= 0 {
		state.fail(NewProtocolError(ErrCodeRateUnavailable,
			"no exchange rate available for asset %s", state.Channel.AssetID))
		return state
	}

	costPico := state.Rule.Strategy.CostPicoUSD(usage)
	cost := ceilDiv(costPico, state.RatePicoUSD)

	if state.Header != nil && state.Header.MaxAmount != nil &&
		state.Header.MaxAmount.Sign() > 0 && cost.Cmp(state.Header.MaxAmount) > 0 {
		state.fail(NewProtocolError(ErrCodeMaxAmountExceeded,
			"cost %s exceeds declared maximum %s", cost, state.Header.MaxAmount).
			WithDetail("cost", cost.String()).
			WithDetail("maxAmount", state.Header.MaxAmount.String()))
		return state
	}

	baseline := p.settleBaseline(state)
	proposal := baseline.Clone()
	proposal.Version = CurrentVersion
	proposal.Nonce = baseline.Nonce + 1
	proposal.AccumulatedAmount = new(big.Int).Add(baseline.AccumulatedAmount, cost)

	state.Cost = cost
	state.Proposal = proposal
	return state
}

// settleBaseline picks the voucher the next proposal extends: the signed
// voucher accepted on this request, else the latest persisted one, else the
// on-chain sub-channel state.
func (p *Pipeline) settleBaseline(state *RequestState) *SubRAV {
	if state.Header != nil && state.Header.SignedSubRAV != nil &&
		state.Decision.Kind == DecisionAccept && state.Decision.PersistSigned != nil {
		return &state.Decision.PersistSigned.SubRAV
	}
	if state.LatestSigned != nil {
		return &state.LatestSigned.SubRAV
	}
	return state.SubChannel.BaselineRAV(state.ChainID)
}

// Persist stores the proposal built by Settle so the next request has
// something to countersign. Saving is idempotent per sub-channel: a stale
// proposal for the same lane is overwritten.
func (p *Pipeline) Persist(ctx context.Context, state *RequestState) error {
	if state.Failed() || state.Proposal == nil {
		return nil
	}
	if err := p.pending.Save(ctx, state.Proposal); err != nil {
		return fmt.Errorf("failed to persist pending proposal: %w", err)
	}
	return nil
}

// BuildResponseHeader converts the final request state into the wire value
// returned to the payer.
func (p *Pipeline) BuildResponseHeader(state *RequestState) *ResponseHeader {
	h := &ResponseHeader{
		ClientTxRef:  state.ClientTxRef,
		ServiceTxRef: state.ServiceTxRef,
		Version:      CurrentVersion,
	}
	if state.Failed() {
		h.Error = state.Err
		return h
	}
	if state.Proposal != nil {
		h.SubRAV = state.Proposal
		h.Cost = state.Cost
	}
	return h
}

// ceilDiv divides picoUSD cost by the asset rate, rounding up so fractional
// base units are never given away.
func ceilDiv(cost, rate *big.Int) *big.Int {
	if cost.Sign() == 0 {
		return new(big.Int)
	}
	q, r := new(big.Int).QuoRem(cost, rate, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
