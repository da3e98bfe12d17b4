package subrav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EndpointState is the payer engine's lifecycle state for one remote service.
type EndpointState int

const (
	// StateInit means no channel has been resolved yet.
	StateInit EndpointState = iota
	// StateOpening means channel recovery or open/authorize is in progress.
	StateOpening
	// StateReady means requests can be dispatched.
	StateReady
)

func (s EndpointState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// PaymentResult is the resolved payment confirmation for one request.
type PaymentResult struct {
	// Proposal is the next unsigned voucher the service issued, nil when the
	// request was served free.
	Proposal *SubRAV
	// Cost is what this request was priced at, in asset base units.
	Cost *big.Int
	// Free marks requests that completed without payment bookkeeping.
	Free         bool
	ClientTxRef  string
	ServiceTxRef string
}

// PaymentFuture is the independently awaitable payment-confirmation outcome
// of one request. It resolves or rejects exactly once; a per-future timer
// rejects it if no correlated response header ever arrives.
type PaymentFuture struct {
	done   chan struct{}
	once   sync.Once
	result *PaymentResult
	err    error

	timerMu sync.Mutex
	timer   *time.Timer
}

func newPaymentFuture() *PaymentFuture {
	return &PaymentFuture{done: make(chan struct{})}
}

// Await blocks until the future settles or ctx is cancelled.
func (f *PaymentFuture) Await(ctx context.Context) (*PaymentResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the future settles.
func (f *PaymentFuture) Done() <-chan struct{} { return f.done }

func (f *PaymentFuture) resolve(result *PaymentResult) {
	f.once.Do(func() {
		f.stopTimer()
		f.result = result
		close(f.done)
	})
}

func (f *PaymentFuture) reject(err error) {
	f.once.Do(func() {
		f.stopTimer()
		f.err = err
		close(f.done)
	})
}

func (f *PaymentFuture) setTimer(d time.Duration, expire func()) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(d, expire)
}

func (f *PaymentFuture) stopTimer() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// pendingPayment is one row of the correlation table: the future plus the
// voucher that went out with the request, needed to validate progression of
// the successor proposal.
type pendingPayment struct {
	future  *PaymentFuture
	sentRAV *SubRAV
}

// clientSnapshot is what survives a payer restart.
type clientSnapshot struct {
	ChannelID       string  `json:"channelId"`
	PendingProposal *SubRAV `json:"pendingProposal,omitempty"`
}

// PayerClient is the client-side protocol engine for one remote service
// endpoint: channel lifecycle, voucher signing under mutual exclusion,
// request/payment correlation, and snapshot persistence.
type PayerClient struct {
	host    string
	payerID string
	payeeID string
	assetID string

	signer   SubRAVSigner
	chain    PayerChainClient
	recovery RecoveryClient
	store    StateStore

	defaultMaxAmount *big.Int
	deposit          *big.Int
	paymentTimeout   time.Duration
	streamTimeout    time.Duration
	openRetries      int
	openRetryDelay   time.Duration

	// mu guards the lifecycle state and channel identity. opening is closed
	// when the in-flight open() settles, so concurrent callers can wait on
	// it instead of opening again.
	mu      sync.Mutex
	state   EndpointState
	opening chan struct{}
	channel *ChannelInfo

	// ravMu is the dedicated lock for the single contested resource: the
	// "next proposal to sign" slot. Take-and-clear happens only under it so
	// concurrent requests can never sign the same proposal twice.
	ravMu           sync.Mutex
	pendingProposal *SubRAV

	corrMu      sync.Mutex
	correlation map[string]*pendingPayment
}

// PayerOption configures a PayerClient.
type PayerOption func(*PayerClient)

// WithMaxAmount sets the per-request ceiling attached to every header.
func WithMaxAmount(max *big.Int) PayerOption {
	return func(c *PayerClient) { c.defaultMaxAmount = max }
}

// WithDeposit sets the deposit used when opening a new channel.
func WithDeposit(deposit *big.Int) PayerOption {
	return func(c *PayerClient) { c.deposit = deposit }
}

// WithPaymentTimeout sets the confirmation timeout for regular responses.
func WithPaymentTimeout(d time.Duration) PayerOption {
	return func(c *PayerClient) { c.paymentTimeout = d }
}

// WithStreamTimeout sets the extended timeout applied to streaming responses,
// whose payment confirmation may arrive only at stream completion.
func WithStreamTimeout(d time.Duration) PayerOption {
	return func(c *PayerClient) { c.streamTimeout = d }
}

// WithOpenRetry tunes how long the engine polls for sub-channel authorization
// visibility after opening a channel.
func WithOpenRetry(retries int, delay time.Duration) PayerOption {
	return func(c *PayerClient) {
		c.openRetries = retries
		c.openRetryDelay = delay
	}
}

// NewPayerClient creates a payer engine for one remote endpoint.
func NewPayerClient(
	host, payerID, payeeID, assetID string,
	signer SubRAVSigner,
	chain PayerChainClient,
	recovery RecoveryClient,
	store StateStore,
	opts ...PayerOption,
) *PayerClient {
	c := &PayerClient{
		host:             host,
		payerID:          payerID,
		payeeID:          payeeID,
		assetID:          assetID,
		signer:           signer,
		chain:            chain,
		recovery:         recovery,
		store:            store,
		defaultMaxAmount: big.NewInt(0),
		deposit:          big.NewInt(0),
		paymentTimeout:   30 * time.Second,
		streamTimeout:    5 * time.Minute,
		openRetries:      10,
		openRetryDelay:   time.Second,
		correlation:      make(map[string]*pendingPayment),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *PayerClient) State() EndpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID returns the adopted channel id once the engine is READY.
func (c *PayerClient) ChannelID() (ChannelID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return ChannelID{}, false
	}
	return c.channel.ChannelID, true
}

// EnsureReady drives INIT → OPENING → READY. Safe to call on every request;
// it is a no-op once READY. The OPENING state is single-flight: exactly one
// caller runs open() and the rest wait for its outcome, so a burst of first
// requests never opens or funds the channel twice. Order of resolution:
// persisted snapshot, then the authenticated recovery call, then
// open + authorize.
func (c *PayerClient) EnsureReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			c.mu.Unlock()
			return nil
		case StateOpening:
			wait := c.opening
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-read the state: the opener may have succeeded or rolled
			// back to INIT on failure.
			continue
		}
		done := make(chan struct{})
		c.state = StateOpening
		c.opening = done
		c.mu.Unlock()

		err := c.open(ctx)

		c.mu.Lock()
		if err != nil {
			c.state = StateInit
		} else {
			c.state = StateReady
		}
		c.mu.Unlock()
		close(done)
		return err
	}
}

func (c *PayerClient) open(ctx context.Context) error {
	// 1. Snapshot from the local store.
	if c.store != nil {
		if blob, err := c.store.Load(ctx, c.host, c.payerID); err == nil && len(blob) > 0 {
			var snap clientSnapshot
			if err := json.Unmarshal(blob, &snap); err == nil && snap.ChannelID != "" {
				if ok := c.adoptChannel(ctx, HexToChannelID(snap.ChannelID), snap.PendingProposal); ok {
					return nil
				}
			}
		}
	}

	// 2. Authenticated recovery against the remote service.
	if c.recovery != nil {
		recovered, err := c.recovery.RecoverChannel(ctx, c.host, c.payerID)
		if err == nil && recovered != nil && recovered.Channel != nil &&
			recovered.SubChannel != nil && recovered.SubChannel.VMIDFragment == c.signer.VMIDFragment() {
			c.mu.Lock()
			c.channel = recovered.Channel
			c.mu.Unlock()
			c.setPending(recovered.PendingProposal)
			return c.persistSnapshot(ctx)
		}
	}

	// 3. Open a fresh channel and authorize our key.
	channel, err := c.chain.OpenChannel(ctx, c.payerID, c.payeeID, c.assetID, c.deposit)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := c.chain.AuthorizeSubChannel(ctx, channel.ChannelID, c.signer.VMIDFragment(), c.signer.PublicKey(), c.signer.Scheme()); err != nil {
		return fmt.Errorf("failed to authorize sub-channel: %w", err)
	}
	if err := c.waitForAuthorization(ctx, channel.ChannelID); err != nil {
		return err
	}

	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()
	c.setPending(nil)
	return c.persistSnapshot(ctx)
}

// adoptChannel validates a remembered channel id against the chain and adopts
// it if our key is still authorized.
func (c *PayerClient) adoptChannel(ctx context.Context, channelID ChannelID, pending *SubRAV) bool {
	channel, err := c.chain.GetChannelInfo(ctx, channelID)
	if err != nil || channel.Status == ChannelStatusClosed {
		return false
	}
	sub, err := c.chain.GetSubChannelState(ctx, channelID, c.signer.VMIDFragment())
	if err != nil || sub == nil {
		return false
	}
	c.mu.Lock()
	c.channel = channel
	c.mu.Unlock()
	c.setPending(pending)
	return true
}

// waitForAuthorization polls until the freshly authorized sub-channel is
// visible, with bounded retries at a fixed delay.
func (c *PayerClient) waitForAuthorization(ctx context.Context, channelID ChannelID) error {
	var lastErr error
	for i := 0; i < c.openRetries; i++ {
		sub, err := c.chain.GetSubChannelState(ctx, channelID, c.signer.VMIDFragment())
		if err == nil && sub != nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.openRetryDelay):
		}
	}
	return fmt.Errorf("sub-channel authorization not visible after %d attempts: %w", c.openRetries, lastErr)
}

// PrepareRequest produces the protocol header for one outbound request and
// registers its payment future. If a pending proposal is cached it is signed
// and the slot cleared, atomically with respect to concurrent callers; if the
// slot is empty the request goes out unsigned rather than fabricating a
// voucher.
func (c *PayerClient) PrepareRequest(ctx context.Context) (*RequestHeader, *PaymentFuture, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, nil, err
	}

	var signed *SignedSubRAV
	var sentRAV *SubRAV

	// Critical section: read-clear-sign must not interleave.
	c.ravMu.Lock()
	proposal := c.pendingProposal
	c.pendingProposal = nil
	c.ravMu.Unlock()

	if proposal != nil {
		var err error
		signed, err = c.signer.Sign(ctx, proposal)
		if err != nil {
			// Put the proposal back so a later request can retry signing.
			c.restorePending(proposal)
			return nil, nil, fmt.Errorf("failed to sign proposal nonce %d: %w", proposal.Nonce, err)
		}
		sentRAV = proposal
	}

	if err := c.persistSnapshot(ctx); err != nil {
		// Snapshot failures must not block the request itself.
		_ = err
	}

	clientTxRef := uuid.NewString()
	future := newPaymentFuture()
	entry := &pendingPayment{future: future, sentRAV: sentRAV}

	c.corrMu.Lock()
	c.correlation[clientTxRef] = entry
	c.corrMu.Unlock()

	future.setTimer(c.paymentTimeout, func() {
		c.rejectCorrelated(clientTxRef, NewProtocolError(ErrCodeInternal,
			"payment confirmation timed out after %s", c.paymentTimeout))
	})

	return &RequestHeader{
		SignedSubRAV: signed,
		MaxAmount:    c.defaultMaxAmount,
		ClientTxRef:  clientTxRef,
	}, future, nil
}

// MarkStreaming extends the confirmation timeout for a streaming response:
// the header may only arrive once the stream completes.
func (c *PayerClient) MarkStreaming(clientTxRef string) {
	c.corrMu.Lock()
	entry := c.correlation[clientTxRef]
	c.corrMu.Unlock()
	if entry == nil {
		return
	}
	entry.future.setTimer(c.streamTimeout, func() {
		c.rejectCorrelated(clientTxRef, NewProtocolError(ErrCodeInternal,
			"payment confirmation timed out after %s (streaming)", c.streamTimeout))
	})
}

// HandleResponse correlates a service response back to its request and
// settles the payment future. headerValue is the raw protocol header, empty
// if the response carried none; streaming marks responses whose body is still
// open, for which an absent header is not yet a resolution.
func (c *PayerClient) HandleResponse(ctx context.Context, clientTxRef string, statusCode int, headerValue string, streaming bool) error {
	if headerValue == "" {
		switch statusCode {
		case http.StatusPaymentRequired:
			// The service is waiting on a proposal we no longer hold.
			c.setPending(nil)
			c.persistSnapshot(ctx) //nolint:errcheck
			c.rejectCorrelated(clientTxRef, NewProtocolError(ErrCodePaymentRequired,
				"service demanded payment with no proposal to sign"))
			return nil
		case http.StatusConflict:
			// Drop our cached proposal and stay READY; the next unsigned
			// request re-negotiates from the service's state.
			c.setPending(nil)
			c.persistSnapshot(ctx) //nolint:errcheck
			c.rejectCorrelated(clientTxRef, NewProtocolError(ErrCodeRAVConflict,
				"service reported a voucher conflict"))
			return nil
		default:
			if streaming {
				c.MarkStreaming(clientTxRef)
				return nil
			}
			// No header and not streaming: the request was served free.
			c.resolveCorrelated(clientTxRef, &PaymentResult{Free: true, ClientTxRef: clientTxRef})
			return nil
		}
	}

	header, err := DecodeResponseHeader(headerValue)
	if err != nil {
		c.rejectCorrelated(clientTxRef, NewProtocolError(ErrCodeInternal,
			"undecodable payment response header: %v", err))
		return err
	}
	if header.ClientTxRef != "" && header.ClientTxRef != clientTxRef {
		// Header for a different request; resolve by its own reference.
		clientTxRef = header.ClientTxRef
	}

	if header.Error != nil {
		if header.Error.Code == ErrCodeRAVConflict || header.Error.Code == ErrCodePaymentRequired {
			c.setPending(nil)
			c.persistSnapshot(ctx) //nolint:errcheck
		}
		c.rejectCorrelated(clientTxRef, header.Error)
		return nil
	}

	if header.SubRAV == nil {
		c.resolveCorrelated(clientTxRef, &PaymentResult{
			Free:         true,
			ClientTxRef:  clientTxRef,
			ServiceTxRef: header.ServiceTxRef,
		})
		return nil
	}

	c.corrMu.Lock()
	entry := c.correlation[clientTxRef]
	c.corrMu.Unlock()

	// Strict progression: the successor must extend the voucher this request
	// carried by exactly one nonce with a non-decreasing amount.
	if entry != nil && entry.sentRAV != nil {
		sent := entry.sentRAV
		if !header.SubRAV.SameSubChannel(sent) ||
			header.SubRAV.Nonce != sent.Nonce+1 ||
			header.SubRAV.AccumulatedAmount.Cmp(sent.AccumulatedAmount) < 0 {
			err := NewProtocolError(ErrCodeBadProgression,
				"successor voucher nonce %d does not extend sent voucher nonce %d",
				header.SubRAV.Nonce, sent.Nonce)
			c.rejectCorrelated(clientTxRef, err)
			return err
		}
	}

	c.setPending(header.SubRAV)
	c.persistSnapshot(ctx) //nolint:errcheck

	c.resolveCorrelated(clientTxRef, &PaymentResult{
		Proposal:     header.SubRAV,
		Cost:         header.Cost,
		ClientTxRef:  clientTxRef,
		ServiceTxRef: header.ServiceTxRef,
	})
	return nil
}

// AbortRequest rejects the correlated payment future when the underlying
// request is cancelled, so it never stays pending forever.
func (c *PayerClient) AbortRequest(clientTxRef string, cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	c.rejectCorrelated(clientTxRef, cause)
}

// Close rejects every outstanding payment future.
func (c *PayerClient) Close() {
	c.corrMu.Lock()
	entries := c.correlation
	c.correlation = make(map[string]*pendingPayment)
	c.corrMu.Unlock()
	for _, entry := range entries {
		entry.future.reject(errors.New("payer client closed"))
	}
}

func (c *PayerClient) resolveCorrelated(clientTxRef string, result *PaymentResult) {
	if entry := c.takeCorrelated(clientTxRef); entry != nil {
		entry.future.resolve(result)
	}
}

func (c *PayerClient) rejectCorrelated(clientTxRef string, err error) {
	if entry := c.takeCorrelated(clientTxRef); entry != nil {
		entry.future.reject(err)
	}
}

func (c *PayerClient) takeCorrelated(clientTxRef string) *pendingPayment {
	c.corrMu.Lock()
	defer c.corrMu.Unlock()
	entry := c.correlation[clientTxRef]
	delete(c.correlation, clientTxRef)
	return entry
}

func (c *PayerClient) setPending(rav *SubRAV) {
	c.ravMu.Lock()
	c.pendingProposal = rav
	c.ravMu.Unlock()
}

// restorePending puts a proposal back only if no newer one landed meanwhile.
func (c *PayerClient) restorePending(rav *SubRAV) {
	c.ravMu.Lock()
	if c.pendingProposal == nil {
		c.pendingProposal = rav
	}
	c.ravMu.Unlock()
}

// PendingProposal exposes the cached slot for inspection.
func (c *PayerClient) PendingProposal() *SubRAV {
	c.ravMu.Lock()
	defer c.ravMu.Unlock()
	return c.pendingProposal
}

// persistSnapshot writes (channelId, pendingProposal) so state survives a
// restart. Called after every mutation of either.
func (c *PayerClient) persistSnapshot(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return nil
	}
	c.ravMu.Lock()
	pending := c.pendingProposal
	c.ravMu.Unlock()

	blob, err := json.Marshal(clientSnapshot{
		ChannelID:       channel.ChannelID.Hex(),
		PendingProposal: pending,
	})
	if err != nil {
		return err
	}
	return c.store.Save(ctx, c.host, c.payerID, blob)
}
