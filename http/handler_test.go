package http

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	subrav "github.com/subrav-foundation/subrav/go"
)

const (
	testPayerID = "did:example:payer"
	testPayeeID = "did:example:payee"
	testAssetID = "usdc"
)

type chainKey struct {
	channel  subrav.ChannelID
	fragment string
}

// testChain is a minimal in-memory ChainAdapter for handler tests.
type testChain struct {
	mu       sync.Mutex
	channels map[subrav.ChannelID]*subrav.ChannelInfo
	subs     map[chainKey]*subrav.SubChannelInfo
}

func newTestChain() *testChain {
	return &testChain{
		channels: make(map[subrav.ChannelID]*subrav.ChannelInfo),
		subs:     make(map[chainKey]*subrav.SubChannelInfo),
	}
}

func (c *testChain) DeriveChannelID(payerID, payeeID, assetID string) subrav.ChannelID {
	return subrav.HexToChannelID("0x3333333333333333333333333333333333333333333333333333333333333333")
}

func (c *testChain) GetChainID(context.Context) (uint64, error) { return 4, nil }

func (c *testChain) GetChannelInfo(_ context.Context, channelID subrav.ChannelID) (*subrav.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[channelID]
	if ch == nil {
		return nil, subrav.NewProtocolError(subrav.ErrCodeChannelNotFound, "channel %s does not exist", channelID.Hex())
	}
	cp := *ch
	return &cp, nil
}

func (c *testChain) GetSubChannelState(_ context.Context, channelID subrav.ChannelID, fragment string) (*subrav.SubChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[chainKey{channel: channelID, fragment: fragment}]
	if sub == nil {
		return nil, subrav.NewProtocolError(subrav.ErrCodeSubChannelNotFound, "sub-channel %s/%s not authorized", channelID.Hex(), fragment)
	}
	cp := *sub
	return &cp, nil
}

func (c *testChain) ListSubChannels(_ context.Context, channelID subrav.ChannelID) ([]*subrav.SubChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*subrav.SubChannelInfo
	for key, sub := range c.subs {
		if key.channel == channelID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (c *testChain) SubmitClaim(_ context.Context, signed *subrav.SignedSubRAV) (*subrav.ClaimReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chainKey{channel: signed.SubRAV.ChannelID, fragment: signed.SubRAV.VMIDFragment}
	if sub := c.subs[key]; sub != nil {
		sub.LastClaimedAmount = new(big.Int).Set(signed.SubRAV.AccumulatedAmount)
		sub.LastConfirmedNonce = signed.SubRAV.Nonce
	}
	return &subrav.ClaimReceipt{TxHash: "0xtest", ClaimedAmount: signed.SubRAV.AccumulatedAmount}, nil
}

type fixedRate struct{ price *big.Int }

func (r fixedRate) AssetPricePicoUSD(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(r.price), nil
}

type serverFixture struct {
	router   *gin.Engine
	pipeline *subrav.Pipeline
	chain    *testChain
	signer   *subrav.Ed25519Signer

	channelID subrav.ChannelID
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chain := newTestChain()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := subrav.NewEd25519Signer("account-key", priv)
	require.NoError(t, err)

	channelID := chain.DeriveChannelID(testPayerID, testPayeeID, testAssetID)
	chain.channels[channelID] = &subrav.ChannelInfo{
		ChannelID: channelID,
		PayerID:   testPayerID,
		PayeeID:   testPayeeID,
		AssetID:   testAssetID,
		Status:    subrav.ChannelStatusActive,
	}
	chain.subs[chainKey{channel: channelID, fragment: "account-key"}] = &subrav.SubChannelInfo{
		ChannelID:         channelID,
		VMIDFragment:      "account-key",
		PublicKey:         signer.PublicKey(),
		KeyScheme:         subrav.KeySchemeEd25519,
		LastClaimedAmount: new(big.Int),
	}

	pipeline := subrav.NewPipeline(
		chain,
		subrav.NewMemoryPendingSubRAVRepository(),
		subrav.NewMemorySignedSubRAVRepository(),
		fixedRate{price: big.NewInt(1)},
		subrav.WithPayeeIdentity(testPayeeID, testAssetID),
		subrav.WithBillingRule(subrav.BillingRule{
			ID:              "echo",
			PaymentRequired: true,
			Strategy:        subrav.PerRequest{PricePicoUSD: big.NewInt(50)},
		}),
		subrav.WithBillingRule(subrav.BillingRule{ID: "health", PaymentRequired: false}),
	)

	router := gin.New()
	// Stand-in for real auth middleware.
	router.Use(func(c *gin.Context) {
		if payer := c.GetHeader("X-Test-Payer"); payer != "" {
			c.Set(ContextKeyPayerID, payer)
			c.Set(ContextKeyKeyFragment, "account-key")
		}
	})
	router.GET("/echo", Paid(pipeline, "echo", func(c *gin.Context, state *subrav.RequestState) (int, any, subrav.Usage) {
		return http.StatusOK, gin.H{"echo": "ok"}, subrav.Usage{Units: 1}
	}))
	router.GET("/health", Paid(pipeline, "health", func(c *gin.Context, state *subrav.RequestState) (int, any, subrav.Usage) {
		return http.StatusOK, gin.H{"status": "healthy"}, subrav.Usage{}
	}))
	router.GET("/admin/stats", StatsHandler(pipeline))

	return &serverFixture{router: router, pipeline: pipeline, chain: chain, signer: signer, channelID: channelID}
}

func (f *serverFixture) do(t *testing.T, path string, authenticated bool, paymentHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authenticated {
		req.Header.Set("X-Test-Payer", testPayerID)
	}
	if paymentHeader != "" {
		req.Header.Set(subrav.HeaderName, paymentHeader)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponseHeader(t *testing.T, rec *httptest.ResponseRecorder) *subrav.ResponseHeader {
	t.Helper()
	raw := rec.Header().Get(subrav.HeaderName)
	require.NotEmpty(t, raw, "response must carry the protocol header")
	header, err := subrav.DecodeResponseHeader(raw)
	require.NoError(t, err)
	return header
}

func TestPaidRouteDeferredCycle(t *testing.T) {
	f := newServerFixture(t)

	// Handshake: authenticated, no voucher. Served with a proposal attached.
	rec := f.do(t, "/echo", true, "")
	require.Equal(t, http.StatusOK, rec.Code)
	header := decodeResponseHeader(t, rec)
	require.Nil(t, header.Error)
	require.EqualValues(t, 1, header.SubRAV.Nonce)
	require.Equal(t, "50", header.Cost.String())

	// Countersign and send the voucher with the next request.
	signed, err := f.signer.Sign(context.Background(), header.SubRAV)
	require.NoError(t, err)
	encoded, err := subrav.EncodeRequestHeader(&subrav.RequestHeader{
		SignedSubRAV: signed,
		MaxAmount:    big.NewInt(1000),
		ClientTxRef:  "req-2",
	})
	require.NoError(t, err)

	rec = f.do(t, "/echo", false, encoded)
	require.Equal(t, http.StatusOK, rec.Code)
	header = decodeResponseHeader(t, rec)
	require.Nil(t, header.Error)
	require.EqualValues(t, 2, header.SubRAV.Nonce)
	require.Equal(t, "100", header.SubRAV.AccumulatedAmount.String())
	require.Equal(t, "req-2", header.ClientTxRef)
}

func TestPaidRouteDemandsSignatureWhileProposalPending(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "/echo", true, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Coming back unsigned while a proposal is outstanding is a 402.
	rec = f.do(t, "/echo", true, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	header := decodeResponseHeader(t, rec)
	require.NotNil(t, header.Error)
	require.Equal(t, subrav.ErrCodePaymentRequired, header.Error.Code)
}

func TestPaidRouteStaleVoucherConflicts(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "/echo", true, "")
	header := decodeResponseHeader(t, rec)

	stale := header.SubRAV.Clone()
	stale.Nonce = 99
	signed, err := f.signer.Sign(context.Background(), stale)
	require.NoError(t, err)
	encoded, err := subrav.EncodeRequestHeader(&subrav.RequestHeader{
		SignedSubRAV: signed,
		MaxAmount:    big.NewInt(1000),
		ClientTxRef:  "req-2",
	})
	require.NoError(t, err)

	rec = f.do(t, "/echo", false, encoded)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, subrav.ErrCodeRAVConflict, decodeResponseHeader(t, rec).Error.Code)
}

func TestPaidRouteMalformedHeaderIsBadRequest(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "/echo", false, "not-a-valid-header!!!")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, subrav.ErrCodeInvalidAuth, decodeResponseHeader(t, rec).Error.Code)
}

func TestPaidRouteUnauthenticatedIsUnauthorized(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, "/echo", false, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, subrav.ErrCodeMissingAuth, decodeResponseHeader(t, rec).Error.Code)
}

func TestFreeRouteServesWithoutPayment(t *testing.T) {
	f := newServerFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, "/health", false, "")
		require.Equal(t, http.StatusOK, rec.Code)
		header := decodeResponseHeader(t, rec)
		require.Nil(t, header.Error)
		require.Nil(t, header.SubRAV, "free routes never issue proposals")
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.do(t, "/health", false, "")

	rec := f.do(t, "/admin/stats", false, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap subrav.StatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.EqualValues(t, 1, snap.TotalRequests)
}

func TestTriggerClaimsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	// Accept one payment so there is a delta to report.
	rec := f.do(t, "/echo", true, "")
	header := decodeResponseHeader(t, rec)
	signed, err := f.signer.Sign(context.Background(), header.SubRAV)
	require.NoError(t, err)
	signedRepo := subrav.NewMemorySignedSubRAVRepository()
	require.NoError(t, signedRepo.Save(context.Background(), signed))

	policy := subrav.DefaultClaimPolicy()
	policy.MinClaimAmount = big.NewInt(1_000_000) // park everything below threshold
	scheduler := subrav.NewClaimScheduler(f.chain, signedRepo, policy)
	defer scheduler.Close()

	router := gin.New()
	router.POST("/admin/claims/:channelId", TriggerClaimsHandler(scheduler))

	req := httptest.NewRequest(http.MethodPost, "/admin/claims/"+f.channelID.Hex(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var result subrav.ClaimTriggerResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Results, 1)
	require.False(t, result.Results[0].Queued)
	require.Equal(t, subrav.SkipBelowThreshold, result.Results[0].Reason)
}

func TestStatusForCodeMapping(t *testing.T) {
	cases := map[subrav.ErrorCode]int{
		subrav.ErrCodePaymentRequired:    http.StatusPaymentRequired,
		subrav.ErrCodeMaxAmountExceeded:  http.StatusPaymentRequired,
		subrav.ErrCodeRAVConflict:        http.StatusConflict,
		subrav.ErrCodeEpochMismatch:      http.StatusConflict,
		subrav.ErrCodeUnknownRAV:         http.StatusConflict,
		subrav.ErrCodeBadProgression:     http.StatusConflict,
		subrav.ErrCodeInvalidSignature:   http.StatusConflict,
		subrav.ErrCodeChannelClosed:      http.StatusConflict,
		subrav.ErrCodeMissingAuth:        http.StatusUnauthorized,
		subrav.ErrCodeInvalidAuth:        http.StatusBadRequest,
		subrav.ErrCodeKeyNotResolved:     http.StatusBadRequest,
		subrav.ErrCodeChannelNotFound:    http.StatusNotFound,
		subrav.ErrCodeSubChannelNotFound: http.StatusNotFound,
		subrav.ErrCodeRateUnavailable:    http.StatusInternalServerError,
		subrav.ErrCodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, StatusForCode(code), "code %s", code)
	}
}
