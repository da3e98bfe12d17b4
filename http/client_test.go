package http

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	subrav "github.com/subrav-foundation/subrav/go"
)

// PayerChainClient extension of testChain so the payer engine can run
// against the same fixture the handlers use.
func (c *testChain) OpenChannel(_ context.Context, payerID, payeeID, assetID string, _ *big.Int) (*subrav.ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channelID := c.DeriveChannelID(payerID, payeeID, assetID)
	ch := &subrav.ChannelInfo{
		ChannelID: channelID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		AssetID:   assetID,
		Status:    subrav.ChannelStatusActive,
	}
	c.channels[channelID] = ch
	cp := *ch
	return &cp, nil
}

func (c *testChain) AuthorizeSubChannel(_ context.Context, channelID subrav.ChannelID, fragment string, publicKey []byte, scheme subrav.KeyScheme) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[chainKey{channel: channelID, fragment: fragment}] = &subrav.SubChannelInfo{
		ChannelID:         channelID,
		VMIDFragment:      fragment,
		PublicKey:         publicKey,
		KeyScheme:         scheme,
		LastClaimedAmount: new(big.Int),
	}
	return nil
}

func TestClientEndToEndDeferredCycle(t *testing.T) {
	f := newServerFixture(t)
	server := httptest.NewServer(f.router)
	defer server.Close()

	engine := subrav.NewPayerClient(
		server.URL, testPayerID, testPayeeID, testAssetID,
		f.signer, f.chain, nil, subrav.NewMemoryStateStore(),
		subrav.WithMaxAmount(big.NewInt(10_000)),
		subrav.WithOpenRetry(3, time.Millisecond),
	)
	defer engine.Close()
	client := NewClient(engine, server.Client())
	ctx := context.Background()

	var lastNonce uint64
	for i := 1; i <= 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/echo", nil)
		require.NoError(t, err)
		req.Header.Set("X-Test-Payer", testPayerID)

		resp, future, err := client.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		result, err := future.Await(ctx)
		require.NoError(t, err, "request %d payment failed", i)
		require.False(t, result.Free)
		require.Equal(t, "50", result.Cost.String())
		require.EqualValues(t, i, result.Proposal.Nonce)
		lastNonce = result.Proposal.Nonce
	}

	// The service baseline advanced with every countersigned voucher; the
	// engine holds the proposal for the request that never went out.
	require.EqualValues(t, 3, lastNonce)
	require.NotNil(t, engine.PendingProposal())
	require.EqualValues(t, 3, engine.PendingProposal().Nonce)
}

func TestClientTransportFailureRejectsFuture(t *testing.T) {
	f := newServerFixture(t)
	server := httptest.NewServer(f.router)
	server.Close() // nothing listening

	engine := subrav.NewPayerClient(
		server.URL, testPayerID, testPayeeID, testAssetID,
		f.signer, f.chain, nil, nil,
		subrav.WithOpenRetry(3, time.Millisecond),
	)
	defer engine.Close()
	client := NewClient(engine, &http.Client{Timeout: time.Second})

	_, _, err := client.Get(context.Background(), server.URL+"/echo")
	require.Error(t, err)
}
