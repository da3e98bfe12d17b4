package subrav

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// mockChain is an in-memory PayerChainClient used across the package tests.
type mockChain struct {
	mu       sync.Mutex
	chainID  uint64
	channels map[ChannelID]*ChannelInfo
	subs     map[subChannelKey]*SubChannelInfo

	claims   []*SignedSubRAV
	claimErr error // returned by the next SubmitClaim calls while set

	openCalls int
	authCalls int
}

func newMockChain() *mockChain {
	return &mockChain{
		chainID:  4,
		channels: make(map[ChannelID]*ChannelInfo),
		subs:     make(map[subChannelKey]*SubChannelInfo),
	}
}

func (m *mockChain) DeriveChannelID(payerID, payeeID, assetID string) ChannelID {
	return crypto.Keccak256Hash([]byte(payerID), []byte{0}, []byte(payeeID), []byte{0}, []byte(assetID))
}

func (m *mockChain) GetChainID(context.Context) (uint64, error) { return m.chainID, nil }

func (m *mockChain) GetChannelInfo(_ context.Context, channelID ChannelID) (*ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[channelID]
	if ch == nil {
		return nil, NewProtocolError(ErrCodeChannelNotFound, "channel %s does not exist", channelID.Hex())
	}
	cp := *ch
	return &cp, nil
}

func (m *mockChain) GetSubChannelState(_ context.Context, channelID ChannelID, fragment string) (*SubChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[subChannelKey{channel: channelID, fragment: fragment}]
	if sub == nil {
		return nil, NewProtocolError(ErrCodeSubChannelNotFound, "sub-channel %s/%s not authorized", channelID.Hex(), fragment)
	}
	cp := *sub
	if sub.LastClaimedAmount != nil {
		cp.LastClaimedAmount = new(big.Int).Set(sub.LastClaimedAmount)
	}
	return &cp, nil
}

func (m *mockChain) ListSubChannels(_ context.Context, channelID ChannelID) ([]*SubChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SubChannelInfo
	for key, sub := range m.subs {
		if key.channel == channelID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockChain) SubmitClaim(_ context.Context, signed *SignedSubRAV) (*ClaimReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.claims = append(m.claims, signed)
	key := subChannelKey{channel: signed.SubRAV.ChannelID, fragment: signed.SubRAV.VMIDFragment}
	if sub := m.subs[key]; sub != nil {
		sub.LastClaimedAmount = new(big.Int).Set(signed.SubRAV.AccumulatedAmount)
		sub.LastConfirmedNonce = signed.SubRAV.Nonce
	}
	return &ClaimReceipt{TxHash: "0xmock", ClaimedAmount: signed.SubRAV.AccumulatedAmount}, nil
}

func (m *mockChain) OpenChannel(_ context.Context, payerID, payeeID, assetID string, _ *big.Int) (*ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	channelID := m.DeriveChannelID(payerID, payeeID, assetID)
	ch := &ChannelInfo{
		ChannelID: channelID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		AssetID:   assetID,
		Status:    ChannelStatusActive,
	}
	m.channels[channelID] = ch
	cp := *ch
	return &cp, nil
}

func (m *mockChain) AuthorizeSubChannel(_ context.Context, channelID ChannelID, fragment string, publicKey []byte, scheme KeyScheme) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	m.subs[subChannelKey{channel: channelID, fragment: fragment}] = &SubChannelInfo{
		ChannelID:         channelID,
		VMIDFragment:      fragment,
		PublicKey:         publicKey,
		KeyScheme:         scheme,
		LastClaimedAmount: new(big.Int),
	}
	return nil
}

func (m *mockChain) setClaimErr(err error) {
	m.mu.Lock()
	m.claimErr = err
	m.mu.Unlock()
}

func (m *mockChain) claimCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

func (m *mockChain) lifecycleCalls() (open, auth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls, m.authCalls
}

// fixedRate is a RateProvider returning one price for every asset.
type fixedRate struct {
	price *big.Int
	err   error
}

func (r fixedRate) AssetPricePicoUSD(context.Context, string) (*big.Int, error) {
	if r.err != nil {
		return nil, r.err
	}
	return new(big.Int).Set(r.price), nil
}
