package subrav

import (
	"context"
	"math/big"
	"time"
)

// PendingSubRAVRepository stores unsigned proposals awaiting countersignature.
// Implementations must serialize writes per (channel, fragment); this library
// assumes at-most-one-writer-per-key and does not add its own locking.
type PendingSubRAVRepository interface {
	// Save stores a proposal, overwriting any existing proposal for the same
	// sub-channel regardless of nonce.
	Save(ctx context.Context, proposal *SubRAV) error

	// Find returns the proposal with the exact (channel, fragment, nonce)
	// key, or nil if none exists.
	Find(ctx context.Context, channelID ChannelID, vmIDFragment string, nonce uint64) (*SubRAV, error)

	// FindLatestBySubChannel returns the most recent proposal for the
	// sub-channel, or nil if none exists.
	FindLatestBySubChannel(ctx context.Context, channelID ChannelID, vmIDFragment string) (*SubRAV, error)

	// Remove deletes the proposal with the exact key. Removing a missing
	// proposal is not an error.
	Remove(ctx context.Context, channelID ChannelID, vmIDFragment string, nonce uint64) error

	// Cleanup reaps proposals older than maxAge and returns how many were
	// removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// SignedSubRAVRepository stores the latest accepted signed voucher per
// sub-channel. This is the payee's off-chain settlement baseline.
type SignedSubRAVRepository interface {
	Save(ctx context.Context, signed *SignedSubRAV) error
	GetLatest(ctx context.Context, channelID ChannelID, vmIDFragment string) (*SignedSubRAV, error)
}

// ClaimReceipt is the outcome of a submitted on-chain claim.
type ClaimReceipt struct {
	TxHash        string
	ClaimedAmount *big.Int
}

// ChainAdapter abstracts the settlement chain. DeriveChannelID must be pure
// and deterministic; everything else may hit the network.
type ChainAdapter interface {
	// DeriveChannelID computes the channel identifier for a
	// (payer, payee, asset) triple without touching the chain.
	DeriveChannelID(payerID, payeeID, assetID string) ChannelID

	// GetChainID returns the chain identifier vouchers must carry.
	GetChainID(ctx context.Context) (uint64, error)

	// GetChannelInfo loads the channel object, or a channel_not_found
	// ProtocolError if it does not exist.
	GetChannelInfo(ctx context.Context, channelID ChannelID) (*ChannelInfo, error)

	// GetSubChannelState loads the on-chain lane state for one fragment.
	GetSubChannelState(ctx context.Context, channelID ChannelID, vmIDFragment string) (*SubChannelInfo, error)

	// ListSubChannels returns every authorized fragment of a channel.
	ListSubChannels(ctx context.Context, channelID ChannelID) ([]*SubChannelInfo, error)

	// SubmitClaim settles the accumulated amount proven by the signed
	// voucher. Insufficient channel balance must surface as a
	// ProtocolError with code insufficient_funds.
	SubmitClaim(ctx context.Context, signed *SignedSubRAV) (*ClaimReceipt, error)
}

// PayerChainClient is the payer-side extension of chain access: channel
// lifecycle operations the payee never performs.
type PayerChainClient interface {
	ChainAdapter

	// OpenChannel creates the channel, funding the deposit if needed.
	OpenChannel(ctx context.Context, payerID, payeeID, assetID string, deposit *big.Int) (*ChannelInfo, error)

	// AuthorizeSubChannel registers a verification key as a new lane.
	// Visibility may lag; callers poll GetSubChannelState.
	AuthorizeSubChannel(ctx context.Context, channelID ChannelID, vmIDFragment string, publicKey []byte, scheme KeyScheme) error
}

// RateProvider resolves the picoUSD price of one base unit of an asset.
// A missing rate is an error, never zero.
type RateProvider interface {
	AssetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error)
}

// StateStore is the payer engine's pluggable snapshot persistence, keyed by
// (remote host, payer identity).
type StateStore interface {
	Load(ctx context.Context, host, payerID string) ([]byte, error)
	Save(ctx context.Context, host, payerID string, snapshot []byte) error
	Delete(ctx context.Context, host, payerID string) error
}

// SubRAVSigner produces signatures over the canonical voucher encoding on
// behalf of one sub-channel key.
type SubRAVSigner interface {
	// VMIDFragment names the verification key this signer controls.
	VMIDFragment() string

	// Scheme reports the signature scheme of the key.
	Scheme() KeyScheme

	// PublicKey returns the verification key bytes as they appear on chain.
	PublicKey() []byte

	// Sign countersigns the proposal.
	Sign(ctx context.Context, rav *SubRAV) (*SignedSubRAV, error)
}

// RecoveredChannel is what a remote service reports for an authenticated
// payer during channel recovery.
type RecoveredChannel struct {
	Channel    *ChannelInfo
	SubChannel *SubChannelInfo
	// PendingProposal is the proposal the service is still waiting to have
	// countersigned, if any survived the payer restart.
	PendingProposal *SubRAV
}

// RecoveryClient performs the authenticated recovery call against the remote
// service. Returning (nil, nil) means no channel exists for this payer.
type RecoveryClient interface {
	RecoverChannel(ctx context.Context, host, payerID string) (*RecoveredChannel, error)
}
