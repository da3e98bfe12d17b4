// Package evm implements the chain adapter against an EVM payment-channel
// hub contract.
package evm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	subrav "github.com/subrav-foundation/subrav/go"
)

// hubABI is the minimal surface of the payment-channel hub contract this
// adapter touches.
const hubABI = `[
  {"name":"getChannel","type":"function","stateMutability":"view",
   "inputs":[{"name":"channelId","type":"bytes32"}],
   "outputs":[
     {"name":"payer","type":"string"},
     {"name":"payee","type":"string"},
     {"name":"asset","type":"string"},
     {"name":"epoch","type":"uint64"},
     {"name":"status","type":"uint8"}
   ]},
  {"name":"getSubChannel","type":"function","stateMutability":"view",
   "inputs":[{"name":"channelId","type":"bytes32"},{"name":"vmIdFragment","type":"string"}],
   "outputs":[{"name":"state","type":"bytes"}]},
  {"name":"listSubChannels","type":"function","stateMutability":"view",
   "inputs":[{"name":"channelId","type":"bytes32"}],
   "outputs":[{"name":"states","type":"bytes[]"}]},
  {"name":"claimFromChannel","type":"function","stateMutability":"nonpayable",
   "inputs":[
     {"name":"channelId","type":"bytes32"},
     {"name":"vmIdFragment","type":"string"},
     {"name":"accumulatedAmount","type":"uint256"},
     {"name":"nonce","type":"uint64"},
     {"name":"signature","type":"bytes"}
   ],
   "outputs":[]}
]`

// TransactionSender submits signed transactions. Implementations own key
// material, nonce management, and gas estimation.
type TransactionSender interface {
	// SendTransaction sends calldata to the contract and returns the tx hash.
	SendTransaction(ctx context.Context, to common.Address, data []byte) (string, error)
}

// Adapter implements subrav.ChainAdapter against one hub contract deployment.
type Adapter struct {
	client   *ethclient.Client
	sender   TransactionSender
	contract common.Address
	hub      abi.ABI

	chainID uint64
}

// NewAdapter creates an adapter bound to the hub contract at the given
// address. The sender may be nil for read-only (payee query) use.
func NewAdapter(client *ethclient.Client, contract common.Address, sender TransactionSender) (*Adapter, error) {
	hub, err := abi.JSON(strings.NewReader(hubABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse hub ABI: %w", err)
	}
	return &Adapter{
		client:   client,
		sender:   sender,
		contract: contract,
		hub:      hub,
	}, nil
}

// DeriveChannelID computes the deterministic channel id exactly as the
// contract does: keccak256 over the length-prefixed identity triple.
func (a *Adapter) DeriveChannelID(payerID, payeeID, assetID string) subrav.ChannelID {
	return DeriveChannelID(payerID, payeeID, assetID)
}

// DeriveChannelID is the package-level pure form, usable without an adapter.
func DeriveChannelID(payerID, payeeID, assetID string) subrav.ChannelID {
	var buf []byte
	for _, part := range []string{payerID, payeeID, assetID} {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(part)))
		buf = append(buf, l[:]...)
		buf = append(buf, part...)
	}
	return crypto.Keccak256Hash(buf)
}

// GetChainID implements subrav.ChainAdapter.
func (a *Adapter) GetChainID(ctx context.Context) (uint64, error) {
	if a.chainID != 0 {
		return a.chainID, nil
	}
	id, err := a.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query chain id: %w", err)
	}
	a.chainID = id.Uint64()
	return a.chainID, nil
}

// GetChannelInfo implements subrav.ChainAdapter.
func (a *Adapter) GetChannelInfo(ctx context.Context, channelID subrav.ChannelID) (*subrav.ChannelInfo, error) {
	out, err := a.call(ctx, "getChannel", channelID)
	if err != nil {
		return nil, err
	}
	payer, _ := out[0].(string)
	if payer == "" {
		return nil, subrav.NewProtocolError(subrav.ErrCodeChannelNotFound,
			"channel %s does not exist on chain", channelID.Hex())
	}
	payee, _ := out[1].(string)
	asset, _ := out[2].(string)
	epoch, _ := out[3].(uint64)
	status, _ := out[4].(uint8)

	return &subrav.ChannelInfo{
		ChannelID: channelID,
		PayerID:   payer,
		PayeeID:   payee,
		AssetID:   asset,
		Epoch:     epoch,
		Status:    channelStatus(status),
	}, nil
}

func channelStatus(raw uint8) subrav.ChannelStatus {
	switch raw {
	case 0:
		return subrav.ChannelStatusActive
	case 1:
		return subrav.ChannelStatusClosing
	default:
		return subrav.ChannelStatusClosed
	}
}

// GetSubChannelState implements subrav.ChainAdapter.
func (a *Adapter) GetSubChannelState(ctx context.Context, channelID subrav.ChannelID, fragment string) (*subrav.SubChannelInfo, error) {
	out, err := a.call(ctx, "getSubChannel", channelID, fragment)
	if err != nil {
		return nil, err
	}
	raw, _ := out[0].([]byte)
	if len(raw) == 0 {
		return nil, subrav.NewProtocolError(subrav.ErrCodeSubChannelNotFound,
			"sub-channel %s/%s is not authorized", channelID.Hex(), fragment)
	}
	return ParseSubChannelState(channelID, raw)
}

// ListSubChannels implements subrav.ChainAdapter.
func (a *Adapter) ListSubChannels(ctx context.Context, channelID subrav.ChannelID) ([]*subrav.SubChannelInfo, error) {
	out, err := a.call(ctx, "listSubChannels", channelID)
	if err != nil {
		return nil, err
	}
	raws, _ := out[0].([][]byte)
	subs := make([]*subrav.SubChannelInfo, 0, len(raws))
	for _, raw := range raws {
		sub, err := ParseSubChannelState(channelID, raw)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SubmitClaim implements subrav.ChainAdapter. An out-of-funds revert is
// reported as an insufficient_funds protocol error so the scheduler can back
// it off separately.
func (a *Adapter) SubmitClaim(ctx context.Context, signed *subrav.SignedSubRAV) (*subrav.ClaimReceipt, error) {
	if a.sender == nil {
		return nil, fmt.Errorf("adapter has no transaction sender configured")
	}
	rav := &signed.SubRAV
	data, err := a.hub.Pack("claimFromChannel",
		[32]byte(rav.ChannelID), rav.VMIDFragment, rav.AccumulatedAmount, rav.Nonce, signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack claim calldata: %w", err)
	}
	txHash, err := a.sender.SendTransaction(ctx, a.contract, data)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			return nil, subrav.NewProtocolError(subrav.ErrCodeInsufficientFunds,
				"channel %s cannot cover claim: %v", rav.ChannelID.Hex(), err)
		}
		return nil, subrav.NewProtocolError(subrav.ErrCodeClaimFailed,
			"claim submission failed: %v", err).WithDetail("channelId", rav.ChannelID.Hex())
	}
	return &subrav.ClaimReceipt{
		TxHash:        txHash,
		ClaimedAmount: new(big.Int).Set(rav.AccumulatedAmount),
	}, nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.hub.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &a.contract, Data: data}
	result, err := a.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := a.hub.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

// Sub-channel state fixed binary layout, as emitted by the hub contract:
//
//	[0:32]   lastClaimedAmount, big-endian uint256
//	[32:40]  lastConfirmedNonce, big-endian uint64
//	[40:48]  channelEpoch, big-endian uint64
//	[48]     key scheme (0 = secp256k1, 1 = ed25519)
//	[49:51]  key length, big-endian uint16
//	[...]    key bytes
//	[+0:+2]  fragment length, big-endian uint16
//	[...]    fragment bytes (UTF-8)
const subChannelFixedLen = 51

// ParseSubChannelState decodes the contract's fixed binary sub-channel
// encoding.
func ParseSubChannelState(channelID subrav.ChannelID, raw []byte) (*subrav.SubChannelInfo, error) {
	if len(raw) < subChannelFixedLen {
		return nil, fmt.Errorf("sub-channel state too short: %d bytes", len(raw))
	}
	amount := new(big.Int).SetBytes(raw[0:32])
	nonce := binary.BigEndian.Uint64(raw[32:40])
	epoch := binary.BigEndian.Uint64(raw[40:48])

	var scheme subrav.KeyScheme
	switch raw[48] {
	case 0:
		scheme = subrav.KeySchemeSecp256k1
	case 1:
		scheme = subrav.KeySchemeEd25519
	default:
		return nil, fmt.Errorf("unknown key scheme %d", raw[48])
	}

	keyLen := int(binary.BigEndian.Uint16(raw[49:51]))
	if len(raw) < subChannelFixedLen+keyLen+2 {
		return nil, fmt.Errorf("sub-channel state truncated at key")
	}
	key := make([]byte, keyLen)
	copy(key, raw[subChannelFixedLen:subChannelFixedLen+keyLen])

	off := subChannelFixedLen + keyLen
	fragLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	if len(raw) < off+2+fragLen {
		return nil, fmt.Errorf("sub-channel state truncated at fragment")
	}
	fragment := string(raw[off+2 : off+2+fragLen])

	return &subrav.SubChannelInfo{
		ChannelID:          channelID,
		ChannelEpoch:       epoch,
		VMIDFragment:       fragment,
		PublicKey:          key,
		KeyScheme:          scheme,
		LastClaimedAmount:  amount,
		LastConfirmedNonce: nonce,
	}, nil
}
