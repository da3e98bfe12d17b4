package subrav

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CurrentVersion is the SubRAV protocol version emitted by this library.
const CurrentVersion uint8 = 1

// ChannelID is the deterministic identifier of a payment channel,
// derived by the chain adapter from (payer, payee, asset).
type ChannelID = common.Hash

// HexToChannelID parses a 0x-prefixed hex channel id.
func HexToChannelID(s string) ChannelID { return common.HexToHash(s) }

// SubRAV is an unsigned sub-channel receipt-and-voucher: it authorizes the
// payee to withdraw up to AccumulatedAmount from the shared channel deposit.
// Values are immutable once issued; progression happens by issuing the next
// voucher with Nonce+1 and a non-decreasing AccumulatedAmount.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         ChannelID
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// subRAVJSON is the wire form of SubRAV. All integers that may exceed 53 bits
// are encoded as decimal strings so JavaScript peers round-trip them exactly.
type subRAVJSON struct {
	Version           uint8  `json:"version"`
	ChainID           string `json:"chainId"`
	ChannelID         string `json:"channelId"`
	ChannelEpoch      string `json:"channelEpoch"`
	VMIDFragment      string `json:"vmIdFragment"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	Nonce             string `json:"nonce"`
}

// MarshalJSON implements json.Marshaler.
func (r SubRAV) MarshalJSON() ([]byte, error) {
	amount := "0"
	if r.AccumulatedAmount != nil {
		amount = r.AccumulatedAmount.String()
	}
	return json.Marshal(subRAVJSON{
		Version:           r.Version,
		ChainID:           strconv.FormatUint(r.ChainID, 10),
		ChannelID:         r.ChannelID.Hex(),
		ChannelEpoch:      strconv.FormatUint(r.ChannelEpoch, 10),
		VMIDFragment:      r.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             strconv.FormatUint(r.Nonce, 10),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *SubRAV) UnmarshalJSON(data []byte) error {
	var w subRAVJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	chainID, err := strconv.ParseUint(w.ChainID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chainId %q: %w", w.ChainID, err)
	}
	epoch, err := strconv.ParseUint(w.ChannelEpoch, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid channelEpoch %q: %w", w.ChannelEpoch, err)
	}
	nonce, err := strconv.ParseUint(w.Nonce, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid nonce %q: %w", w.Nonce, err)
	}
	amount, ok := new(big.Int).SetString(w.AccumulatedAmount, 10)
	if !ok {
		return fmt.Errorf("invalid accumulatedAmount %q", w.AccumulatedAmount)
	}
	*r = SubRAV{
		Version:           w.Version,
		ChainID:           chainID,
		ChannelID:         common.HexToHash(w.ChannelID),
		ChannelEpoch:      epoch,
		VMIDFragment:      w.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             nonce,
	}
	return nil
}

// Clone returns a deep copy. Vouchers are treated as immutable values; Clone
// exists so callers can derive the next voucher without aliasing big.Ints.
func (r *SubRAV) Clone() *SubRAV {
	if r == nil {
		return nil
	}
	out := *r
	if r.AccumulatedAmount != nil {
		out.AccumulatedAmount = new(big.Int).Set(r.AccumulatedAmount)
	}
	return &out
}

// SameSubChannel reports whether two vouchers belong to the same
// (channel, epoch, fragment) lane.
func (r *SubRAV) SameSubChannel(other *SubRAV) bool {
	if r == nil || other == nil {
		return false
	}
	return r.ChannelID == other.ChannelID &&
		r.ChannelEpoch == other.ChannelEpoch &&
		r.VMIDFragment == other.VMIDFragment
}

// SignedSubRAV is a SubRAV countersigned by the payer key named by
// VMIDFragment. The signature covers the canonical encoding (see signing.go).
type SignedSubRAV struct {
	SubRAV    SubRAV
	Signature []byte
}

type signedSubRAVJSON struct {
	SubRAV    SubRAV `json:"subRav"`
	Signature string `json:"signature"`
}

// MarshalJSON implements json.Marshaler. Signatures travel hex-encoded.
func (s SignedSubRAV) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedSubRAVJSON{
		SubRAV:    s.SubRAV,
		Signature: hexutil.Encode(s.Signature),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SignedSubRAV) UnmarshalJSON(data []byte) error {
	var w signedSubRAVJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	s.SubRAV = w.SubRAV
	s.Signature = sig
	return nil
}

// ChannelStatus is the lifecycle state of a payment channel.
type ChannelStatus string

const (
	ChannelStatusActive  ChannelStatus = "active"
	ChannelStatusClosing ChannelStatus = "closing"
	ChannelStatusClosed  ChannelStatus = "closed"
)

// ChannelInfo mirrors the on-chain channel object. It is read-only from this
// library's perspective; the chain adapter owns all writes.
type ChannelInfo struct {
	ChannelID ChannelID     `json:"channelId"`
	PayerID   string        `json:"payerId"`
	PayeeID   string        `json:"payeeId"`
	AssetID   string        `json:"assetId"`
	Epoch     uint64        `json:"epoch"`
	Status    ChannelStatus `json:"status"`
}

// KeyScheme identifies the signature scheme of a sub-channel verification key.
type KeyScheme string

const (
	KeySchemeSecp256k1 KeyScheme = "secp256k1"
	KeySchemeEd25519   KeyScheme = "ed25519"
)

// SubChannelInfo mirrors the on-chain per-key lane of a channel: the
// authorized verification key plus the settlement baseline. LastClaimedAmount
// and LastConfirmedNonce move only on successful on-chain claims.
type SubChannelInfo struct {
	ChannelID          ChannelID `json:"channelId"`
	ChannelEpoch       uint64    `json:"channelEpoch"`
	VMIDFragment       string    `json:"vmIdFragment"`
	PublicKey          []byte    `json:"publicKey"`
	KeyScheme          KeyScheme `json:"keyScheme"`
	LastClaimedAmount  *big.Int  `json:"lastClaimedAmount"`
	LastConfirmedNonce uint64    `json:"lastConfirmedNonce"`
}

// BaselineRAV returns the voucher implied by the on-chain state, used as the
// predecessor when no off-chain voucher has been accepted yet.
func (s *SubChannelInfo) BaselineRAV(chainID uint64) *SubRAV {
	amount := new(big.Int)
	if s.LastClaimedAmount != nil {
		amount.Set(s.LastClaimedAmount)
	}
	return &SubRAV{
		Version:           CurrentVersion,
		ChainID:           chainID,
		ChannelID:         s.ChannelID,
		ChannelEpoch:      s.ChannelEpoch,
		VMIDFragment:      s.VMIDFragment,
		AccumulatedAmount: amount,
		Nonce:             s.LastConfirmedNonce,
	}
}

// Usage is the unit count reported by the resource handler for metered rules.
type Usage struct {
	Units int64
}

// PricingStrategy evaluates the cost of one request in picoUSD
// (1 USD = 1e12 picoUSD), before conversion to asset units.
type PricingStrategy interface {
	CostPicoUSD(usage Usage) *big.Int
}

// PerRequest charges a flat picoUSD price per request.
type PerRequest struct {
	PricePicoUSD *big.Int
}

// CostPicoUSD implements PricingStrategy.
func (p PerRequest) CostPicoUSD(Usage) *big.Int {
	return new(big.Int).Set(p.PricePicoUSD)
}

// PerUsage charges UnitPricePicoUSD per reported usage unit.
type PerUsage struct {
	UnitPricePicoUSD *big.Int
}

// CostPicoUSD implements PricingStrategy.
func (p PerUsage) CostPicoUSD(usage Usage) *big.Int {
	return new(big.Int).Mul(p.UnitPricePicoUSD, big.NewInt(usage.Units))
}

// BillingRule binds a route (or route class) to a pricing strategy.
// PaymentRequired=false marks a free rule: free rules never advance the
// voucher sequence no matter how often they are hit.
type BillingRule struct {
	ID              string
	PaymentRequired bool
	Strategy        PricingStrategy
}

// Cost evaluates the rule for the given usage. Free rules cost zero.
func (r BillingRule) Cost(usage Usage) *big.Int {
	if !r.PaymentRequired || r.Strategy == nil {
		return new(big.Int)
	}
	return r.Strategy.CostPicoUSD(usage)
}
