// Package evm provides secp256k1 voucher signing and transaction submission
// backed by a local private key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	subrav "github.com/subrav-foundation/subrav/go"
)

// Signer implements subrav.SubRAVSigner with an ECDSA private key.
type Signer struct {
	fragment string
	priv     *ecdsa.PrivateKey
	address  common.Address
}

// NewSignerFromPrivateKey creates a voucher signer from a hex-encoded
// private key (with or without "0x" prefix).
func NewSignerFromPrivateKey(fragment, privateKeyHex string) (*Signer, error) {
	if fragment == "" {
		return nil, fmt.Errorf("vmIdFragment is required")
	}
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	priv, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		fragment: fragment,
		priv:     priv,
		address:  crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// Address returns the EVM address of the signing key.
func (s *Signer) Address() common.Address { return s.address }

// VMIDFragment implements subrav.SubRAVSigner.
func (s *Signer) VMIDFragment() string { return s.fragment }

// Scheme implements subrav.SubRAVSigner.
func (s *Signer) Scheme() subrav.KeyScheme { return subrav.KeySchemeSecp256k1 }

// PublicKey implements subrav.SubRAVSigner. Keys are stored compressed, as
// the hub contract records them.
func (s *Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.priv.PublicKey)
}

// Sign implements subrav.SubRAVSigner: a 65-byte [R || S || V] signature
// over the keccak256 of the canonical voucher encoding.
func (s *Signer) Sign(_ context.Context, rav *subrav.SubRAV) (*subrav.SignedSubRAV, error) {
	if rav.VMIDFragment != s.fragment {
		return nil, fmt.Errorf("voucher fragment %q does not match signer fragment %q", rav.VMIDFragment, s.fragment)
	}
	sig, err := crypto.Sign(subrav.SigningDigest(rav), s.priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign voucher: %w", err)
	}
	return &subrav.SignedSubRAV{SubRAV: *rav.Clone(), Signature: sig}, nil
}

// TxSender submits contract calls signed by the same key, satisfying the
// chain adapter's TransactionSender.
type TxSender struct {
	signer *Signer
	client *ethclient.Client
}

// NewTxSender creates a transaction sender for the signer's key.
func NewTxSender(signer *Signer, client *ethclient.Client) *TxSender {
	return &TxSender{signer: signer, client: client}
}

// SendTransaction estimates gas, signs, and submits a transaction carrying
// the given calldata.
func (t *TxSender) SendTransaction(ctx context.Context, to common.Address, data []byte) (string, error) {
	chainID, err := t.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query chain id: %w", err)
	}
	nonce, err := t.client.PendingNonceAt(ctx, t.signer.address)
	if err != nil {
		return "", fmt.Errorf("failed to query nonce: %w", err)
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to query gas price: %w", err)
	}
	gasLimit, err := t.client.EstimateGas(ctx, ethereumCallMsg(t.signer.address, to, data))
	if err != nil {
		return "", fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), t.signer.priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func ethereumCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}
