package subrav

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// CanonicalEncode produces the deterministic byte layout a voucher signature
// covers: fixed-width big-endian integers, a 32-byte amount, and a
// length-prefixed fragment. Both signer and verifier must agree on this
// layout byte for byte.
func CanonicalEncode(rav *SubRAV) []byte {
	var buf bytes.Buffer
	buf.WriteByte(rav.Version)
	writeUint64(&buf, rav.ChainID)
	buf.Write(rav.ChannelID[:])
	writeUint64(&buf, rav.ChannelEpoch)

	frag := []byte(rav.VMIDFragment)
	var fragLen [2]byte
	binary.BigEndian.PutUint16(fragLen[:], uint16(len(frag)))
	buf.Write(fragLen[:])
	buf.Write(frag)

	var amount [32]byte
	if rav.AccumulatedAmount != nil {
		rav.AccumulatedAmount.FillBytes(amount[:])
	}
	buf.Write(amount[:])
	writeUint64(&buf, rav.Nonce)
	return buf.Bytes()
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// SigningDigest returns the keccak256 hash secp256k1 signatures are made
// over. Ed25519 signs the canonical encoding directly.
func SigningDigest(rav *SubRAV) []byte {
	return crypto.Keccak256(CanonicalEncode(rav))
}

// VerifyRAVSignature checks signed.Signature against the given verification
// key. The fragment on the voucher must already have been matched to the key
// by the caller; this function only performs the cryptographic check.
func VerifyRAVSignature(signed *SignedSubRAV, publicKey []byte, scheme KeyScheme) error {
	switch scheme {
	case KeySchemeSecp256k1:
		if len(signed.Signature) != crypto.SignatureLength {
			return NewProtocolError(ErrCodeInvalidSignature,
				"secp256k1 signature must be %d bytes, got %d", crypto.SignatureLength, len(signed.Signature))
		}
		digest := SigningDigest(&signed.SubRAV)
		// Drop the recovery id; VerifySignature expects 64 bytes.
		if !crypto.VerifySignature(publicKey, digest, signed.Signature[:64]) {
			return NewProtocolError(ErrCodeInvalidSignature, "secp256k1 signature verification failed")
		}
		return nil
	case KeySchemeEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return NewProtocolError(ErrCodeInvalidSignature,
				"ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(publicKey), CanonicalEncode(&signed.SubRAV), signed.Signature) {
			return NewProtocolError(ErrCodeInvalidSignature, "ed25519 signature verification failed")
		}
		return nil
	default:
		return NewProtocolError(ErrCodeInvalidSignature, "unsupported key scheme %q", scheme)
	}
}

// Ed25519Signer signs vouchers with an ed25519 key. Solana-style wallets and
// most DID verification methods use this scheme.
type Ed25519Signer struct {
	fragment string
	priv     ed25519.PrivateKey
}

// NewEd25519Signer creates a signer for the given sub-channel fragment.
func NewEd25519Signer(fragment string, priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	if fragment == "" {
		return nil, fmt.Errorf("vmIdFragment is required")
	}
	return &Ed25519Signer{fragment: fragment, priv: priv}, nil
}

// VMIDFragment implements SubRAVSigner.
func (s *Ed25519Signer) VMIDFragment() string { return s.fragment }

// Scheme implements SubRAVSigner.
func (s *Ed25519Signer) Scheme() KeyScheme { return KeySchemeEd25519 }

// PublicKey implements SubRAVSigner.
func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// Sign implements SubRAVSigner.
func (s *Ed25519Signer) Sign(_ context.Context, rav *SubRAV) (*SignedSubRAV, error) {
	if rav.VMIDFragment != s.fragment {
		return nil, fmt.Errorf("voucher fragment %q does not match signer fragment %q", rav.VMIDFragment, s.fragment)
	}
	sig := ed25519.Sign(s.priv, CanonicalEncode(rav))
	return &SignedSubRAV{SubRAV: *rav.Clone(), Signature: sig}, nil
}
