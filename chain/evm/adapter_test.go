package evm

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	subrav "github.com/subrav-foundation/subrav/go"
)

func TestDeriveChannelIDDeterministic(t *testing.T) {
	a := DeriveChannelID("did:example:payer", "did:example:payee", "usdc")
	b := DeriveChannelID("did:example:payer", "did:example:payee", "usdc")
	require.Equal(t, a, b)

	// Length prefixing keeps ambiguous concatenations apart.
	c := DeriveChannelID("did:example:paye", "rdid:example:payee", "usdc")
	require.NotEqual(t, a, c)

	require.NotEqual(t, a, DeriveChannelID("did:example:payer", "did:example:payee", "eth"))
}

// encodeSubChannelState builds the contract's fixed binary layout.
func encodeSubChannelState(amount *big.Int, nonce, epoch uint64, scheme byte, key []byte, fragment string) []byte {
	var out []byte
	var amountBytes [32]byte
	amount.FillBytes(amountBytes[:])
	out = append(out, amountBytes[:]...)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], nonce)
	out = append(out, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], epoch)
	out = append(out, u64[:]...)

	out = append(out, scheme)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(key)))
	out = append(out, u16[:]...)
	out = append(out, key...)

	binary.BigEndian.PutUint16(u16[:], uint16(len(fragment)))
	out = append(out, u16[:]...)
	out = append(out, fragment...)
	return out
}

func TestParseSubChannelState(t *testing.T) {
	channelID := subrav.HexToChannelID("0x4444444444444444444444444444444444444444444444444444444444444444")
	amount, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	key := []byte{0x01, 0x02, 0x03, 0x04}

	raw := encodeSubChannelState(amount, 7, 2, 1, key, "account-key")
	sub, err := ParseSubChannelState(channelID, raw)
	require.NoError(t, err)
	require.Equal(t, channelID, sub.ChannelID)
	require.Zero(t, sub.LastClaimedAmount.Cmp(amount))
	require.EqualValues(t, 7, sub.LastConfirmedNonce)
	require.EqualValues(t, 2, sub.ChannelEpoch)
	require.Equal(t, subrav.KeySchemeEd25519, sub.KeyScheme)
	require.Equal(t, key, sub.PublicKey)
	require.Equal(t, "account-key", sub.VMIDFragment)
}

func TestParseSubChannelStateSecp256k1(t *testing.T) {
	channelID := subrav.HexToChannelID("0x4444444444444444444444444444444444444444444444444444444444444444")
	raw := encodeSubChannelState(big.NewInt(0), 0, 0, 0, make([]byte, 33), "k")
	sub, err := ParseSubChannelState(channelID, raw)
	require.NoError(t, err)
	require.Equal(t, subrav.KeySchemeSecp256k1, sub.KeyScheme)
	require.Zero(t, sub.LastClaimedAmount.Sign())
}

func TestParseSubChannelStateRejectsMalformed(t *testing.T) {
	channelID := subrav.HexToChannelID("0x4444444444444444444444444444444444444444444444444444444444444444")

	cases := map[string][]byte{
		"too short":             make([]byte, 10),
		"unknown scheme":        encodeSubChannelState(big.NewInt(1), 1, 0, 9, []byte{1}, "k"),
		"truncated at key":      encodeSubChannelState(big.NewInt(1), 1, 0, 1, []byte{1, 2, 3}, "k")[:53],
		"truncated at fragment": encodeSubChannelState(big.NewInt(1), 1, 0, 1, []byte{1}, "account-key")[:55],
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSubChannelState(channelID, raw)
			require.Error(t, err)
		})
	}
}
