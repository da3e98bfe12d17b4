package subrav

import "math/big"

// DecisionKind is the outcome of voucher verification.
type DecisionKind int

const (
	// DecisionAccept means the request may proceed. If a signed voucher was
	// present, Decision carries the store side effects the caller must apply.
	DecisionAccept DecisionKind = iota
	// DecisionRequireSignature means a proposal is awaiting countersignature
	// and the request carried none; the payer must resubmit signed.
	DecisionRequireSignature
	// DecisionConflict means the signed voucher contradicts the stored
	// proposal or baseline, or its signature is invalid.
	DecisionConflict
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAccept:
		return "accept"
	case DecisionRequireSignature:
		return "require_signature"
	case DecisionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is the verification verdict. Verification itself is pure: on
// accept it names the side effects (delete matched proposal, persist signed
// voucher) and leaves applying them to the caller.
type Decision struct {
	Kind DecisionKind

	// RemovePending is the matched proposal to delete on accept, nil when
	// the request was accepted without a signed voucher.
	RemovePending *SubRAV

	// PersistSigned is the verified voucher to store as the new baseline.
	PersistSigned *SignedSubRAV

	// Err describes the failure for RequireSignature and Conflict verdicts.
	Err *ProtocolError
}

// VerifyParams bundles the prefetched state VerifyVoucher decides over.
type VerifyParams struct {
	Channel    *ChannelInfo
	SubChannel *SubChannelInfo
	Rule       BillingRule

	// PayerKey and KeyScheme are the resolved verification key for the
	// voucher's fragment.
	PayerKey  []byte
	KeyScheme KeyScheme

	// Signed is the voucher carried on the request, if any.
	Signed *SignedSubRAV

	// LatestSigned is the last accepted signed voucher for this sub-channel,
	// nil if none has been accepted yet.
	LatestSigned *SignedSubRAV

	// Pending is the latest unsigned proposal for this sub-channel, nil if
	// none is outstanding.
	Pending *SubRAV
}

// VerifyVoucher runs the accept / require-signature / conflict state machine.
// It never mutates stores: a conflict verdict leaves the pending proposal
// untouched so a correct retry can still match it. Nonce equality is always
// checked before amount equality.
func VerifyVoucher(p VerifyParams) Decision {
	if p.Signed == nil {
		if p.Pending != nil && p.Rule.PaymentRequired {
			return Decision{
				Kind: DecisionRequireSignature,
				Err: NewProtocolError(ErrCodePaymentRequired,
					"signature required over pending proposal nonce %d", p.Pending.Nonce).
					WithDetail("expectedNonce", p.Pending.Nonce),
			}
		}
		// Nothing outstanding: free rules, and the handshake request that
		// precedes the first proposal, are accepted unsigned.
		return Decision{Kind: DecisionAccept}
	}

	rav := &p.Signed.SubRAV

	if p.Channel != nil && rav.ChannelID != p.Channel.ChannelID {
		return conflict(NewProtocolError(ErrCodeRAVConflict,
			"voucher channel %s does not match request channel %s", rav.ChannelID.Hex(), p.Channel.ChannelID.Hex()))
	}
	if p.Channel != nil && rav.ChannelEpoch != p.Channel.Epoch {
		return conflict(NewProtocolError(ErrCodeEpochMismatch,
			"voucher epoch %d does not match channel epoch %d", rav.ChannelEpoch, p.Channel.Epoch))
	}

	if p.Pending == nil {
		return conflict(NewProtocolError(ErrCodeUnknownRAV,
			"no pending proposal matches signed voucher nonce %d", rav.Nonce).
			WithDetail("receivedNonce", rav.Nonce))
	}

	// Nonce before amount; the first mismatch short-circuits.
	if rav.Nonce != p.Pending.Nonce {
		return conflict(NewProtocolError(ErrCodeRAVConflict,
			"nonce mismatch: expected %d, received %d", p.Pending.Nonce, rav.Nonce).
			WithDetail("expectedNonce", p.Pending.Nonce).
			WithDetail("receivedNonce", rav.Nonce))
	}
	if rav.AccumulatedAmount == nil || p.Pending.AccumulatedAmount == nil ||
		rav.AccumulatedAmount.Cmp(p.Pending.AccumulatedAmount) != 0 {
		return conflict(NewProtocolError(ErrCodeRAVConflict,
			"amount mismatch at nonce %d: expected %s, received %s",
			rav.Nonce, p.Pending.AccumulatedAmount, rav.AccumulatedAmount))
	}

	// The voucher must extend the accepted baseline by exactly one step.
	baseline := p.LatestSigned
	var baseNonce uint64
	var baseAmount *big.Int
	if baseline != nil {
		baseNonce = baseline.SubRAV.Nonce
		baseAmount = baseline.SubRAV.AccumulatedAmount
	} else if p.SubChannel != nil {
		baseNonce = p.SubChannel.LastConfirmedNonce
		baseAmount = p.SubChannel.LastClaimedAmount
	}
	if rav.Nonce != baseNonce+1 {
		return conflict(NewProtocolError(ErrCodeRAVConflict,
			"voucher does not extend baseline: expected nonce %d, received %d", baseNonce+1, rav.Nonce).
			WithDetail("expectedNonce", baseNonce+1).
			WithDetail("receivedNonce", rav.Nonce))
	}
	if baseAmount != nil && rav.AccumulatedAmount.Cmp(baseAmount) < 0 {
		return conflict(NewProtocolError(ErrCodeRAVConflict,
			"accumulated amount %s regressed below baseline %s", rav.AccumulatedAmount, baseAmount))
	}

	if err := VerifyRAVSignature(p.Signed, p.PayerKey, p.KeyScheme); err != nil {
		pe, ok := err.(*ProtocolError)
		if !ok {
			pe = NewProtocolError(ErrCodeInvalidSignature, "%v", err)
		}
		return conflict(pe)
	}

	return Decision{
		Kind:          DecisionAccept,
		RemovePending: p.Pending,
		PersistSigned: p.Signed,
	}
}

func conflict(err *ProtocolError) Decision {
	return Decision{Kind: DecisionConflict, Err: err}
}
