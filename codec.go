package subrav

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// HeaderName is the HTTP header the protocol value travels in, on both
// requests and responses.
const HeaderName = "X-Payment-Channel-Data"

// RequestHeader is the protocol value a payer attaches to a request.
type RequestHeader struct {
	// SignedSubRAV countersigns the payee's previous proposal. Absent on the
	// first request of a channel and on free-mode requests.
	SignedSubRAV *SignedSubRAV
	// MaxAmount is the ceiling, in asset base units, the payer accepts for
	// this single request.
	MaxAmount *big.Int
	// ClientTxRef correlates the eventual payment confirmation back to this
	// request. Required.
	ClientTxRef string
}

type requestHeaderJSON struct {
	SignedSubRAV *SignedSubRAV `json:"signedSubRav,omitempty"`
	MaxAmount    string        `json:"maxAmount"`
	ClientTxRef  string        `json:"clientTxRef"`
}

// ResponseHeader is the protocol value a payee returns. Exactly one of
// (SubRAV, Error) is set: SubRAV carries the next unsigned proposal on
// success, Error carries the structured failure.
type ResponseHeader struct {
	SubRAV       *SubRAV
	Cost         *big.Int
	Error        *ProtocolError
	ClientTxRef  string
	ServiceTxRef string
	Version      uint8
}

type responseHeaderJSON struct {
	SubRAV       *SubRAV        `json:"subRav,omitempty"`
	Cost         string         `json:"cost,omitempty"`
	Error        *ProtocolError `json:"error,omitempty"`
	ClientTxRef  string         `json:"clientTxRef"`
	ServiceTxRef string         `json:"serviceTxRef,omitempty"`
	Version      uint8          `json:"version"`
}

// EncodeRequestHeader serializes a request header value for the wire:
// base64(JSON) with big integers as decimal strings.
func EncodeRequestHeader(h *RequestHeader) (string, error) {
	if h.ClientTxRef == "" {
		return "", fmt.Errorf("clientTxRef is required")
	}
	maxAmount := "0"
	if h.MaxAmount != nil {
		maxAmount = h.MaxAmount.String()
	}
	data, err := json.Marshal(requestHeaderJSON{
		SignedSubRAV: h.SignedSubRAV,
		MaxAmount:    maxAmount,
		ClientTxRef:  h.ClientTxRef,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequestHeader reverses EncodeRequestHeader.
func DecodeRequestHeader(header string) (*RequestHeader, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var w requestHeaderJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid request header JSON: %w", err)
	}
	if w.ClientTxRef == "" {
		return nil, fmt.Errorf("clientTxRef is required")
	}
	maxAmount, ok := new(big.Int).SetString(w.MaxAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid maxAmount %q", w.MaxAmount)
	}
	return &RequestHeader{
		SignedSubRAV: w.SignedSubRAV,
		MaxAmount:    maxAmount,
		ClientTxRef:  w.ClientTxRef,
	}, nil
}

// EncodeResponseHeader serializes a response header value for the wire.
func EncodeResponseHeader(h *ResponseHeader) (string, error) {
	if h.SubRAV != nil && h.Error != nil {
		return "", fmt.Errorf("response header cannot carry both a proposal and an error")
	}
	w := responseHeaderJSON{
		SubRAV:       h.SubRAV,
		Error:        h.Error,
		ClientTxRef:  h.ClientTxRef,
		ServiceTxRef: h.ServiceTxRef,
		Version:      h.Version,
	}
	if h.SubRAV != nil {
		cost := "0"
		if h.Cost != nil {
			cost = h.Cost.String()
		}
		w.Cost = cost
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeResponseHeader reverses EncodeResponseHeader.
func DecodeResponseHeader(header string) (*ResponseHeader, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var w responseHeaderJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid response header JSON: %w", err)
	}
	out := &ResponseHeader{
		SubRAV:       w.SubRAV,
		Error:        w.Error,
		ClientTxRef:  w.ClientTxRef,
		ServiceTxRef: w.ServiceTxRef,
		Version:      w.Version,
	}
	if w.SubRAV != nil {
		cost, ok := new(big.Int).SetString(w.Cost, 10)
		if !ok {
			return nil, fmt.Errorf("invalid cost %q", w.Cost)
		}
		out.Cost = cost
	}
	return out, nil
}
