package http

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	subrav "github.com/subrav-foundation/subrav/go"
)

// base64Regex rejects obviously malformed header values before decoding.
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// requestHeaderSchema validates the decoded request header JSON before it is
// unmarshalled into typed structs. Amounts and counters are decimal strings
// so >53-bit values survive JavaScript peers.
const requestHeaderSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["maxAmount", "clientTxRef"],
  "properties": {
    "maxAmount": {"type": "string", "pattern": "^[0-9]+$"},
    "clientTxRef": {"type": "string", "minLength": 1},
    "signedSubRav": {
      "type": "object",
      "required": ["subRav", "signature"],
      "properties": {
        "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
        "subRav": {
          "type": "object",
          "required": ["version", "chainId", "channelId", "channelEpoch", "vmIdFragment", "accumulatedAmount", "nonce"],
          "properties": {
            "version": {"type": "integer", "minimum": 1},
            "chainId": {"type": "string", "pattern": "^[0-9]+$"},
            "channelId": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
            "channelEpoch": {"type": "string", "pattern": "^[0-9]+$"},
            "vmIdFragment": {"type": "string", "minLength": 1},
            "accumulatedAmount": {"type": "string", "pattern": "^[0-9]+$"},
            "nonce": {"type": "string", "pattern": "^[0-9]+$"}
          }
        }
      }
    }
  }
}`

var requestSchema = gojsonschema.NewStringLoader(requestHeaderSchema)

// ValidateAndDecodeRequestHeader validates the raw header value (base64
// shape, JSON structure, field types) and decodes it into a RequestHeader.
func ValidateAndDecodeRequestHeader(header string) (*subrav.RequestHeader, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	result, err := gojsonschema.Validate(requestSchema, gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid payment header: %s", result.Errors()[0])
	}

	return subrav.DecodeRequestHeader(header)
}
