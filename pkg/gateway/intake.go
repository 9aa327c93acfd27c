package gateway

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rattlesnake/gateway/pkg/response"
)

var errLineBreak = errors.New("line breaks are not valid base64")

// payloadEncoding is standard padded base64 that also rejects non-zero
// trailing bits
var payloadEncoding = base64.StdEncoding.Strict()

// decodePayload turns the encoded payload into the bytes handed to the
// engine. Only standard padded base64 is accepted.
func decodePayload(encoded string) ([]byte, error) {
	// The decoder skips CR and LF on its own
	if strings.ContainsAny(encoded, "\r\n") {
		return nil, response.NewError(response.DecodeError, errLineBreak)
	}

	data, err := payloadEncoding.DecodeString(encoded)
	if err != nil {
		return nil, response.NewError(response.DecodeError, fmt.Errorf("invalid base64 payload: %w", err))
	}

	return data, nil
}
