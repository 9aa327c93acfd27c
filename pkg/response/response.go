package response

import (
	"encoding/json"

	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
)

// Marshaler encodes a value for the wire
type Marshaler func(v any) ([]byte, error)

// Encode renders a response for the wire. If the response can't be encoded
// the serialization error payload is returned in its place.
func Encode(marshal Marshaler, r *proto.Response) []byte {
	out, err := marshal(r)
	if err == nil {
		return out
	}

	logger.Error("%v", NewError(SerializationError, err))

	return ErrorPayload(proto.FailedToSerializeResponse)
}

// ErrorPayload renders an error message for the wire
func ErrorPayload(message string) []byte {
	out, err := json.Marshal(proto.ErrorResponse{Error: message})
	if err != nil {
		// A struct with one string field always encodes
		panic(err)
	}

	return out
}
