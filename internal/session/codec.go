package session

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/middlewared/pkg/types"
)

// Codec translates between wire frames and session messages.
type Codec interface {
	// Encode serializes an outbound reply.
	Encode(reply types.Reply) ([]byte, error)

	// Decode parses an inbound request.
	Decode(data []byte) (*types.Request, error)

	// Name returns the codec identifier.
	Name() string
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// JSONCodec is used for WebSocket text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(reply types.Reply) ([]byte, error) {
	return json.Marshal(reply)
}

func (JSONCodec) Decode(data []byte) (*types.Request, error) {
	var req types.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode json message: %w", err)
	}
	return &req, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec is used for WebSocket binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(reply types.Reply) ([]byte, error) {
	return msgpack.Marshal(reply)
}

func (MsgpackCodec) Decode(data []byte) (*types.Request, error) {
	var req types.Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode msgpack message: %w", err)
	}
	return &req, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
