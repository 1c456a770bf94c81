package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols understood by the relay. A client that offers
// neither gets JSON.
const (
	SubprotocolJSON    = "warpcall.v1.json"
	SubprotocolMsgpack = "warpcall.v1.msgpack"
)

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec frames envelopes on the websocket.
type Codec interface {
	// Name is the websocket subprotocol this codec implements.
	Name() string
	// Binary reports whether frames are sent as binary messages.
	Binary() bool
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// CodecFor returns the codec for a negotiated subprotocol, defaulting to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// CodecByName maps a configuration value ("json", "msgpack" or a full
// subprotocol name) to a codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json", SubprotocolJSON:
		return JSONCodec{}, nil
	case "msgpack", SubprotocolMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(msg *Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
