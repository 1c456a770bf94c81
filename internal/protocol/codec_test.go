package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFor(t *testing.T) {
	assert.Equal(t, SubprotocolMsgpack, CodecFor(SubprotocolMsgpack).Name())
	assert.Equal(t, SubprotocolJSON, CodecFor("").Name())
	assert.Equal(t, SubprotocolJSON, CodecFor("something-else").Name())

	_, err := CodecByName("xml")
	assert.Error(t, err)
}

// A payload encoded by a msgpack client must reach a JSON client unchanged,
// since the relay forwards payloads without re-encoding them.
func TestPayloadSurvivesCrossCodecForwarding(t *testing.T) {
	offer := SessionDescription{Type: "offer", SDP: "v=0\r\n", Session: "s-1"}
	msg := MustMessage(TypeOffer, RelayRequest{To: "b", RoomID: "AB12CD", Payload: MustMessage("", offer).Payload})

	packed, err := MsgpackCodec{}.Encode(msg)
	require.NoError(t, err)
	fromMsgpack, err := MsgpackCodec{}.Decode(packed)
	require.NoError(t, err)

	var req RelayRequest
	require.NoError(t, fromMsgpack.DecodePayload(&req))

	forwarded := MustMessage(TypeOffer, Relayed{From: "a", Payload: req.Payload})
	text, err := JSONCodec{}.Encode(forwarded)
	require.NoError(t, err)
	got, err := JSONCodec{}.Decode(text)
	require.NoError(t, err)

	var relayed Relayed
	require.NoError(t, got.DecodePayload(&relayed))
	var desc SessionDescription
	require.NoError(t, (&Message{Type: TypeOffer, Payload: relayed.Payload}).DecodePayload(&desc))
	assert.Equal(t, offer, desc)
	assert.Equal(t, "a", relayed.From)
}

func TestDecodePayloadRequiresPayload(t *testing.T) {
	err := (&Message{Type: TypeJoinRoom}).DecodePayload(&JoinRoomRequest{})
	assert.ErrorContains(t, err, "missing payload")
}
