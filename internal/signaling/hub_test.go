package signaling

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(tweak func(*Options)) *Hub {
	return NewHub(newTestDirectory(tweak), logging.Discard())
}

func lastError(t *testing.T, p *fakePeer) protocol.ErrorPayload {
	t.Helper()
	msgs := p.take()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, protocol.TypeError, last.Type)
	return payloadOf[protocol.ErrorPayload](t, last)
}

func TestHubRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		msg  *protocol.Message
		code string
	}{
		{"unknown type", &protocol.Message{Type: "teleport"}, "unknown_type"},
		{"missing payload", &protocol.Message{Type: protocol.TypeCreateRoom}, "malformed"},
		{"bad json", &protocol.Message{Type: protocol.TypeJoinRoom, Payload: json.RawMessage(`[1,2]`)}, "malformed"},
		{"blank name", protocol.MustMessage(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "  "}), "malformed"},
		{"long name", protocol.MustMessage(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: strings.Repeat("x", 65)}), "malformed"},
		{"missing room id", protocol.MustMessage(protocol.TypeJoinRoom, protocol.JoinRoomRequest{DisplayName: "Ann"}), "malformed"},
		{"unknown room", protocol.MustMessage(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: "QQQQQQ", DisplayName: "Ann"}), "room_not_found"},
		{"relay without target", protocol.MustMessage(protocol.TypeOffer, protocol.RelayRequest{RoomID: "AB12CD", Payload: json.RawMessage(`{}`)}), "malformed"},
		{"empty chat", protocol.MustMessage(protocol.TypeChatMessage, protocol.ChatRequest{RoomID: "AB12CD", Text: " "}), "malformed"},
		{"chat outside room", protocol.MustMessage(protocol.TypeChatMessage, protocol.ChatRequest{RoomID: "AB12CD", Text: "hi"}), "not_member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(func(o *Options) { o.NewRoomID = sequence("AB12CD") })
			host := newPeer("host")
			h.Handle(host, protocol.MustMessage(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Host"}))
			host.take()

			p := newPeer("p")
			h.Handle(p, tt.msg)
			e := lastError(t, p)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestHubDropsRaceErrorsSilently(t *testing.T) {
	h := newTestHub(func(o *Options) { o.NewRoomID = sequence("AB12CD") })
	host, guest := newPeer("host"), newPeer("guest")
	h.Handle(host, protocol.MustMessage(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Host"}))

	h.Handle(guest, protocol.MustMessage(protocol.TypeApproveJoin, protocol.JoinDecision{RoomID: "AB12CD", RequesterID: "x"}))
	h.Handle(guest, protocol.MustMessage(protocol.TypeEndCall, protocol.RoomRef{RoomID: "AB12CD"}))
	h.Handle(guest, protocol.MustMessage(protocol.TypeOffer, protocol.RelayRequest{To: "host", RoomID: "AB12CD", Payload: json.RawMessage(`{}`)}))
	h.Handle(guest, &protocol.Message{Type: protocol.TypeLeaveRoom})

	assert.Empty(t, guest.take())
	_, ok := h.Directory().Members("AB12CD")
	assert.True(t, ok)
}

func TestHubCallLifecycle(t *testing.T) {
	h := newTestHub(func(o *Options) { o.NewRoomID = sequence("AB12CD") })
	host, guest := newPeer("host"), newPeer("guest")

	h.Handle(host, protocol.MustMessage(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: " Host "}))
	created := payloadOf[protocol.RoomCreated](t, host.take()[0])
	assert.Equal(t, "Host", created.Participant.DisplayName)

	h.Handle(guest, protocol.MustMessage(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: "ab12cd", DisplayName: "Guest"}))
	assert.Equal(t, []string{protocol.TypeJoinPending}, guest.types())
	assert.Equal(t, []string{protocol.TypeJoinRequest}, host.types())

	h.Handle(host, protocol.MustMessage(protocol.TypeApproveJoin, protocol.JoinDecision{RoomID: "AB12CD", RequesterID: "guest"}))
	assert.Equal(t, []string{protocol.TypeJoinApproved, protocol.TypeRoomJoined, protocol.TypeParticipantsUpdated}, guest.types())
	host.take()

	h.Handle(guest, protocol.MustMessage(protocol.TypeCandidate, protocol.RelayRequest{
		To: "host", RoomID: "AB12CD", Payload: json.RawMessage(`{"candidate":"c1","session":"s"}`),
	}))
	got := host.take()
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeCandidate, got[0].Type)

	h.Handle(host, protocol.MustMessage(protocol.TypeEndCall, protocol.RoomRef{RoomID: "AB12CD"}))
	assert.Equal(t, []string{protocol.TypeCallEnded}, guest.types())
	assert.Equal(t, Stats{}, h.Directory().Stats())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "join_blocked", Code(admissionError("joinRoom", ErrJoinBlocked)))
	assert.Equal(t, "not_host", Code(raceError("endCall", ErrNotHost)))
	assert.Equal(t, "internal", Code(assert.AnError))
	assert.True(t, Reported(assert.AnError))
}
