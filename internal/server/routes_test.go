package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

func startRelay(t *testing.T, opts signaling.Options, origins []string) (*httptest.Server, *signaling.Hub) {
	t.Helper()
	opts.Logger = logging.Discard()
	hub := signaling.NewHub(signaling.NewDirectory(opts), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(Routes(hub, origins, logging.Discard()))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, hub
}

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func dial(t *testing.T, srv *httptest.Server, subprotocol string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	conn, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn, codec: protocol.CodecFor(conn.Subprotocol())}
	if subprotocol != "" {
		require.Equal(t, subprotocol, conn.Subprotocol())
	}
	return c
}

func (c *wsClient) send(typ string, payload any) {
	c.t.Helper()
	data, err := c.codec.Encode(protocol.MustMessage(typ, payload))
	require.NoError(c.t, err)
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	require.NoError(c.t, c.conn.WriteMessage(frame, data))
}

// expect reads until a message of type typ arrives, skipping others.
func (c *wsClient) expect(typ string) *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		frame, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		if c.codec.Binary() {
			require.Equal(c.t, websocket.BinaryMessage, frame)
		} else {
			require.Equal(c.t, websocket.TextMessage, frame)
		}
		msg, err := c.codec.Decode(data)
		require.NoError(c.t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

func decodeAs[T any](t *testing.T, msg *protocol.Message) T {
	t.Helper()
	var v T
	require.NoError(t, msg.DecodePayload(&v))
	return v
}

func TestRelayBetweenCodecs(t *testing.T) {
	srv, _ := startRelay(t, signaling.Options{RequireApproval: true, AllowRejoinAfterDeny: true}, nil)

	host := dial(t, srv, protocol.SubprotocolJSON)
	guest := dial(t, srv, protocol.SubprotocolMsgpack)

	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Host"})
	created := decodeAs[protocol.RoomCreated](t, host.expect(protocol.TypeRoomCreated))
	require.Len(t, created.RoomID, signaling.RoomIDLength)

	guest.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: strings.ToLower(created.RoomID), DisplayName: "Guest"})
	guest.expect(protocol.TypeJoinPending)
	req := decodeAs[protocol.JoinRequest](t, host.expect(protocol.TypeJoinRequest))
	assert.Equal(t, "Guest", req.DisplayName)

	host.send(protocol.TypeApproveJoin, protocol.JoinDecision{RoomID: created.RoomID, RequesterID: req.RequesterID})
	guest.expect(protocol.TypeJoinApproved)
	joined := decodeAs[protocol.RoomJoined](t, guest.expect(protocol.TypeRoomJoined))
	require.Len(t, joined.Members, 2)
	assert.Equal(t, created.Participant.ID, joined.Members[0].ID)
	host.expect(protocol.TypeUserJoined)

	offer := protocol.SessionDescription{Type: "offer", SDP: "v=0\r\n", Session: "s-1"}
	raw, err := json.Marshal(offer)
	require.NoError(t, err)
	host.send(protocol.TypeOffer, protocol.RelayRequest{To: req.RequesterID, RoomID: created.RoomID, Payload: raw})

	relayed := decodeAs[protocol.Relayed](t, guest.expect(protocol.TypeOffer))
	assert.Equal(t, created.Participant.ID, relayed.From)
	var got protocol.SessionDescription
	require.NoError(t, json.Unmarshal(relayed.Payload, &got))
	assert.Equal(t, offer, got)

	guest.send(protocol.TypeChatMessage, protocol.ChatRequest{RoomID: created.RoomID, Text: "hello"})
	chat := decodeAs[protocol.ChatMessage](t, host.expect(protocol.TypeChatMessage))
	assert.Equal(t, "hello", chat.Text)
	assert.Equal(t, "Guest", chat.SenderName)

	host.send(protocol.TypeEndCall, protocol.RoomRef{RoomID: created.RoomID})
	guest.expect(protocol.TypeCallEnded)
}

func TestMalformedFrameGetsError(t *testing.T) {
	srv, _ := startRelay(t, signaling.Options{RequireApproval: true}, nil)
	c := dial(t, srv, "")
	assert.Equal(t, protocol.SubprotocolJSON, c.codec.Name())

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e := decodeAs[protocol.ErrorPayload](t, c.expect(protocol.TypeError))
	assert.Equal(t, "malformed", e.Code)

	// The connection survives.
	c.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Still here"})
	c.expect(protocol.TypeRoomCreated)
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	srv, hub := startRelay(t, signaling.Options{RequireApproval: false}, nil)

	host := dial(t, srv, "")
	host.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Host"})
	created := decodeAs[protocol.RoomCreated](t, host.expect(protocol.TypeRoomCreated))

	guest := dial(t, srv, "")
	guest.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: created.RoomID, DisplayName: "Guest"})
	guest.expect(protocol.TypeRoomJoined)
	host.expect(protocol.TypeUserJoined)

	guest.conn.Close()
	left := decodeAs[protocol.UserLeft](t, host.expect(protocol.TypeUserLeft))
	assert.Equal(t, "Guest", left.DisplayName)

	require.Eventually(t, func() bool { return hub.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	srv, _ := startRelay(t, signaling.Options{}, nil)
	c := dial(t, srv, "")
	c.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Host"})
	c.expect(protocol.TypeRoomCreated)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Rooms)
	assert.Equal(t, 1, h.Participants)
	assert.Equal(t, 1, h.Connections)
}

func TestOriginPolicy(t *testing.T) {
	srv, _ := startRelay(t, signaling.Options{}, []string{"https://warpcall.qzz.io/"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://WarpCall.qzz.io")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
