package signalclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

type recorder struct {
	msgs     chan *protocol.Message
	statuses chan Status
}

func newRecorder() *recorder {
	return &recorder{
		msgs:     make(chan *protocol.Message, 64),
		statuses: make(chan Status, 64),
	}
}

func (r *recorder) HandleMessage(msg *protocol.Message) { r.msgs <- msg }

func (r *recorder) HandleStatus(s Status, _ int, _ error) { r.statuses <- s }

func (r *recorder) waitStatus(t *testing.T, want Status) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.statuses:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func (r *recorder) waitMessage(t *testing.T, typ string) *protocol.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.msgs:
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := signaling.NewHub(signaling.NewDirectory(signaling.Options{Logger: logging.Discard()}), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(server.Routes(hub, nil, logging.Discard()))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func fastRetry(attempts int) backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestSendBeforeConnect(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/ws", Logger: logging.Discard()}, newRecorder())
	assert.ErrorIs(t, c.Send(protocol.MustMessage(protocol.TypeLeaveRoom, nil)), ErrNotConnected)
	assert.False(t, c.Connected())

	c.Close()
	assert.ErrorIs(t, c.Send(protocol.MustMessage(protocol.TypeLeaveRoom, nil)), ErrClosed)
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}

func TestRoundTripThroughRelay(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSONCodec{}, protocol.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			srv := startRelay(t)
			rec := newRecorder()
			c := New(Config{URL: wsURL(srv), Codec: codec, Retry: fastRetry(3), Logger: logging.Discard()}, rec)

			done := make(chan error, 1)
			go func() { done <- c.Run(context.Background()) }()
			rec.waitStatus(t, StatusConnected)

			require.NoError(t, c.SendPayload(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: "Ann"}))
			var created protocol.RoomCreated
			require.NoError(t, rec.waitMessage(t, protocol.TypeRoomCreated).DecodePayload(&created))
			assert.Len(t, created.RoomID, signaling.RoomIDLength)
			assert.Equal(t, "Ann", created.Participant.DisplayName)

			c.Close()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after Close")
			}
			rec.waitStatus(t, StatusDisconnected)
		})
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{Subprotocols: protocol.Subprotocols}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if conns.Add(1) == 1 {
			// Drop the first connection straight away.
			return
		}
		data, err := protocol.JSONCodec{}.Encode(protocol.MustMessage(protocol.TypeCallEnded, protocol.RoomRef{RoomID: "AB12CD"}))
		if err != nil {
			return
		}
		ws.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	c := New(Config{URL: wsURL(srv), Retry: fastRetry(5), Logger: logging.Discard()}, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rec.waitStatus(t, StatusConnected)
	rec.waitStatus(t, StatusReconnecting)
	rec.waitStatus(t, StatusConnected)
	rec.waitMessage(t, protocol.TypeCallEnded)
	assert.EqualValues(t, 2, conns.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	rec := newRecorder()
	c := New(Config{URL: url, Retry: fastRetry(2), Logger: logging.Discard()}, rec)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrGaveUp)

	var got []Status
	for len(rec.statuses) > 0 {
		got = append(got, <-rec.statuses)
	}
	assert.Equal(t, []Status{StatusConnecting, StatusReconnecting, StatusReconnecting, StatusDisconnected}, got)
}
