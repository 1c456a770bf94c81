package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

const (
	maxDisplayName = 64
	maxChatText    = 4096
)

// Hub is the central brain of the relay. It tracks live connections and
// turns their messages into Directory operations.
type Hub struct {
	dir *Directory
	log *slog.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	connections atomic.Int64
}

func NewHub(dir *Directory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dir:        dir,
		log:        logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Directory() *Directory { return h.dir }

// Connections returns the number of registered connections.
func (h *Hub) Connections() int { return int(h.connections.Load()) }

// Run owns the set of live connections until ctx is done, then closes all
// of them.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			clients[client] = struct{}{}
			h.connections.Store(int64(len(clients)))
			client.log.Debug("Client registered", "remote", client.conn.RemoteAddr())

		case client := <-h.unregister:
			if _, ok := clients[client]; !ok {
				continue
			}
			delete(clients, client)
			h.connections.Store(int64(len(clients)))
			h.dir.Disconnect(client)
			client.closeSend()
			client.log.Debug("Client unregistered")

		case <-ctx.Done():
			for client := range clients {
				h.dir.Disconnect(client)
				client.closeSend()
			}
			h.connections.Store(0)
			return
		}
	}
}

// Register adds c to the hub. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Handle applies one inbound message from p. Protocol and admission errors
// are sent back to p as an error message; race errors are dropped.
func (h *Hub) Handle(p Peer, msg *protocol.Message) {
	err := h.dispatch(p, msg)
	if err == nil {
		return
	}
	if !Reported(err) {
		h.log.Debug("Dropped request", "conn_id", p.ID(), "type", msg.Type, "error", err)
		return
	}
	h.reply(p, err)
}

func (h *Hub) reply(p Peer, err error) {
	h.log.Info("Request rejected", "conn_id", p.ID(), "error", err)

	text := err.Error()
	var e *Error
	if errors.As(err, &e) {
		text = e.Err.Error()
	}
	p.Deliver(protocol.MustMessage(protocol.TypeError, protocol.ErrorPayload{Message: text, Code: Code(err)}))
}

func (h *Hub) dispatch(p Peer, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeCreateRoom:
		var req protocol.CreateRoomRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		name, err := displayName(msg.Type, req.DisplayName)
		if err != nil {
			return err
		}
		_, err = h.dir.CreateRoom(p, name)
		return err

	case protocol.TypeJoinRoom:
		var req protocol.JoinRoomRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		name, err := displayName(msg.Type, req.DisplayName)
		if err != nil {
			return err
		}
		if NormalizeRoomID(req.RoomID) == "" {
			return protocolError(msg.Type, fmt.Errorf("%w: missing room id", ErrMalformed))
		}
		return h.dir.RequestJoin(p, req.RoomID, name)

	case protocol.TypeApproveJoin, protocol.TypeDenyJoin:
		var req protocol.JoinDecision
		if err := decode(msg, &req); err != nil {
			return err
		}
		if msg.Type == protocol.TypeApproveJoin {
			return h.dir.Approve(p, req.RoomID, req.RequesterID)
		}
		return h.dir.Deny(p, req.RoomID, req.RequesterID)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		var req protocol.RelayRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		if req.To == "" || len(req.Payload) == 0 {
			return protocolError(msg.Type, fmt.Errorf("%w: missing target or payload", ErrMalformed))
		}
		return h.dir.Relay(p, msg.Type, req)

	case protocol.TypeChatMessage:
		var req protocol.ChatRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		text := strings.TrimSpace(req.Text)
		if text == "" || utf8.RuneCountInString(text) > maxChatText {
			return protocolError(msg.Type, fmt.Errorf("%w: chat text must be 1-%d characters", ErrMalformed, maxChatText))
		}
		return h.dir.Chat(p, req.RoomID, text)

	case protocol.TypeVideoStateChange:
		var req protocol.VideoStateRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		return h.dir.VideoState(p, req.RoomID, req.VideoOff)

	case protocol.TypeSpeaking:
		var req protocol.SpeakingRequest
		if err := decode(msg, &req); err != nil {
			return err
		}
		return h.dir.Speaking(p, req.RoomID, req.Speaking)

	case protocol.TypeLeaveRoom:
		return h.dir.Leave(p)

	case protocol.TypeEndCall:
		var req protocol.RoomRef
		if err := decode(msg, &req); err != nil {
			return err
		}
		return h.dir.EndCall(p, req.RoomID)

	default:
		return protocolError(msg.Type, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type))
	}
}

func decode(msg *protocol.Message, v any) error {
	if err := msg.DecodePayload(v); err != nil {
		return protocolError(msg.Type, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return nil
}

func displayName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return "", protocolError(op, fmt.Errorf("%w: display name must be 1-%d characters", ErrMalformed, maxDisplayName))
	}
	return name, nil
}
