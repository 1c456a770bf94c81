// Package call runs the participant side of a room: one event loop that owns
// room state and the mesh of peer connections.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/mesh"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signalclient"
)

// DefaultChatLimit bounds the local chat log.
const DefaultChatLimit = 500

// Relay sends messages to the signaling server. *signalclient.Client
// satisfies it.
type Relay interface {
	Send(msg *protocol.Message) error
}

type Config struct {
	DisplayName  string
	NewTransport negotiation.TransportFactory
	// VideoOff is announced to the room after joining.
	VideoOff bool

	LivenessTimeout time.Duration
	InitiateJitter  time.Duration
	PeerRetry       backoff.Policy
	ChatLimit       int
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Session is a participant's view of one call. Every field below the loop
// is owned by the goroutine running Run.
type Session struct {
	cfg Config
	log *slog.Logger

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}

	changed chan struct{}

	relay        Relay
	relayStatus  signalclient.Status
	wasConnected bool

	state    State
	roomID   string
	localID  string
	isHost   bool
	videoOff bool
	version  uint64
	members  []*memberState
	requests []protocol.JoinRequest
	chat     []protocol.ChatMessage
	lastErr  string

	mesh *mesh.Manager
}

func New(cfg Config) *Session {
	if cfg.ChatLimit <= 0 {
		cfg.ChatLimit = DefaultChatLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		changed:  make(chan struct{}, 1),
		videoOff: cfg.VideoOff,
	}
}

// Run processes events until ctx is done. Messages go out through relay.
// Calls made before Run starts wait for the loop and see relay.
func (s *Session) Run(ctx context.Context, relay Relay) error {
	s.qmu.Lock()
	s.relay = relay
	s.qmu.Unlock()
	defer func() {
		close(s.done)
		s.teardown()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			for {
				s.qmu.Lock()
				if len(s.queue) == 0 {
					s.qmu.Unlock()
					break
				}
				f := s.queue[0]
				s.queue = s.queue[1:]
				s.qmu.Unlock()
				f()
			}
		}
	}
}

// post queues f on the event loop. It never blocks, so it is safe from
// callbacks running on the loop itself.
func (s *Session) post(f func()) {
	s.qmu.Lock()
	s.queue = append(s.queue, f)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// call runs f on the loop and waits for its result.
func (s *Session) call(f func() error) error {
	res := make(chan error, 1)
	s.post(func() { res <- f() })
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Changed receives a value whenever the snapshot may have changed. Changes
// are coalesced.
func (s *Session) Changed() <-chan struct{} { return s.changed }

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.call(func() error {
		snap = s.snapshot()
		return nil
	}); err != nil {
		return Snapshot{State: StateEnded, LastError: err.Error()}
	}
	return snap
}

// CreateRoom asks the relay for a new room hosted by this participant.
func (s *Session) CreateRoom() error {
	return s.call(func() error {
		if s.busy() {
			return ErrBusy
		}
		if err := s.send(protocol.TypeCreateRoom, protocol.CreateRoomRequest{DisplayName: s.cfg.DisplayName}); err != nil {
			return err
		}
		s.setState(StateCreating)
		return nil
	})
}

// JoinRoom asks to join roomID.
func (s *Session) JoinRoom(roomID string) error {
	roomID = strings.ToUpper(strings.TrimSpace(roomID))
	return s.call(func() error {
		if s.busy() {
			return ErrBusy
		}
		if err := s.send(protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID, DisplayName: s.cfg.DisplayName}); err != nil {
			return err
		}
		s.roomID = roomID
		s.setState(StateRequesting)
		return nil
	})
}

// Approve admits a pending requester. Host only.
func (s *Session) Approve(requesterID string) error {
	return s.decide(protocol.TypeApproveJoin, requesterID)
}

// Deny rejects a pending requester. Host only.
func (s *Session) Deny(requesterID string) error {
	return s.decide(protocol.TypeDenyJoin, requesterID)
}

func (s *Session) decide(kind, requesterID string) error {
	return s.call(func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		if err := s.send(kind, protocol.JoinDecision{RoomID: s.roomID, RequesterID: requesterID}); err != nil {
			return err
		}
		s.removeRequest(requesterID)
		s.notify()
		return nil
	})
}

// SendChat sends text to everyone in the room.
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	return s.call(func() error {
		if s.state != StateJoined {
			return ErrNotJoined
		}
		if text == "" {
			return ErrEmptyChat
		}
		return s.send(protocol.TypeChatMessage, protocol.ChatRequest{RoomID: s.roomID, Text: text})
	})
}

// SetVideoOff records and announces the local video state.
func (s *Session) SetVideoOff(off bool) error {
	return s.call(func() error {
		s.videoOff = off
		s.notify()
		if s.state != StateJoined {
			return nil
		}
		return s.send(protocol.TypeVideoStateChange, protocol.VideoStateRequest{RoomID: s.roomID, VideoOff: off})
	})
}

// SetSpeaking announces whether the local participant is speaking.
func (s *Session) SetSpeaking(speaking bool) error {
	return s.call(func() error {
		if s.state != StateJoined {
			return ErrNotJoined
		}
		return s.send(protocol.TypeSpeaking, protocol.SpeakingRequest{RoomID: s.roomID, Speaking: speaking})
	})
}

// Leave leaves the room, or withdraws a pending join request.
func (s *Session) Leave() error {
	return s.call(func() error {
		switch s.state {
		case StateJoined, StatePending, StateRequesting:
		default:
			return ErrNotJoined
		}
		err := s.send(protocol.TypeLeaveRoom, protocol.RoomRef{RoomID: s.roomID})
		s.teardown()
		s.setState(StateIdle)
		return err
	})
}

// EndCall closes the room for everyone. Host only.
func (s *Session) EndCall() error {
	return s.call(func() error {
		if err := s.requireHost(); err != nil {
			return err
		}
		return s.send(protocol.TypeEndCall, protocol.RoomRef{RoomID: s.roomID})
	})
}

// HandleMessage implements signalclient.Handler.
func (s *Session) HandleMessage(msg *protocol.Message) {
	s.post(func() { s.handle(msg) })
}

// HandleStatus implements signalclient.Handler.
func (s *Session) HandleStatus(status signalclient.Status, attempt int, err error) {
	s.post(func() { s.relayStatusChanged(status, attempt, err) })
}

func (s *Session) busy() bool {
	switch s.state {
	case StateCreating, StateRequesting, StatePending, StateJoined:
		return true
	}
	return false
}

func (s *Session) requireHost() error {
	if s.state != StateJoined {
		return ErrNotJoined
	}
	if !s.isHost {
		return ErrNotHost
	}
	return nil
}

func (s *Session) send(kind string, payload any) error {
	if s.relay == nil {
		return signalclient.ErrNotConnected
	}
	msg, err := protocol.NewMessage(kind, payload)
	if err != nil {
		return err
	}
	return s.relay.Send(msg)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("Session state", "from", s.state, "to", st, "room_id", s.roomID)
	s.state = st
	s.notify()
}

func (s *Session) setError(msg string) {
	s.lastErr = msg
	s.notify()
}

// join enters a room and starts the mesh.
func (s *Session) join(self protocol.Participant, members []protocol.Participant, version uint64) {
	s.roomID = self.RoomID
	s.localID = self.ID
	s.isHost = self.IsHost
	s.version = version
	s.lastErr = ""
	s.log = s.cfg.Logger.With("room_id", s.roomID, "conn_id", s.localID)

	s.mesh = mesh.New(mesh.Config{
		LocalID:         s.localID,
		NewTransport:    s.cfg.NewTransport,
		Signaler:        signaler{s},
		Observer:        peerEvents{s},
		Clock:           s.cfg.Clock,
		Dispatch:        s.post,
		LivenessTimeout: s.cfg.LivenessTimeout,
		InitiateJitter:  s.cfg.InitiateJitter,
		Retry:           s.cfg.PeerRetry,
		Logger:          s.log,
	})
	s.setMembers(members)
	s.setState(StateJoined)

	if s.videoOff {
		if err := s.send(protocol.TypeVideoStateChange, protocol.VideoStateRequest{RoomID: s.roomID, VideoOff: true}); err != nil {
			s.log.Warn("Announcing video state", "error", err)
		}
	}
}

// teardown drops every peer and all room state.
func (s *Session) teardown() {
	if s.mesh != nil {
		s.mesh.Close()
		s.mesh = nil
	}
	s.members = nil
	s.requests = nil
	s.chat = nil
	s.version = 0
	s.isHost = false
	s.notify()
}

// setMembers replaces the roster, keeping per-member presentation state,
// and reconciles the mesh with it.
func (s *Session) setMembers(ps []protocol.Participant) {
	old := s.members
	s.members = make([]*memberState, 0, len(ps))
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
		if p.ID == s.localID {
			continue
		}
		m := &memberState{info: p}
		if i := slices.IndexFunc(old, func(o *memberState) bool { return o.info.ID == p.ID }); i >= 0 {
			m.videoOff = old[i].videoOff
			m.speaking = old[i].speaking
			m.tracks = old[i].tracks
		}
		s.members = append(s.members, m)
	}
	if s.mesh != nil {
		s.mesh.UpdateRoster(ids)
	}
	s.notify()
}

func (s *Session) member(id string) *memberState {
	for _, m := range s.members {
		if m.info.ID == id {
			return m
		}
	}
	return nil
}

func (s *Session) removeRequest(id string) {
	s.requests = slices.DeleteFunc(s.requests, func(r protocol.JoinRequest) bool { return r.RequesterID == id })
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Relay:       s.relayStatus,
		State:       s.state,
		RoomID:      s.roomID,
		LocalID:     s.localID,
		DisplayName: s.cfg.DisplayName,
		IsHost:      s.isHost,
		VideoOff:    s.videoOff,
		Version:     s.version,
		Requests:    slices.Clone(s.requests),
		Chat:        slices.Clone(s.chat),
		LastError:   s.lastErr,
	}

	var peers map[string]mesh.PeerInfo
	if s.mesh != nil {
		peers = make(map[string]mesh.PeerInfo)
		for _, p := range s.mesh.Peers() {
			peers[p.ID] = p
		}
	}
	for _, m := range s.members {
		member := Member{
			ID:          m.info.ID,
			DisplayName: m.info.DisplayName,
			IsHost:      m.info.IsHost,
			VideoOff:    m.videoOff,
			Speaking:    m.speaking,
			Tracks:      slices.Clone(m.tracks),
		}
		if p, ok := peers[m.info.ID]; ok {
			member.Role = p.Role
			member.Phase = p.Phase
			member.Status = p.Status
			member.Transport = p.Transport
			member.Attempts = p.Attempts
			member.Since = p.Since
		}
		snap.Members = append(snap.Members, member)
	}
	return snap
}

// signaler sends negotiation messages through the relay.
type signaler struct{ s *Session }

func (g signaler) SendOffer(to string, desc protocol.SessionDescription) {
	g.relay(protocol.TypeOffer, to, desc)
}

func (g signaler) SendAnswer(to string, desc protocol.SessionDescription) {
	g.relay(protocol.TypeAnswer, to, desc)
}

func (g signaler) SendCandidate(to string, c protocol.Candidate) {
	g.relay(protocol.TypeCandidate, to, c)
}

func (g signaler) relay(kind, to string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		g.s.log.Error("Encoding negotiation payload", "type", kind, "error", err)
		return
	}
	if err := g.s.send(kind, protocol.RelayRequest{To: to, RoomID: g.s.roomID, Payload: raw}); err != nil {
		g.s.log.Warn("Sending negotiation message", "type", kind, "peer", to, "error", err)
	}
}

// peerEvents adapts Session to mesh.Observer.
type peerEvents struct{ s *Session }

func (e peerEvents) PeerAdded(string) { e.s.notify() }

func (e peerEvents) PeerStatus(remoteID string, status mesh.Status) {
	e.s.log.Info("Peer status", "peer", remoteID, "status", status)
	e.s.notify()
}

func (e peerEvents) PeerRemoved(remoteID string) {
	if m := e.s.member(remoteID); m != nil {
		m.tracks = nil
	}
	e.s.notify()
}

func (e peerEvents) RemoteTrack(remoteID, kind string) {
	if m := e.s.member(remoteID); m != nil && !slices.Contains(m.tracks, kind) {
		m.tracks = append(m.tracks, kind)
	}
	e.s.notify()
}
