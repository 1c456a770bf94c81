package signaling

import (
	"log/slog"
	"sync"

	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// Options configures room admission and bookkeeping.
type Options struct {
	// RequireApproval routes join requests through the host. When false,
	// requesters are admitted directly.
	RequireApproval bool
	// AllowRejoinAfterDeny lets a denied connection ask again.
	AllowRejoinAfterDeny bool
	// ChatHistoryLimit bounds each room's chat log. Zero keeps everything.
	ChatHistoryLimit int
	// NewRoomID generates candidate room ids. Defaults to NewRoomID.
	NewRoomID func() string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Stats is a point-in-time count of relay state.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	Pending      int `json:"pending"`
}

type location struct {
	roomID  string
	pending bool
}

// Directory is the registry of live rooms. Lock order is room before
// directory: code holding d.mu never waits for a room lock.
type Directory struct {
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
	// locs records which room each connection is a member of or waiting
	// to join.
	locs map[string]location
}

func NewDirectory(opts Options) *Directory {
	if opts.NewRoomID == nil {
		opts.NewRoomID = NewRoomID
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Directory{
		opts:  opts,
		log:   opts.Logger,
		rooms: make(map[string]*Room),
		locs:  make(map[string]location),
	}
}

// CreateRoom opens a room with p as its host and sends p roomCreated.
func (d *Directory) CreateRoom(p Peer, displayName string) (string, error) {
	const op = protocol.TypeCreateRoom

	// The room is locked before it becomes visible so nothing can reach it
	// ahead of roomCreated.
	r := newRoom("")
	r.mu.Lock()
	defer r.mu.Unlock()

	d.mu.Lock()
	if _, busy := d.locs[p.ID()]; busy {
		d.mu.Unlock()
		return "", admissionError(op, ErrAlreadyInRoom)
	}
	id := NormalizeRoomID(d.opts.NewRoomID())
	for d.rooms[id] != nil {
		id = NormalizeRoomID(d.opts.NewRoomID())
	}
	r.id = id
	r.hostID = p.ID()
	d.rooms[id] = r
	d.locs[p.ID()] = location{roomID: id}
	d.mu.Unlock()

	m := r.addMember(p, displayName)
	p.Deliver(protocol.MustMessage(protocol.TypeRoomCreated, protocol.RoomCreated{
		RoomID:      id,
		Participant: m.info,
	}))

	d.log.Info("Room created", "room_id", id, "conn_id", p.ID())
	return id, nil
}

// RequestJoin asks to join roomID. With approval required the host gets a
// joinRequest and p gets joinPending; otherwise p is admitted directly.
func (d *Directory) RequestJoin(p Peer, roomID, displayName string) error {
	const op = protocol.TypeJoinRoom

	r := d.lockRoom(roomID)
	if r == nil {
		return admissionError(op, ErrRoomNotFound)
	}
	defer r.mu.Unlock()

	host := r.host()
	direct := !d.opts.RequireApproval

	d.mu.Lock()
	if _, busy := d.locs[p.ID()]; busy {
		d.mu.Unlock()
		return admissionError(op, ErrAlreadyInRoom)
	}
	if _, denied := r.denied[p.ID()]; denied && !d.opts.AllowRejoinAfterDeny {
		d.mu.Unlock()
		return admissionError(op, ErrJoinBlocked)
	}
	if !direct && host == nil {
		d.mu.Unlock()
		return admissionError(op, ErrJoinBlocked)
	}
	d.locs[p.ID()] = location{roomID: r.id, pending: !direct}
	d.mu.Unlock()

	if direct {
		d.admit(r, p, displayName)
		return nil
	}

	r.addPending(p, displayName)
	p.Deliver(protocol.MustMessage(protocol.TypeJoinPending, protocol.RoomRef{RoomID: r.id}))
	host.peer.Deliver(protocol.MustMessage(protocol.TypeJoinRequest, protocol.JoinRequest{
		RoomID:      r.id,
		RequesterID: p.ID(),
		DisplayName: displayName,
	}))

	d.log.Info("Join requested", "room_id", r.id, "conn_id", p.ID())
	return nil
}

// Approve admits a pending requester. Only the host may approve; anything
// else is a race error.
func (d *Directory) Approve(host Peer, roomID, requesterID string) error {
	const op = protocol.TypeApproveJoin

	r, err := d.lockAsHost(op, host, roomID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	pj := r.takePending(requesterID)
	if pj == nil {
		return raceError(op, ErrStale)
	}
	d.setLoc(requesterID, location{roomID: r.id})

	pj.peer.Deliver(protocol.MustMessage(protocol.TypeJoinApproved, protocol.RoomRef{RoomID: r.id}))
	d.admit(r, pj.peer, pj.displayName)
	return nil
}

// Deny rejects a pending requester.
func (d *Directory) Deny(host Peer, roomID, requesterID string) error {
	const op = protocol.TypeDenyJoin

	r, err := d.lockAsHost(op, host, roomID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	pj := r.takePending(requesterID)
	if pj == nil {
		return raceError(op, ErrStale)
	}
	r.denied[requesterID] = struct{}{}
	d.clearLoc(requesterID)

	pj.peer.Deliver(protocol.MustMessage(protocol.TypeJoinDenied, protocol.RoomRef{RoomID: r.id}))
	d.log.Info("Join denied", "room_id", r.id, "conn_id", requesterID)
	return nil
}

// Relay forwards a negotiation message when sender and target are both
// current members of the room. Otherwise the message is dropped.
func (d *Directory) Relay(sender Peer, kind string, req protocol.RelayRequest) error {
	r := d.lockRoom(req.RoomID)
	if r == nil {
		return raceError(kind, ErrStale)
	}
	defer r.mu.Unlock()

	if r.member(sender.ID()) == nil {
		return raceError(kind, ErrNotMember)
	}
	target := r.member(req.To)
	if target == nil {
		return raceError(kind, ErrNotMember)
	}

	target.peer.Deliver(protocol.MustMessage(kind, protocol.Relayed{From: sender.ID(), Payload: req.Payload}))
	return nil
}

// Chat appends a message to the room log and sends it to every member,
// including the sender.
func (d *Directory) Chat(sender Peer, roomID, text string) error {
	const op = protocol.TypeChatMessage

	r := d.lockRoom(roomID)
	if r == nil {
		return admissionError(op, ErrNotMember)
	}
	defer r.mu.Unlock()

	m := r.member(sender.ID())
	if m == nil {
		return admissionError(op, ErrNotMember)
	}

	msg := protocol.ChatMessage{
		RoomID:     r.id,
		SenderID:   m.info.ID,
		SenderName: m.info.DisplayName,
		Text:       text,
		Timestamp:  d.opts.Clock.Now().UTC(),
		IsHost:     m.info.IsHost,
	}
	r.appendChat(msg, d.opts.ChatHistoryLimit)
	r.broadcast(protocol.MustMessage(protocol.TypeChatMessage, msg), "")
	return nil
}

// VideoState tells the other members that sender turned video on or off.
func (d *Directory) VideoState(sender Peer, roomID string, off bool) error {
	return d.rebroadcast(protocol.TypeVideoStateChange, sender, roomID,
		protocol.MustMessage(protocol.TypeVideoStateChanged, protocol.VideoStateChanged{SenderID: sender.ID(), VideoOff: off}))
}

// Speaking tells the other members that sender started or stopped speaking.
func (d *Directory) Speaking(sender Peer, roomID string, speaking bool) error {
	return d.rebroadcast(protocol.TypeSpeaking, sender, roomID,
		protocol.MustMessage(protocol.TypeUserSpeaking, protocol.UserSpeaking{SenderID: sender.ID(), Speaking: speaking}))
}

func (d *Directory) rebroadcast(op string, sender Peer, roomID string, msg *protocol.Message) error {
	r := d.lockRoom(roomID)
	if r == nil {
		return raceError(op, ErrStale)
	}
	defer r.mu.Unlock()

	if r.member(sender.ID()) == nil {
		return raceError(op, ErrNotMember)
	}
	r.broadcast(msg, sender.ID())
	return nil
}

// Leave removes p from its room, or withdraws its pending join request.
func (d *Directory) Leave(p Peer) error {
	return d.leave(protocol.TypeLeaveRoom, p)
}

// Disconnect is Leave for a connection that has gone away.
func (d *Directory) Disconnect(p Peer) {
	if err := d.leave("disconnect", p); err != nil {
		d.log.Debug("Disconnect cleanup", "conn_id", p.ID(), "error", err)
	}
}

func (d *Directory) leave(op string, p Peer) error {
	loc, ok := d.locate(p.ID())
	if !ok {
		return raceError(op, ErrNotMember)
	}
	r := d.lockRoom(loc.roomID)
	if r == nil {
		d.clearLoc(p.ID())
		return raceError(op, ErrStale)
	}
	defer r.mu.Unlock()

	if pj := r.takePending(p.ID()); pj != nil {
		d.clearLoc(p.ID())
		if host := r.host(); host != nil {
			host.peer.Deliver(protocol.MustMessage(protocol.TypeJoinRequestCancelled, protocol.JoinRequest{
				RoomID:      r.id,
				RequesterID: p.ID(),
				DisplayName: pj.displayName,
			}))
		}
		d.log.Info("Join request withdrawn", "room_id", r.id, "conn_id", p.ID())
		return nil
	}

	m := r.removeMember(p.ID())
	if m == nil {
		return raceError(op, ErrStale)
	}
	d.clearLoc(p.ID())
	d.log.Info("Participant left", "room_id", r.id, "conn_id", p.ID(), "host", m.info.IsHost)

	if len(r.members) == 0 {
		d.closeRoom(r)
		return nil
	}

	r.broadcast(protocol.MustMessage(protocol.TypeUserLeft, protocol.UserLeft{
		ID:          m.info.ID,
		DisplayName: m.info.DisplayName,
		IsHost:      m.info.IsHost,
	}), "")
	if m.info.IsHost {
		// Nobody is left to approve them.
		d.denyAllPending(r)
	}
	r.broadcast(r.rosterUpdate(), "")
	return nil
}

// EndCall closes the room for everyone. Only the host may end a call.
func (d *Directory) EndCall(caller Peer, roomID string) error {
	const op = protocol.TypeEndCall

	r, err := d.lockAsHost(op, caller, roomID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	r.broadcast(protocol.MustMessage(protocol.TypeCallEnded, protocol.RoomRef{RoomID: r.id}), "")
	d.closeRoom(r)
	return nil
}

// Members returns the participants of roomID in admission order.
func (d *Directory) Members(roomID string) ([]protocol.Participant, bool) {
	r := d.lockRoom(roomID)
	if r == nil {
		return nil, false
	}
	defer r.mu.Unlock()
	return r.participants(), true
}

func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := Stats{Rooms: len(d.rooms)}
	for _, loc := range d.locs {
		if loc.pending {
			s.Pending++
		} else {
			s.Participants++
		}
	}
	return s
}

// admit makes p a member and tells everyone. r must be locked and p's
// location already set.
func (d *Directory) admit(r *Room, p Peer, displayName string) {
	m := r.addMember(p, displayName)

	p.Deliver(protocol.MustMessage(protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:      r.id,
		Members:     r.participants(),
		IsHost:      m.info.IsHost,
		Participant: m.info,
		Chat:        r.chatHistory(),
		Version:     r.version,
	}))
	r.broadcast(protocol.MustMessage(protocol.TypeUserJoined, protocol.UserJoined{Participant: m.info}), p.ID())
	r.broadcast(r.rosterUpdate(), "")

	d.log.Info("Participant admitted", "room_id", r.id, "conn_id", p.ID(), "members", len(r.members))
}

func (d *Directory) denyAllPending(r *Room) {
	for _, id := range append([]string(nil), r.pendingOrder...) {
		pj := r.takePending(id)
		d.clearLoc(id)
		pj.peer.Deliver(protocol.MustMessage(protocol.TypeJoinDenied, protocol.RoomRef{RoomID: r.id}))
	}
}

// closeRoom destroys r along with its chat log. r must be locked.
func (d *Directory) closeRoom(r *Room) {
	d.denyAllPending(r)
	r.closed = true
	r.chat = nil

	d.mu.Lock()
	delete(d.rooms, r.id)
	for _, m := range r.members {
		delete(d.locs, m.peer.ID())
	}
	d.mu.Unlock()

	d.log.Info("Room closed", "room_id", r.id)
}

// lockRoom returns the live room with the given id, locked, or nil.
func (d *Directory) lockRoom(roomID string) *Room {
	id := NormalizeRoomID(roomID)
	d.mu.RLock()
	r := d.rooms[id]
	d.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	return r
}

func (d *Directory) lockAsHost(op string, p Peer, roomID string) (*Room, error) {
	r := d.lockRoom(roomID)
	if r == nil {
		return nil, raceError(op, ErrStale)
	}
	if r.hostID != p.ID() || r.member(p.ID()) == nil {
		r.mu.Unlock()
		return nil, raceError(op, ErrNotHost)
	}
	return r, nil
}

func (d *Directory) locate(id string) (location, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.locs[id]
	return loc, ok
}

func (d *Directory) setLoc(id string, loc location) {
	d.mu.Lock()
	d.locs[id] = loc
	d.mu.Unlock()
}

func (d *Directory) clearLoc(id string) {
	d.mu.Lock()
	delete(d.locs, id)
	d.mu.Unlock()
}
