package signaling

import (
	"sync"

	"github.com/BioHazard786/warpcall/internal/protocol"
)

// Peer is a live relay connection as seen by the directory.
type Peer interface {
	ID() string
	// Deliver queues msg for the connection without blocking.
	Deliver(msg *protocol.Message)
}

type member struct {
	peer Peer
	info protocol.Participant
}

type pendingJoin struct {
	peer        Peer
	displayName string
}

// Room is one call. Every field is guarded by mu, and all operations on a room
// run with mu held, so they apply in a strict sequence.
type Room struct {
	mu sync.Mutex

	id      string
	hostID  string
	members []*member
	pending map[string]*pendingJoin
	// pendingOrder keeps join requests in arrival order.
	pendingOrder []string
	denied       map[string]struct{}
	chat         []protocol.ChatMessage
	version      uint64
	closed       bool
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		pending: make(map[string]*pendingJoin),
		denied:  make(map[string]struct{}),
	}
}

func (r *Room) member(id string) *member {
	for _, m := range r.members {
		if m.peer.ID() == id {
			return m
		}
	}
	return nil
}

func (r *Room) addMember(p Peer, displayName string) *member {
	m := &member{
		peer: p,
		info: protocol.Participant{
			ID:          p.ID(),
			DisplayName: displayName,
			RoomID:      r.id,
			IsHost:      p.ID() == r.hostID,
		},
	}
	r.members = append(r.members, m)
	r.version++
	return m
}

func (r *Room) removeMember(id string) *member {
	for i, m := range r.members {
		if m.peer.ID() == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			r.version++
			return m
		}
	}
	return nil
}

func (r *Room) addPending(p Peer, displayName string) {
	if _, ok := r.pending[p.ID()]; !ok {
		r.pendingOrder = append(r.pendingOrder, p.ID())
	}
	r.pending[p.ID()] = &pendingJoin{peer: p, displayName: displayName}
}

func (r *Room) takePending(id string) *pendingJoin {
	pj, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	for i, pid := range r.pendingOrder {
		if pid == id {
			r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
			break
		}
	}
	return pj
}

// participants returns the members in admission order.
func (r *Room) participants() []protocol.Participant {
	out := make([]protocol.Participant, len(r.members))
	for i, m := range r.members {
		out[i] = m.info
	}
	return out
}

func (r *Room) host() *member {
	return r.member(r.hostID)
}

// broadcast delivers msg to every member except the one with id except.
func (r *Room) broadcast(msg *protocol.Message, except string) {
	for _, m := range r.members {
		if m.peer.ID() != except {
			m.peer.Deliver(msg)
		}
	}
}

func (r *Room) rosterUpdate() *protocol.Message {
	return protocol.MustMessage(protocol.TypeParticipantsUpdated, protocol.ParticipantsUpdated{
		RoomID:  r.id,
		Members: r.participants(),
		Version: r.version,
	})
}

func (r *Room) appendChat(msg protocol.ChatMessage, limit int) {
	r.chat = append(r.chat, msg)
	if limit > 0 && len(r.chat) > limit {
		r.chat = append([]protocol.ChatMessage(nil), r.chat[len(r.chat)-limit:]...)
	}
}

func (r *Room) chatHistory() []protocol.ChatMessage {
	if len(r.chat) == 0 {
		return nil
	}
	return append([]protocol.ChatMessage(nil), r.chat...)
}
