package call

import (
	"errors"
	"time"

	"github.com/BioHazard786/warpcall/internal/mesh"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signalclient"
)

var (
	ErrNotJoined = errors.New("not in a room")
	ErrBusy      = errors.New("already in or joining a room")
	ErrNotHost   = errors.New("only the host can do that")
	ErrEmptyChat = errors.New("message is empty")
	ErrClosed    = errors.New("session closed")
)

// State is where the local participant stands with respect to a room.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateRequesting
	StatePending
	StateJoined
	StateDenied
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "not joined"
	case StateCreating:
		return "creating room"
	case StateRequesting:
		return "requesting to join"
	case StatePending:
		return "waiting for host approval"
	case StateJoined:
		return "in call"
	case StateDenied:
		return "join request denied"
	case StateEnded:
		return "call ended"
	default:
		return "unknown"
	}
}

// Member is one remote room member as shown to the user.
type Member struct {
	ID          string
	DisplayName string
	IsHost      bool
	VideoOff    bool
	Speaking    bool
	// Tracks lists the media kinds received from this member.
	Tracks []string

	// Peer connection details; zero until the mesh knows the member.
	Role      negotiation.Role
	Phase     negotiation.Phase
	Status    mesh.Status
	Transport negotiation.TransportState
	Attempts  int
	Since     time.Time
}

// Snapshot is a copy of the session state for display.
type Snapshot struct {
	Relay       signalclient.Status
	State       State
	RoomID      string
	LocalID     string
	DisplayName string
	IsHost      bool
	VideoOff    bool
	Version     uint64

	Members  []Member
	Requests []protocol.JoinRequest
	Chat     []protocol.ChatMessage

	LastError string
}

type memberState struct {
	info     protocol.Participant
	videoOff bool
	speaking bool
	tracks   []string
}
