package negotiation

import "github.com/BioHazard786/warpcall/internal/protocol"

// Phase is the negotiation phase of one local/remote pair.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOffering
	PhaseAwaitingAnswer
	PhaseReceivingOffer
	PhaseAnswering
	PhaseEstablished
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseOffering:
		return "OFFERING"
	case PhaseAwaitingAnswer:
		return "AWAITING_ANSWER"
	case PhaseReceivingOffer:
		return "RECEIVING_OFFER"
	case PhaseAnswering:
		return "ANSWERING"
	case PhaseEstablished:
		return "ESTABLISHED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Role says which side of a pair sends the first offer.
type Role int

const (
	RoleUndetermined Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "undetermined"
	}
}

// RoleFor applies the identifier tie-break: the lower connection id initiates.
func RoleFor(localID, remoteID string) Role {
	switch {
	case localID == remoteID:
		return RoleUndetermined
	case localID < remoteID:
		return RoleInitiator
	default:
		return RoleResponder
	}
}

// TransportState is the health indicator reported by a Transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the peer connection a Machine drives. Description calls are
// local and return synchronously; anything that depends on the network is
// reported later through TransportEvents.
type Transport interface {
	// Session tags every description and candidate this transport produces.
	Session() string
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (protocol.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	HasRemoteDescription() bool
	AddCandidate(c protocol.Candidate) error
	Close() error
}

// TransportEvents receives a transport's asynchronous notifications. They may
// arrive on any goroutine.
type TransportEvents interface {
	LocalCandidate(c protocol.Candidate)
	StateChanged(state TransportState)
	// DescriptionsSettled fires once both local and remote descriptions are
	// applied.
	DescriptionsSettled()
	RemoteTrack(kind string)
}

// TransportFactory creates a fresh transport toward remoteID.
type TransportFactory func(remoteID string, events TransportEvents) (Transport, error)

// Signaler sends negotiation messages to a remote peer through the relay.
type Signaler interface {
	SendOffer(to string, desc protocol.SessionDescription)
	SendAnswer(to string, desc protocol.SessionDescription)
	SendCandidate(to string, c protocol.Candidate)
}

// Observer is told about everything a Machine does that its owner may react
// to. Calls happen on the owner's event loop.
type Observer interface {
	PhaseChanged(remoteID string, from, to Phase, err error)
	TransportStateChanged(remoteID string, state TransportState)
	RemoteTrack(remoteID, kind string)
}
