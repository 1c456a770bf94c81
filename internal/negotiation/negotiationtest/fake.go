// Package negotiationtest provides in-memory transports for exercising
// negotiation machines without pion.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

var ErrNoRemote = errors.New("no remote description")

// Transport is a negotiation.Transport that records every call. Settling the
// descriptions after CreateAnswer is reported through the events, the same
// way pion reports its signaling state.
type Transport struct {
	mu sync.Mutex

	RemoteID   string
	session    string
	Events     negotiation.TransportEvents
	Local      *protocol.SessionDescription
	Remote     *protocol.SessionDescription
	Candidates []protocol.Candidate
	RemoteSets int
	Closed     bool

	// FailOffer, when set, is returned from CreateOffer.
	FailOffer error
}

func (t *Transport) Session() string { return t.session }

func (t *Transport) CreateOffer() (protocol.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailOffer != nil {
		return protocol.SessionDescription{}, t.FailOffer
	}
	desc := protocol.SessionDescription{Type: "offer", SDP: "offer from " + t.session, Session: t.session}
	t.Local = &desc
	return desc, nil
}

func (t *Transport) CreateAnswer() (protocol.SessionDescription, error) {
	t.mu.Lock()
	if t.Remote == nil {
		t.mu.Unlock()
		return protocol.SessionDescription{}, ErrNoRemote
	}
	desc := protocol.SessionDescription{Type: "answer", SDP: "answer from " + t.session, Session: t.session}
	t.Local = &desc
	t.mu.Unlock()

	t.Events.DescriptionsSettled()
	return desc, nil
}

func (t *Transport) SetRemoteDescription(desc protocol.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Remote = &desc
	t.RemoteSets++
	return nil
}

func (t *Transport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Remote != nil
}

func (t *Transport) AddCandidate(c protocol.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Remote == nil {
		return ErrNoRemote
	}
	t.Candidates = append(t.Candidates, c)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// AppliedCandidates returns the candidate strings added so far.
func (t *Transport) AppliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Candidates))
	for i, c := range t.Candidates {
		out[i] = c.Candidate
	}
	return out
}

// Factory creates Transports and remembers them by remote id in creation
// order. Sessions are named "<owner>-<n>".
type Factory struct {
	mu    sync.Mutex
	Owner string
	Fail  error
	made  map[string][]*Transport
	count int
}

func NewFactory(owner string) *Factory {
	return &Factory{Owner: owner, made: make(map[string][]*Transport)}
}

func (f *Factory) New(remoteID string, events negotiation.TransportEvents) (negotiation.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	f.count++
	t := &Transport{RemoteID: remoteID, session: fmt.Sprintf("%s-%d", f.Owner, f.count), Events: events}
	f.made[remoteID] = append(f.made[remoteID], t)
	return t, nil
}

// All returns every transport created toward remoteID.
func (f *Factory) All(remoteID string) []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.made[remoteID]...)
}

// Last returns the most recent transport toward remoteID, or nil.
func (f *Factory) Last(remoteID string) *Transport {
	all := f.All(remoteID)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// Sent is one message handed to a Signaler.
type Sent struct {
	Kind      string
	To        string
	Desc      protocol.SessionDescription
	Candidate protocol.Candidate
}

// Signaler records outgoing negotiation messages.
type Signaler struct {
	mu   sync.Mutex
	sent []Sent
}

func (s *Signaler) SendOffer(to string, desc protocol.SessionDescription) {
	s.record(Sent{Kind: protocol.TypeOffer, To: to, Desc: desc})
}

func (s *Signaler) SendAnswer(to string, desc protocol.SessionDescription) {
	s.record(Sent{Kind: protocol.TypeAnswer, To: to, Desc: desc})
}

func (s *Signaler) SendCandidate(to string, c protocol.Candidate) {
	s.record(Sent{Kind: protocol.TypeCandidate, To: to, Candidate: c})
}

func (s *Signaler) record(m Sent) {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
}

// Take returns and clears everything recorded so far.
func (s *Signaler) Take() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

// Kinds returns the kinds of the recorded messages without clearing them.
func (s *Signaler) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.sent))
	for i, m := range s.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

// Loop is a single-goroutine dispatch queue for tests.
type Loop struct {
	mu    sync.Mutex
	queue []func()
}

func (l *Loop) Dispatch(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
}

// Drain runs queued functions, including ones they queue, until none remain.
func (l *Loop) Drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		f := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		f()
	}
}
