// Package mesh keeps one negotiation machine per remote room member and
// recovers failed ones.
package mesh

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

const (
	DefaultInitiateJitter   = 200 * time.Millisecond
	DefaultMaxResetAttempts = 5
)

// DefaultRetry is the per-peer reset schedule.
var DefaultRetry = backoff.Policy{Base: time.Second, Max: 8 * time.Second, MaxAttempts: DefaultMaxResetAttempts}

// Status is the user-facing connection state of one remote peer.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusLost:
		return "connection lost"
	default:
		return "unknown"
	}
}

// Observer is told about peers coming and going. Calls happen on the
// manager's event loop.
type Observer interface {
	PeerAdded(remoteID string)
	PeerStatus(remoteID string, status Status)
	PeerRemoved(remoteID string)
	RemoteTrack(remoteID, kind string)
}

type Config struct {
	LocalID      string
	NewTransport negotiation.TransportFactory
	Signaler     negotiation.Signaler
	Observer     Observer

	Clock           clock.Clock
	Dispatch        func(func())
	LivenessTimeout time.Duration
	// InitiateJitter is the upper bound of the random delay before an
	// initiator sends its first offer.
	InitiateJitter time.Duration
	Retry          backoff.Policy
	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
	Logger *slog.Logger
}

// PeerInfo is a snapshot of one remote peer for display.
type PeerInfo struct {
	ID        string
	Role      negotiation.Role
	Phase     negotiation.Phase
	Status    Status
	Transport negotiation.TransportState
	Attempts  int
	Since     time.Time
}

type peer struct {
	id        string
	machine   *negotiation.Machine
	retry     *backoff.Retry
	status    Status
	transport negotiation.TransportState
	removed   bool

	timer    *clock.Timer
	timerGen uint64
}

// Manager owns the negotiation machines of one joined session. All methods
// must be called from the goroutine that runs Config.Dispatch callbacks.
type Manager struct {
	cfg        Config
	log        *slog.Logger
	candidates *negotiation.CandidateBuffer
	peers      map[string]*peer
	closed     bool
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = DefaultRetry
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Int64N
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		log:        cfg.Logger.With("local", cfg.LocalID),
		candidates: negotiation.NewCandidateBuffer(),
		peers:      make(map[string]*peer),
	}
}

// UpdateRoster reconciles the peer set with a membership snapshot. The local
// id may be included; it is skipped.
func (m *Manager) UpdateRoster(ids []string) (added, removed []string) {
	if m.closed {
		return nil, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" && id != m.cfg.LocalID {
			want[id] = struct{}{}
		}
	}

	for id := range m.peers {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	for id := range want {
		if _, ok := m.peers[id]; !ok {
			added = append(added, id)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)

	for _, id := range removed {
		m.Remove(id)
	}
	for _, id := range added {
		m.add(id)
	}
	return added, removed
}

// Remove tears down everything held for a departed peer.
func (m *Manager) Remove(id string) {
	p, ok := m.peers[id]
	if !ok {
		m.candidates.Discard(id)
		return
	}
	p.removed = true
	p.timerGen++
	p.timer.Stop()
	p.machine.Close()
	m.candidates.Discard(id)
	delete(m.peers, id)

	m.log.Info("Peer removed", "peer", id)
	if m.cfg.Observer != nil {
		m.cfg.Observer.PeerRemoved(id)
	}
}

func (m *Manager) add(id string) *peer {
	p := &peer{
		id:     id,
		retry:  backoff.New(m.cfg.Retry),
		status: StatusConnecting,
	}
	p.machine = negotiation.NewMachine(negotiation.Config{
		LocalID:         m.cfg.LocalID,
		RemoteID:        id,
		NewTransport:    m.cfg.NewTransport,
		Signaler:        m.cfg.Signaler,
		Candidates:      m.candidates,
		Observer:        machineEvents{m},
		Clock:           m.cfg.Clock,
		LivenessTimeout: m.cfg.LivenessTimeout,
		Dispatch:        m.cfg.Dispatch,
		Logger:          m.cfg.Logger,
	})
	m.peers[id] = p

	m.log.Info("Peer added", "peer", id, "role", p.machine.Role())
	if m.cfg.Observer != nil {
		m.cfg.Observer.PeerAdded(id)
	}

	if p.machine.Role() == negotiation.RoleInitiator {
		var delay time.Duration
		if m.cfg.InitiateJitter > 0 {
			delay = time.Duration(m.cfg.Jitter(int64(m.cfg.InitiateJitter) + 1))
		}
		m.schedule(p, delay, func() {
			if p.machine.Phase() != negotiation.PhaseIdle {
				return
			}
			if err := p.machine.Initiate(); err != nil {
				m.log.Warn("Initiating negotiation", "peer", p.id, "error", err)
			}
		})
	}
	return p
}

// HandleOffer routes a relayed offer. An offer from a peer not yet in the
// roster adds it, since the offer proves it is a room member.
func (m *Manager) HandleOffer(from string, desc protocol.SessionDescription) error {
	if m.closed || from == m.cfg.LocalID {
		return nil
	}
	p, ok := m.peers[from]
	if !ok {
		p = m.add(from)
	}
	if p.status == StatusLost {
		p.retry.Reset()
	}
	return p.machine.HandleOffer(desc)
}

// HandleAnswer routes a relayed answer. Answers from unknown peers are
// dropped.
func (m *Manager) HandleAnswer(from string, desc protocol.SessionDescription) error {
	p, ok := m.peers[from]
	if m.closed || !ok {
		m.log.Debug("Dropping answer from unknown peer", "peer", from)
		return nil
	}
	return p.machine.HandleAnswer(desc)
}

// HandleCandidate routes a relayed candidate. Candidates from peers not yet
// known are held until the peer appears.
func (m *Manager) HandleCandidate(from string, c protocol.Candidate) error {
	if m.closed {
		return nil
	}
	p, ok := m.peers[from]
	if !ok {
		_, err := m.candidates.Enqueue(from, c, nil)
		return err
	}
	return p.machine.HandleCandidate(c)
}

// Peers returns a snapshot of every peer, ordered by id.
func (m *Manager) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerInfo{
			ID:        p.id,
			Role:      p.machine.Role(),
			Phase:     p.machine.Phase(),
			Status:    p.status,
			Transport: p.transport,
			Attempts:  p.retry.Attempts(),
			Since:     p.machine.ChangedAt(),
		})
	}
	slices.SortFunc(out, func(a, b PeerInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of remote peers.
func (m *Manager) Len() int { return len(m.peers) }

// Close tears down every peer. The manager ignores all input afterwards.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		m.Remove(id)
	}
	for _, id := range m.candidates.Remotes() {
		m.candidates.Discard(id)
	}
	m.closed = true
}

func (m *Manager) schedule(p *peer, d time.Duration, f func()) {
	p.timerGen++
	gen := p.timerGen
	p.timer.Stop()
	p.timer = m.cfg.Clock.AfterFunc(d, func() {
		m.cfg.Dispatch(func() {
			if m.closed || p.removed || gen != p.timerGen {
				return
			}
			f()
		})
	})
}

func (m *Manager) setStatus(p *peer, s Status) {
	if p.status == s {
		return
	}
	p.status = s
	if m.cfg.Observer != nil {
		m.cfg.Observer.PeerStatus(p.id, s)
	}
}

func (m *Manager) phaseChanged(p *peer, to negotiation.Phase, err error) {
	switch to {
	case negotiation.PhaseEstablished:
		m.setStatus(p, StatusConnected)
	case negotiation.PhaseFailed:
		m.scheduleReset(p, err)
	case negotiation.PhaseOffering, negotiation.PhaseReceivingOffer:
		if p.retry.Attempts() == 0 {
			m.setStatus(p, StatusConnecting)
		} else {
			m.setStatus(p, StatusReconnecting)
		}
	}
}

func (m *Manager) scheduleReset(p *peer, cause error) {
	delay, ok := p.retry.Next()
	if !ok {
		m.log.Warn("Giving up on peer", "peer", p.id, "attempts", p.retry.Attempts(), "error", cause)
		m.setStatus(p, StatusLost)
		return
	}

	m.log.Info("Resetting peer", "peer", p.id, "attempt", p.retry.Attempts(), "delay", delay, "error", cause)
	m.setStatus(p, StatusReconnecting)
	m.schedule(p, delay, func() {
		// A remote offer may already have revived the machine.
		if p.machine.Phase() != negotiation.PhaseFailed {
			return
		}
		if err := p.machine.Reset(); err != nil {
			m.log.Warn("Resetting negotiation", "peer", p.id, "error", err)
			return
		}
		if p.machine.Role() != negotiation.RoleInitiator {
			return
		}
		if err := p.machine.Initiate(); err != nil {
			m.log.Warn("Initiating negotiation", "peer", p.id, "error", err)
		}
	})
}

// machineEvents adapts Manager to negotiation.Observer.
type machineEvents struct{ m *Manager }

func (e machineEvents) PhaseChanged(remoteID string, _, to negotiation.Phase, err error) {
	if p, ok := e.m.peers[remoteID]; ok {
		e.m.phaseChanged(p, to, err)
	}
}

func (e machineEvents) TransportStateChanged(remoteID string, state negotiation.TransportState) {
	p, ok := e.m.peers[remoteID]
	if !ok {
		return
	}
	p.transport = state
	// An applied answer is not proof of a working path; only a connected
	// transport ends the retry sequence.
	if state == negotiation.TransportConnected {
		p.retry.Reset()
	}
}

func (e machineEvents) RemoteTrack(remoteID, kind string) {
	if e.m.cfg.Observer != nil {
		e.m.cfg.Observer.RemoteTrack(remoteID, kind)
	}
}
