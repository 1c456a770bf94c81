package negotiation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/protocol"
)

// DefaultLivenessTimeout bounds how long a negotiation may wait for the
// remote side before it is declared stalled.
const DefaultLivenessTimeout = 10 * time.Second

// Config holds everything a Machine needs. Dispatch must run the function on
// the goroutine that owns the machine; every Machine method is expected to be
// called from there too.
type Config struct {
	LocalID  string
	RemoteID string

	NewTransport TransportFactory
	Signaler     Signaler
	Candidates   *CandidateBuffer
	Observer     Observer

	Clock           clock.Clock
	LivenessTimeout time.Duration
	Dispatch        func(func())
	Logger          *slog.Logger
}

// Machine negotiates one peer transport toward one remote participant.
type Machine struct {
	cfg  Config
	role Role
	log  *slog.Logger

	phase     Phase
	changedAt time.Time
	closed    bool

	transport Transport
	// gen increments whenever the transport is replaced so that events from
	// a discarded transport are ignored.
	gen uint64

	remoteSession string
	retired       map[string]struct{}

	liveness    *clock.Timer
	livenessGen uint64
}

func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if cfg.Candidates == nil {
		cfg.Candidates = NewCandidateBuffer()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Machine{
		cfg:       cfg,
		role:      RoleFor(cfg.LocalID, cfg.RemoteID),
		log:       cfg.Logger.With("peer", cfg.RemoteID),
		phase:     PhaseIdle,
		changedAt: cfg.Clock.Now(),
		retired:   make(map[string]struct{}),
	}
}

func (m *Machine) Role() Role           { return m.role }
func (m *Machine) Phase() Phase         { return m.phase }
func (m *Machine) ChangedAt() time.Time { return m.changedAt }

// Initiate creates an offer and sends it to the remote peer.
func (m *Machine) Initiate() error {
	const op = "initiate"
	if m.closed {
		return NewError(op, m.cfg.RemoteID, ErrClosed)
	}
	if m.phase != PhaseIdle {
		return NewError(op, m.cfg.RemoteID, fmt.Errorf("%w: from %s", ErrInvalidTransition, m.phase))
	}

	t, err := m.ensureTransport()
	if err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}
	m.setPhase(PhaseOffering, nil)

	offer, err := t.CreateOffer()
	if err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}

	m.setPhase(PhaseAwaitingAnswer, nil)
	m.cfg.Signaler.SendOffer(m.cfg.RemoteID, offer)
	return nil
}

// HandleOffer processes an offer relayed from the remote peer.
func (m *Machine) HandleOffer(desc protocol.SessionDescription) error {
	const op = "offer"
	if m.closed {
		return NewError(op, m.cfg.RemoteID, ErrClosed)
	}

	switch m.phase {
	case PhaseAwaitingAnswer:
		if m.cfg.LocalID > m.cfg.RemoteID {
			m.log.Debug("Glare: keeping local offer", "remote_session", desc.Session)
			return nil
		}
		m.log.Debug("Glare: withdrawing local offer")
		m.closeTransport()
		m.setPhase(PhaseIdle, nil)
	case PhaseEstablished, PhaseFailed:
		m.log.Debug("Offer on settled connection, restarting", "phase", m.phase)
		m.closeTransport()
		m.setPhase(PhaseIdle, nil)
	case PhaseIdle:
	default:
		m.log.Debug("Ignoring offer", "phase", m.phase)
		return nil
	}

	return m.answer(desc)
}

func (m *Machine) answer(desc protocol.SessionDescription) error {
	const op = "answer"

	t, err := m.ensureTransport()
	if err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}
	m.setPhase(PhaseReceivingOffer, nil)

	if err := t.SetRemoteDescription(desc); err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}
	m.remoteSession = desc.Session
	m.flushCandidates()
	m.setPhase(PhaseAnswering, nil)

	ans, err := t.CreateAnswer()
	if err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}
	m.cfg.Signaler.SendAnswer(m.cfg.RemoteID, ans)
	return nil
}

// HandleAnswer processes an answer relayed from the remote peer. Answers that
// do not match an outstanding offer are discarded.
func (m *Machine) HandleAnswer(desc protocol.SessionDescription) error {
	const op = "answer"
	if m.closed {
		return NewError(op, m.cfg.RemoteID, ErrClosed)
	}
	if m.phase != PhaseAwaitingAnswer {
		m.log.Debug("Discarding answer", "phase", m.phase)
		return nil
	}
	if m.transport == nil {
		m.fail(op, ErrNoTransport)
		return NewError(op, m.cfg.RemoteID, ErrNoTransport)
	}

	if err := m.transport.SetRemoteDescription(desc); err != nil {
		m.fail(op, err)
		return NewError(op, m.cfg.RemoteID, err)
	}
	m.remoteSession = desc.Session
	m.flushCandidates()
	m.setPhase(PhaseEstablished, nil)
	return nil
}

// HandleCandidate applies a relayed candidate or buffers it until the remote
// description it belongs to arrives.
func (m *Machine) HandleCandidate(c protocol.Candidate) error {
	if m.closed {
		return NewError("candidate", m.cfg.RemoteID, ErrClosed)
	}
	if _, stale := m.retired[c.Session]; stale && c.Session != "" {
		m.log.Debug("Dropping candidate from replaced transport", "session", c.Session)
		return nil
	}
	_, err := m.cfg.Candidates.Enqueue(m.cfg.RemoteID, c, m)
	return err
}

// CandidateReady implements CandidateSink.
func (m *Machine) CandidateReady(c protocol.Candidate) bool {
	if m.closed || m.transport == nil || !m.transport.HasRemoteDescription() {
		return false
	}
	return c.Session == "" || c.Session == m.remoteSession
}

// ApplyCandidate implements CandidateSink. Candidates tagged for another
// remote session are dropped.
func (m *Machine) ApplyCandidate(c protocol.Candidate) error {
	if m.transport == nil {
		return NewError("candidate", m.cfg.RemoteID, ErrNoTransport)
	}
	if c.Session != "" && c.Session != m.remoteSession {
		m.log.Debug("Dropping candidate for other session", "session", c.Session, "current", m.remoteSession)
		return nil
	}
	if err := m.transport.AddCandidate(c); err != nil {
		return NewError("candidate", m.cfg.RemoteID, err)
	}
	return nil
}

// Reset tears down an established or failed connection and returns to IDLE.
func (m *Machine) Reset() error {
	if m.closed {
		return NewError("reset", m.cfg.RemoteID, ErrClosed)
	}
	if m.phase != PhaseEstablished && m.phase != PhaseFailed {
		return NewError("reset", m.cfg.RemoteID, fmt.Errorf("%w: from %s", ErrInvalidTransition, m.phase))
	}
	m.closeTransport()
	m.setPhase(PhaseIdle, nil)
	return nil
}

// Close releases the transport, timers and buffered candidates. The machine
// is unusable afterwards.
func (m *Machine) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.stopLiveness()
	m.closeTransport()
	m.cfg.Candidates.Discard(m.cfg.RemoteID)
}

func (m *Machine) ensureTransport() (Transport, error) {
	if m.transport != nil {
		return m.transport, nil
	}
	if m.cfg.NewTransport == nil {
		return nil, ErrNoTransport
	}
	m.gen++
	t, err := m.cfg.NewTransport(m.cfg.RemoteID, &transportEvents{m: m, gen: m.gen})
	if err != nil {
		return nil, err
	}
	m.transport = t
	return t, nil
}

func (m *Machine) closeTransport() {
	if m.transport == nil {
		return
	}
	if m.remoteSession != "" {
		m.retired[m.remoteSession] = struct{}{}
	}
	if err := m.transport.Close(); err != nil {
		m.log.Debug("Closing transport", "error", err)
	}
	m.transport = nil
	m.remoteSession = ""
	m.gen++
}

func (m *Machine) flushCandidates() {
	n, err := m.cfg.Candidates.Flush(m.cfg.RemoteID, m)
	if err != nil {
		m.log.Warn("Applying buffered candidates", "error", err)
	}
	if n > 0 {
		m.log.Debug("Flushed buffered candidates", "count", n)
	}
}

func (m *Machine) fail(op string, err error) {
	if m.phase == PhaseFailed {
		return
	}
	m.closeTransport()
	m.cfg.Candidates.Discard(m.cfg.RemoteID)
	m.setPhase(PhaseFailed, NewError(op, m.cfg.RemoteID, err))
}

func (m *Machine) setPhase(to Phase, err error) {
	from := m.phase
	m.phase = to
	m.changedAt = m.cfg.Clock.Now()

	switch to {
	case PhaseAwaitingAnswer, PhaseReceivingOffer:
		m.startLiveness()
	case PhaseIdle, PhaseEstablished, PhaseFailed:
		m.stopLiveness()
	}

	if err != nil {
		m.log.Warn("Negotiation failed", "from", from, "error", err)
	} else {
		m.log.Debug("Phase", "from", from, "to", to)
	}
	if m.cfg.Observer != nil && from != to {
		m.cfg.Observer.PhaseChanged(m.cfg.RemoteID, from, to, err)
	}
}

func (m *Machine) startLiveness() {
	m.stopLiveness()
	gen := m.livenessGen
	m.liveness = m.cfg.Clock.AfterFunc(m.cfg.LivenessTimeout, func() {
		m.cfg.Dispatch(func() {
			if m.closed || gen != m.livenessGen {
				return
			}
			switch m.phase {
			case PhaseAwaitingAnswer, PhaseReceivingOffer, PhaseAnswering:
				m.fail("liveness", ErrStalled)
			}
		})
	})
}

func (m *Machine) stopLiveness() {
	m.livenessGen++
	m.liveness.Stop()
	m.liveness = nil
}

// transportEvents forwards transport notifications to the owner's event
// loop, dropping them once the transport they came from has been replaced.
type transportEvents struct {
	m   *Machine
	gen uint64
}

func (e *transportEvents) post(f func()) {
	e.m.cfg.Dispatch(func() {
		if e.m.closed || e.m.gen != e.gen {
			return
		}
		f()
	})
}

func (e *transportEvents) LocalCandidate(c protocol.Candidate) {
	e.post(func() {
		e.m.cfg.Signaler.SendCandidate(e.m.cfg.RemoteID, c)
	})
}

func (e *transportEvents) StateChanged(state TransportState) {
	e.post(func() {
		m := e.m
		if m.cfg.Observer != nil {
			m.cfg.Observer.TransportStateChanged(m.cfg.RemoteID, state)
		}
		switch state {
		case TransportFailed:
			m.fail("transport", ErrTransportFailed)
		case TransportDisconnected:
			m.log.Info("Transport disconnected, waiting for recovery")
		}
	})
}

func (e *transportEvents) DescriptionsSettled() {
	e.post(func() {
		if e.m.phase == PhaseAnswering {
			e.m.setPhase(PhaseEstablished, nil)
		}
	})
}

func (e *transportEvents) RemoteTrack(kind string) {
	e.post(func() {
		if e.m.cfg.Observer != nil {
			e.m.cfg.Observer.RemoteTrack(e.m.cfg.RemoteID, kind)
		}
	})
}
