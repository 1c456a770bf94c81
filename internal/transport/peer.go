// Package transport implements negotiation.Transport on pion/webrtc.
package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/netutil"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// NewPeerConnection creates a pion peer connection using the configured ICE
// servers. Relay-only policy is used when TURN is configured and either the
// user asked for it or the network looks like a VPN or CGNAT.
func NewPeerConnection(cfg *config.Config) (*pion.PeerConnection, error) {
	policy := pion.ICETransportPolicyAll
	if cfg.GetTURNServers() != nil && (cfg.ForceRelay || netutil.ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers:         cfg.ICEServers(),
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// Peer is one pion peer connection toward one remote participant.
type Peer struct {
	pc      *pion.PeerConnection
	session string
	events  negotiation.TransportEvents
	log     *slog.Logger

	closeOnce sync.Once
}

// NewFactory returns a TransportFactory creating Peers that send media's
// local tracks. media may be nil for a receive-only session.
func NewFactory(cfg *config.Config, media *Media, logger *slog.Logger) negotiation.TransportFactory {
	return func(remoteID string, events negotiation.TransportEvents) (negotiation.Transport, error) {
		return New(cfg, media, events, logger.With("peer", remoteID))
	}
}

func New(cfg *config.Config, media *Media, events negotiation.TransportEvents, logger *slog.Logger) (*Peer, error) {
	pc, err := NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		pc:      pc,
		session: uuid.NewString(),
		events:  events,
		log:     logger,
	}

	if err := p.addMedia(media); err != nil {
		_ = pc.Close()
		return nil, err
	}
	p.setupHandlers()
	return p, nil
}

// addMedia attaches local tracks and adds receive-only transceivers for any
// kind there is nothing to send for, so remote media still arrives.
func (p *Peer) addMedia(media *Media) error {
	sendsAudio, sendsVideo := false, false
	for _, track := range media.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		switch track.Kind() {
		case pion.RTPCodecTypeAudio:
			sendsAudio = true
		case pion.RTPCodecTypeVideo:
			sendsVideo = true
		}
		go drainRTCP(sender)
	}

	recvOnly := pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionRecvonly}
	if !sendsAudio {
		if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, recvOnly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if !sendsVideo {
		if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, recvOnly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (p *Peer) setupHandlers() {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.events.LocalCandidate(protocol.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
			Session:          p.session,
		})
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug("Peer connection state", "state", state)
		p.events.StateChanged(mapState(state))
	})

	p.pc.OnSignalingStateChange(func(state pion.SignalingState) {
		if state == pion.SignalingStateStable && p.pc.LocalDescription() != nil && p.pc.RemoteDescription() != nil {
			p.events.DescriptionsSettled()
		}
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.log.Info("Remote track", "kind", track.Kind(), "codec", track.Codec().MimeType)
		p.events.RemoteTrack(track.Kind().String())
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})
}

func (p *Peer) Session() string { return p.session }

func (p *Peer) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return p.local(), nil
}

func (p *Peer) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return p.local(), nil
}

func (p *Peer) local() protocol.SessionDescription {
	desc := p.pc.LocalDescription()
	return protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP, Session: p.session}
}

func (p *Peer) SetRemoteDescription(desc protocol.SessionDescription) error {
	sdpType := pion.NewSDPType(desc.Type)
	if sdpType != pion.SDPTypeOffer && sdpType != pion.SDPTypeAnswer {
		return fmt.Errorf("set remote description: unexpected type %q", desc.Type)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *Peer) AddCandidate(c protocol.Candidate) error {
	err := p.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

func mapState(s pion.PeerConnectionState) negotiation.TransportState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return negotiation.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return negotiation.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return negotiation.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return negotiation.TransportFailed
	case pion.PeerConnectionStateClosed:
		return negotiation.TransportClosed
	default:
		return negotiation.TransportNew
	}
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
