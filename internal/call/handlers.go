package call

import (
	"encoding/json"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signalclient"
)

func (s *Session) handle(msg *protocol.Message) {
	var err error
	switch msg.Type {
	case protocol.TypeRoomCreated:
		err = s.handleRoomCreated(msg)
	case protocol.TypeJoinPending:
		s.setState(StatePending)
	case protocol.TypeJoinApproved:
		s.log.Info("Join approved", "room_id", s.roomID)
	case protocol.TypeJoinDenied:
		s.handleJoinDenied()
	case protocol.TypeRoomJoined:
		err = s.handleRoomJoined(msg)
	case protocol.TypeJoinRequest:
		err = s.handleJoinRequest(msg)
	case protocol.TypeJoinRequestCancelled:
		err = s.handleJoinRequestCancelled(msg)
	case protocol.TypeUserJoined:
		err = s.handleUserJoined(msg)
	case protocol.TypeUserLeft:
		err = s.handleUserLeft(msg)
	case protocol.TypeParticipantsUpdated:
		err = s.handleParticipantsUpdated(msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		err = s.handleNegotiation(msg)
	case protocol.TypeChatMessage:
		err = s.handleChat(msg)
	case protocol.TypeVideoStateChanged:
		err = s.handleVideoState(msg)
	case protocol.TypeUserSpeaking:
		err = s.handleSpeaking(msg)
	case protocol.TypeCallEnded:
		s.handleCallEnded()
	case protocol.TypeError:
		err = s.handleError(msg)
	default:
		s.log.Debug("Ignoring message", "type", msg.Type)
	}
	if err != nil {
		s.log.Warn("Handling message", "type", msg.Type, "error", err)
	}
}

func (s *Session) handleRoomCreated(msg *protocol.Message) error {
	var p protocol.RoomCreated
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if s.state != StateCreating {
		return nil
	}
	s.join(p.Participant, []protocol.Participant{p.Participant}, 1)
	return nil
}

func (s *Session) handleJoinDenied() {
	if s.state != StatePending && s.state != StateRequesting {
		return
	}
	s.teardown()
	s.setState(StateDenied)
	s.setError("the host denied your request to join")
}

func (s *Session) handleRoomJoined(msg *protocol.Message) error {
	var p protocol.RoomJoined
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if s.state != StatePending && s.state != StateRequesting {
		return nil
	}
	s.join(p.Participant, p.Members, p.Version)
	s.chat = append(s.chat, p.Chat...)
	s.trimChat()
	return nil
}

func (s *Session) handleJoinRequest(msg *protocol.Message) error {
	var r protocol.JoinRequest
	if err := msg.DecodePayload(&r); err != nil {
		return err
	}
	if !s.isHost || r.RoomID != s.roomID {
		return nil
	}
	s.removeRequest(r.RequesterID)
	s.requests = append(s.requests, r)
	s.notify()
	return nil
}

func (s *Session) handleJoinRequestCancelled(msg *protocol.Message) error {
	var r protocol.JoinRequest
	if err := msg.DecodePayload(&r); err != nil {
		return err
	}
	s.removeRequest(r.RequesterID)
	s.notify()
	return nil
}

func (s *Session) handleUserJoined(msg *protocol.Message) error {
	var p protocol.UserJoined
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if s.state != StateJoined || s.member(p.Participant.ID) != nil || p.Participant.ID == s.localID {
		return nil
	}
	s.log.Info("User joined", "peer", p.Participant.ID, "name", p.Participant.DisplayName)
	s.setMembers(append(s.roster(), p.Participant))
	return nil
}

func (s *Session) handleUserLeft(msg *protocol.Message) error {
	var p protocol.UserLeft
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if s.state != StateJoined {
		return nil
	}
	s.log.Info("User left", "peer", p.ID, "name", p.DisplayName)
	roster := s.roster()
	kept := roster[:0]
	for _, m := range roster {
		if m.ID != p.ID {
			kept = append(kept, m)
		}
	}
	s.setMembers(kept)
	return nil
}

func (s *Session) handleParticipantsUpdated(msg *protocol.Message) error {
	var p protocol.ParticipantsUpdated
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if s.state != StateJoined || p.RoomID != s.roomID {
		return nil
	}
	if p.Version <= s.version {
		s.log.Debug("Ignoring stale roster", "version", p.Version, "current", s.version)
		return nil
	}
	s.version = p.Version
	s.setMembers(p.Members)
	return nil
}

func (s *Session) handleNegotiation(msg *protocol.Message) error {
	if s.state != StateJoined || s.mesh == nil {
		return nil
	}
	var r protocol.Relayed
	if err := msg.DecodePayload(&r); err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var desc protocol.SessionDescription
		if err := json.Unmarshal(r.Payload, &desc); err != nil {
			return err
		}
		if msg.Type == protocol.TypeOffer {
			return s.mesh.HandleOffer(r.From, desc)
		}
		return s.mesh.HandleAnswer(r.From, desc)
	default:
		var c protocol.Candidate
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return err
		}
		return s.mesh.HandleCandidate(r.From, c)
	}
}

func (s *Session) handleChat(msg *protocol.Message) error {
	var c protocol.ChatMessage
	if err := msg.DecodePayload(&c); err != nil {
		return err
	}
	if s.state != StateJoined {
		return nil
	}
	s.chat = append(s.chat, c)
	s.trimChat()
	s.notify()
	return nil
}

func (s *Session) trimChat() {
	if over := len(s.chat) - s.cfg.ChatLimit; over > 0 {
		s.chat = append(s.chat[:0:0], s.chat[over:]...)
	}
}

func (s *Session) handleVideoState(msg *protocol.Message) error {
	var v protocol.VideoStateChanged
	if err := msg.DecodePayload(&v); err != nil {
		return err
	}
	if m := s.member(v.SenderID); m != nil {
		m.videoOff = v.VideoOff
		s.notify()
	}
	return nil
}

func (s *Session) handleSpeaking(msg *protocol.Message) error {
	var v protocol.UserSpeaking
	if err := msg.DecodePayload(&v); err != nil {
		return err
	}
	if m := s.member(v.SenderID); m != nil {
		m.speaking = v.Speaking
		s.notify()
	}
	return nil
}

func (s *Session) handleCallEnded() {
	if s.state != StateJoined {
		return
	}
	s.log.Info("Call ended by host")
	s.teardown()
	s.setState(StateEnded)
}

func (s *Session) handleError(msg *protocol.Message) error {
	var e protocol.ErrorPayload
	if err := msg.DecodePayload(&e); err != nil {
		return err
	}
	s.log.Warn("Server error", "code", e.Code, "message", e.Message)
	// A rejected create or join leaves nothing to wait for.
	if s.state == StateCreating || s.state == StateRequesting {
		s.setState(StateIdle)
	}
	s.setError(e.Message)
	return nil
}

func (s *Session) relayStatusChanged(status signalclient.Status, attempt int, err error) {
	s.relayStatus = status
	s.notify()

	switch status {
	case signalclient.StatusConnected:
		if s.wasConnected && s.busy() {
			// The relay forgot the old connection and its room membership.
			s.teardown()
			s.setState(StateIdle)
			s.setError("connection to the server was reset; the room was left")
		}
		s.wasConnected = true
	case signalclient.StatusReconnecting:
		s.log.Warn("Relay connection lost", "attempt", attempt, "error", err)
	case signalclient.StatusDisconnected:
		if s.busy() {
			s.teardown()
			s.setState(StateIdle)
		}
		if err != nil {
			s.setError("disconnected from server: " + err.Error())
		}
	}
}

// roster rebuilds the full member list, local participant included.
func (s *Session) roster() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(s.members)+1)
	out = append(out, protocol.Participant{ID: s.localID, DisplayName: s.cfg.DisplayName, RoomID: s.roomID, IsHost: s.isHost})
	for _, m := range s.members {
		out = append(out, m.info)
	}
	return out
}
