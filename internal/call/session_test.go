package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/mesh"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/negotiation/negotiationtest"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signalclient"
)

type fakeRelay struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error
}

func (r *fakeRelay) Send(msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) take() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// takeType returns the sent messages of type typ, dropping the rest.
func (r *fakeRelay) takeType(typ string) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range r.take() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	s       *Session
	relay   *fakeRelay
	factory *negotiationtest.Factory
	clk     *clock.FakeClock
	stop    context.CancelFunc
	done    chan error
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		relay:   &fakeRelay{},
		factory: negotiationtest.NewFactory("local"),
		clk:     clock.Fake(time.Unix(0, 0)),
		done:    make(chan error, 1),
	}
	cfg := Config{
		DisplayName:     "Me",
		NewTransport:    f.factory.New,
		LivenessTimeout: 5 * time.Second,
		PeerRetry:       backoff.Policy{Base: time.Second, Max: 4 * time.Second, MaxAttempts: 2},
		Clock:           f.clk,
		Logger:          logging.Discard(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.s = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.stop = cancel
	go func() { f.done <- f.s.Run(ctx, f.relay) }()
	t.Cleanup(cancel)
	return f
}

func (f *fixture) deliver(typ string, payload any) {
	f.s.HandleMessage(protocol.MustMessage(typ, payload))
}

func (f *fixture) relayFrom(typ, from string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.deliver(typ, protocol.Relayed{From: from, Payload: raw})
}

// settle lets events queued by other events run before taking a snapshot.
func (f *fixture) settle() Snapshot {
	var snap Snapshot
	for i := 0; i < 3; i++ {
		snap = f.s.Snapshot()
	}
	return snap
}

func (f *fixture) advance(d time.Duration) Snapshot {
	f.clk.Advance(d)
	return f.settle()
}

func participant(id string, host bool) protocol.Participant {
	return protocol.Participant{ID: id, DisplayName: "User " + id, RoomID: "AB12CD", IsHost: host}
}

// joinAs puts the session in room AB12CD as local, with the given roster.
func (f *fixture) joinAs(t *testing.T, local string, roster ...protocol.Participant) {
	t.Helper()
	require.NoError(t, f.s.JoinRoom("AB12CD"))
	f.deliver(protocol.TypeJoinPending, protocol.RoomRef{RoomID: "AB12CD"})
	self := participant(local, false)
	f.deliver(protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:      "AB12CD",
		Members:     append(roster, self),
		Participant: self,
		Version:     uint64(len(roster) + 1),
	})
	require.Equal(t, StateJoined, f.settle().State)
	f.relay.take()
}

func decode[T any](t *testing.T, msg *protocol.Message) T {
	t.Helper()
	var v T
	require.NoError(t, msg.DecodePayload(&v))
	return v
}

func memberIDs(snap Snapshot) []string {
	var ids []string
	for _, m := range snap.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestCallMadeBeforeRunUsesRelay(t *testing.T) {
	relay := &fakeRelay{}
	s := New(Config{
		DisplayName:  "Me",
		NewTransport: negotiationtest.NewFactory("local").New,
		Clock:        clock.Fake(time.Unix(0, 0)),
		Logger:       logging.Discard(),
	})

	errc := make(chan error, 1)
	go func() { errc <- s.CreateRoom() }()
	require.Eventually(t, func() bool {
		s.qmu.Lock()
		defer s.qmu.Unlock()
		return len(s.queue) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, relay) }()

	require.NoError(t, <-errc)
	sent := relay.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeCreateRoom, sent[0].Type)
}

func TestCreateRoomBecomesHost(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.s.CreateRoom())
	sent := f.relay.take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CreateRoomRequest{DisplayName: "Me"}, decode[protocol.CreateRoomRequest](t, sent[0]))
	assert.Equal(t, StateCreating, f.s.Snapshot().State)
	assert.ErrorIs(t, f.s.CreateRoom(), ErrBusy)

	f.deliver(protocol.TypeRoomCreated, protocol.RoomCreated{RoomID: "AB12CD", Participant: participant("a", true)})
	snap := f.settle()
	assert.Equal(t, StateJoined, snap.State)
	assert.True(t, snap.IsHost)
	assert.Equal(t, "a", snap.LocalID)
	assert.Equal(t, "AB12CD", snap.RoomID)
	assert.Empty(t, snap.Members)

	req := protocol.JoinRequest{RoomID: "AB12CD", RequesterID: "z", DisplayName: "Zed"}
	f.deliver(protocol.TypeJoinRequest, req)
	f.deliver(protocol.TypeJoinRequest, req)
	f.deliver(protocol.TypeJoinRequest, protocol.JoinRequest{RoomID: "AB12CD", RequesterID: "y", DisplayName: "Why"})
	assert.Len(t, f.settle().Requests, 2)

	f.deliver(protocol.TypeJoinRequestCancelled, protocol.JoinRequest{RoomID: "AB12CD", RequesterID: "y"})
	assert.Equal(t, []protocol.JoinRequest{req}, f.settle().Requests)

	require.NoError(t, f.s.Approve("z"))
	approvals := f.relay.takeType(protocol.TypeApproveJoin)
	require.Len(t, approvals, 1)
	assert.Equal(t, protocol.JoinDecision{RoomID: "AB12CD", RequesterID: "z"}, decode[protocol.JoinDecision](t, approvals[0]))
	assert.Empty(t, f.settle().Requests)
}

func TestResponderAnswersOffer(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.s.JoinRoom(" ab12cd "))
	joins := f.relay.take()
	require.Len(t, joins, 1)
	assert.Equal(t, "AB12CD", decode[protocol.JoinRoomRequest](t, joins[0]).RoomID)
	assert.Equal(t, StateRequesting, f.s.Snapshot().State)

	f.deliver(protocol.TypeJoinPending, protocol.RoomRef{RoomID: "AB12CD"})
	assert.Equal(t, StatePending, f.settle().State)

	self := participant("m", false)
	f.deliver(protocol.TypeRoomJoined, protocol.RoomJoined{
		RoomID:      "AB12CD",
		Members:     []protocol.Participant{participant("a", true), self},
		Participant: self,
		Chat:        []protocol.ChatMessage{{RoomID: "AB12CD", SenderID: "a", Text: "welcome"}},
		Version:     2,
	})
	snap := f.advance(0)
	assert.Equal(t, StateJoined, snap.State)
	assert.Equal(t, []string{"a"}, memberIDs(snap))
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, negotiation.RoleResponder, snap.Members[0].Role)
	assert.Empty(t, f.relay.takeType(protocol.TypeOffer))

	f.relayFrom(protocol.TypeOffer, "a", protocol.SessionDescription{Type: "offer", SDP: "sdp", Session: "a-1"})
	snap = f.settle()
	answers := f.relay.takeType(protocol.TypeAnswer)
	require.Len(t, answers, 1)
	req := decode[protocol.RelayRequest](t, answers[0])
	assert.Equal(t, "a", req.To)
	assert.Equal(t, "AB12CD", req.RoomID)
	var desc protocol.SessionDescription
	require.NoError(t, json.Unmarshal(req.Payload, &desc))
	assert.Equal(t, "answer", desc.Type)
	assert.Equal(t, f.factory.Last("a").Session(), desc.Session)

	assert.Equal(t, negotiation.PhaseEstablished, snap.Members[0].Phase)
	assert.Equal(t, mesh.StatusConnected, snap.Members[0].Status)

	f.relayFrom(protocol.TypeCandidate, "a", protocol.Candidate{Candidate: "c1", Session: "a-1"})
	f.settle()
	assert.Equal(t, []string{"c1"}, f.factory.Last("a").AppliedCandidates())
}

func TestInitiatesTowardHigherIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "a", participant("c", true))

	f.advance(0)
	offers := f.relay.takeType(protocol.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "c", decode[protocol.RelayRequest](t, offers[0]).To)

	f.relayFrom(protocol.TypeAnswer, "c", protocol.SessionDescription{Type: "answer", SDP: "sdp", Session: "c-1"})
	snap := f.settle()
	require.Len(t, snap.Members, 1)
	assert.Equal(t, negotiation.RoleInitiator, snap.Members[0].Role)
	assert.Equal(t, negotiation.PhaseEstablished, snap.Members[0].Phase)
	assert.Equal(t, mesh.StatusConnected, snap.Members[0].Status)
}

func TestStaleRosterIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "m", participant("a", true), participant("b", false))

	f.deliver(protocol.TypeParticipantsUpdated, protocol.ParticipantsUpdated{
		RoomID: "AB12CD", Members: []protocol.Participant{participant("m", false)}, Version: 2,
	})
	assert.Equal(t, []string{"a", "b"}, memberIDs(f.settle()))

	f.deliver(protocol.TypeParticipantsUpdated, protocol.ParticipantsUpdated{
		RoomID: "AB12CD", Members: []protocol.Participant{participant("a", true), participant("m", false), participant("z", false)}, Version: 4,
	})
	snap := f.settle()
	assert.Equal(t, []string{"a", "z"}, memberIDs(snap))
	assert.Equal(t, uint64(4), snap.Version)
}

func TestDepartedMemberIsTornDown(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "a", participant("b", true))
	f.advance(0)
	tr := f.factory.Last("b")
	require.NotNil(t, tr)

	f.deliver(protocol.TypeVideoStateChanged, protocol.VideoStateChanged{SenderID: "b", VideoOff: true})
	f.deliver(protocol.TypeUserSpeaking, protocol.UserSpeaking{SenderID: "b", Speaking: true})
	snap := f.settle()
	assert.True(t, snap.Members[0].VideoOff)
	assert.True(t, snap.Members[0].Speaking)

	f.deliver(protocol.TypeUserLeft, protocol.UserLeft{ID: "b", DisplayName: "User b", IsHost: true})
	snap = f.settle()
	assert.Empty(t, snap.Members)
	assert.True(t, tr.Closed)
	assert.Zero(t, f.clk.Pending())
}

func TestUserJoinedAddsPeer(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "m", participant("a", true))

	f.deliver(protocol.TypeUserJoined, protocol.UserJoined{Participant: participant("z", false)})
	f.advance(0)
	offers := f.relay.takeType(protocol.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "z", decode[protocol.RelayRequest](t, offers[0]).To)
}

func TestCallEndedTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "a", participant("b", true))
	f.advance(0)

	f.deliver(protocol.TypeCallEnded, protocol.RoomRef{RoomID: "AB12CD"})
	snap := f.settle()
	assert.Equal(t, StateEnded, snap.State)
	assert.Empty(t, snap.Members)
	assert.True(t, f.factory.Last("b").Closed)
	assert.ErrorIs(t, f.s.SendChat("anyone?"), ErrNotJoined)

	// A new call can start from here.
	require.NoError(t, f.s.CreateRoom())
}

func TestRelayResetLeavesRoom(t *testing.T) {
	f := newFixture(t, nil)
	f.s.HandleStatus(signalclient.StatusConnected, 0, nil)
	f.joinAs(t, "a", participant("b", true))
	f.advance(0)

	f.s.HandleStatus(signalclient.StatusReconnecting, 1, errors.New("read: EOF"))
	assert.Equal(t, StateJoined, f.settle().State)

	f.s.HandleStatus(signalclient.StatusConnected, 0, nil)
	snap := f.settle()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, signalclient.StatusConnected, snap.Relay)
	assert.Contains(t, snap.LastError, "reset")
	assert.True(t, f.factory.Last("b").Closed)
}

func TestJoinRejected(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.s.JoinRoom("NOPE00"))
	f.deliver(protocol.TypeError, protocol.ErrorPayload{Message: "room not found", Code: "room_not_found"})
	snap := f.settle()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "room not found", snap.LastError)

	require.NoError(t, f.s.JoinRoom("AB12CD"))
	f.deliver(protocol.TypeJoinPending, protocol.RoomRef{RoomID: "AB12CD"})
	f.deliver(protocol.TypeJoinDenied, protocol.RoomRef{RoomID: "AB12CD"})
	snap = f.settle()
	assert.Equal(t, StateDenied, snap.State)
	assert.NotEmpty(t, snap.LastError)
}

func TestVideoOffAnnouncedOnJoin(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.VideoOff = true })

	require.NoError(t, f.s.CreateRoom())
	f.deliver(protocol.TypeRoomCreated, protocol.RoomCreated{RoomID: "AB12CD", Participant: participant("a", true)})
	f.settle()

	states := f.relay.takeType(protocol.TypeVideoStateChange)
	require.Len(t, states, 1)
	assert.Equal(t, protocol.VideoStateRequest{RoomID: "AB12CD", VideoOff: true}, decode[protocol.VideoStateRequest](t, states[0]))

	require.NoError(t, f.s.SetVideoOff(false))
	states = f.relay.takeType(protocol.TypeVideoStateChange)
	require.Len(t, states, 1)
	assert.False(t, decode[protocol.VideoStateRequest](t, states[0]).VideoOff)
	assert.False(t, f.s.Snapshot().VideoOff)
}

func TestHostOnlyOperations(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.s.Approve("x"), ErrNotJoined)
	assert.ErrorIs(t, f.s.Leave(), ErrNotJoined)

	f.joinAs(t, "m", participant("a", true))
	assert.ErrorIs(t, f.s.Approve("x"), ErrNotHost)
	assert.ErrorIs(t, f.s.Deny("x"), ErrNotHost)
	assert.ErrorIs(t, f.s.EndCall(), ErrNotHost)
	assert.Empty(t, f.relay.take())

	require.NoError(t, f.s.Leave())
	leaves := f.relay.takeType(protocol.TypeLeaveRoom)
	require.Len(t, leaves, 1)
	assert.Equal(t, StateIdle, f.s.Snapshot().State)
}

func TestChat(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ChatLimit = 2 })
	f.joinAs(t, "m", participant("a", true))

	assert.ErrorIs(t, f.s.SendChat("   "), ErrEmptyChat)
	require.NoError(t, f.s.SendChat(" hi "))
	chats := f.relay.takeType(protocol.TypeChatMessage)
	require.Len(t, chats, 1)
	assert.Equal(t, protocol.ChatRequest{RoomID: "AB12CD", Text: "hi"}, decode[protocol.ChatRequest](t, chats[0]))

	for _, text := range []string{"one", "two", "three"} {
		f.deliver(protocol.TypeChatMessage, protocol.ChatMessage{RoomID: "AB12CD", SenderID: "a", Text: text})
	}
	snap := f.settle()
	require.Len(t, snap.Chat, 2)
	assert.Equal(t, "two", snap.Chat[0].Text)
	assert.Equal(t, "three", snap.Chat[1].Text)
}

func TestSendFailureKeepsState(t *testing.T) {
	f := newFixture(t, nil)
	f.relay.err = signalclient.ErrNotConnected

	assert.ErrorIs(t, f.s.CreateRoom(), signalclient.ErrNotConnected)
	assert.Equal(t, StateIdle, f.s.Snapshot().State)
}

func TestStoppedSessionRejectsCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.joinAs(t, "a", participant("b", true))
	f.advance(0)

	f.stop()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.ErrorIs(t, f.s.CreateRoom(), ErrClosed)
	assert.Equal(t, StateEnded, f.s.Snapshot().State)
	assert.True(t, f.factory.Last("b").Closed)
}
