package transport

import (
	"testing"
	"time"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/negotiation"
	"github.com/BioHazard786/warpcall/internal/netutil"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire routes one machine's outgoing messages to the other side's machine on
// the shared loop.
type wire struct {
	dispatch func(func())
	peer     **negotiation.Machine
}

func (w wire) SendOffer(_ string, desc protocol.SessionDescription) {
	w.dispatch(func() { _ = (*w.peer).HandleOffer(desc) })
}

func (w wire) SendAnswer(_ string, desc protocol.SessionDescription) {
	w.dispatch(func() { _ = (*w.peer).HandleAnswer(desc) })
}

func (w wire) SendCandidate(_ string, c protocol.Candidate) {
	w.dispatch(func() { _ = (*w.peer).HandleCandidate(c) })
}

type connectedSignal chan string

func (c connectedSignal) PhaseChanged(string, negotiation.Phase, negotiation.Phase, error) {}
func (c connectedSignal) RemoteTrack(string, string)                                      {}
func (c connectedSignal) TransportStateChanged(remoteID string, state negotiation.TransportState) {
	if state == negotiation.TransportConnected {
		c <- remoteID
	}
}

func hasLANAddress(t *testing.T) bool {
	ifaces, err := netutil.SystemInterfaces()
	require.NoError(t, err)
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop {
			continue
		}
		for _, ip := range iface.Addrs {
			if ip.To4() != nil {
				return true
			}
		}
	}
	return false
}

func TestLoopbackCallConnects(t *testing.T) {
	if testing.Short() {
		t.Skip("pion integration test")
	}
	if !hasLANAddress(t) {
		t.Skip("no non-loopback IPv4 interface for host candidates")
	}

	cfg := &config.Config{}
	log := logging.Discard()
	media := NewMedia(MediaOptions{Audio: true}, log)

	queue := make(chan func(), 1024)
	dispatch := func(f func()) { queue <- f }
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case f := <-queue:
				f()
			case <-done:
				return
			}
		}
	}()

	connected := make(connectedSignal, 4)
	var alice, bob *negotiation.Machine
	newMachine := func(local, remote string, peer **negotiation.Machine) *negotiation.Machine {
		return negotiation.NewMachine(negotiation.Config{
			LocalID:         local,
			RemoteID:        remote,
			NewTransport:    NewFactory(cfg, media, log),
			Signaler:        wire{dispatch: dispatch, peer: peer},
			Observer:        connected,
			LivenessTimeout: 20 * time.Second,
			Dispatch:        dispatch,
			Logger:          log,
		})
	}

	ready := make(chan struct{})
	dispatch(func() {
		alice = newMachine("alice", "bob", &bob)
		bob = newMachine("bob", "alice", &alice)
		close(ready)
	})
	<-ready
	dispatch(func() { assert.NoError(t, alice.Initiate()) })

	seen := map[string]bool{}
	timeout := time.After(20 * time.Second)
	for len(seen) < 2 {
		select {
		case id := <-connected:
			seen[id] = true
		case <-timeout:
			t.Fatalf("peers did not connect, saw %v", seen)
		}
	}

	closed := make(chan struct{})
	dispatch(func() {
		alice.Close()
		bob.Close()
		close(closed)
	})
	<-closed
}
