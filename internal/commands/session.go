package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/mesh"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signalclient"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/transport"
	"github.com/BioHazard786/warpcall/internal/ui"
)

const maxNameLength = 64

// callFlags are the flags shared by create and join.
type callFlags struct {
	name     string
	domain   string
	insecure bool
	stun     string
	turn     string
	turnUser string
	turnPass string
	relay    bool
	codec    string
	noVideo  bool

	livenessTimeout   time.Duration
	initiateJitter    time.Duration
	maxResetAttempts  int
	reconnectAttempts int
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Display name shown to others (default: $USER)")
	cmd.Flags().StringVarP(&f.domain, "domain", "d", "", "Custom signaling server domain")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "Use ws:// instead of wss://")
	cmd.Flags().StringVarP(&f.stun, "stun", "s", "", "Custom STUN server")
	cmd.Flags().StringVarP(&f.turn, "turn", "t", "", "Custom TURN server")
	cmd.Flags().StringVarP(&f.turnUser, "turn-user", "u", "", "TURN username")
	cmd.Flags().StringVarP(&f.turnPass, "turn-pass", "p", "", "TURN password")
	cmd.Flags().BoolVarP(&f.relay, "relay", "r", false, "Force relay mode")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Signaling framing: json or msgpack")
	cmd.Flags().BoolVar(&f.noVideo, "no-video", false, "Join audio-only")
	cmd.Flags().DurationVar(&f.livenessTimeout, "liveness-timeout", 0, "Give up on an unanswered negotiation after this long")
	cmd.Flags().DurationVar(&f.initiateJitter, "initiate-jitter", 0, "Upper bound of the random delay before offering to a new peer")
	cmd.Flags().IntVar(&f.maxResetAttempts, "max-resets", 0, "Negotiation retries per peer before it is shown as lost")
	cmd.Flags().IntVar(&f.reconnectAttempts, "reconnect-attempts", 0, "Server reconnect attempts before giving up")
}

func (f *callFlags) options() config.Options {
	return config.Options{
		Domain:            f.domain,
		Insecure:          f.insecure,
		STUNServer:        f.stun,
		TURNServer:        f.turn,
		TURNUser:          f.turnUser,
		TURNPass:          f.turnPass,
		ForceRelay:        f.relay,
		Codec:             f.codec,
		LivenessTimeout:   f.livenessTimeout,
		InitiateJitter:    f.initiateJitter,
		MaxResetAttempts:  f.maxResetAttempts,
		ReconnectAttempts: f.reconnectAttempts,
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, ErrRelayNeedsTURN
	}

	return cfg, nil
}

// displayName picks the name shown to others: the flag, else $USER.
func displayName(flag string, getenv func(string) string) (string, error) {
	name := strings.TrimSpace(flag)
	if name == "" {
		name = strings.TrimSpace(getenv("USER"))
	}
	if name == "" {
		return "", ErrNoName
	}
	if len([]rune(name)) > maxNameLength {
		return "", NewError("check display name", errors.New("name is too long"))
	}
	return name, nil
}

// parseRoomID accepts a room id in any case.
func parseRoomID(input string) (string, error) {
	id := signaling.NormalizeRoomID(input)
	if id == "" {
		return "", errors.New("room ID cannot be empty")
	}
	if len(id) != signaling.RoomIDLength || strings.IndexFunc(id, func(r rune) bool {
		return !unicode.IsDigit(r) && (r < 'A' || r > 'Z')
	}) >= 0 {
		return "", WrapError("parse room ID", errors.New("invalid room ID"), input)
	}
	return id, nil
}

// CallContext bundles everything a running call needs.
type CallContext struct {
	Config  *config.Config
	Client  *signalclient.Client
	Session *call.Session
	Media   *transport.Media

	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientDone chan struct{}
	clientErr  error
}

// NewCallContext starts the local media, the call session and the relay
// connection. Close stops them.
func NewCallContext(parent context.Context, cfg *config.Config, name string, videoOff bool) (*CallContext, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, NewError("select codec", err)
	}

	logger := slog.Default()
	media := transport.NewMedia(transport.MediaOptions{Audio: true, Video: !videoOff}, logger)
	if media.ReceiveOnly() {
		ui.PrintWarning("No local media available, joining receive-only")
	}

	sess := call.New(call.Config{
		DisplayName:     name,
		NewTransport:    transport.NewFactory(cfg, media, logger),
		VideoOff:        media.VideoOff(),
		LivenessTimeout: cfg.LivenessTimeout,
		InitiateJitter:  cfg.InitiateJitter,
		PeerRetry: backoff.Policy{
			Base:        mesh.DefaultRetry.Base,
			Max:         mesh.DefaultRetry.Max,
			MaxAttempts: cfg.MaxResetAttempts,
		},
		Logger: logger,
	})

	client := signalclient.New(signalclient.Config{
		URL:   cfg.WebSocketURL,
		Codec: codec,
		Retry: backoff.Policy{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectAttempts,
		},
		Logger: logger,
	}, sess)

	ctx, cancel := context.WithCancel(parent)
	cc := &CallContext{
		Config:     cfg,
		Client:     client,
		Session:    sess,
		Media:      media,
		cancel:     cancel,
		clientDone: make(chan struct{}),
	}

	cc.wg.Add(3)
	go func() {
		defer cc.wg.Done()
		media.Run(ctx)
	}()
	go func() {
		defer cc.wg.Done()
		sess.Run(ctx, client)
	}()
	go func() {
		defer cc.wg.Done()
		defer close(cc.clientDone)
		cc.clientErr = client.Run(ctx)
	}()

	return cc, nil
}

// WaitFor blocks until the session snapshot satisfies ok.
func (c *CallContext) WaitFor(ctx context.Context, ok func(call.Snapshot) bool) (call.Snapshot, error) {
	for {
		snap := c.Session.Snapshot()
		if ok(snap) {
			return snap, nil
		}
		select {
		case <-c.Session.Changed():
		case <-c.clientDone:
			if c.clientErr != nil {
				return c.Session.Snapshot(), NewError("connect to server", c.clientErr)
			}
			return c.Session.Snapshot(), NewError("connect to server", signalclient.ErrClosed)
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// WaitConnected blocks until the relay connection is up.
func (c *CallContext) WaitConnected(ctx context.Context) error {
	_, err := c.WaitFor(ctx, func(s call.Snapshot) bool {
		return s.Relay == signalclient.StatusConnected
	})
	return err
}

// Close leaves any room and stops everything NewCallContext started.
func (c *CallContext) Close() {
	if err := c.Session.Leave(); err != nil && !errors.Is(err, call.ErrNotJoined) {
		slog.Debug("Leaving room on close", "error", err)
	}
	c.Client.Close()
	c.cancel()
	c.wg.Wait()
}

// admitted reports whether the session has left the create or join phase.
func admitted(s call.Snapshot) bool {
	switch s.State {
	case call.StateCreating, call.StateRequesting, call.StatePending:
		return false
	}
	return true
}

// runCall shows the live view until the call is over, then a summary.
func runCall(cc *CallContext, roomID string) error {
	started := time.Now()
	view, err := ui.RunCallView(cc.Session)
	if err != nil {
		return NewError("run call view", err)
	}

	ui.RenderCallSummary(ui.CallSummary{
		RoomID:   roomID,
		Outcome:  view.Outcome(),
		Duration: time.Since(started),
		Peers:    view.PeersSeen(),
		Messages: view.MessagesSeen(),
	})
	return nil
}
