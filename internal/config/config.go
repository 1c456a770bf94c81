package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Default configuration values (production)
const (
	DefaultDomain = "warpcall.qzz.io"
	DefaultSTUN   = "stun:stun.l.google.com:19302"
	DefaultCodec  = "json"

	DefaultLivenessTimeout   = 10 * time.Second
	DefaultInitiateJitter    = 200 * time.Millisecond
	DefaultMaxResetAttempts  = 5
	DefaultReconnectAttempts = 10
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 5 * time.Second
)

// Config holds the participant-side configuration.
type Config struct {
	// Domain is the relay host, optionally with a port.
	Domain string
	// Insecure selects ws:// instead of wss://.
	Insecure bool
	// WebSocketURL is constructed from domain
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// Codec is the websocket framing: "json" or "msgpack".
	Codec string

	LivenessTimeout   time.Duration
	InitiateJitter    time.Duration
	MaxResetAttempts  int
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// Options for loading config with CLI flag overrides. Zero values mean the
// flag was not given.
type Options struct {
	Domain     string
	Insecure   bool
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	Codec      string

	LivenessTimeout   time.Duration
	InitiateJitter    time.Duration
	MaxResetAttempts  int
	ReconnectAttempts int
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Domain:        pick(opts.Domain, "DOMAIN", DefaultDomain),
		STUNServer:    pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:      pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:      pick(opts.TURNPass, "TURN_PASSWORD", ""),
		Codec:         strings.ToLower(pick(opts.Codec, "CODEC", DefaultCodec)),
		ReconnectBase: DefaultReconnectBase,
		ReconnectMax:  DefaultReconnectMax,
	}

	var err error
	if cfg.Insecure, err = pickBool(opts.Insecure, "INSECURE"); err != nil {
		return nil, err
	}
	if cfg.ForceRelay, err = pickBool(opts.ForceRelay, "FORCE_RELAY"); err != nil {
		return nil, err
	}
	if cfg.LivenessTimeout, err = pickDuration(opts.LivenessTimeout, "LIVENESS_TIMEOUT", DefaultLivenessTimeout); err != nil {
		return nil, err
	}
	if cfg.InitiateJitter, err = pickDuration(opts.InitiateJitter, "INITIATE_JITTER", DefaultInitiateJitter); err != nil {
		return nil, err
	}
	if cfg.MaxResetAttempts, err = pickInt(opts.MaxResetAttempts, "MAX_RESET_ATTEMPTS", DefaultMaxResetAttempts); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts, err = pickInt(opts.ReconnectAttempts, "RECONNECT_ATTEMPTS", DefaultReconnectAttempts); err != nil {
		return nil, err
	}

	switch cfg.Codec {
	case "json", "msgpack":
	default:
		return nil, fmt.Errorf("CODEC: unknown codec %q", cfg.Codec)
	}

	scheme := "wss"
	if cfg.Insecure {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Domain, Path: "/ws"}
	cfg.WebSocketURL = u.String()

	return cfg, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// ICEServers assembles the pion ICE server list.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := c.GetSTUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := c.GetTURNServers(); turn != nil {
		username, password := c.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}
	return servers
}

// GetRoomLink returns a shareable reference to a room.
func (c *Config) GetRoomLink(roomID string) string {
	return fmt.Sprintf("warpcall join %s --domain %s", roomID, c.Domain)
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}
