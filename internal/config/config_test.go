package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{"DOMAIN", "INSECURE", "STUN_SERVER", "TURN_SERVER", "CODEC", "LIVENESS_TIMEOUT", "MAX_RESET_ATTEMPTS"} {
		t.Setenv(env, "")
	}

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, "wss://"+DefaultDomain+"/ws", cfg.WebSocketURL)
	assert.Equal(t, DefaultLivenessTimeout, cfg.LivenessTimeout)
	assert.Equal(t, DefaultMaxResetAttempts, cfg.MaxResetAttempts)
	assert.Equal(t, "json", cfg.Codec)
	assert.Nil(t, cfg.GetTURNServers())
	assert.Len(t, cfg.ICEServers(), 1)
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	t.Setenv("DOMAIN", "env.example")
	t.Setenv("LIVENESS_TIMEOUT", "3s")
	t.Setenv("INSECURE", "true")

	cfg, err := Load(Options{Domain: "flag.example:9000", InitiateJitter: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ws://flag.example:9000/ws", cfg.WebSocketURL)
	assert.Equal(t, 3*time.Second, cfg.LivenessTimeout)
	assert.Equal(t, time.Second, cfg.InitiateJitter)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("LIVENESS_TIMEOUT", "soon")
	_, err := Load(Options{})
	assert.ErrorContains(t, err, "LIVENESS_TIMEOUT")

	t.Setenv("LIVENESS_TIMEOUT", "")
	_, err = Load(Options{Codec: "xml"})
	assert.ErrorContains(t, err, "CODEC")
}

func TestTURNServers(t *testing.T) {
	cfg := &Config{STUNServer: DefaultSTUN, TURNServer: "turn.example", TURNUser: "u", TURNPass: "p"}

	assert.Equal(t, []string{
		"turn:turn.example:3478?transport=udp",
		"turn:turn.example:3478?transport=tcp",
		"turns:turn.example:5349?transport=tcp",
	}, cfg.GetTURNServers())

	servers := cfg.ICEServers()
	require.Len(t, servers, 2)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestLoadServer(t *testing.T) {
	t.Setenv("REQUIRE_APPROVAL", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHAT_HISTORY_LIMIT", "")

	allow := false
	cfg, err := LoadServer(ServerOptions{AllowRejoinAfterDeny: &allow})
	require.NoError(t, err)
	assert.False(t, cfg.RequireApproval)
	assert.False(t, cfg.AllowRejoinAfterDeny)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, DefaultChatHistoryLimit, cfg.ChatHistoryLimit)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)

	t.Setenv("LOG_FORMAT", "yaml")
	_, err = LoadServer(ServerOptions{})
	assert.Error(t, err)
}
