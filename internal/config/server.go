package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultListenAddr       = ":8080"
	DefaultChatHistoryLimit = 200
)

// Server holds the relay configuration.
type Server struct {
	ListenAddr string
	// RequireApproval makes the host approve each join request. When false
	// requesters are admitted directly.
	RequireApproval bool
	// AllowRejoinAfterDeny lets a denied connection ask again.
	AllowRejoinAfterDeny bool
	// AllowedOrigins restricts browser websocket origins. Empty allows all.
	AllowedOrigins   []string
	ChatHistoryLimit int
	LogLevel         string
	LogFormat        string
}

// ServerOptions carries flag overrides. Nil pointers mean the flag was not
// given.
type ServerOptions struct {
	ListenAddr           string
	RequireApproval      *bool
	AllowRejoinAfterDeny *bool
	AllowedOrigins       []string
	ChatHistoryLimit     int
	LogLevel             string
	LogFormat            string
}

// LoadServer applies the same flag > env > default priority as Load.
func LoadServer(opts ServerOptions) (*Server, error) {
	cfg := &Server{
		ListenAddr: pick(opts.ListenAddr, "LISTEN_ADDR", DefaultListenAddr),
		LogLevel:   strings.ToLower(pick(opts.LogLevel, "LOG_LEVEL", "info")),
		LogFormat:  strings.ToLower(pick(opts.LogFormat, "LOG_FORMAT", "text")),
	}

	var err error
	if cfg.RequireApproval, err = pickBoolPtr(opts.RequireApproval, "REQUIRE_APPROVAL", true); err != nil {
		return nil, err
	}
	if cfg.AllowRejoinAfterDeny, err = pickBoolPtr(opts.AllowRejoinAfterDeny, "ALLOW_REJOIN_AFTER_DENY", true); err != nil {
		return nil, err
	}
	if cfg.ChatHistoryLimit, err = pickInt(opts.ChatHistoryLimit, "CHAT_HISTORY_LIMIT", DefaultChatHistoryLimit); err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = opts.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unknown format %q", cfg.LogFormat)
	}

	return cfg, nil
}

func pickBoolPtr(flag *bool, env string, def bool) (bool, error) {
	if flag != nil {
		return *flag, nil
	}
	return envBool(env, def)
}
