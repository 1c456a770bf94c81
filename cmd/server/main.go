package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/version"
)

const shutdownTimeout = 10 * time.Second

var opts config.ServerOptions

var rootCmd = &cobra.Command{
	Use:     "warpcall-server",
	Short:   "Signaling relay for WarpCall rooms",
	Long:    `Runs the WarpCall signaling relay: room membership, join approval and forwarding of WebRTC offers, answers and ICE candidates between room members.`,
	Version: version.Version,
	RunE:    run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&opts.ListenAddr, "listen", "l", "", "address to listen on (env LISTEN_ADDR, default :8080)")
	f.Bool("require-approval", true, "host must approve each join request (env REQUIRE_APPROVAL)")
	f.Bool("allow-rejoin", true, "let denied requesters ask again (env ALLOW_REJOIN_AFTER_DENY)")
	f.StringSliceVar(&opts.AllowedOrigins, "allowed-origins", nil, "browser origins allowed to connect (env ALLOWED_ORIGINS)")
	f.IntVar(&opts.ChatHistoryLimit, "chat-history", 0, "messages kept per room (env CHAT_HISTORY_LIMIT, default 200)")
	f.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	f.StringVar(&opts.LogFormat, "log-format", "", "text or json (env LOG_FORMAT)")
}

func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func run(cmd *cobra.Command, _ []string) error {
	opts.RequireApproval = boolFlag(cmd, "require-approval")
	opts.AllowRejoinAfterDeny = boolFlag(cmd, "allow-rejoin")

	cfg, err := config.LoadServer(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel, slog.LevelInfo), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Create the Hub over a fresh room directory
	dir := signaling.NewDirectory(signaling.Options{
		RequireApproval:      cfg.RequireApproval,
		AllowRejoinAfterDeny: cfg.AllowRejoinAfterDeny,
		ChatHistoryLimit:     cfg.ChatHistoryLimit,
		Logger:               logger,
	})
	hub := signaling.NewHub(dir, logger)

	// 2. Run the Hub in a separate goroutine
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// 3. Register our handlers
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(hub, cfg.AllowedOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Start the server
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting signaling server",
			"addr", cfg.ListenAddr,
			"version", version.Version,
			"require_approval", cfg.RequireApproval,
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the hub closes them.
	stopHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
