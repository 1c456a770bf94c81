package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "warpcall",
	Short: "Group video calls over WebRTC",
	Long: `WarpCall starts and joins small group calls. Every participant
connects directly to every other participant; the server only relays
signaling messages.`,
	Version:       version.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(createCmd, joinCmd)
}
