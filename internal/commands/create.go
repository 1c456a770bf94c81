package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/ui"
)

var createFlags callFlags

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c", "host"},
	Short:   "Start a new call and host it",
	Long: `Start a new call room. You are its host: you approve or deny
join requests and can end the call for everyone.

Examples:
  warpcall create
  warpcall create --name Ann --no-video
  warpcall create --turn turn.example.com -u user -p secret --relay`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createCall(cmd, &createFlags)
	},
}

func createCall(cmd *cobra.Command, flags *callFlags) error {
	name, err := displayName(flags.name, os.Getenv)
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(flags.options())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cc, err := NewCallContext(ctx, cfg, name, flags.noVideo)
	if err != nil {
		return err
	}
	defer cc.Close()

	fmt.Println()
	s := ui.NewConnectionSpinner("Connecting to server...")
	s.Start()
	if err := cc.WaitConnected(ctx); err != nil {
		s.Error("Could not reach the server")
		return err
	}
	s.Success("Connected to server")

	if err := cc.Session.CreateRoom(); err != nil {
		return NewError("create room", err)
	}
	snap, err := cc.WaitFor(ctx, admitted)
	if err != nil {
		return err
	}
	if snap.State != call.StateJoined {
		return WrapError("create room", ErrSignalingError, snap.LastError)
	}

	fmt.Println()
	ui.RenderRoomInfo(snap.RoomID, cfg.GetRoomLink(snap.RoomID))
	fmt.Println()

	return runCall(cc, snap.RoomID)
}

func init() {
	createFlags.register(createCmd)
}
