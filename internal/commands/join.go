package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/ui"
)

var joinFlags callFlags

var joinCmd = &cobra.Command{
	Use:     "join <room-id>",
	Aliases: []string{"j"},
	Short:   "Join an existing call",
	Long: `Join a call room by its six character id. Depending on the
server, the host may have to approve you first.

Examples:
  warpcall join AB12CD
  warpcall join ab12cd --name Bob
  warpcall join AB12CD --domain localhost:8080 --insecure`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		return joinCall(cmd, &joinFlags, roomID)
	},
}

func joinCall(cmd *cobra.Command, flags *callFlags, roomID string) error {
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

	if err := cc.Session.JoinRoom(roomID); err != nil {
		return NewError("join room", err)
	}

	w := ui.NewWaitingSpinner(fmt.Sprintf("Joining room %s...", roomID))
	w.Start()
	snap, err := cc.WaitFor(ctx, func(s call.Snapshot) bool {
		if s.State == call.StatePending {
			w.UpdateMessage("Waiting for the host to let you in...")
		}
		return admitted(s)
	})
	if err != nil {
		w.Stop()
		return err
	}

	switch snap.State {
	case call.StateJoined:
		w.Success(fmt.Sprintf("Joined room %s", snap.RoomID))
	case call.StateDenied:
		w.Error("Request denied")
		return NewError("join room", ErrJoinDenied)
	default:
		w.Stop()
		return WrapError("join room", ErrSignalingError, snap.LastError)
	}
	fmt.Println()

	return runCall(cc, snap.RoomID)
}

func init() {
	joinFlags.register(joinCmd)
}
