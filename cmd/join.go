package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pairlink/pairlink/internal/broker"
	"github.com/pairlink/pairlink/internal/chat"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/identity"
	"github.com/pairlink/pairlink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagJoinDomain   string
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
	flagJoinRelay    bool
)

var joinCmd = &cobra.Command{
	Use:     "join <code>",
	Aliases: []string{"j"},
	Short:   "Join a room by its join code",
	Long: `Join a chat room using the code the other side shared.

Examples:
  pairlink join fluffy-otter-47
  pairlink join --relay fluffy-otter-47`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(args[0])
	},
}

func joinRoom(joinCode string) error {
	cfg, err := LoadConfig(config.Options{
		Domain:     flagJoinDomain,
		STUNServer: flagJoinSTUN,
		TURNServer: flagJoinTURN,
		TURNUser:   flagJoinTURNUser,
		TURNPass:   flagJoinTURNPass,
		ForceRelay: flagJoinRelay,
	})
	if err != nil {
		return err
	}

	deviceID, err := identity.DeviceID()
	if err != nil {
		return chat.NewError("device identity", err)
	}

	session := NewSession(cfg)
	defer session.Close()

	spinner := ui.NewConnectionSpinner("Claiming join code...")
	spinner.Start()
	roomID, err := session.Broker.AcceptJoinCode(context.Background(), joinCode, deviceID)
	spinner.Stop()
	if err != nil {
		if errors.Is(err, broker.ErrRoomNotFound) {
			return fmt.Errorf("join code %s is unknown or expired", joinCode)
		}
		return chat.NewError("accept join code", err)
	}

	room := chat.NewRoom(roomID, joinCode, false, joinCodeTTL)
	session.Orch.JoinRoom(room)

	return RunChat(session)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagJoinDomain, "domain", "d", "", "Custom domain")
	joinCmd.Flags().StringVarP(&flagJoinSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagJoinTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagJoinRelay, "relay", "r", false, "Force relay mode")
}
