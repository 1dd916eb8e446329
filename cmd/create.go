package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pairlink/pairlink/internal/chat"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/identity"
	"github.com/pairlink/pairlink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	flagDomain   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
)

// pendingPollInterval is how often create polls the broker while waiting
// for someone to claim the join code.
const pendingPollInterval = 2 * time.Second

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a room and wait for a peer",
	Long: `Create a chat room and print a short join code to share.

Examples:
  pairlink create
  pairlink create --domain custom.example.com
  pairlink create --relay`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createRoom()
	},
}

func createRoom() error {
	cfg, err := LoadConfig(config.Options{
		Domain:     flagDomain,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
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

	joinCode := chat.GenerateJoinCode()

	spinner := ui.NewConnectionSpinner("Registering room...")
	spinner.Start()
	roomID, err := session.Broker.CreateRoom(context.Background(), joinCode, deviceID, joinCodeTTL)
	if err != nil {
		spinner.Stop()
		return chat.NewError("create room", err)
	}
	spinner.Stop()

	ui.NewRoomInfo(joinCode, cfg.GetRoomLink(joinCode)).Render()
	fmt.Println()

	claimedRoomID, err := waitForClaim(session, joinCode, deviceID, roomID)
	if err != nil {
		session.Broker.DeleteRoom(context.Background(), roomID)
		return err
	}

	room := chat.NewRoom(claimedRoomID, joinCode, true, joinCodeTTL)
	session.Orch.JoinRoom(room)

	err = RunChat(session)

	// Best effort; the broker expires rooms on its own anyway.
	session.Broker.DeleteRoom(context.Background(), roomID)
	return err
}

// waitForClaim polls the broker until someone claims the join code or it
// expires.
func waitForClaim(session *Session, joinCode, deviceID, roomID string) (string, error) {
	spinner := ui.NewWaitingSpinner("Waiting for someone to join...")
	spinner.Start()
	defer spinner.Stop()

	deadline := time.Now().Add(joinCodeTTL)
	for time.Now().Before(deadline) {
		claimed, err := session.Broker.CheckPending(context.Background(), joinCode, deviceID)
		if err != nil {
			return "", chat.NewError("wait for peer", err)
		}
		if claimed != "" {
			spinner.Success("Peer joined!")
			return claimed, nil
		}
		time.Sleep(pendingPollInterval)
	}

	return "", fmt.Errorf("join code %s expired before anyone joined", joinCode)
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom domain")
	createCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	createCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	createCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	createCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	createCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
}
