package cmd

import (
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pairlink/pairlink/internal/broker"
	"github.com/pairlink/pairlink/internal/chat"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/peer"
	"github.com/pairlink/pairlink/internal/signaling"
	"github.com/pairlink/pairlink/internal/ui"
)

// joinCodeTTL bounds how long an unclaimed join code stays valid.
const joinCodeTTL = 10 * time.Minute

// Session bundles the wired-up collaborators for one chat session.
type Session struct {
	Config *config.Config
	Broker *broker.Client
	Orch   *chat.Orchestrator

	sig   *signaling.Client
	peers *peer.Manager
}

// NewSession builds the signaling client, peer manager, and orchestrator
// from config and starts the orchestrator loop. Nothing dials until the
// orchestrator is asked to join a room.
func NewSession(cfg *config.Config) *Session {
	logger := slog.Default()

	sig := signaling.NewClient(cfg.WebSocketURL, logger)
	peers := peer.NewManager(peer.Config{
		STUNServers: cfg.GetSTUNServers(),
		TURNServers: cfg.GetTURNServers(),
		TURNUser:    cfg.TURNUser,
		TURNPass:    cfg.TURNPass,
		ForceRelay:  cfg.ForceRelay,
	}, logger)

	orch := chat.NewOrchestrator(sig, peers, logger)
	orch.Start()

	return &Session{
		Config: cfg,
		Broker: broker.New(cfg.BrokerURL, logger),
		Orch:   orch,
		sig:    sig,
		peers:  peers,
	}
}

// Close tears the whole session down.
func (s *Session) Close() {
	s.Orch.Close()
	s.sig.Close()
}

// LoadConfig resolves config from flags, environment, and defaults, and
// turns relay mode on automatically behind VPNs and CGNAT.
func LoadConfig(opts config.Options) (*config.Config, error) {
	if !opts.ForceRelay && peer.DetectRestrictedNetwork() {
		opts.ForceRelay = true
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, chat.NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// RunChat hands the terminal to the chat TUI and prints the session
// summary once it exits.
func RunChat(session *Session) error {
	model := ui.NewChatModel(session.Orch)

	program := tea.NewProgram(model, tea.WithAltScreen())
	final, err := program.Run()
	if err != nil {
		return chat.NewError("run chat ui", err)
	}

	waitForLeave(session)

	if m, ok := final.(*ui.ChatModel); ok {
		fmt.Println()
		ui.RenderSessionSummary(m.Summary())
	}

	return nil
}

// waitForLeave gives the leave protocol a moment to run before teardown,
// so the server learns about the departure instead of timing the room out.
func waitForLeave(session *Session) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		switch session.Orch.State() {
		case chat.StateConnected, chat.StateConnecting, chat.StateDisconnected:
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
