package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pairlink/pairlink/internal/chat"
)

// Session is the orchestrator surface the chat UI drives. The UI only
// renders state and forwards intents; all protocol decisions live behind
// this interface.
type Session interface {
	Events() <-chan chat.Event
	SendText(text string)
	SetTyping(active bool)
	MarkRead(messageID string)
	Leave()
}

type chatLine struct {
	id        string
	text      string
	sentAt    time.Time
	direction chat.Direction
	read      bool
}

type chatEventMsg chat.Event

// ChatModel is the Bubble Tea model for a live chat session
type ChatModel struct {
	session Session

	input   textinput.Model
	spinner spinner.Model

	state      chat.State
	lines      []chatLine
	peerTyping bool
	selfTyping bool
	peerLeft   bool
	lastErr    error

	sent      int
	received  int
	startTime time.Time

	width    int
	height   int
	quitting bool
}

// NewChatModel creates the chat UI bound to a session.
func NewChatModel(session Session) *ChatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000
	input.Width = 60
	input.Focus()

	return &ChatModel{
		session:   session,
		input:     input,
		spinner:   s,
		state:     chat.StateConnecting,
		startTime: time.Now(),
		width:     80,
		height:    24,
	}
}

func (m *ChatModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		m.waitForEvent(),
	)
}

// waitForEvent returns a command that listens for session events
func (m *ChatModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		event, ok := <-m.session.Events()
		if !ok {
			return nil
		}
		return chatEventMsg(event)
	}
}

func (m *ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			m.session.Leave()
			return m, tea.Quit

		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.session.SendText(text)
				m.input.Reset()
			}
			if m.selfTyping {
				m.selfTyping = false
				m.session.SetTyping(false)
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

		typing := strings.TrimSpace(m.input.Value()) != ""
		if typing != m.selfTyping {
			m.selfTyping = typing
			m.session.SetTyping(typing)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(20, msg.Width-10)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case chatEventMsg:
		m.handleEvent(chat.Event(msg))
		if m.peerLeft {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, m.waitForEvent())

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *ChatModel) handleEvent(event chat.Event) {
	switch event.Kind {
	case chat.EventStateChanged:
		m.state = event.State
		if m.state != chat.StatePeerLinked {
			m.peerTyping = false
		}

	case chat.EventMessageSent:
		m.sent++
		m.lines = append(m.lines, chatLine{
			id:        event.Message.ID,
			text:      event.Message.Text,
			sentAt:    event.Message.SentAt,
			direction: chat.DirectionSelf,
		})

	case chat.EventMessageReceived:
		m.received++
		m.lines = append(m.lines, chatLine{
			id:        event.Message.ID,
			text:      event.Message.Text,
			sentAt:    event.Message.SentAt,
			direction: chat.DirectionPeer,
		})
		m.session.MarkRead(event.Message.ID)

	case chat.EventMessageRead:
		for i := range m.lines {
			if m.lines[i].id == event.MessageID {
				m.lines[i].read = true
				break
			}
		}

	case chat.EventPeerTyping:
		m.peerTyping = event.Typing

	case chat.EventPeerLeft:
		m.peerLeft = true

	case chat.EventError:
		m.lastErr = event.Err
	}
}

func (m *ChatModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Pairlink", IconChat)))
	b.WriteString("  ")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	b.WriteString(m.messageLog())
	b.WriteString("\n")

	if m.peerTyping {
		b.WriteString(TypingStyle.Render("peer is typing..."))
		b.WriteString("\n")
	}

	if m.lastErr != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s %v", IconWarning, m.lastErr)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("enter: send • esc: leave"))

	return ContainerStyle.Render(b.String())
}

func (m *ChatModel) statusLine() string {
	switch m.state {
	case chat.StatePeerLinked:
		return SuccessStyle.Render(fmt.Sprintf("%s linked", IconPeer))
	case chat.StateRoomPending:
		return fmt.Sprintf("%s %s", m.spinner.View(), MutedStyle.Render("waiting for peer"))
	default:
		return fmt.Sprintf("%s %s", m.spinner.View(), MutedStyle.Render(m.state.String()))
	}
}

func (m *ChatModel) messageLog() string {
	if len(m.lines) == 0 {
		return MutedStyle.Render("No messages yet")
	}

	// Show only what fits; older lines scroll off the top.
	visible := m.lines
	if limit := max(3, m.height-10); len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}

	var b strings.Builder
	for _, line := range visible {
		stamp := TimestampStyle.Render(line.sentAt.Format("15:04"))
		switch line.direction {
		case chat.DirectionSelf:
			mark := ""
			if line.read {
				mark = " " + ReadMarkStyle.Render(IconRead)
			}
			b.WriteString(fmt.Sprintf("%s %s %s%s\n", stamp, SelfMessageStyle.Render("you:"), line.text, mark))
		case chat.DirectionPeer:
			b.WriteString(fmt.Sprintf("%s %s %s\n", stamp, PeerMessageStyle.Render("peer:"), line.text))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summary reports the session figures for the exit table.
func (m *ChatModel) Summary() SessionSummary {
	status := "Left"
	if m.peerLeft {
		status = "Peer left"
	}
	return SessionSummary{
		Status:           status,
		MessagesSent:     m.sent,
		MessagesReceived: m.received,
		Duration:         time.Since(m.startTime),
	}
}
