package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RoomInfo renders the shareable room details after create
type RoomInfo struct {
	JoinCode string
	RoomLink string
}

func NewRoomInfo(joinCode, roomLink string) *RoomInfo {
	return &RoomInfo{
		JoinCode: joinCode,
		RoomLink: roomLink,
	}
}

func (r *RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Room Created!\n\n%s Join Code:  %s\n%s Room Link:  %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.JoinCode),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)

	return boxStyle.Render(content)
}

// Render outputs the box directly to stdout
func (r *RoomInfo) Render() {
	fmt.Println(r.View())
}

// SessionSummary holds the figures shown when a chat session ends
type SessionSummary struct {
	Status           string
	MessagesSent     int
	MessagesReceived int
	Duration         time.Duration
}

func SessionSummaryView(summary SessionSummary) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleRounded)
	tbl.Style().Color.Header = text.Colors{text.FgHiCyan, text.Bold}
	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRows([]table.Row{
		{"Status", summary.Status},
		{"Sent", summary.MessagesSent},
		{"Received", summary.MessagesReceived},
		{"Duration", summary.Duration.Round(time.Second).String()},
	})

	return tbl.Render()
}

func RenderSessionSummary(summary SessionSummary) {
	fmt.Println(SessionSummaryView(summary))
}
