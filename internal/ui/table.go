package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
)

// RoomInfo is the banner shown once a room code has been issued.
type RoomInfo struct {
	RoomID string
	Role   string
}

func (r *RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Room Ready!\n\n%s Room Code:  %s\n%s Role:       %s",
		IconSuccess,
		IconRoom, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconPeer, MutedStyle.Render(r.Role),
	)

	return boxStyle.Render(content)
}

// RenderRoomInfo prints the room banner to stdout.
func RenderRoomInfo(roomID, role string) {
	info := &RoomInfo{RoomID: roomID, Role: role}
	fmt.Println(info.View())
}

// SessionSummary describes a finished pairing session.
type SessionSummary struct {
	RoomID        string
	Role          string
	PeerSeen      bool
	ControlActive bool
	CameraActive  bool
	Duration      string
}

// RenderSessionSummary prints the end-of-session table.
func RenderSessionSummary(summary SessionSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", summary.RoomID},
		{"Role", summary.Role},
		{"Peer Seen", yesNo(summary.PeerSeen)},
		{"Control", yesNo(summary.ControlActive)},
		{"Camera", yesNo(summary.CameraActive)},
		{"Duration", summary.Duration},
	})
	t.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
