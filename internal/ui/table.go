package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/mesh"
	"github.com/BioHazard786/warpcall/internal/negotiation"
)

const maxNameWidth = 24

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.Style().Format.Header = text.FormatDefault
	return t
}

// RosterView renders the room members, local participant first.
func RosterView(snap call.Snapshot) string {
	t := newTable()
	t.AppendHeader(table.Row{"#", "Name", "Link", "Negotiation", "Media"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, WidthMax: maxNameWidth + 4},
	})

	t.AppendRow(table.Row{0, memberName(snap.DisplayName+" (you)", snap.IsHost, false), "-", "-", mediaLabel(snap.VideoOff, nil)})
	for i, m := range snap.Members {
		t.AppendRow(table.Row{
			i + 1,
			memberName(m.DisplayName, m.IsHost, m.Speaking),
			linkLabel(m),
			phaseLabel(m.Phase),
			mediaLabel(m.VideoOff, m.Tracks),
		})
	}
	return t.Render()
}

func memberName(name string, host, speaking bool) string {
	name = truncateString(name, maxNameWidth)
	if host {
		name = IconHost + " " + name
	}
	if speaking {
		name += " " + IconSpeaking
	}
	return name
}

func linkLabel(m call.Member) string {
	label := m.Status.String()
	if m.Status == mesh.StatusReconnecting && m.Attempts > 0 {
		label = fmt.Sprintf("%s (%d)", label, m.Attempts)
	}
	return label
}

func phaseLabel(p negotiation.Phase) string {
	return strings.ToLower(strings.ReplaceAll(p.String(), "_", " "))
}

func mediaLabel(videoOff bool, tracks []string) string {
	video := IconVideo
	if videoOff {
		video = IconVideoOff
	}
	if tracks == nil {
		return video
	}
	if len(tracks) == 0 {
		return video + " none"
	}
	return video + " " + strings.Join(tracks, "+")
}

// CallSummary describes a finished call.
type CallSummary struct {
	RoomID   string
	Outcome  string
	Duration time.Duration
	Peers    int
	Messages int
}

func CallSummaryView(s CallSummary) string {
	t := newTable()
	t.SetTitle(IconEnd + " Call Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.RoomID},
		{"Outcome", s.Outcome},
		{"Duration", s.Duration.Round(time.Second).String()},
		{"Peers", s.Peers},
		{"Messages", s.Messages},
	})
	return t.Render()
}

func RenderCallSummary(s CallSummary) {
	fmt.Println(CallSummaryView(s))
}

type RoomInfo struct {
	RoomID   string
	RoomLink string
}

func NewRoomInfo(roomID, roomLink string) *RoomInfo {
	return &RoomInfo{RoomID: roomID, RoomLink: roomLink}
}

func (r *RoomInfo) View() string {
	content := fmt.Sprintf("%s Room Created!\n\n%s Room ID:  %s\n%s Join:     %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconWeb, MutedStyle.Render(r.RoomLink),
	)
	return SuccessBoxStyle.Render(content)
}

func RenderRoomInfo(roomID, roomLink string) {
	fmt.Println(NewRoomInfo(roomID, roomLink).View())
}

func truncateString(s string, max int) string {
	if lipgloss.Width(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) > max-1 {
		r = r[:max-1]
	}
	return string(r) + "…"
}
