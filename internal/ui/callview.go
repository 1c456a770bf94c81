package ui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warpcall/internal/call"
)

// chatLines is how many chat messages the view shows.
const chatLines = 8

const helpText = "/approve [n]  /deny [n]  /video [on|off]  /speak [on|off]  /leave  /end  ctrl+c quits"

// Controller is the part of a call the view drives. *call.Session
// satisfies it.
type Controller interface {
	Snapshot() call.Snapshot
	Changed() <-chan struct{}
	Approve(requesterID string) error
	Deny(requesterID string) error
	SendChat(text string) error
	SetVideoOff(off bool) error
	SetSpeaking(speaking bool) error
	Leave() error
	EndCall() error
}

type snapshotMsg call.Snapshot

type resultMsg struct {
	notice string
	err    error
}

// CallView is the live call screen.
type CallView struct {
	ctrl    Controller
	snap    call.Snapshot
	input   textinput.Model
	spinner spinner.Model

	notice    string
	noticeErr bool
	joined    bool
	left      bool
	quitting  bool
	speaking  bool

	// seen collects every remote member shown during the call.
	seen     map[string]struct{}
	messages int
}

func NewCallView(ctrl Controller) *CallView {
	in := textinput.New()
	in.Placeholder = "Type a message or /help"
	in.Prompt = IconChat + " "
	in.CharLimit = 2000
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	m := &CallView{ctrl: ctrl, input: in, spinner: s, seen: make(map[string]struct{})}
	m.setSnapshot(ctrl.Snapshot())
	return m
}

// RunCallView runs the view until the call is over or the user quits.
func RunCallView(ctrl Controller) (*CallView, error) {
	final, err := tea.NewProgram(NewCallView(ctrl)).Run()
	if err != nil {
		return nil, err
	}
	return final.(*CallView), nil
}

// Snapshot is the last state the view rendered.
func (m *CallView) Snapshot() call.Snapshot { return m.snap }

// PeersSeen counts the distinct remote members seen during the call.
func (m *CallView) PeersSeen() int { return len(m.seen) }

// MessagesSeen is the largest chat log shown during the call.
func (m *CallView) MessagesSeen() int { return m.messages }

// Outcome describes how the call finished, for the summary.
func (m *CallView) Outcome() string {
	switch {
	case m.left:
		return "left"
	case m.snap.State == call.StateEnded:
		return "ended by host"
	case m.snap.State == call.StateDenied:
		return "denied"
	case m.snap.LastError != "":
		return m.snap.LastError
	default:
		return "left"
	}
}

func (m *CallView) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForChange())
}

func (m *CallView) waitForChange() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		<-ctrl.Changed()
		return snapshotMsg(ctrl.Snapshot())
	}
}

func (m *CallView) run(f func() error, notice string) tea.Cmd {
	return func() tea.Msg {
		if err := f(); err != nil {
			return resultMsg{err: err}
		}
		return resultMsg{notice: notice}
	}
}

func (m *CallView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m.leave()
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			return m, m.submit(line)
		case tea.KeyEsc:
			m.input.Reset()
			return m, nil
		}

	case snapshotMsg:
		m.setSnapshot(call.Snapshot(msg))
		if m.finished() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.waitForChange()

	case resultMsg:
		m.noticeErr = msg.err != nil
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = msg.notice
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *CallView) setSnapshot(snap call.Snapshot) {
	m.snap = snap
	if snap.State == call.StateJoined {
		m.joined = true
	}
	for _, mem := range snap.Members {
		m.seen[mem.ID] = struct{}{}
	}
	m.messages = max(m.messages, len(snap.Chat))
}

// finished reports whether there is nothing left to show.
func (m *CallView) finished() bool {
	switch m.snap.State {
	case call.StateEnded, call.StateDenied:
		return true
	case call.StateIdle:
		return m.joined || m.snap.LastError != ""
	}
	return false
}

func (m *CallView) leave() (tea.Model, tea.Cmd) {
	m.left = true
	m.quitting = true
	if err := m.ctrl.Leave(); err != nil && !errors.Is(err, call.ErrNotJoined) {
		m.notice = err.Error()
	}
	return m, tea.Quit
}

func (m *CallView) submit(line string) tea.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return m.run(func() error { return m.ctrl.SendChat(line) }, "")
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/approve", "/deny":
		req, err := m.request(arg)
		if err != nil {
			return m.fail(err)
		}
		if fields[0] == "/approve" {
			return m.run(func() error { return m.ctrl.Approve(req) }, "Approved "+m.requestName(req))
		}
		return m.run(func() error { return m.ctrl.Deny(req) }, "Denied "+m.requestName(req))
	case "/video":
		off := !m.snap.VideoOff
		switch arg {
		case "on":
			off = false
		case "off":
			off = true
		case "":
		default:
			return m.fail(fmt.Errorf("usage: /video [on|off]"))
		}
		notice := "Video on"
		if off {
			notice = "Video off"
		}
		return m.run(func() error { return m.ctrl.SetVideoOff(off) }, notice)
	case "/speak":
		speaking := !m.speaking
		switch arg {
		case "on":
			speaking = true
		case "off":
			speaking = false
		case "":
		default:
			return m.fail(fmt.Errorf("usage: /speak [on|off]"))
		}
		m.speaking = speaking
		notice := "Stopped speaking"
		if speaking {
			notice = "Speaking"
		}
		return m.run(func() error { return m.ctrl.SetSpeaking(speaking) }, notice)
	case "/leave", "/quit":
		_, cmd := m.leave()
		return cmd
	case "/end":
		return m.run(m.ctrl.EndCall, "Ending call for everyone")
	case "/help":
		m.notice, m.noticeErr = helpText, false
		return nil
	default:
		return m.fail(fmt.Errorf("unknown command %s, try /help", fields[0]))
	}
}

func (m *CallView) fail(err error) tea.Cmd {
	m.notice, m.noticeErr = err.Error(), true
	return nil
}

// request resolves a 1-based request number, defaulting to the oldest.
func (m *CallView) request(arg string) (string, error) {
	if len(m.snap.Requests) == 0 {
		return "", errors.New("no pending join requests")
	}
	if arg == "" {
		return m.snap.Requests[0].RequesterID, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(m.snap.Requests) {
		return "", fmt.Errorf("no join request #%s", arg)
	}
	return m.snap.Requests[n-1].RequesterID, nil
}

func (m *CallView) requestName(id string) string {
	for _, r := range m.snap.Requests {
		if r.RequesterID == id {
			return r.DisplayName
		}
	}
	return id
}

func (m *CallView) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")

	switch m.snap.State {
	case call.StateJoined:
		b.WriteString(RosterView(m.snap))
		b.WriteString("\n")
		if m.snap.IsHost && len(m.snap.Requests) > 0 {
			b.WriteString(m.requestsView())
			b.WriteString("\n")
		}
		b.WriteString(m.chatView())
	default:
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.snap.State)
	}

	if m.notice != "" {
		style := MutedStyle
		if m.noticeErr {
			style = ErrorStyle
		}
		b.WriteString("\n" + style.Render(m.notice) + "\n")
	} else if m.snap.LastError != "" {
		b.WriteString("\n" + FormatError(errors.New(m.snap.LastError)) + "\n")
	}

	b.WriteString("\n" + m.input.View())
	b.WriteString("\n" + FooterStyle.Render(helpText))
	return b.String()
}

func (m *CallView) header() string {
	room := m.snap.RoomID
	if room == "" {
		room = "------"
	}
	title := fmt.Sprintf("%s Room %s", IconRoom, room)
	status := fmt.Sprintf("%s %s", IconConnect, m.snap.Relay)
	return HeaderStyle.Render(title) + " " + StatusStyle.Render(m.snap.State.String()) + " " + MutedStyle.Render(status)
}

func (m *CallView) requestsView() string {
	var lines []string
	for i, r := range m.snap.Requests {
		lines = append(lines, fmt.Sprintf("%s #%d %s wants to join", IconWaiting, i+1, BoldStyle.Render(r.DisplayName)))
	}
	return RequestBoxStyle.Render(strings.Join(lines, "\n"))
}

func (m *CallView) chatView() string {
	chat := m.snap.Chat
	if len(chat) == 0 {
		return MutedStyle.Render("No messages yet") + "\n"
	}
	if len(chat) > chatLines {
		chat = chat[len(chat)-chatLines:]
	}

	var b strings.Builder
	for _, c := range chat {
		name := c.SenderName
		if c.IsHost {
			name = IconHost + " " + name
		}
		fmt.Fprintf(&b, "%s %s: %s\n",
			MutedStyle.Render(c.Timestamp.Local().Format("15:04")),
			ChatSenderStyle.Render(name),
			c.Text,
		)
	}
	return b.String()
}
