// Package tui renders a live view of a running daemon over its host socket.
package tui

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Client is the host connection the view drives.
type Client interface {
	Events() <-chan protocol.Envelope
	Call(ctx context.Context, method string, params, result any) error
}

const callTimeout = 10 * time.Second

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	itemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type (
	eventMsg        protocol.Envelope
	listMsg         []bus.NotificationEvent
	statusMsg       string
	errMsg          struct{ err error }
	disconnectedMsg struct{}
)

type model struct {
	ctx    context.Context
	client Client

	notes  []bus.NotificationEvent
	cursor int
	feed   *EventFeed

	status    string
	statusErr bool
	offline   bool
}

func newModel(ctx context.Context, client Client) model {
	return model{ctx: ctx, client: client, feed: NewEventFeed()}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.listCmd(), m.waitEvent())
}

func (m model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		env, ok := <-m.client.Events()
		if !ok {
			return disconnectedMsg{}
		}
		return eventMsg(env)
	}
}

func (m model) listCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, callTimeout)
		defer cancel()
		var res struct {
			Notifications []bus.NotificationEvent `json:"notifications"`
		}
		if err := m.client.Call(ctx, protocol.MethodHostList, nil, &res); err != nil {
			return errMsg{err}
		}
		return listMsg(res.Notifications)
	}
}

func (m model) clickCmd(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, callTimeout)
		defer cancel()
		var res agent.RouteResult
		if err := m.client.Call(ctx, protocol.MethodHostClick, protocol.NotificationRef{ID: id}, &res); err != nil {
			return errMsg{err}
		}
		if res.Error != "" {
			return errMsg{fmt.Errorf("%s: %s", res.Outcome, res.Error)}
		}
		return statusMsg(fmt.Sprintf("clicked %s: %s", id, res.Outcome))
	}
}

func (m model) closeCmd(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, callTimeout)
		defer cancel()
		if err := m.client.Call(ctx, protocol.MethodHostClose, protocol.NotificationRef{ID: id}, nil); err != nil {
			return errMsg{err}
		}
		return statusMsg("dismissed " + id)
	}
}

func (m model) selected() (bus.NotificationEvent, bool) {
	if m.cursor < 0 || m.cursor >= len(m.notes) {
		return bus.NotificationEvent{}, false
	}
	return m.notes[m.cursor], true
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.notes)-1 {
				m.cursor++
			}
		case "enter":
			if n, ok := m.selected(); ok && !m.offline {
				return m, m.clickCmd(n.ID)
			}
		case "x", "d":
			if n, ok := m.selected(); ok && !m.offline {
				return m, m.closeCmd(n.ID)
			}
		case "r":
			if !m.offline {
				return m, m.listCmd()
			}
		case "a":
			m.feed.Toggle()
		}
		return m, nil

	case eventMsg:
		env := protocol.Envelope(msg)
		m.feed.Add(Describe(env, time.Now()))
		var ev bus.NotificationEvent
		switch env.Name() {
		case protocol.MethodHostShown:
			if env.DecodeArgs(&ev) == nil {
				m.notes = append(m.notes, ev)
			}
		case protocol.MethodHostClosed:
			if env.DecodeArgs(&ev) == nil {
				m.remove(ev.ID)
			}
		}
		return m, m.waitEvent()

	case listMsg:
		m.notes = []bus.NotificationEvent(msg)
		m.clampCursor()
		return m, nil

	case statusMsg:
		m.status, m.statusErr = string(msg), false
		return m, nil

	case errMsg:
		m.status, m.statusErr = humanError(msg.err), true
		return m, nil

	case disconnectedMsg:
		m.offline = true
		m.status, m.statusErr = "daemon connection closed", true
		return m, nil
	}
	return m, nil
}

func (m *model) remove(id string) {
	for i, n := range m.notes {
		if n.ID == id {
			m.notes = append(m.notes[:i], m.notes[i+1:]...)
			break
		}
	}
	m.clampCursor()
}

func (m *model) clampCursor() {
	if m.cursor >= len(m.notes) {
		m.cursor = len(m.notes) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("PushKeeper"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d open notification(s)", len(m.notes))))
	b.WriteString("\n\n")

	if len(m.notes) == 0 {
		b.WriteString(dimStyle.Render("  (none)") + "\n")
	}
	for i, n := range m.notes {
		line := n.Title
		if n.Body != "" {
			line += " · " + n.Body
		}
		if n.ChatID != "" {
			line += dimStyle.Render(" [" + n.ChatID + "]")
		}
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+line) + "\n")
		} else {
			b.WriteString(itemStyle.Render("  "+line) + "\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(m.feed.View())

	if m.status != "" {
		style := dimStyle
		if m.statusErr {
			style = errStyle
		}
		b.WriteString("\n" + style.Render(m.status) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("enter click · x dismiss · r refresh · a activity · q quit") + "\n")
	return b.String()
}

// Watch runs the view until the user quits or ctx ends.
func Watch(ctx context.Context, client Client) error {
	defer resetTTY()

	p := tea.NewProgram(newModel(ctx, client))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// humanError keeps the innermost message of a wrapped error.
// "send notification.click: connection refused" -> "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}

// resetTTY restores a sane terminal if the program exited mid-render.
func resetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
