package ui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/asheshgoplani/agentsession/internal/clipboard"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

// Driver is the part of an orchestrator the session view needs.
type Driver interface {
	Dispatch(cmd orchestrator.Command) error
	Status() orchestrator.Status
}

// SessionOptions tunes a SessionModel.
type SessionOptions struct {
	// FatalThreshold of consecutive failed health checks before the status
	// bar reports the server as unreachable.
	FatalThreshold int
	// Theme, when set, restyles the view on OS theme changes.
	Theme *ThemeWatcher
}

type statusMsg orchestrator.Status

// copyText is replaced in tests.
var copyText = func(text string) (*clipboard.CopyResult, error) {
	return clipboard.Copy(text, true)
}

type updatesClosedMsg struct{}

// chrome is the number of rows used by everything except the conversation:
// header, status bar and the bordered input.
const chrome = 1 + 1 + 3

// SessionModel is a full-screen view of one session: the conversation in a
// scrollable viewport, a status bar and an input line.
type SessionModel struct {
	driver  Driver
	updates <-chan orchestrator.Status
	opts    SessionOptions

	status   orchestrator.Status
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	width, height int
	ready         bool
	rendered      int
	notice        string
	noticeIsError bool
	quitting      bool
}

// NewSessionModel returns a model fed by updates, typically the channel
// from Orchestrator.Subscribe.
func NewSessionModel(d Driver, updates <-chan orchestrator.Status, opts SessionOptions) *SessionModel {
	ti := textinput.New()
	ti.Placeholder = "Message the agent, or /pause /resume /reset /delete /quit"
	ti.Prompt = "› "
	ti.CharLimit = 0
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	return &SessionModel{
		driver:  d,
		updates: updates,
		opts:    opts,
		status:  d.Status(),
		input:   ti,
		spinner: sp,
	}
}

func waitForStatus(ch <-chan orchestrator.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return statusMsg(st)
	}
}

func (m *SessionModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick, waitForStatus(m.updates)}
	if m.opts.Theme != nil {
		cmds = append(cmds, listenForTheme(m.opts.Theme))
	}
	return tea.Batch(cmds...)
}

func (m *SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := max(msg.Height-chrome, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, h
		}
		m.input.Width = max(msg.Width-6, 10)
		m.refresh(true)
		return m, nil

	case statusMsg:
		m.status = orchestrator.Status(msg)
		m.refresh(false)
		if m.status.State.Terminal() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForStatus(m.updates)

	case updatesClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case themeChangedMsg:
		InitTheme(msg.theme)
		uiLog.Debug("theme_changed", slog.String("theme", string(msg.theme)))
		m.refresh(false)
		return m, listenForTheme(m.opts.Theme)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *SessionModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "ctrl+p":
		m.dispatch(orchestrator.Toggle())
		return m, nil
	case "ctrl+y":
		m.copyLastAgentMessage()
		return m, nil
	case "esc":
		m.input.Reset()
		m.notice = ""
		return m, nil
	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case "enter":
		line := m.input.Value()
		m.input.Reset()
		cmd, quit, err := ParseInput(line)
		if quit {
			m.quitting = true
			return m, tea.Quit
		}
		if err != nil {
			m.setNotice(err.Error(), true)
			return m, nil
		}
		if cmd.Type != "" {
			m.dispatch(cmd)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *SessionModel) dispatch(cmd orchestrator.Command) {
	err := m.driver.Dispatch(cmd)
	switch {
	case err == nil:
		m.notice = ""
	case errors.Is(err, orchestrator.ErrIgnored):
		m.setNotice(fmt.Sprintf("%s is not available while %s", cmd.Type, m.driver.Status().State), false)
	default:
		m.setNotice(err.Error(), true)
	}
}

func (m *SessionModel) copyLastAgentMessage() {
	msgs := m.status.View.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type != events.MessageAgent {
			continue
		}
		res, err := copyText(msgs[i].Text)
		if err != nil {
			m.setNotice(err.Error(), true)
			return
		}
		m.setNotice(fmt.Sprintf("copied %d line(s) via %s", res.LineCount, res.Method), false)
		return
	}
	m.setNotice("no agent message to copy", false)
}

func (m *SessionModel) setNotice(text string, isError bool) {
	m.notice = text
	m.noticeIsError = isError
}

// refresh re-renders the conversation, following new messages when the
// viewport was already at the bottom.
func (m *SessionModel) refresh(force bool) {
	if !m.ready {
		return
	}
	follow := force || m.viewport.AtBottom() || len(m.status.View.Messages) < m.rendered
	m.viewport.SetContent(renderConversation(m.status.View, m.viewport.Width))
	m.rendered = len(m.status.View.Messages)
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *SessionModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "loading…"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewport.View(),
		m.statusBarView(),
		InputBoxStyle.Width(max(m.width-2, 10)).Render(m.input.View()),
	)
}

func (m *SessionModel) headerView() string {
	name := m.status.Context.Name
	if name == "" {
		name = m.status.ID
	}
	return HeaderStyle.Render(name) + " " + DimStyle.Render(m.status.Context.Host) + "  " + stateLabel(m.status.State)
}

func (m *SessionModel) statusBarView() string {
	st := m.status
	var parts []string
	if busy(st) {
		parts = append(parts, m.spinner.View())
	}
	switch {
	case st.Fatal(m.opts.FatalThreshold):
		parts = append(parts, ErrorStyle.Render(fmt.Sprintf("agent server unreachable (%d attempts)", st.Context.HealthcheckRetry)))
	case st.View.Ended:
		parts = append(parts, "session ended")
	case st.View.UserRequest:
		parts = append(parts, WarningStyle.Render("agent is waiting for your response"))
	case st.View.ToolMessage != "":
		parts = append(parts, st.View.ToolMessage)
	case st.View.ModelLoading:
		parts = append(parts, "thinking…")
	}
	if m.notice != "" {
		style := WarningStyle
		if m.noticeIsError {
			style = ErrorStyle
		}
		parts = append(parts, style.Render(m.notice))
	}
	return StatusBarStyle.Width(max(m.width, 1)).MaxHeight(1).Render(strings.Join(parts, "  "))
}

// busy reports whether the spinner should run: the agent is thinking or
// the session is in a transitional state.
func busy(st orchestrator.Status) bool {
	if st.View.ModelLoading {
		return true
	}
	switch st.State {
	case orchestrator.StateRunning, orchestrator.StatePaused,
		orchestrator.StateSessionReady, orchestrator.StateSessionDoesNotExist,
		orchestrator.StateStopped, orchestrator.StateError:
		return false
	}
	return true
}

func stateLabel(s orchestrator.State) string {
	switch {
	case s == orchestrator.StateRunning:
		return SuccessStyle.Render("● " + string(s))
	case s == orchestrator.StateHealthcheckRetry:
		return WarningStyle.Render("◐ " + string(s))
	case s.Terminal():
		return ErrorStyle.Render("✕ " + string(s))
	}
	return DimStyle.Render("○ " + string(s))
}

// renderConversation lays out every message with a colored label and the
// text wrapped to the remaining width.
func renderConversation(view events.SessionView, width int) string {
	if len(view.Messages) == 0 {
		return DimStyle.Render("No messages yet.")
	}
	const labelWidth = 9
	body := lipgloss.NewStyle().Width(max(width-labelWidth, 10))
	rows := make([]string, 0, len(view.Messages))
	for _, msg := range view.Messages {
		label := labelStyle(msg.Type).Width(labelWidth).Render(messageLabel(msg.Type))
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, label, body.Render(msg.Text)))
	}
	return strings.Join(rows, "\n")
}

func messageLabel(t events.MessageType) string {
	switch t {
	case events.MessageUser:
		return "you"
	case events.MessageAgent:
		return "agent"
	case events.MessageCommand:
		return "cmd"
	case "":
		return "?"
	}
	return string(t)
}
