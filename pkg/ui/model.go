package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const streamingCursor = "▍"

var (
	titleStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	userTextStyle       = lipgloss.NewStyle().PaddingLeft(2)
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	cursorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpText            = "enter send · esc cancel · ctrl+y copy reply · ctrl+c quit"
)

// Conversation is what the model drives. *chat.Session implements it.
type Conversation interface {
	Send(ctx context.Context, text string) error
	Cancel()
	Snapshot() chat.ConversationState
}

type sendResultMsg struct{ err error }

type copiedMsg struct{ err error }

// Model is the Bubble Tea chat program. It renders from snapshots delivered
// as SnapshotMsg and never reads session state directly after start.
type Model struct {
	ctx  context.Context
	conv Conversation

	title    string
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *MarkdownRenderer
	tokens   *TokenCounter
	copy     func(string) error

	state   chat.ConversationState
	pending bool
	ticking bool
	status  string
	width   int
}

type ModelOption func(*Model)

func WithTitle(title string) ModelOption {
	return func(m *Model) { m.title = title }
}

func WithTokenCounter(c *TokenCounter) ModelOption {
	return func(m *Model) { m.tokens = c }
}

func WithRenderer(r *MarkdownRenderer) ModelOption {
	return func(m *Model) { m.renderer = r }
}

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) ModelOption {
	return func(m *Model) { m.copy = fn }
}

func NewModel(ctx context.Context, conv Conversation, opts ...ModelOption) Model {
	ti := textinput.New()
	ti.Placeholder = "Type your message..."
	ti.Prompt = "> "
	ti.CharLimit = 4000
	ti.Width = 76
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	vp := viewport.New(80, 20)
	vp.Style = lipgloss.NewStyle()

	m := Model{
		ctx:      ctx,
		conv:     conv,
		title:    "Chat",
		input:    ti,
		viewport: vp,
		spinner:  sp,
		copy:     clipboard.WriteAll,
		state:    conv.Snapshot(),
		width:    80,
	}
	for _, o := range opts {
		o(&m)
	}
	if m.renderer == nil {
		r, err := NewMarkdownRenderer("auto", m.width)
		if err != nil {
			log.Warn().Str("component", "ui").Err(err).Msg("markdown rendering disabled")
		}
		m.renderer = r
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) busy() bool {
	return m.pending || m.state.Phase != chat.PhaseIdle
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 3)
		m.input.Width = max(msg.Width-4, 10)
		if m.renderer != nil {
			if err := m.renderer.SetWidth(max(msg.Width-4, 20)); err != nil {
				log.Warn().Str("component", "ui").Err(err).Msg("resize markdown renderer")
			}
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case SnapshotMsg:
		return m.applySnapshot(msg.State)

	case sendResultMsg:
		m.pending = false
		switch {
		case msg.err == nil:
		case errors.Is(msg.err, chat.ErrBusy):
			m.status = "still answering, message dropped"
		case errors.Is(msg.err, chat.ErrEmptyMessage):
		default:
			m.status = "send failed: " + msg.err.Error()
		}
		return m, m.syncInput()

	case copiedMsg:
		if msg.err != nil {
			m.status = "copy failed: " + msg.err.Error()
		} else {
			m.status = "reply copied to clipboard"
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy() {
			m.ticking = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "esc":
		if m.busy() {
			m.conv.Cancel()
			m.status = "cancelling..."
		}
		return m, nil

	case "ctrl+y":
		reply, ok := m.state.LastAssistant()
		if !ok || reply.Content == "" {
			m.status = "nothing to copy"
			return m, nil
		}
		copyFn, content := m.copy, reply.Content
		return m, func() tea.Msg { return copiedMsg{err: copyFn(content)} }

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy() {
			return m, nil
		}
		m.input.Reset()
		m.input.Blur()
		m.pending = true
		m.status = ""
		ctx, conv := m.ctx, m.conv
		return m, func() tea.Msg { return sendResultMsg{err: conv.Send(ctx, text)} }
	}

	if m.busy() {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) applySnapshot(st chat.ConversationState) (tea.Model, tea.Cmd) {
	if m.state.Version > 0 && st.Version <= m.state.Version {
		return m, nil
	}
	m.state = st
	m.refresh()

	switch {
	case st.Phase != chat.PhaseIdle:
		m.status = ""
	case st.LastOutcome == chat.OutcomeFailed:
		m.status = errorStyle.Render("failed: " + st.LastError.String())
	}

	cmds := []tea.Cmd{m.syncInput()}
	if m.busy() && !m.ticking {
		m.ticking = true
		cmds = append(cmds, m.spinner.Tick)
	}
	return m, tea.Batch(cmds...)
}

// syncInput disables the input while a send is in flight.
func (m *Model) syncInput() tea.Cmd {
	if m.busy() {
		m.input.Blur()
		return nil
	}
	return m.input.Focus()
}

func (m *Model) refresh() {
	var sb strings.Builder
	for i, msg := range m.state.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch msg.Role {
		case chat.RoleUser:
			sb.WriteString(userLabelStyle.Render("You"))
			sb.WriteString("\n")
			sb.WriteString(userTextStyle.Render(msg.Content))
		case chat.RoleAssistant:
			sb.WriteString(assistantLabelStyle.Render("Assistant"))
			sb.WriteString("\n")
			sb.WriteString(m.renderMarkdown(msg.Content))
			if msg.Streaming {
				sb.WriteString(cursorStyle.Render(streamingCursor))
			}
		}
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m *Model) renderMarkdown(text string) string {
	if m.renderer == nil {
		return NormalizeNumberedLists(text)
	}
	return m.renderer.Render(text)
}

func (m Model) statusLine() string {
	parts := []string{}
	switch m.state.Phase {
	case chat.PhaseSending:
		parts = append(parts, "sending")
	case chat.PhaseStreaming:
		parts = append(parts, "streaming")
	}
	if reply, ok := m.state.LastAssistant(); ok && m.tokens != nil && reply.Content != "" {
		parts = append(parts, fmt.Sprintf("%d tokens", m.tokens.Count(reply.Content)))
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if len(parts) == 0 {
		return helpText
	}
	return strings.Join(parts, " · ")
}

func (m Model) View() string {
	header := titleStyle.Render(m.title)
	if m.busy() {
		header += " " + m.spinner.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		statusStyle.Render(m.statusLine()),
		m.input.View(),
	)
}
