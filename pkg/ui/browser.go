package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
)

const listWidth = 60

var (
	browserTitleStyle = lipgloss.NewStyle().MarginLeft(2).Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	paginationStyle   = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle         = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	infoTitleStyle    = lipgloss.NewStyle().Bold(true).Underline(true).MarginBottom(1).Foreground(lipgloss.Color("#FFFDF5"))
	infoStyle         = lipgloss.NewStyle().MarginLeft(2)
	infoKeyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	infoValueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))

	listPane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)

	infoPane = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)

	noSelectionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Align(lipgloss.Center).
				PaddingTop(2)

	modalStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 3)

	modalTitleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)

	modalCloseHelpStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Align(lipgloss.Center).
				Padding(1, 0)

	selectedItemStyle = lipgloss.NewStyle().
				Width(listWidth - 10).
				Foreground(lipgloss.Color("#FFFDF5")).
				Background(lipgloss.Color("62"))
	normalItemStyle = lipgloss.NewStyle().
			Width(listWidth - 10).
			Foreground(lipgloss.Color("#FFFDF5"))
	normalDescStyle = lipgloss.NewStyle().
			Width(listWidth - 10).
			Foreground(lipgloss.Color("#AFAFAF"))
)

const (
	normalMode = iota
	modalMode
)

// ConversationItem is a stored conversation shown in the browser list.
type ConversationItem struct {
	Record chatstore.ConversationRecord
}

func (i ConversationItem) Title() string { return i.Record.ConvID }

func (i ConversationItem) Description() string {
	desc := i.Record.Status
	if i.Record.LastError != "" {
		desc += " (" + i.Record.LastError + ")"
	}
	if i.Record.LastActivityMs > 0 {
		desc += " · " + time.UnixMilli(i.Record.LastActivityMs).Format("2006-01-02 15:04")
	}
	return desc
}

func (i ConversationItem) FilterValue() string { return i.Record.ConvID }

// Format returns the side panel summary of the conversation.
func (i ConversationItem) Format() string {
	var sb strings.Builder
	sb.WriteString(infoTitleStyle.Render("Conversation"))
	sb.WriteString("\n\n")
	row := func(k, v string) {
		if v == "" {
			return
		}
		sb.WriteString(infoKeyStyle.Render(k + ": "))
		sb.WriteString(infoValueStyle.Render(v))
		sb.WriteString("\n")
	}
	r := i.Record
	row("ID", r.ConvID)
	row("Session", r.SessionID)
	row("Endpoint", r.Endpoint)
	row("Status", r.Status)
	row("Last error", r.LastError)
	row("Version", fmt.Sprintf("%d", r.LastSeenVersion))
	if r.CreatedAtMs > 0 {
		row("Created", time.UnixMilli(r.CreatedAtMs).Format(time.RFC1123))
	}
	if r.LastActivityMs > 0 {
		row("Last activity", time.UnixMilli(r.LastActivityMs).Format(time.RFC1123))
	}
	sb.WriteString("\n")
	sb.WriteString(infoStyle.Render("Press Enter to read the transcript"))
	return sb.String()
}

// TranscriptLoader fetches the full transcript of a conversation.
type TranscriptLoader func(convID string) (*chatstore.Transcript, error)

// Browser is a two-pane conversation browser: the list of stored
// conversations on the left, details on the right, the transcript in a modal.
type Browser struct {
	list          list.Model
	viewport      viewport.Model
	modalViewport viewport.Model
	load          TranscriptLoader
	renderer      *MarkdownRenderer
	selected      *ConversationItem
	ready         bool
	width         int
	height        int
	mode          int
}

func NewBrowser(records []chatstore.ConversationRecord, load TranscriptLoader, renderer *MarkdownRenderer) Browser {
	items := make([]list.Item, 0, len(records))
	for _, r := range records {
		items = append(items, ConversationItem{Record: r})
	}

	delegate := list.NewDefaultDelegate()
	delegate.Styles.NormalTitle = normalItemStyle
	delegate.Styles.NormalDesc = normalDescStyle
	delegate.Styles.SelectedTitle = selectedItemStyle
	delegate.Styles.SelectedDesc = selectedItemStyle

	l := list.New(items, delegate, 0, 0)
	l.Title = "Conversations"
	l.Styles.Title = browserTitleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(true)

	return Browser{
		list:     l,
		load:     load,
		renderer: renderer,
		mode:     normalMode,
	}
}

func (m Browser) Init() tea.Cmd {
	return nil
}

func (m *Browser) selectItem(it list.Item) {
	ci, ok := it.(ConversationItem)
	if !ok {
		return
	}
	if m.selected != nil && m.selected.Record.ConvID == ci.Record.ConvID {
		return
	}
	m.selected = &ci
	m.viewport.SetContent(ci.Format())
	m.viewport.GotoTop()
}

func (m Browser) transcriptView() string {
	if m.selected == nil {
		return ""
	}
	t, err := m.load(m.selected.Record.ConvID)
	if err != nil {
		return errorStyle.Render("failed to load transcript: " + err.Error())
	}
	if len(t.Messages) == 0 {
		return noSelectionStyle.Render("No messages stored")
	}
	var sb strings.Builder
	for i, msg := range t.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch msg.Role {
		case "user":
			sb.WriteString(userLabelStyle.Render("You"))
			sb.WriteString("\n")
			sb.WriteString(userTextStyle.Render(msg.Content))
		default:
			sb.WriteString(assistantLabelStyle.Render("Assistant"))
			sb.WriteString("\n")
			if m.renderer != nil {
				sb.WriteString(m.renderer.Render(msg.Content))
			} else {
				sb.WriteString(NormalizeNumberedLists(msg.Content))
			}
		}
	}
	return sb.String()
}

func (m Browser) baseView() string {
	listContent := listPane.Width(listWidth).Render(m.list.View())

	var infoContent string
	if m.selected != nil {
		infoContent = infoPane.
			Width(m.width - listWidth - 5).
			Height(m.height - 4).
			Render(m.viewport.View())
	} else {
		infoContent = infoPane.
			Width(m.width - listWidth - 5).
			Height(m.height - 4).
			Render(noSelectionStyle.Render("No conversation selected"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, listContent, infoContent)
}

func (m Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.mode {
		case normalMode:
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "enter":
				if m.selected != nil {
					m.mode = modalMode
					m.modalViewport.SetContent(m.transcriptView())
					m.modalViewport.GotoTop()
					return m, nil
				}
			}

			var listCmd tea.Cmd
			m.list, listCmd = m.list.Update(msg)
			m.selectItem(m.list.SelectedItem())
			cmds = append(cmds, listCmd)

		case modalMode:
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "esc", "enter", "backspace":
				m.mode = normalMode
				return m, nil
			}
			var viewportCmd tea.Cmd
			m.modalViewport, viewportCmd = m.modalViewport.Update(msg)
			cmds = append(cmds, viewportCmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		modalWidth := max(m.width-20, 20)
		modalHeight := max(m.height-10, 8)

		if !m.ready {
			m.list.SetSize(listWidth, m.height-3)
			m.viewport = viewport.New(max(m.width-listWidth-5, 10), max(m.height-2, 3))
			m.viewport.Style = lipgloss.NewStyle().Padding(0, 1)
			m.modalViewport = viewport.New(modalWidth-4, modalHeight-6)
			if len(m.list.Items()) > 0 {
				m.selectItem(m.list.SelectedItem())
			}
			m.ready = true
		} else {
			m.list.SetSize(listWidth, m.height-3)
			m.viewport.Width = max(m.width-listWidth-5, 10)
			m.viewport.Height = max(m.height-2, 3)
			m.modalViewport.Width = modalWidth - 4
			m.modalViewport.Height = modalHeight - 6
		}
		if m.renderer != nil {
			_ = m.renderer.SetWidth(max(modalWidth-8, 20))
		}
	}

	if m.mode == normalMode {
		var viewportCmd tea.Cmd
		m.viewport, viewportCmd = m.viewport.Update(msg)
		cmds = append(cmds, viewportCmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Browser) View() string {
	if !m.ready {
		return "Loading..."
	}
	if m.mode == modalMode {
		title := " Transcript " + m.selected.Record.ConvID + " "
		modal := modalStyle.Render(lipgloss.JoinVertical(
			lipgloss.Left,
			modalTitleStyle.Render(title),
			m.modalViewport.View(),
			modalCloseHelpStyle.Render("Press ESC or Enter to close"),
		))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal)
	}
	return m.baseView()
}

// Selected returns the conversation highlighted when the browser exited.
func (m Browser) Selected() (chatstore.ConversationRecord, bool) {
	if m.selected == nil {
		return chatstore.ConversationRecord{}, false
	}
	return m.selected.Record, true
}
