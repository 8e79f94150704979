package ui

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatevents"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumberedLists(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"no list", "Plain answer.", "Plain answer."},
		{"inline items", "Steps: 1. foo 2. bar", "Steps: \n\n1. foo \n\n2. bar"},
		{"leading item", "1. foo 2. bar", "1. foo \n\n2. bar"},
		// a line break already present is completed to a blank line rather
		// than followed by a second one; the rendered list is the same
		{"single newline", "1. a\n2. b", "1. a\n\n2. b"},
		{"text ends a line", "Steps:\n1. a", "Steps:\n\n1. a"},
		{"already separated", "Intro\n\n1. a\n\n2. b", "Intro\n\n1. a\n\n2. b"},
		{"number without space", "Version 2.0 is out", "Version 2.0 is out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeNumberedLists(tc.in)
			require.Equal(t, tc.want, got)
			require.Equal(t, got, NormalizeNumberedLists(got))
		})
	}
}

func TestMarkdownRenderer(t *testing.T) {
	r, err := NewMarkdownRenderer("notty", 40)
	require.NoError(t, err)
	out := r.Render("Steps: 1. first 2. second")
	require.Contains(t, out, "first")
	require.Contains(t, out, "second")
	require.NoError(t, r.SetWidth(60))
	require.Equal(t, "", r.Render(""))

	require.Equal(t, "notty", ResolveStyle("notty"))
	require.Contains(t, []string{"dark", "light"}, ResolveStyle("auto"))
}

func assistantState(version uint64, id, content string, streaming bool) chat.ConversationState {
	phase := chat.PhaseStreaming
	outcome := chat.OutcomeNone
	if !streaming {
		phase = chat.PhaseIdle
		outcome = chat.OutcomeCompleted
	}
	return chat.ConversationState{
		SessionID:   "s1",
		Version:     version,
		Phase:       phase,
		LastOutcome: outcome,
		Messages: []chat.Message{
			{ID: "u-" + id, Role: chat.RoleUser, Content: "question"},
			{ID: id, Role: chat.RoleAssistant, Content: content, Streaming: streaming},
		},
	}
}

func TestPlainPrinter_WritesDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Observe(assistantState(1, "a1", "", true))
	p.Observe(assistantState(2, "a1", "Hel", true))
	p.Observe(assistantState(3, "a1", "Hello", true))
	p.Observe(assistantState(2, "a1", "Hel", true))
	p.Observe(assistantState(4, "a1", "Hello", false))
	require.Equal(t, "Hello\n", buf.String())

	p.Observe(assistantState(5, "a2", "Again", true))
	p.Observe(assistantState(6, "a2", "Again", false))
	require.Equal(t, "Hello\nAgain\n", buf.String())
}

func TestPlainPrinter_ReplacedReply(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Observe(assistantState(1, "a1", "Hel", true))
	failed := assistantState(2, "a1", chat.DefaultFailureMessage, false)
	failed.LastOutcome = chat.OutcomeFailed
	failed.LastError = chat.ErrorKindProtocol
	p.Observe(failed)
	require.Equal(t, "Hel\n"+chat.DefaultFailureMessage+"\n", buf.String())
}

type fakeConversation struct {
	mu        sync.Mutex
	sent      []string
	cancelled int
	state     chat.ConversationState
}

func (f *fakeConversation) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConversation) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeConversation) Snapshot() chat.ConversationState { return f.state }

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func TestModel_EnterSendsAndDisablesInput(t *testing.T) {
	conv := &fakeConversation{state: chat.ConversationState{SessionID: "s1"}}
	r, err := NewMarkdownRenderer("notty", 80)
	require.NoError(t, err)
	m := NewModel(context.Background(), conv, WithRenderer(r))

	m.input.SetValue("  hi there ")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	require.True(t, m.busy())
	require.False(t, m.input.Focused())
	require.Equal(t, "", m.input.Value())

	res := cmd()
	require.Equal(t, sendResultMsg{}, res)
	require.Equal(t, []string{"hi there"}, conv.sent)

	// a second enter while busy is ignored
	m.input.SetValue("again")
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd)

	m, _ = update(t, m, SnapshotMsg{State: assistantState(2, "a1", "He", true)})
	m, _ = update(t, m, res)
	require.True(t, m.busy())
	require.False(t, m.input.Focused())

	m, _ = update(t, m, SnapshotMsg{State: assistantState(3, "a1", "Hello", false)})
	require.False(t, m.busy())
	require.True(t, m.input.Focused())
	require.Contains(t, m.viewport.View(), "Hello")
}

func TestModel_IgnoresStaleSnapshots(t *testing.T) {
	conv := &fakeConversation{state: chat.ConversationState{SessionID: "s1"}}
	m := NewModel(context.Background(), conv)

	m, _ = update(t, m, SnapshotMsg{State: assistantState(4, "a1", "Hello", false)})
	m, _ = update(t, m, SnapshotMsg{State: assistantState(3, "a1", "Hel", true)})
	require.Equal(t, uint64(4), m.state.Version)
	require.False(t, m.state.IsStreaming())
}

func TestModel_EscCancelsAndCtrlYCopies(t *testing.T) {
	conv := &fakeConversation{state: chat.ConversationState{SessionID: "s1"}}
	var copied string
	m := NewModel(context.Background(), conv, WithClipboard(func(s string) error {
		copied = s
		return nil
	}))

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.Equal(t, 0, conv.cancelled)

	m, _ = update(t, m, SnapshotMsg{State: assistantState(1, "a1", "partial", true)})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.Equal(t, 1, conv.cancelled)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlY})
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	require.Equal(t, "partial", copied)
	require.Equal(t, "reply copied to clipboard", m.status)
}

type programRecorder struct {
	msgs []tea.Msg
}

func (p *programRecorder) Send(msg tea.Msg) { p.msgs = append(p.msgs, msg) }

func TestStateForwardFunc(t *testing.T) {
	rec := &programRecorder{}
	fn := StateForwardFunc(rec)

	msg, err := chatevents.NewSnapshotEvent(assistantState(7, "a1", "Hi", false)).ToMessage()
	require.NoError(t, err)
	require.NoError(t, fn(msg))

	require.NoError(t, fn(message.NewMessage(watermill.NewUUID(), []byte("not json"))))

	require.Len(t, rec.msgs, 1)
	snap, ok := rec.msgs[0].(SnapshotMsg)
	require.True(t, ok)
	require.Equal(t, uint64(7), snap.State.Version)
	require.Equal(t, "Hi", snap.State.Messages[1].Content)
}

func TestTokenCounter_Stats(t *testing.T) {
	var nilCounter *TokenCounter
	require.Equal(t, 0, nilCounter.Count("hello"))
	st := nilCounter.Stats("a\nb")
	require.Equal(t, Stats{Tokens: 0, Lines: 2, Bytes: 3}, st)

	c, err := NewTokenCounter("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	require.Greater(t, c.Count("hello world"), 0)
}

func TestProgramRelay(t *testing.T) {
	relay := &ProgramRelay{}
	relay.Send(SnapshotMsg{})

	rec := &programRecorder{}
	relay.Attach(rec)
	relay.Send(SnapshotMsg{State: chat.ConversationState{Version: 1}})
	relay.Detach()
	relay.Send(SnapshotMsg{State: chat.ConversationState{Version: 2}})

	require.Len(t, rec.msgs, 1)
}
