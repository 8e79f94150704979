package ui

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatevents"
	"github.com/rs/zerolog/log"
)

// SnapshotMsg carries a conversation snapshot into the Bubble Tea program.
type SnapshotMsg struct {
	State chat.ConversationState
}

// ProgramSender is the part of *tea.Program used to deliver snapshots.
type ProgramSender interface {
	Send(msg tea.Msg)
}

// StateForwardFunc returns a handler that decodes snapshot events from the
// bus and sends them to the program.
func StateForwardFunc(p ProgramSender) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()
		ev, err := chatevents.DecodeSnapshot(msg.Payload)
		if err != nil {
			log.Warn().Str("component", "ui").Err(err).Msg("dropping undecodable snapshot")
			return nil
		}
		log.Trace().Str("component", "ui").Uint64("version", ev.Version).Str("phase", ev.Phase.String()).Msg("forwarding snapshot")
		p.Send(SnapshotMsg{State: ev.State()})
		return nil
	}
}

// ProgramRelay forwards messages to the attached program and drops them
// while none is attached. It lets the bus handler be registered before the
// program exists.
type ProgramRelay struct {
	mu sync.Mutex
	p  ProgramSender
}

func (r *ProgramRelay) Attach(p ProgramSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = p
}

func (r *ProgramRelay) Detach() {
	r.Attach(nil)
}

func (r *ProgramRelay) Send(msg tea.Msg) {
	r.mu.Lock()
	p := r.p
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}
