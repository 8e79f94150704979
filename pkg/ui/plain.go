package ui

import (
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/streamchat/pkg/chat"
)

// PlainPrinter writes assistant replies to a plain writer as they stream.
// Only text that was not written before is emitted. When a reply is
// replaced wholesale (the failure text), the replacement is written on a new
// line. Each finished reply is terminated by a newline.
type PlainPrinter struct {
	w io.Writer

	mu       sync.Mutex
	version  uint64
	replyID  string
	written  string
	finished bool
}

func NewPlainPrinter(w io.Writer) *PlainPrinter {
	return &PlainPrinter{w: w}
}

// Observe is a chat.Listener.
func (p *PlainPrinter) Observe(st chat.ConversationState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Version != 0 && st.Version <= p.version {
		return
	}
	p.version = st.Version

	reply, ok := st.LastAssistant()
	if !ok {
		return
	}
	if reply.ID != p.replyID {
		p.replyID = reply.ID
		p.written = ""
		p.finished = false
	}
	if p.finished {
		return
	}

	switch {
	case strings.HasPrefix(reply.Content, p.written):
		p.write(reply.Content[len(p.written):])
	default:
		if p.written != "" && !strings.HasSuffix(p.written, "\n") {
			p.write("\n")
		}
		p.write(reply.Content)
	}
	p.written = reply.Content

	if !reply.Streaming {
		p.finished = true
		if reply.Content != "" {
			p.write("\n")
		}
	}
}

func (p *PlainPrinter) write(s string) {
	if s == "" {
		return
	}
	_, _ = io.WriteString(p.w, s)
}
