package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/ui"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type ChatCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ChatCommand)(nil)

type ChatSettings struct {
	Plain bool `glazed:"plain"`
}

func NewChatCommand() (*ChatCommand, error) {
	sessionSection, err := NewSessionSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := NewStoreSection("")
	if err != nil {
		return nil, err
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"chat",
		cmds.WithShort("Interactive chat with a streaming backend"),
		cmds.WithLong(`Start an interactive chat. When stdin and stdout are terminals a
full-screen UI is used; otherwise every input line is sent as a message and
replies are streamed to stdout.`),
		cmds.WithFlags(
			fields.New("plain", fields.TypeBool,
				fields.WithHelp("Use line mode even on a terminal"),
				fields.WithDefault(false)),
		),
		cmds.WithSections(sessionSection, storeSection, redisSection),
	)
	return &ChatCommand{CommandDescription: desc}, nil
}

func (c *ChatCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	cs := &ChatSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return errors.Wrap(err, "init chat settings")
	}
	ss, st, rs, err := decodeSettings(parsed)
	if err != nil {
		return err
	}

	store, err := openTranscriptStore(st.TranscriptDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sess, err := newSession(ss)
	if err != nil {
		return err
	}

	p, err := newPipeline(ctx, sess, rs, store)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	useTUI := !cs.Plain && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
	log.Info().Str("session_id", sess.ID()).Str("endpoint", sess.Endpoint()).Bool("tui", useTUI).Msg("starting chat")

	relay := &ui.ProgramRelay{}
	if useTUI {
		if err := p.addHandler(ctx, "ui", ui.StateForwardFunc(relay)); err != nil {
			return err
		}
	}

	return p.run(ctx, sess, func(ctx context.Context) error {
		if useTUI {
			return runTUI(ctx, sess, relay)
		}
		return runLines(ctx, sess, os.Stdin, w)
	})
}

// runTUI runs the full-screen chat until the user quits.
func runTUI(ctx context.Context, sess *chat.Session, relay *ui.ProgramRelay) error {
	opts := []ui.ModelOption{ui.WithTitle("Chat · " + sess.Endpoint())}
	counter, err := ui.NewTokenCounter(ui.DefaultEncoding)
	if err != nil {
		log.Warn().Err(err).Msg("token counts disabled")
	} else {
		opts = append(opts, ui.WithTokenCounter(counter))
	}

	model := ui.NewModel(ctx, sess, opts...)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	relay.Attach(program)
	defer relay.Detach()

	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "run chat ui")
	}
	return nil
}

// runLines sends every non-empty line of r and streams replies to w. Unless
// the session queues, each reply is awaited before the next line is sent.
func runLines(ctx context.Context, sess *chat.Session, r io.Reader, w io.Writer) error {
	printer := ui.NewPlainPrinter(w)
	unsubscribe := sess.OnChange(printer.Observe)
	defer unsubscribe()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := sess.Send(ctx, line); err != nil {
			if errors.Is(err, chat.ErrBusy) {
				_, _ = fmt.Fprintln(os.Stderr, "still answering, message dropped")
				continue
			}
			return err
		}
		if sess.Policy() != chat.SendPolicyQueue {
			if err := sess.Wait(ctx); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read input")
	}
	return sess.Wait(ctx)
}
