package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/filefilter"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/ui"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
)

type SendCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SendCommand)(nil)

type SendSettings struct {
	Message     string `glazed:"message"`
	Stats       bool   `glazed:"stats"`
	Interactive bool   `glazed:"interactive"`
}

func NewSendCommand() (*SendCommand, error) {
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
	contextSection, err := filefilter.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build context section")
	}

	desc := cmds.NewCommandDescription(
		"send",
		cmds.WithShort("Send one message and stream the reply to stdout"),
		cmds.WithLong(`Send a single message and print the reply as it streams. The command
exits with an error when the reply fails. With --interactive the conversation
can continue in the chat UI afterwards.`),
		cmds.WithArguments(
			fields.New("message", fields.TypeString,
				fields.WithHelp("Message to send"),
				fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("stats", fields.TypeBool,
				fields.WithHelp("Print token, line and byte counts of the reply to stderr"),
				fields.WithDefault(false)),
			fields.New("interactive", fields.TypeBool,
				fields.WithHelp("Offer to continue in the chat UI after the reply"),
				fields.WithDefault(false)),
		),
		cmds.WithSections(sessionSection, storeSection, redisSection, contextSection),
	)
	return &SendCommand{CommandDescription: desc}, nil
}

func (c *SendCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &SendSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init send settings")
	}
	if strings.TrimSpace(s.Message) == "" {
		return chat.ErrEmptyMessage
	}
	ss, st, rs, err := decodeSettings(parsed)
	if err != nil {
		return err
	}
	message, err := withContext(parsed, s.Message)
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

	interactive := s.Interactive && isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stderr.Fd())
	relay := &ui.ProgramRelay{}
	if interactive {
		if err := p.addHandler(ctx, "ui", ui.StateForwardFunc(relay)); err != nil {
			return err
		}
	}

	return p.run(ctx, sess, func(ctx context.Context) error {
		printer := ui.NewPlainPrinter(w)
		unsubscribe := sess.OnChange(printer.Observe)
		if err := sess.Send(ctx, message); err != nil {
			unsubscribe()
			return err
		}
		err := sess.Wait(ctx)
		unsubscribe()
		if err != nil {
			return err
		}

		snap := sess.Snapshot()
		if s.Stats {
			reply, _ := snap.LastAssistant()
			printStats(os.Stderr, reply.Content)
		}

		if interactive {
			cont, err := askForChatContinuation(os.Stderr, os.Stdin)
			if err != nil {
				return err
			}
			if cont {
				return runTUI(ctx, sess, relay)
			}
		}

		if snap.LastOutcome == chat.OutcomeFailed {
			if lastErr := sess.LastError(); lastErr != nil {
				return errors.Wrap(lastErr, "reply failed")
			}
			return errors.Errorf("reply failed: %s", snap.LastError)
		}
		return nil
	})
}

// withContext prepends the files selected by the context flags to message.
func withContext(parsed *values.Values, message string) (string, error) {
	cs := filefilter.Settings{}
	if err := parsed.DecodeSectionInto(filefilter.SectionSlug, &cs); err != nil {
		return "", errors.Wrap(err, "init context settings")
	}
	if len(cs.Paths) == 0 {
		return message, nil
	}
	ff, err := filefilter.NewFromSettings(cs)
	if err != nil {
		return "", err
	}
	files, err := filefilter.Collect(cs.Paths, ff, int64(cs.MaxTotalSize))
	if errors.Is(err, filefilter.ErrMaxTotalSizeExceeded) {
		log.Warn().Int("max_total_size", cs.MaxTotalSize).Int("files", len(files)).Msg("context truncated")
	} else if err != nil {
		return "", err
	}
	log.Debug().Int("files", len(files)).Msg("attached context")
	return filefilter.Format(files, message), nil
}

func printStats(w io.Writer, content string) {
	counter, err := ui.NewTokenCounter(ui.DefaultEncoding)
	if err != nil {
		log.Warn().Err(err).Msg("token counter unavailable")
	}
	stats := counter.Stats(content)
	_, _ = fmt.Fprintf(w, "Statistics:\n")
	if counter != nil {
		_, _ = fmt.Fprintf(w, "  Tokens: %d\n", stats.Tokens)
	}
	_, _ = fmt.Fprintf(w, "  Lines:  %d\n", stats.Lines)
	_, _ = fmt.Fprintf(w, "  Size:   %d bytes\n", stats.Bytes)
}

// askForChatContinuation asks on the terminal whether to keep chatting.
func askForChatContinuation(w io.Writer, r io.Reader) (bool, error) {
	prompt := &input.UI{
		Writer: w,
		Reader: r,
	}

	_, _ = fmt.Fprint(w, "\n")
	answer, err := prompt.Ask("Do you want to continue in chat mode? [Y/n]", &input.Options{
		Default:  "y",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	return answer == "y" || answer == "Y" || answer == "", nil
}
