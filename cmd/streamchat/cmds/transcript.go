package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type TranscriptListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*TranscriptListCommand)(nil)

type TranscriptListSettings struct {
	Limit int    `glazed:"limit"`
	Since string `glazed:"since"`
}

func NewTranscriptListCommand() (*TranscriptListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := NewStoreSection(DefaultTranscriptDB)
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List stored conversations, most recent first"),
		cmds.WithFlags(
			fields.New("limit", fields.TypeInteger,
				fields.WithHelp("Maximum number of conversations"),
				fields.WithDefault(50)),
			fields.New("since", fields.TypeString,
				fields.WithHelp("Only conversations active within this duration (e.g. 24h)"),
				fields.WithDefault("")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection, storeSection),
	)
	return &TranscriptListCommand{CommandDescription: desc}, nil
}

func (c *TranscriptListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &TranscriptListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	st := &StoreSettings{}
	if err := parsed.DecodeSectionInto(StoreSectionSlug, st); err != nil {
		return err
	}

	var sinceMs int64
	if s.Since != "" {
		d, err := time.ParseDuration(s.Since)
		if err != nil {
			return errors.Wrapf(err, "parse since %q", s.Since)
		}
		sinceMs = time.Now().Add(-d).UnixMilli()
	}

	store, err := openExistingStore(st.TranscriptDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.ListConversations(ctx, s.Limit, sinceMs)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	for _, r := range records {
		row := types.NewRow(
			types.MRP("conv_id", r.ConvID),
			types.MRP("status", r.Status),
			types.MRP("last_error", r.LastError),
			types.MRP("version", r.LastSeenVersion),
			types.MRP("endpoint", r.Endpoint),
			types.MRP("created_at", formatMs(r.CreatedAtMs)),
			types.MRP("last_activity", formatMs(r.LastActivityMs)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type TranscriptShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TranscriptShowCommand)(nil)

type TranscriptShowSettings struct {
	ConvID       string `glazed:"conv-id"`
	Format       string `glazed:"format"`
	SinceVersion int    `glazed:"since-version"`
}

func NewTranscriptShowCommand() (*TranscriptShowCommand, error) {
	storeSection, err := NewStoreSection(DefaultTranscriptDB)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print the stored transcript of a conversation"),
		cmds.WithArguments(
			fields.New("conv-id", fields.TypeString,
				fields.WithHelp("Conversation id"),
				fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("format", fields.TypeChoice,
				fields.WithHelp("Output format"),
				fields.WithChoices("text", "yaml", "json"),
				fields.WithDefault("text")),
			fields.New("since-version", fields.TypeInteger,
				fields.WithHelp("Only messages changed after this version"),
				fields.WithDefault(0)),
		),
		cmds.WithSections(storeSection),
	)
	return &TranscriptShowCommand{CommandDescription: desc}, nil
}

func (c *TranscriptShowCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &TranscriptShowSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	st := &StoreSettings{}
	if err := parsed.DecodeSectionInto(StoreSectionSlug, st); err != nil {
		return err
	}
	if s.SinceVersion < 0 {
		return errors.Errorf("since-version must not be negative")
	}

	store, err := openExistingStore(st.TranscriptDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	conv, ok, err := store.GetConversation(ctx, s.ConvID)
	if err != nil {
		return errors.Wrap(err, "get conversation")
	}
	if !ok {
		return errors.Errorf("conversation %s not found", s.ConvID)
	}
	transcript, err := store.GetTranscript(ctx, s.ConvID, uint64(s.SinceVersion), 0)
	if err != nil {
		return errors.Wrap(err, "get transcript")
	}

	return writeTranscript(w, s.Format, conv, transcript)
}

type transcriptView struct {
	Conversation chatstore.ConversationRecord `json:"conversation" yaml:"conversation"`
	Transcript   *chatstore.Transcript        `json:"transcript" yaml:"transcript"`
}

func writeTranscript(w io.Writer, format string, conv chatstore.ConversationRecord, t *chatstore.Transcript) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(transcriptView{Conversation: conv, Transcript: t})
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(transcriptView{Conversation: conv, Transcript: t}); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "", "text":
	default:
		return errors.Errorf("unknown format %q", format)
	}

	_, _ = fmt.Fprintf(w, "Conversation %s (%s", conv.ConvID, conv.Status)
	if conv.LastError != "" {
		_, _ = fmt.Fprintf(w, ", %s", conv.LastError)
	}
	_, _ = fmt.Fprintf(w, ") version %d\n", t.Version)
	for _, m := range t.Messages {
		role := m.Role
		if m.Streaming {
			role += " (streaming)"
		}
		_, _ = fmt.Fprintf(w, "\n[%s] %s\n%s\n", formatMs(m.CreatedAtMs), role, strings.TrimRight(m.Content, "\n"))
	}
	return nil
}

// openExistingStore opens the transcript store for reading.
func openExistingStore(path string) (*chatstore.SQLiteTranscriptStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("transcript-db is required")
	}
	return openTranscriptStore(path)
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
