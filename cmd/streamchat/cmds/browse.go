package cmds

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/streamchat/pkg/ui"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type TranscriptBrowseCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TranscriptBrowseCommand)(nil)

type TranscriptBrowseSettings struct {
	Limit int    `glazed:"limit"`
	Style string `glazed:"style"`
}

func NewTranscriptBrowseCommand() (*TranscriptBrowseCommand, error) {
	storeSection, err := NewStoreSection(DefaultTranscriptDB)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"browse",
		cmds.WithShort("Browse stored conversations in a terminal UI"),
		cmds.WithFlags(
			fields.New("limit", fields.TypeInteger,
				fields.WithHelp("Maximum number of conversations to load"),
				fields.WithDefault(200)),
			fields.New("style", fields.TypeChoice,
				fields.WithHelp("Markdown style for transcripts"),
				fields.WithChoices("auto", "dark", "light", "notty"),
				fields.WithDefault("auto")),
		),
		cmds.WithSections(storeSection),
	)
	return &TranscriptBrowseCommand{CommandDescription: desc}, nil
}

func (c *TranscriptBrowseCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &TranscriptBrowseSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	st := &StoreSettings{}
	if err := parsed.DecodeSectionInto(StoreSectionSlug, st); err != nil {
		return err
	}

	store, err := openExistingStore(st.TranscriptDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.ListConversations(ctx, s.Limit, 0)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	log.Debug().Int("conversations", len(records)).Msg("loaded conversations")

	renderer, err := ui.NewMarkdownRenderer(s.Style, 80)
	if err != nil {
		return errors.Wrap(err, "create markdown renderer")
	}
	browser := ui.NewBrowser(records, func(convID string) (*chatstore.Transcript, error) {
		return store.GetTranscript(ctx, convID, 0, 0)
	}, renderer)

	program := tea.NewProgram(browser, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "run browser")
	}
	return nil
}
