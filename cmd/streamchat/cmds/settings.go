package cmds

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/sse"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SessionSectionSlug = "session"
	StoreSectionSlug   = "store"

	DefaultEndpoint     = "http://localhost:8000/chat"
	DefaultTranscriptDB = "~/.streamchat/transcripts.db"
)

// SessionSettings configures the chat session talking to the backend.
type SessionSettings struct {
	Endpoint       string   `glazed:"endpoint"`
	IdleTimeout    string   `glazed:"idle-timeout"`
	SendPolicy     string   `glazed:"send-policy"`
	FailureMessage string   `glazed:"failure-message"`
	StrictUTF8     bool     `glazed:"strict-utf8"`
	Headers        []string `glazed:"header"`
	ConvID         string   `glazed:"conv-id"`
}

type StoreSettings struct {
	TranscriptDB string `glazed:"transcript-db"`
}

func NewSessionSection() (schema.Section, error) {
	return schema.NewSection(
		SessionSectionSlug,
		"Chat backend session",
		schema.WithFields(
			fields.New("endpoint", fields.TypeString,
				fields.WithHelp("Chat endpoint receiving POST {\"message\": ...}"),
				fields.WithDefault(DefaultEndpoint)),
			fields.New("idle-timeout", fields.TypeString,
				fields.WithHelp("Abort a reply when no bytes arrive for this long (0 disables)"),
				fields.WithDefault(chat.DefaultIdleTimeout.String())),
			fields.New("send-policy", fields.TypeChoice,
				fields.WithHelp("What to do with a message sent while a reply is streaming"),
				fields.WithChoices(chat.SendPolicyDrop.String(), chat.SendPolicyQueue.String()),
				fields.WithDefault(chat.SendPolicyDrop.String())),
			fields.New("failure-message", fields.TypeString,
				fields.WithHelp("Text shown in place of a failed reply"),
				fields.WithDefault(chat.DefaultFailureMessage)),
			fields.New("strict-utf8", fields.TypeBool,
				fields.WithHelp("Fail the reply on invalid UTF-8 instead of replacing bad bytes"),
				fields.WithDefault(false)),
			fields.New("header", fields.TypeStringList,
				fields.WithHelp("Extra request header as 'Name: value' (repeatable)")),
			fields.New("conv-id", fields.TypeString,
				fields.WithHelp("Conversation id used for the session and transcript (default: random)"),
				fields.WithDefault("")),
		),
	)
}

func NewStoreSection(defaultPath string) (schema.Section, error) {
	return schema.NewSection(
		StoreSectionSlug,
		"Transcript store",
		schema.WithFields(
			fields.New("transcript-db", fields.TypeString,
				fields.WithHelp("SQLite file mirroring chat transcripts (empty disables)"),
				fields.WithDefault(defaultPath)),
		),
	)
}

func decodeSettings(parsed *values.Values) (SessionSettings, StoreSettings, redisstream.Settings, error) {
	var (
		ss SessionSettings
		st StoreSettings
		rs redisstream.Settings
	)
	if err := parsed.DecodeSectionInto(SessionSectionSlug, &ss); err != nil {
		return ss, st, rs, errors.Wrap(err, "init session settings")
	}
	if err := parsed.DecodeSectionInto(StoreSectionSlug, &st); err != nil {
		return ss, st, rs, errors.Wrap(err, "init store settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return ss, st, rs, errors.Wrap(err, "init redis settings")
	}
	return ss, st, rs, nil
}

// sessionOptions translates settings into session options.
func sessionOptions(s SessionSettings) ([]chat.SessionOption, error) {
	var opts []chat.SessionOption

	if s.IdleTimeout != "" {
		d, err := time.ParseDuration(s.IdleTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "parse idle-timeout %q", s.IdleTimeout)
		}
		opts = append(opts, chat.WithIdleTimeout(d))
	}

	policy, err := chat.ParseSendPolicy(s.SendPolicy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, chat.WithSendPolicy(policy))

	if s.FailureMessage != "" {
		opts = append(opts, chat.WithFailureMessage(s.FailureMessage))
	}
	if s.StrictUTF8 {
		opts = append(opts, chat.WithTokenizerOptions(sse.WithStrictUTF8()))
	}
	for _, h := range s.Headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		opts = append(opts, chat.WithHeader(name, strings.TrimSpace(value)))
	}
	if s.ConvID != "" {
		opts = append(opts, chat.WithSessionID(s.ConvID))
	}
	return opts, nil
}

func newSession(s SessionSettings) (*chat.Session, error) {
	opts, err := sessionOptions(s)
	if err != nil {
		return nil, err
	}
	return chat.NewSession(s.Endpoint, opts...)
}

// openTranscriptStore opens the SQLite transcript mirror. An empty path
// returns a nil store.
func openTranscriptStore(path string) (*chatstore.SQLiteTranscriptStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "expand %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, errors.Wrap(err, "create transcript directory")
	}
	store, err := chatstore.OpenSQLiteTranscriptStore(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "open transcript store %s", expanded)
	}
	log.Debug().Str("component", "store").Str("path", expanded).Msg("opened transcript store")
	return store, nil
}
