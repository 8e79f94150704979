package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// echoServer replies to every message with "echo: <message>" split over two
// records.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: echo: \n\ndata: %s\n\ndata: [DONE]\n\n", req.Message)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionOptions(t *testing.T) {
	base := SessionSettings{
		Endpoint:    "http://localhost:8000/chat",
		IdleTimeout: "5s",
		SendPolicy:  "queue",
		Headers:     []string{"Authorization: Bearer x", "X-Trace:1"},
		ConvID:      "conv-1",
	}
	sess, err := newSession(base)
	require.NoError(t, err)
	require.Equal(t, "conv-1", sess.ID())
	require.Equal(t, chat.SendPolicyQueue, sess.Policy())

	bad := base
	bad.Headers = []string{"no-colon"}
	_, err = newSession(bad)
	require.Error(t, err)

	bad = base
	bad.IdleTimeout = "soon"
	_, err = newSession(bad)
	require.Error(t, err)

	bad = base
	bad.SendPolicy = "shout"
	_, err = newSession(bad)
	require.Error(t, err)

	bad = base
	bad.Endpoint = "localhost:8000"
	_, err = newSession(bad)
	require.Error(t, err)
}

func TestRunLines(t *testing.T) {
	srv := echoServer(t)
	sess, err := chat.NewSession(srv.URL)
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	in := strings.NewReader("hello\n\n  \nagain\n/quit\nnever sent\n")
	require.NoError(t, runLines(ctx, sess, in, &out))
	require.Equal(t, "echo: hello\necho: again\n", out.String())
	require.Len(t, sess.Snapshot().Messages, 4)
}

func TestPipeline_MirrorsTranscript(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openTranscriptStore(filepath.Join(t.TempDir(), "nested", "transcripts.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	sess, err := newSession(SessionSettings{Endpoint: srv.URL, SendPolicy: "drop", ConvID: "conv-42"})
	require.NoError(t, err)

	p, err := newPipeline(ctx, sess, redisstream.Settings{}, store)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	err = p.run(ctx, sess, func(ctx context.Context) error {
		if err := sess.Send(ctx, "ping"); err != nil {
			return err
		}
		return sess.Wait(ctx)
	})
	require.NoError(t, err)

	final := sess.Snapshot()
	require.True(t, p.caughtUp(final.Version))

	transcript, err := store.GetTranscript(ctx, "conv-42", 0, 0)
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 2)
	require.Equal(t, "user", transcript.Messages[0].Role)
	require.Equal(t, "ping", transcript.Messages[0].Content)
	require.Equal(t, "assistant", transcript.Messages[1].Role)
	require.Equal(t, "echo: ping", transcript.Messages[1].Content)
	require.False(t, transcript.Messages[1].Streaming)

	conv, ok, err := store.GetConversation(ctx, "conv-42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "completed", conv.Status)
	require.Equal(t, srv.URL, conv.Endpoint)
}

func TestWriteTranscript(t *testing.T) {
	conv := chatstore.ConversationRecord{ConvID: "c1", Status: "failed", LastError: "protocol"}
	tr := &chatstore.Transcript{
		ConvID:  "c1",
		Version: 3,
		Messages: []chatstore.MessageRecord{
			{ID: "u1", Seq: 0, Role: "user", Content: "hi", Version: 1},
			{ID: "a1", Seq: 1, Role: "assistant", Content: chat.DefaultFailureMessage, Version: 3},
		},
	}

	var text bytes.Buffer
	require.NoError(t, writeTranscript(&text, "text", conv, tr))
	require.Contains(t, text.String(), "Conversation c1 (failed, protocol) version 3")
	require.Contains(t, text.String(), "] user\nhi\n")
	require.Contains(t, text.String(), chat.DefaultFailureMessage)

	var js bytes.Buffer
	require.NoError(t, writeTranscript(&js, "json", conv, tr))
	var decoded transcriptView
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	require.Equal(t, "c1", decoded.Conversation.ConvID)
	require.Len(t, decoded.Transcript.Messages, 2)

	var ym bytes.Buffer
	require.NoError(t, writeTranscript(&ym, "yaml", conv, tr))
	var generic map[string]interface{}
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &generic))
	require.Contains(t, generic, "conversation")
	require.Contains(t, ym.String(), "content: hi")

	require.Error(t, writeTranscript(&bytes.Buffer{}, "xml", conv, tr))
}

func TestOpenExistingStore_RequiresPath(t *testing.T) {
	_, err := openExistingStore("  ")
	require.Error(t, err)

	store, err := openTranscriptStore("")
	require.NoError(t, err)
	require.Nil(t, store)
}

const testProfiles = `staging:
  session:
    endpoint: https://staging.example.com/chat
    send-policy: queue
    strict-utf8: true
    header: "X-Env: staging"
  store:
    transcript-db: /tmp/staging.db
  redis:
    redis-enabled: true
    redis-db: 3
`

// parseWithProfile parses args the way the CLI does, with the given profile
// settings selecting the profile.
func parseWithProfile(t *testing.T, args []string, ps cli.ProfileSettings) (SessionSettings, StoreSettings, redisstream.Settings, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	sections, err := profileSections()
	require.NoError(t, err)
	cmd := &cobra.Command{Use: "test"}
	for _, s := range sections {
		cs, ok := s.(schema.CobraSection)
		require.True(t, ok)
		require.NoError(t, cs.AddSectionToCobraCommand(cmd))
	}
	require.NoError(t, cmd.ParseFlags(args))

	middlewares_, err := commandMiddlewares(cmd, nil, cli.CommandSettings{}, ps)
	require.NoError(t, err)
	parsed := values.New()
	if err := sources.Execute(schema.NewSchema(schema.WithSections(sections...)), parsed, middlewares_...); err != nil {
		return SessionSettings{}, StoreSettings{}, redisstream.Settings{}, err
	}
	return decodeSettings(parsed)
}

func writeProfiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfiles), 0o644))
	return path
}

func TestProfile_FillsUnsetFlags(t *testing.T) {
	path := writeProfiles(t)
	ss, st, rs, err := parseWithProfile(t, nil, cli.ProfileSettings{Profile: "staging", ProfileFile: path})
	require.NoError(t, err)

	require.Equal(t, "https://staging.example.com/chat", ss.Endpoint)
	require.Equal(t, "queue", ss.SendPolicy)
	require.True(t, ss.StrictUTF8)
	require.Equal(t, []string{"X-Env: staging"}, ss.Headers)
	require.Equal(t, chat.DefaultIdleTimeout.String(), ss.IdleTimeout)
	require.Equal(t, "/tmp/staging.db", st.TranscriptDB)
	require.True(t, rs.Enabled)
	require.Equal(t, 3, rs.DB)
	require.Equal(t, "localhost:6379", rs.Addr)
}

func TestProfile_ExplicitFlagsWin(t *testing.T) {
	path := writeProfiles(t)
	// values equal to the flag defaults still count as given
	ss, _, rs, err := parseWithProfile(t, []string{
		"--send-policy", "drop",
		"--endpoint", DefaultEndpoint,
		"--strict-utf8=false",
		"--header", "X-Trace: 1",
		"--redis-enabled=false",
	}, cli.ProfileSettings{Profile: "staging", ProfileFile: path})
	require.NoError(t, err)

	require.Equal(t, "drop", ss.SendPolicy)
	require.Equal(t, DefaultEndpoint, ss.Endpoint)
	require.False(t, ss.StrictUTF8)
	require.Equal(t, []string{"X-Trace: 1"}, ss.Headers)
	require.False(t, rs.Enabled)
	require.Equal(t, 3, rs.DB)
}

func TestProfile_Selection(t *testing.T) {
	path := writeProfiles(t)

	_, _, _, err := parseWithProfile(t, nil, cli.ProfileSettings{Profile: "missing", ProfileFile: path})
	require.Error(t, err)
	require.Contains(t, err.Error(), "profile missing not found")

	_, _, _, err = parseWithProfile(t, nil, cli.ProfileSettings{Profile: "staging", ProfileFile: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)

	// no profile and no default profiles file: flag defaults only
	ss, st, rs, err := parseWithProfile(t, nil, cli.ProfileSettings{})
	require.NoError(t, err)
	require.Equal(t, DefaultEndpoint, ss.Endpoint)
	require.Equal(t, chat.SendPolicyDrop.String(), ss.SendPolicy)
	require.Equal(t, "", st.TranscriptDB)
	require.False(t, rs.Enabled)
}

func TestValidateProfileSetting(t *testing.T) {
	require.NoError(t, validateProfileSetting("session", "send-policy", "queue"))
	require.NoError(t, validateProfileSetting("redis", "redis-db", "2"))
	require.NoError(t, validateProfileSetting("context", "context-max-file-size", "1024"))

	err := validateProfileSetting("session", "temperature", "0.2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session.temperature")

	require.Error(t, validateProfileSetting("session", "send-policy", "shout"))
	require.Error(t, validateProfileSetting("redis", "redis-db", "three"))
	require.Error(t, validateProfileSetting("ai-chat", "engine", "x"))
}
