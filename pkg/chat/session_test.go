package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/streamchat/pkg/sse"
	"github.com/stretchr/testify/require"
)

// recorder collects every snapshot delivered to a listener and checks the
// streaming invariants on each one.
type recorder struct {
	t     *testing.T
	mu    sync.Mutex
	snaps []ConversationState
}

func record(t *testing.T, s *Session) *recorder {
	r := &recorder{t: t}
	s.OnChange(func(st ConversationState) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := st.Validate(); err != nil {
			r.t.Errorf("invalid state at version %d: %v", st.Version, err)
		}
		if n := len(r.snaps); n > 0 && r.snaps[n-1].Version+1 != st.Version {
			r.t.Errorf("version %d delivered after %d", st.Version, r.snaps[n-1].Version)
		}
		r.snaps = append(r.snaps, st)
	})
	return r
}

func (r *recorder) all() []ConversationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConversationState, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func writeRecords(w http.ResponseWriter, records ...string) {
	flusher, _ := w.(http.Flusher)
	for _, rec := range records {
		_, _ = fmt.Fprint(w, rec)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func sseServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, url string, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sendAndWait(t *testing.T, s *Session, text string) ConversationState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, text))
	require.NoError(t, s.Wait(ctx))
	return s.Snapshot()
}

func lastAssistant(t *testing.T, st ConversationState) Message {
	t.Helper()
	m, ok := st.LastAssistant()
	require.True(t, ok)
	return m
}

func TestSession_NormalStream(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hi there", body.Message)
		writeRecords(w, "data: Hello\n\n", "data: , world\n\n", "data: [DONE]\n\n")
	})
	s := newTestSession(t, srv.URL)
	rec := record(t, s)

	st := sendAndWait(t, s, "  hi there ")
	require.Len(t, st.Messages, 2)
	require.Equal(t, RoleUser, st.Messages[0].Role)
	require.Equal(t, "hi there", st.Messages[0].Content)
	a := lastAssistant(t, st)
	require.Equal(t, "Hello, world", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, PhaseIdle, st.Phase)
	require.Equal(t, OutcomeCompleted, st.LastOutcome)
	require.NoError(t, s.LastError())

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	first := snaps[0]
	require.Len(t, first.Messages, 2)
	require.Equal(t, PhaseSending, first.Phase)
	require.True(t, first.Messages[1].Streaming)
	require.Equal(t, "", first.Messages[1].Content)
	require.Equal(t, st.Version, snaps[len(snaps)-1].Version)
}

func TestSession_BackendErrorHaltsProcessing(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: Hel\n\ndata: Error:rate limited\n\ndata: lo\n\n")
	})
	s := newTestSession(t, srv.URL)
	rec := record(t, s)

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, DefaultFailureMessage, a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, OutcomeFailed, st.LastOutcome)
	require.Equal(t, ErrorKindProtocol, st.LastError)
	require.Equal(t, ErrorKindProtocol, KindOf(s.LastError()))

	for _, snap := range rec.all() {
		m, ok := snap.LastAssistant()
		require.True(t, ok)
		require.Contains(t, []string{"", "Hel", DefaultFailureMessage}, m.Content)
	}
}

func TestSession_RejectedRequest(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	s := newTestSession(t, srv.URL, WithFailureMessage("nope"))
	rec := record(t, s)

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, "nope", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, ErrorKindTransport, st.LastError)

	var se *StreamError
	require.ErrorAs(t, s.LastError(), &se)
	require.Equal(t, http.StatusInternalServerError, se.StatusCode)

	for _, snap := range rec.all() {
		m, _ := snap.LastAssistant()
		require.Contains(t, []string{"", "nope"}, m.Content)
	}
}

func TestSession_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := newTestSession(t, url)
	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, DefaultFailureMessage, a.Content)
	require.Equal(t, ErrorKindTransport, st.LastError)
}

func TestSession_CleanEOFIsCompletion(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: partial\n\n", "data: trailing fragment")
	})
	s := newTestSession(t, srv.URL)

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, "partial", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, OutcomeCompleted, st.LastOutcome)
}

func TestSession_DiscardsUnprefixedRecords(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: a\n\n", "event: ping\n\n", ": comment\n\n", "data:b\n\n", "data: c\n\n", "data: [DONE]\n\n")
	})
	s := newTestSession(t, srv.URL)

	st := sendAndWait(t, s, "hi")
	require.Equal(t, "ac", lastAssistant(t, st).Content)
}

func TestSession_LateBytesAfterDoneAreIgnored(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: a\n\ndata: [DONE]\n\ndata: late\n\n", "data: later\n\n")
	})
	s := newTestSession(t, srv.URL)
	rec := record(t, s)

	st := sendAndWait(t, s, "hi")
	require.Equal(t, "a", lastAssistant(t, st).Content)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, st.Version, s.Snapshot().Version)
	require.Equal(t, st.Version, rec.all()[len(rec.all())-1].Version)
}

func TestSession_ChunkBoundaryIndependence(t *testing.T) {
	raw := []byte("data: héllo \n\nignored\n\ndata: 世界 \n\ndata: 🎉\n\ndata: [DONE]\n\n")
	for _, size := range []int{1, 2, 3, 5, 7, len(raw)} {
		t.Run(fmt.Sprintf("chunks of %d", size), func(t *testing.T) {
			srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
				flusher := w.(http.Flusher)
				for i := 0; i < len(raw); i += size {
					end := i + size
					if end > len(raw) {
						end = len(raw)
					}
					_, _ = w.Write(raw[i:end])
					flusher.Flush()
				}
			})
			s := newTestSession(t, srv.URL, WithChunkSize(size), WithTokenizerOptions(sse.WithStrictUTF8()))
			st := sendAndWait(t, s, "hi")
			require.Equal(t, "héllo 世界 🎉", lastAssistant(t, st).Content)
			require.Equal(t, OutcomeCompleted, st.LastOutcome)
		})
	}
}

func TestSession_DropsConcurrentSend(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		defer calls.Done()
		writeRecords(w, "data: Hel\n\n")
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		writeRecords(w, "data: lo\n\n", "data: [DONE]\n\n")
	})
	s := newTestSession(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, "first"))
	require.Eventually(t, func() bool {
		return s.Snapshot().Messages[1].Content == "Hel"
	}, 2*time.Second, 5*time.Millisecond)

	before := s.Snapshot()
	require.ErrorIs(t, s.Send(ctx, "second"), ErrBusy)
	after := s.Snapshot()
	require.Equal(t, before, after)
	require.Len(t, after.Messages, 2)

	close(release)
	require.NoError(t, s.Wait(ctx))
	st := s.Snapshot()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "Hello", st.Messages[1].Content)
	calls.Wait()
}

func TestSession_QueuePolicy(t *testing.T) {
	release := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Message == "first" {
			writeRecords(w, "data: one\n\n")
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		} else {
			writeRecords(w, "data: two\n\n")
		}
		writeRecords(w, "data: [DONE]\n\n")
	})
	s := newTestSession(t, srv.URL, WithSendPolicy(SendPolicyQueue))
	rec := record(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, "first"))
	require.NoError(t, s.Send(ctx, "second"))
	require.Len(t, s.Snapshot().Messages, 2)

	close(release)
	require.NoError(t, s.Wait(ctx))

	st := s.Snapshot()
	require.Len(t, st.Messages, 4)
	require.Equal(t, "first", st.Messages[0].Content)
	require.Equal(t, "one", st.Messages[1].Content)
	require.Equal(t, "second", st.Messages[2].Content)
	require.Equal(t, "two", st.Messages[3].Content)
	for _, m := range st.Messages {
		require.False(t, m.Streaming)
	}
	require.NotEmpty(t, rec.all())
}

func TestSession_CancelKeepsPartialContent(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: part\n\n")
		<-r.Context().Done()
	})
	s := newTestSession(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, "hi"))
	require.Eventually(t, func() bool {
		return s.Snapshot().Messages[1].Content == "part"
	}, 2*time.Second, 5*time.Millisecond)

	s.Cancel()
	require.NoError(t, s.Wait(ctx))
	st := s.Snapshot()
	a := lastAssistant(t, st)
	require.Equal(t, "part", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, OutcomeFailed, st.LastOutcome)
	require.Equal(t, ErrorKindCancelled, st.LastError)
}

func TestSession_IdleTimeout(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	s := newTestSession(t, srv.URL, WithIdleTimeout(50*time.Millisecond))

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, DefaultFailureMessage, a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, ErrorKindTimeout, st.LastError)
}

func TestSession_IdleTimeoutKeepsPartialContent(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: half an ans\n\n")
		<-r.Context().Done()
	})
	s := newTestSession(t, srv.URL, WithIdleTimeout(50*time.Millisecond))

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, "half an ans", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, OutcomeFailed, st.LastOutcome)
	require.Equal(t, ErrorKindTimeout, st.LastError)
}

func TestSession_MidStreamTransportErrorKeepsPartial(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot be hijacked")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer func() { _ = conn.Close() }()
		// one chunk, then the connection drops without the terminating chunk
		chunk := "data: partial\n\n"
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		_, _ = fmt.Fprintf(buf, "%x\r\n%s\r\n", len(chunk), chunk)
		_ = buf.Flush()
	})
	s := newTestSession(t, srv.URL)

	st := sendAndWait(t, s, "hi")
	a := lastAssistant(t, st)
	require.Equal(t, "partial", a.Content)
	require.False(t, a.Streaming)
	require.Equal(t, PhaseIdle, st.Phase)
	require.Equal(t, OutcomeFailed, st.LastOutcome)
	require.Equal(t, ErrorKindTransport, st.LastError)
	require.ErrorContains(t, s.LastError(), "read response body")
}

func TestSession_StrictDecodeError(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: fine\n\n", "data: bad \xff\n\n", "data: [DONE]\n\n")
	})
	s := newTestSession(t, srv.URL, WithTokenizerOptions(sse.WithStrictUTF8()))

	st := sendAndWait(t, s, "hi")
	require.Equal(t, DefaultFailureMessage, lastAssistant(t, st).Content)
	require.Equal(t, ErrorKindDecode, st.LastError)
}

func TestSession_RejectsEmptyMessage(t *testing.T) {
	s := newTestSession(t, "http://127.0.0.1:1/chat")
	require.ErrorIs(t, s.Send(context.Background(), "   "), ErrEmptyMessage)
	st := s.Snapshot()
	require.Empty(t, st.Messages)
	require.Equal(t, uint64(0), st.Version)
}

func TestSession_CloseRejectsSends(t *testing.T) {
	s, err := NewSession("http://127.0.0.1:1/chat")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Send(context.Background(), "hi"), ErrClosed)
}

func TestSession_Unsubscribe(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeRecords(w, "data: x\n\n")
	})
	s := newTestSession(t, srv.URL)
	var n int
	var mu sync.Mutex
	unsubscribe := s.OnChange(func(ConversationState) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	unsubscribe()
	sendAndWait(t, s, "hi")
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, n)
}

func TestSession_ExtraHeaders(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		writeRecords(w, "data: ok\n\n")
	})
	s := newTestSession(t, srv.URL, WithHeader("Authorization", "Bearer t"))
	require.Equal(t, "ok", lastAssistant(t, sendAndWait(t, s, "hi")).Content)
}

func TestNewSession_ValidatesEndpoint(t *testing.T) {
	for _, ep := range []string{"", "localhost:8000/chat", "/chat", "ftp://host/chat"} {
		_, err := NewSession(ep)
		require.Error(t, err, ep)
	}
	_, err := NewSession("http://localhost:8000/chat", WithIdleTimeout(-time.Second))
	require.Error(t, err)
}

func TestStateValidate(t *testing.T) {
	st := ConversationState{Messages: []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Streaming: true},
	}}
	require.NoError(t, st.Validate())

	st.Messages = append(st.Messages, Message{Role: RoleUser, Content: "b"})
	require.Error(t, st.Validate())

	st = ConversationState{Messages: []Message{{Role: RoleUser, Streaming: true}}}
	require.Error(t, st.Validate())
}

func TestStateJSON(t *testing.T) {
	st := ConversationState{SessionID: "s", Version: 3, Phase: PhaseStreaming, LastOutcome: OutcomeFailed, LastError: ErrorKindTimeout}
	b, err := json.Marshal(st)
	require.NoError(t, err)
	require.Contains(t, string(b), `"phase":"streaming"`)
	require.Contains(t, string(b), `"last_error":"timeout"`)

	var back ConversationState
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, st.Phase, back.Phase)
	require.Equal(t, st.LastOutcome, back.LastOutcome)
	require.Equal(t, st.LastError, back.LastError)
}
