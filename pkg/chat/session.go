package chat

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/streamchat/pkg/sse"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener receives a snapshot after every state mutation.
type Listener func(ConversationState)

type listenerEntry struct {
	id uint64
	fn Listener
}

type queuedSend struct {
	ctx        context.Context
	text       string
	enqueuedAt time.Time
}

// Session owns one conversation with a streaming chat backend.
//
// Send appends the user message and an empty streaming assistant message,
// then consumes the backend's event stream on a background goroutine and
// folds it into the assistant message. Every mutation bumps
// ConversationState.Version and is delivered to listeners in that order.
type Session struct {
	id            string
	endpoint      string
	client        *http.Client
	header        http.Header
	logger        zerolog.Logger
	idleTimeout   time.Duration
	failureText   string
	policy        SendPolicy
	tokenizerOpts []sse.TokenizerOption
	chunkSize     int

	mu      sync.Mutex
	state   ConversationState
	busy    bool
	closed  bool
	queue   []queuedSend
	cancel  context.CancelCauseFunc
	idle    chan struct{}
	lastErr error

	listenersMu  sync.Mutex
	listeners    []listenerEntry
	nextListener uint64

	// delivered is the last version handed to listeners; guarded by notifyMu.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	delivered  uint64
}

func NewSession(endpoint string, opts ...SessionOption) (*Session, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse endpoint")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("endpoint must be an absolute http(s) URL, got %q", endpoint)
	}

	idle := make(chan struct{})
	close(idle)
	s := &Session{
		endpoint:    endpoint,
		client:      &http.Client{},
		header:      http.Header{},
		logger:      log.Logger,
		idleTimeout: DefaultIdleTimeout,
		failureText: DefaultFailureMessage,
		policy:      SendPolicyDrop,
		chunkSize:   sse.DefaultChunkSize,
		idle:        idle,
	}
	s.notifyCond = sync.NewCond(&s.notifyMu)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.logger = s.logger.With().Str("component", "chat").Str("session_id", s.id).Logger()
	s.state.SessionID = s.id
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Endpoint() string { return s.endpoint }

func (s *Session) Policy() SendPolicy { return s.policy }

// Snapshot returns a copy of the current conversation state.
func (s *Session) Snapshot() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Busy reports whether a send is in flight or queued.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastError returns the error that ended the most recent send cycle, or nil
// if it completed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnChange registers fn to run after every mutation. Calls are serialized
// and follow version order. fn must not call Send synchronously; hand the
// snapshot to another goroutine if it needs to.
func (s *Session) OnChange(fn Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Send starts a send cycle for text and returns without waiting for the
// reply. ctx bounds the lifetime of the request and its response stream.
//
// Blank text returns ErrEmptyMessage. While another send is in flight the
// call returns ErrBusy under SendPolicyDrop, or is queued under
// SendPolicyQueue. Rejected sends leave the state untouched.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.busy {
		if s.policy == SendPolicyQueue {
			s.queue = append(s.queue, queuedSend{ctx: ctx, text: text, enqueuedAt: time.Now()})
			n := len(s.queue)
			s.mu.Unlock()
			s.logger.Debug().Int("queue_len", n).Msg("send queued")
			return nil
		}
		s.mu.Unlock()
		s.logger.Debug().Msg("send dropped, session busy")
		return ErrBusy
	}
	s.busy = true
	s.idle = make(chan struct{})
	cycle, snap := s.beginLocked(ctx, text)
	s.mu.Unlock()

	s.publish(snap)
	go s.run(cycle)
	return nil
}

// Cancel aborts the in-flight stream. The assistant message keeps what was
// streamed so far and the cycle ends as failed. Queued sends still run.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(errCancelled)
	}
}

// Wait blocks until no send is in flight or queued.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops queued sends, cancels the in-flight one and waits for it to
// finish. Later sends return ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	if n := len(s.queue); n > 0 {
		s.logger.Debug().Int("dropped", n).Msg("dropping queued sends on close")
	}
	s.queue = nil
	cancel := s.cancel
	idle := s.idle
	s.mu.Unlock()

	if cancel != nil {
		cancel(errCancelled)
	}
	<-idle
	return nil
}

type sendCycle struct {
	ctx         context.Context
	cancel      context.CancelCauseFunc
	text        string
	assistantID string
	startedAt   time.Time
}

func (s *Session) beginLocked(parent context.Context, text string) (sendCycle, ConversationState) {
	now := time.Now()
	ctx, cancel := context.WithCancelCause(parent)
	cycle := sendCycle{
		ctx:         ctx,
		cancel:      cancel,
		text:        text,
		assistantID: uuid.NewString(),
		startedAt:   now,
	}
	s.cancel = cancel
	s.state.Messages = append(s.state.Messages,
		Message{ID: uuid.NewString(), Role: RoleUser, Content: text, CreatedAt: now},
		Message{ID: cycle.assistantID, Role: RoleAssistant, Streaming: true, CreatedAt: now},
	)
	s.state.Phase = PhaseSending
	return cycle, s.commitLocked()
}

func (s *Session) run(cycle sendCycle) {
	for {
		err := s.consume(cycle)
		cycle.cancel(nil)
		s.logOutcome(cycle, err)

		s.mu.Lock()
		final := s.finishLocked(cycle.assistantID, err)
		var (
			next    sendCycle
			nextSet bool
			nextSnp ConversationState
			idle    chan struct{}
		)
		if len(s.queue) > 0 && !s.closed {
			q := s.queue[0]
			s.queue = s.queue[1:]
			next, nextSnp = s.beginLocked(q.ctx, q.text)
			nextSet = true
		} else {
			s.busy = false
			s.cancel = nil
			idle = s.idle
		}
		s.mu.Unlock()

		s.publish(final)
		if !nextSet {
			close(idle)
			return
		}
		s.publish(nextSnp)
		cycle = next
	}
}

// finishLocked freezes the assistant message of a cycle. Error frames and
// decode errors replace its content with the failure text; other failures
// keep partial content and only fall back to the failure text when nothing
// was streamed.
func (s *Session) finishLocked(id string, err error) ConversationState {
	kind := KindOf(err)
	if err != nil && kind == ErrorKindNone {
		kind = ErrorKindTransport
	}
	if idx := s.indexLocked(id); idx >= 0 {
		m := &s.state.Messages[idx]
		m.Streaming = false
		if err != nil && (kind == ErrorKindProtocol || kind == ErrorKindDecode || m.Content == "") {
			m.Content = s.failureText
		}
	}
	s.state.Phase = PhaseIdle
	if err == nil {
		s.state.LastOutcome = OutcomeCompleted
		s.state.LastError = ErrorKindNone
	} else {
		s.state.LastOutcome = OutcomeFailed
		s.state.LastError = kind
	}
	s.lastErr = err
	return s.commitLocked()
}

func (s *Session) logOutcome(cycle sendCycle, err error) {
	elapsed := time.Since(cycle.startedAt)
	if err == nil {
		s.logger.Debug().Dur("elapsed", elapsed).Msg("stream completed")
		return
	}
	ev := s.logger.Warn().Dur("elapsed", elapsed).Str("kind", KindOf(err).String())
	var se *StreamError
	if errors.As(err, &se) && se.Kind == ErrorKindProtocol {
		ev.Str("backend_error", se.Detail).Msg("backend reported an error")
		return
	}
	ev.Err(err).Msg("stream failed")
}

func (s *Session) setPhase(id string, phase Phase) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || !s.state.Messages[idx].Streaming || s.state.Phase == phase {
		s.mu.Unlock()
		return
	}
	s.state.Phase = phase
	snap := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) appendContent(id, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || !s.state.Messages[idx].Streaming {
		s.mu.Unlock()
		return
	}
	s.state.Messages[idx].Content += text
	s.state.Phase = PhaseStreaming
	snap := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) indexLocked(id string) int {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		if s.state.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// commitLocked bumps the version and returns the snapshot to publish. Every
// commit must be followed by exactly one publish of its snapshot.
func (s *Session) commitLocked() ConversationState {
	s.state.Version++
	return s.state.Clone()
}

// publish hands snap to the listeners once every earlier version has been
// delivered.
func (s *Session) publish(snap ConversationState) {
	s.notifyMu.Lock()
	for s.delivered+1 < snap.Version {
		s.notifyCond.Wait()
	}
	s.notifyMu.Unlock()

	defer func() {
		s.notifyMu.Lock()
		s.delivered = snap.Version
		s.notifyCond.Broadcast()
		s.notifyMu.Unlock()
	}()

	s.listenersMu.Lock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(snap.Clone())
	}
}
