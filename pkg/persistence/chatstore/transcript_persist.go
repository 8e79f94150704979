package chatstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatevents"
	"github.com/rs/zerolog/log"
)

// TranscriptPersistFunc stores conversation snapshots from the session topic
// into store. Only messages whose role, content or streaming flag changed
// since the last snapshot are written. Persistence is best-effort: decode
// and storage errors are logged but never fail the chat.
func TranscriptPersistFunc(store TranscriptStore, convID string, endpoint string) func(msg *message.Message) error {
	var (
		mu          sync.Mutex
		lastHash    = map[string]string{}
		lastVersion uint64
		lastStatus  string
	)

	logger := log.With().Str("component", "transcript_persist").Str("conv_id", convID).Logger()

	return func(msg *message.Message) error {
		defer msg.Ack()
		if store == nil || strings.TrimSpace(convID) == "" {
			return nil
		}

		ev, err := chatevents.DecodeSnapshot(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode snapshot payload")
			return nil
		}

		ctx := msg.Context()
		cancel := func() {}
		if ctx == nil || ctx.Err() != nil {
			// Message contexts can be cancelled during shutdown before the
			// queue drains; final upserts still get a short window.
			ctx, cancel = context.WithTimeout(context.Background(), 250*time.Millisecond)
		}
		defer cancel()

		mu.Lock()
		defer mu.Unlock()
		if ev.Version <= lastVersion {
			return nil
		}
		lastVersion = ev.Version

		for i, m := range ev.Messages {
			h := ComputeMessageContentHash(string(m.Role), m.Content, m.Streaming)
			if lastHash[m.ID] == h {
				continue
			}
			rec := MessageRecord{
				ID:        m.ID,
				Seq:       i,
				Role:      string(m.Role),
				Content:   m.Content,
				Streaming: m.Streaming,
			}
			if !m.CreatedAt.IsZero() {
				rec.CreatedAtMs = m.CreatedAt.UnixMilli()
			}
			if err := store.Upsert(ctx, convID, ev.Version, rec); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					logger.Warn().Err(err).Str("message_id", m.ID).Str("role", rec.Role).Msg("transcript upsert failed")
				}
				continue
			}
			lastHash[m.ID] = h
		}

		status, lastErr := conversationStatus(ev)
		if status == lastStatus && lastErr == "" {
			return nil
		}
		if err := store.UpsertConversation(ctx, ConversationRecord{
			ConvID:          convID,
			SessionID:       ev.SessionID,
			Endpoint:        endpoint,
			LastActivityMs:  time.Now().UnixMilli(),
			LastSeenVersion: ev.Version,
			Status:          status,
			LastError:       lastErr,
		}); err != nil {
			logger.Warn().Err(err).Msg("conversation upsert failed")
			return nil
		}
		lastStatus = status
		return nil
	}
}

func conversationStatus(ev chatevents.SnapshotEvent) (status string, lastErr string) {
	if ev.Phase != chat.PhaseIdle {
		return "active", ""
	}
	switch ev.Outcome {
	case chat.OutcomeCompleted:
		return "completed", ""
	case chat.OutcomeFailed:
		return "failed", ev.Error.String()
	default:
		return "active", ""
	}
}
