package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// MessageRecord is the stored projection of one conversation message.
type MessageRecord struct {
	ID          string `json:"id" yaml:"id"`
	Seq         int    `json:"seq" yaml:"seq"`
	Role        string `json:"role" yaml:"role"`
	Content     string `json:"content" yaml:"content"`
	Streaming   bool   `json:"streaming" yaml:"streaming"`
	ContentHash string `json:"content_hash,omitempty" yaml:"content_hash,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms" yaml:"created_at_ms"`
	UpdatedAtMs int64  `json:"updated_at_ms" yaml:"updated_at_ms"`
	Version     uint64 `json:"version" yaml:"version"`
}

// Transcript is a conversation's stored messages. A full transcript is in
// conversation order; an incremental one (sinceVersion > 0) is in version
// order.
type Transcript struct {
	ConvID       string          `json:"conv_id" yaml:"conv_id"`
	Version      uint64          `json:"version" yaml:"version"`
	ServerTimeMs int64           `json:"server_time_ms" yaml:"server_time_ms"`
	Messages     []MessageRecord `json:"messages" yaml:"messages"`
}

// ConversationRecord captures conversation-level metadata used for listing.
type ConversationRecord struct {
	ConvID          string `json:"conv_id" yaml:"conv_id"`
	SessionID       string `json:"session_id" yaml:"session_id"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	CreatedAtMs     int64  `json:"created_at_ms" yaml:"created_at_ms"`
	LastActivityMs  int64  `json:"last_activity_ms" yaml:"last_activity_ms"`
	LastSeenVersion uint64 `json:"last_seen_version" yaml:"last_seen_version"`
	HasTranscript   bool   `json:"has_transcript" yaml:"has_transcript"`
	Status          string `json:"status" yaml:"status"`
	LastError       string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// TranscriptStore persists conversation transcripts keyed by a
// per-conversation monotonic version.
type TranscriptStore interface {
	Upsert(ctx context.Context, convID string, version uint64, msg MessageRecord) error
	GetTranscript(ctx context.Context, convID string, sinceVersion uint64, limit int) (*Transcript, error)
	UpsertConversation(ctx context.Context, record ConversationRecord) error
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

func validateUpsert(store string, convID string, version uint64, msg MessageRecord) error {
	switch {
	case strings.TrimSpace(convID) == "":
		return errors.New(store + ": convID is empty")
	case version == 0:
		return errors.New(store + ": version is 0")
	case strings.TrimSpace(msg.ID) == "":
		return errors.New(store + ": message.id is empty")
	case strings.TrimSpace(msg.Role) == "":
		return errors.New(store + ": message.role is empty")
	}
	return nil
}

func normalizeConversationRecord(record ConversationRecord, now int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Endpoint = strings.TrimSpace(record.Endpoint)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	if record.Status == "" {
		record.Status = "active"
	}
	if record.LastSeenVersion > 0 {
		record.HasTranscript = true
	}
	return record
}

func mergeConversationRecord(existing, incoming ConversationRecord, now int64) ConversationRecord {
	explicitStatus := strings.TrimSpace(incoming.Status) != ""
	incoming = normalizeConversationRecord(incoming, now)
	if existing.ConvID == "" {
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.LastSeenVersion < existing.LastSeenVersion {
		incoming.LastSeenVersion = existing.LastSeenVersion
	}
	if incoming.SessionID == "" {
		incoming.SessionID = existing.SessionID
	}
	if incoming.Endpoint == "" {
		incoming.Endpoint = existing.Endpoint
	}
	incoming.HasTranscript = existing.HasTranscript || incoming.HasTranscript
	if !explicitStatus && existing.Status != "" {
		incoming.Status = existing.Status
	}
	if incoming.LastError == "" {
		incoming.LastError = existing.LastError
	}
	return incoming
}
