package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const memStoreName = "in-memory transcript store"

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore. It
// mirrors the ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	convs              map[string]*inMemTranscript
	conversations      map[string]ConversationRecord
}

type inMemTranscript struct {
	version  uint64
	messages map[string]MessageRecord
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxMessagesPerConv int) *InMemoryTranscriptStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryTranscriptStore{
		maxMessagesPerConv: maxMessagesPerConv,
		convs:              map[string]*inMemTranscript{},
		conversations:      map[string]ConversationRecord{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	if s == nil {
		return errors.New(memStoreName + ": nil store")
	}
	now := time.Now().UnixMilli()
	// an unset status keeps the stored one, so normalizing is left to the merge
	convID := strings.TrimSpace(record.ConvID)
	if convID == "" {
		return errors.New(memStoreName + ": convID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[convID] = mergeConversationRecord(s.conversations[convID], record, now)
	return nil
}

func (s *InMemoryTranscriptStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errors.New(memStoreName + ": nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New(memStoreName + ": convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[convID]
	return record, ok, nil
}

func (s *InMemoryTranscriptStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New(memStoreName + ": nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.conversations))
	for _, record := range s.conversations {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].ConvID < records[j].ConvID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryTranscriptStore) Upsert(_ context.Context, convID string, version uint64, msg MessageRecord) error {
	if s == nil {
		return errors.New(memStoreName + ": nil store")
	}
	if err := validateUpsert(memStoreName, convID, version, msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		conv = &inMemTranscript{messages: map[string]MessageRecord{}}
		s.convs[convID] = conv
	}

	now := time.Now().UnixMilli()
	hash := ComputeMessageContentHash(msg.Role, msg.Content, msg.Streaming)
	existing, exists := conv.messages[msg.ID]
	if exists && existing.ContentHash == hash && existing.Version >= version {
		return nil
	}

	createdAt := msg.CreatedAtMs
	if exists && existing.CreatedAtMs > 0 {
		createdAt = existing.CreatedAtMs
	}
	if createdAt == 0 {
		createdAt = now
	}
	msg.CreatedAtMs = createdAt
	msg.UpdatedAtMs = now
	msg.ContentHash = hash
	msg.Version = version
	conv.messages[msg.ID] = msg
	if version > conv.version {
		conv.version = version
	}
	s.conversations[convID] = mergeConversationRecord(s.conversations[convID], ConversationRecord{
		ConvID:          convID,
		LastActivityMs:  now,
		LastSeenVersion: conv.version,
		HasTranscript:   true,
	}, now)

	// Evict the oldest versioned messages past the per-conversation limit.
	if len(conv.messages) > s.maxMessagesPerConv {
		all := make([]MessageRecord, 0, len(conv.messages))
		for _, m := range conv.messages {
			all = append(all, m)
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].Version == all[j].Version {
				return all[i].Seq < all[j].Seq
			}
			return all[i].Version < all[j].Version
		})
		toDrop := len(conv.messages) - s.maxMessagesPerConv
		for i := 0; i < toDrop; i++ {
			delete(conv.messages, all[i].ID)
		}
	}
	return nil
}

func (s *InMemoryTranscriptStore) GetTranscript(_ context.Context, convID string, sinceVersion uint64, limit int) (*Transcript, error) {
	if s == nil {
		return nil, errors.New(memStoreName + ": nil store")
	}
	if convID == "" {
		return nil, errors.New(memStoreName + ": convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := &Transcript{ConvID: convID, ServerTimeMs: time.Now().UnixMilli()}
	conv := s.convs[convID]
	if conv == nil {
		return out, nil
	}
	out.Version = conv.version

	msgs := make([]MessageRecord, 0, len(conv.messages))
	for _, m := range conv.messages {
		if sinceVersion > 0 && m.Version <= sinceVersion {
			continue
		}
		msgs = append(msgs, m)
	}
	sortTranscript(msgs, sinceVersion > 0)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out.Messages = msgs
	return out, nil
}

func sortTranscript(msgs []MessageRecord, byVersion bool) {
	sort.Slice(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if byVersion && a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
