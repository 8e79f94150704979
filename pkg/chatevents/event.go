package chatevents

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/pkg/errors"
)

const (
	SnapshotEventType = "conversation.snapshot"

	MetadataSessionID = "session_id"
	MetadataVersion   = "version"
)

// SnapshotEvent is the wire form of a conversation snapshot on the bus.
type SnapshotEvent struct {
	Type        string         `json:"type"`
	SessionID   string         `json:"session_id"`
	Version     uint64         `json:"version"`
	Phase       chat.Phase     `json:"phase"`
	Outcome     chat.Outcome   `json:"outcome"`
	Error       chat.ErrorKind `json:"error"`
	Messages    []chat.Message `json:"messages"`
	PublishedAt time.Time      `json:"published_at"`
}

func NewSnapshotEvent(st chat.ConversationState) SnapshotEvent {
	st = st.Clone()
	return SnapshotEvent{
		Type:        SnapshotEventType,
		SessionID:   st.SessionID,
		Version:     st.Version,
		Phase:       st.Phase,
		Outcome:     st.LastOutcome,
		Error:       st.LastError,
		Messages:    st.Messages,
		PublishedAt: time.Now().UTC(),
	}
}

// State converts the event back into a ConversationState.
func (e SnapshotEvent) State() chat.ConversationState {
	return chat.ConversationState{
		SessionID:   e.SessionID,
		Version:     e.Version,
		Phase:       e.Phase,
		LastOutcome: e.Outcome,
		LastError:   e.Error,
		Messages:    e.Messages,
	}
}

func (e SnapshotEvent) ToMessage() (*message.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(MetadataSessionID, e.SessionID)
	msg.Metadata.Set(MetadataVersion, strconv.FormatUint(e.Version, 10))
	return msg, nil
}

func DecodeSnapshot(payload []byte) (SnapshotEvent, error) {
	var ev SnapshotEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return SnapshotEvent{}, errors.Wrap(err, "decode snapshot event")
	}
	if ev.Type != SnapshotEventType {
		return SnapshotEvent{}, errors.Errorf("unexpected event type %q", ev.Type)
	}
	return ev, nil
}

func TopicForSession(sessionID string) string {
	return "chat:" + sessionID
}
