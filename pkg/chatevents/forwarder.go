package chatevents

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/rs/zerolog/log"
)

// NewForwarder returns a session listener that publishes every snapshot to
// topic. Publish failures are logged and otherwise ignored.
func NewForwarder(pub message.Publisher, topic string) chat.Listener {
	logger := log.With().Str("component", "chatevents").Str("topic", topic).Logger()
	return func(st chat.ConversationState) {
		msg, err := NewSnapshotEvent(st).ToMessage()
		if err != nil {
			logger.Warn().Err(err).Uint64("version", st.Version).Msg("failed to encode snapshot")
			return
		}
		if err := pub.Publish(topic, msg); err != nil {
			logger.Warn().Err(err).Uint64("version", st.Version).Msg("failed to publish snapshot")
		}
	}
}
