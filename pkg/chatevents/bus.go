package chatevents

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus carries snapshot events between a session and its handlers. It is
// backed by an in-memory Go channel, or by Redis Streams when enabled.
type Bus struct {
	Publisher message.Publisher

	settings redisstream.Settings
	logger   watermill.LoggerAdapter
	memory   *gochannel.GoChannel
	client   redis.UniversalClient

	mu          sync.Mutex
	subscribers []message.Subscriber
}

// BuildPubSub builds the bus described by s.
func BuildPubSub(ctx context.Context, s redisstream.Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.With().Str("component", "watermill").Logger())
	b := &Bus{settings: s, logger: logger}

	if !s.Enabled {
		// Publish blocks until the subscriber acked, which keeps snapshots in
		// version order.
		b.memory = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		b.Publisher = b.memory
		return b, nil
	}

	b.client = redisstream.NewClient(s)
	if err := redisstream.Ping(ctx, b.client); err != nil {
		_ = b.client.Close()
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(b.client, logger)
	if err != nil {
		_ = b.client.Close()
		return nil, err
	}
	b.Publisher = pub
	log.Info().Str("component", "chatevents").Str("addr", s.Addr).Msg("snapshot bus using redis streams")
	return b, nil
}

func (b *Bus) Logger() watermill.LoggerAdapter { return b.logger }

func (b *Bus) Redis() bool { return b.client != nil }

// Subscriber returns a subscriber for the named handler. In memory all
// handlers share the channel, which fans out to every subscription. On Redis
// each handler gets its own consumer group created at the tail of topic.
func (b *Bus) Subscriber(ctx context.Context, handler, topic string) (message.Subscriber, error) {
	if b.memory != nil {
		return b.memory, nil
	}
	group := b.settings.Group + "-" + handler
	if err := redisstream.EnsureGroupAtTail(ctx, b.client, topic, group); err != nil {
		return nil, err
	}
	sub, err := redisstream.BuildGroupSubscriber(b.client, group, b.settings.Consumer, b.logger)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *Bus) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()
	for _, s := range subs {
		keep(s.Close())
	}
	if b.Publisher != nil {
		keep(b.Publisher.Close())
	}
	if b.client != nil {
		keep(b.client.Close())
	}
	return errors.Wrap(firstErr, "close snapshot bus")
}
