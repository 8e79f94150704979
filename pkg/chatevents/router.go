package chatevents

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router runs snapshot handlers on top of a Bus.
type Router struct {
	bus    *Bus
	router *message.Router
}

func NewRouter(bus *Bus) (*Router, error) {
	r, err := message.NewRouter(message.RouterConfig{}, bus.Logger())
	if err != nil {
		return nil, errors.Wrap(err, "create watermill router")
	}
	r.AddMiddleware(middleware.Recoverer)
	return &Router{bus: bus, router: r}, nil
}

// AddHandler registers fn for topic. Handlers must be added before Run.
func (r *Router) AddHandler(ctx context.Context, name, topic string, fn message.NoPublishHandlerFunc) error {
	sub, err := r.bus.Subscriber(ctx, name, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe handler %s", name)
	}
	r.router.AddNoPublisherHandler(name, topic, sub, fn)
	log.Debug().Str("component", "chatevents").Str("handler", name).Str("topic", topic).Msg("registered snapshot handler")
	return nil
}

// Run blocks until ctx is cancelled or the router is closed.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once all handlers are subscribed.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

func (r *Router) Close() error {
	return r.router.Close()
}

// SnapshotHandler adapts fn into a handler that decodes snapshot events.
// Undecodable payloads are logged and acked. The message is acked after fn
// returns so the next snapshot is not delivered while fn still runs.
func SnapshotHandler(name string, fn func(SnapshotEvent) error) message.NoPublishHandlerFunc {
	logger := log.With().Str("component", "chatevents").Str("handler", name).Logger()
	return func(msg *message.Message) error {
		defer msg.Ack()
		ev, err := DecodeSnapshot(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable snapshot")
			return nil
		}
		return fn(ev)
	}
}
