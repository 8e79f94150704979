package cmds

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatevents"
	"github.com/go-go-golems/streamchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 2 * time.Second

// pipeline publishes the snapshots of one session on the bus and runs the
// handlers consuming them (transcript mirror, UI, debug log).
type pipeline struct {
	bus    *chatevents.Bus
	router *chatevents.Router
	topic  string

	mu      sync.Mutex
	handled map[string]uint64
}

func newPipeline(ctx context.Context, sess *chat.Session, rs redisstream.Settings, store *chatstore.SQLiteTranscriptStore) (*pipeline, error) {
	bus, err := chatevents.BuildPubSub(ctx, rs)
	if err != nil {
		return nil, err
	}
	router, err := chatevents.NewRouter(bus)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	p := &pipeline{
		bus:     bus,
		router:  router,
		topic:   chatevents.TopicForSession(sess.ID()),
		handled: map[string]uint64{},
	}

	logger := log.With().Str("component", "snapshot-log").Str("session_id", sess.ID()).Logger()
	err = p.addHandler(ctx, "snapshot-log", chatevents.SnapshotHandler("snapshot-log", func(ev chatevents.SnapshotEvent) error {
		logger.Debug().
			Uint64("version", ev.Version).
			Str("phase", ev.Phase.String()).
			Str("outcome", ev.Outcome.String()).
			Int("messages", len(ev.Messages)).
			Msg("snapshot")
		return nil
	}))
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	if store != nil {
		persist := chatstore.TranscriptPersistFunc(store, sess.ID(), sess.Endpoint())
		if err := p.addHandler(ctx, "transcript", persist); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

// addHandler registers fn and records the last snapshot version it handled.
func (p *pipeline) addHandler(ctx context.Context, name string, fn message.NoPublishHandlerFunc) error {
	p.mu.Lock()
	p.handled[name] = 0
	p.mu.Unlock()
	return p.router.AddHandler(ctx, name, p.topic, func(msg *message.Message) error {
		err := fn(msg)
		if v, perr := strconv.ParseUint(msg.Metadata.Get(chatevents.MetadataVersion), 10, 64); perr == nil {
			p.mu.Lock()
			if v > p.handled[name] {
				p.handled[name] = v
			}
			p.mu.Unlock()
		}
		return err
	})
}

func (p *pipeline) caughtUp(version uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.handled {
		if v < version {
			return false
		}
	}
	return true
}

// drain waits until every handler saw version. In memory this is immediate;
// on Redis delivery lags the publish.
func (p *pipeline) drain(version uint64) {
	if version == 0 {
		return
	}
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !p.caughtUp(version) {
		select {
		case <-ticker.C:
		case <-deadline.C:
			log.Warn().Str("component", "pipeline").Uint64("version", version).Msg("handlers did not catch up before shutdown")
			return
		}
	}
}

// run starts the router, forwards session snapshots to the bus and runs
// body. When body returns the session is closed, pending snapshots are
// drained and the router is stopped.
func (p *pipeline) run(ctx context.Context, sess *chat.Session, body func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-p.router.Running():
		case <-ctx.Done():
			return nil
		}

		unsubscribe := sess.OnChange(chatevents.NewForwarder(p.bus.Publisher, p.topic))
		err := body(ctx)
		_ = sess.Close()
		unsubscribe()
		p.drain(sess.Snapshot().Version)
		return err
	})
	return eg.Wait()
}

func (p *pipeline) Close() error {
	return p.bus.Close()
}
