package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for the snapshot bus.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Password string `glazed:"redis-password"`
	DB       int    `glazed:"redis-db"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "streamchat",
		Consumer: "cli-1",
	}
}

// NewSection returns the glazed section for Redis Streams settings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithHelp("Publish conversation snapshots over Redis Streams instead of in memory"),
				fields.WithDefault(false)),
			fields.New("redis-addr", fields.TypeString,
				fields.WithHelp("Redis address host:port"),
				fields.WithDefault(d.Addr)),
			fields.New("redis-password", fields.TypeString,
				fields.WithHelp("Redis password"),
				fields.WithDefault("")),
			fields.New("redis-db", fields.TypeInteger,
				fields.WithHelp("Redis database number"),
				fields.WithDefault(0)),
			fields.New("redis-group", fields.TypeString,
				fields.WithHelp("Redis consumer group prefix"),
				fields.WithDefault(d.Group)),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithHelp("Redis consumer name"),
				fields.WithDefault(d.Consumer)),
		),
	)
}
