package chain

import (
	"log/slog"
)

// Options is the configuration snapshot of a chain.
type Options struct {
	// PauseAtBegin inserts a flow-control relay in front of every stage.
	// Defaults to true.
	PauseAtBegin bool `koanf:"pause_at_begin" json:"pause_at_begin"`
	// AsyncMeta selects asynchronous runs that return a Future.
	// Defaults to false.
	AsyncMeta bool `koanf:"async_meta" json:"async_meta"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		PauseAtBegin: true,
	}
}

// Option configures a Chain.
type Option func(*config)

type config struct {
	Options
	name   string
	logger *slog.Logger
}

func parseConfig(opts []Option) config {
	c := config{
		Options: DefaultOptions(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithOptions replaces the option snapshot.
func WithOptions(o Options) Option {
	return func(c *config) {
		c.Options = o
	}
}

// WithPauseAtBegin enables or disables the flow-control relay.
func WithPauseAtBegin(enabled bool) Option {
	return func(c *config) {
		c.PauseAtBegin = enabled
	}
}

// WithAsync enables or disables asynchronous runs.
func WithAsync(enabled bool) Option {
	return func(c *config) {
		c.AsyncMeta = enabled
	}
}

// WithName sets the name attached to diagnostics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithLogger sets the logger receiving diagnostics. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
