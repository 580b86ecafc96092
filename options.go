package isoroot

import (
	"context"
	"log/slog"
)

// Option configures LocateRoot, NewWalker, and Lister.
type Option func(*config)

type config struct {
	ctx       context.Context
	logger    *slog.Logger
	imageSize int64
}

func newConfig(opts []Option) config {
	cfg := config{ctx: context.Background()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ctx == nil {
		cfg.ctx = context.Background()
	}
	return cfg
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// WithLogger sets the logger used for debug output.
// If not set, logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithContext sets the context checked before each block read.
// If not set, context.Background() is used.
func WithContext(ctx context.Context) Option {
	return func(c *config) {
		c.ctx = ctx
	}
}

// WithImageSize enables extent validation: an entry whose byte offset is at
// or beyond size fails with ErrCorruptDirectoryEntry.
// Values <= 0 disable validation, which is the default.
func WithImageSize(size int64) Option {
	return func(c *config) {
		c.imageSize = size
	}
}
