package dues

import (
	"go.uber.org/zap"
)

// Option configures the ambient dependencies shared by every component.
type Option func(*options)

type options struct {
	logger *zap.Logger
	clock  Clock
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(name string, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named(name)
	return o
}
