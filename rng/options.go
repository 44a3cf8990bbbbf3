package rng

import (
	"fmt"
)

// defaultPoolSize is the soft capacity of the entropy pool in bytes.
const defaultPoolSize = 64

type options struct {
	poolSize int
}

var optionDefaults = options{
	poolSize: defaultPoolSize,
}

// Option influences device creation.
type Option func(*options)

func (o *options) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
}

func (o *options) validate() error {
	if o.poolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", o.poolSize)
	}
	return nil
}

// WithPoolSize overrides the soft capacity of the entropy pool.
func WithPoolSize(size int) Option {
	return func(o *options) {
		o.poolSize = size
	}
}
