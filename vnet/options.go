package vnet

import (
	"fmt"
	"runtime"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/slackhq/virtio/mbuf"
)

type options struct {
	// queuePairs caps how many RX/TX pairs are probed. Defaults to the CPU
	// count, giving one pair per CPU when the device offers that many.
	queuePairs int
	// currentCPU identifies the CPU of the calling thread. Supplied by the
	// embedding environment; the default pins everything to CPU 0.
	currentCPU func() int
	// allocator supplies receive clusters.
	allocator mbuf.Allocator
	// clusterSize is the size of receive clusters.
	clusterSize int
	// registry receives the interface counters.
	registry metrics.Registry
}

var optionDefaults = options{
	queuePairs:  runtime.NumCPU(),
	currentCPU:  func() int { return 0 },
	allocator:   mbuf.HeapAllocator{},
	clusterSize: mbuf.ClusterSize,
	registry:    metrics.DefaultRegistry,
}

// Option influences device creation.
type Option func(*options)

func (o *options) apply(opts []Option) {
	for _, opt := range opts {
		opt(o)
	}
}

func (o *options) validate() error {
	if o.queuePairs <= 0 {
		return fmt.Errorf("queue pairs must be positive, got %d", o.queuePairs)
	}
	if o.clusterSize <= 0 {
		return fmt.Errorf("cluster size must be positive, got %d", o.clusterSize)
	}
	if o.allocator == nil {
		return fmt.Errorf("an allocator is required")
	}
	if o.currentCPU == nil {
		return fmt.Errorf("a current-CPU callback is required")
	}
	return nil
}

// WithQueuePairs caps the number of RX/TX queue pairs.
func WithQueuePairs(n int) Option {
	return func(o *options) {
		o.queuePairs = n
	}
}

// WithCurrentCPU installs the per-CPU identity callback used for transmit
// queue selection.
func WithCurrentCPU(fn func() int) Option {
	return func(o *options) {
		o.currentCPU = fn
	}
}

// WithAllocator overrides the receive cluster allocator.
func WithAllocator(a mbuf.Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithClusterSize overrides the receive cluster size.
func WithClusterSize(size int) Option {
	return func(o *options) {
		o.clusterSize = size
	}
}

// WithMetricsRegistry overrides the registry the interface counters land in.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}
