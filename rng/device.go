// Package rng implements the virtio entropy device: a bounded in-guest pool
// fed by a producer task from the host's randomness queue, drained by
// arbitrary consumer threads.
package rng

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/pci"
	"github.com/slackhq/virtio/transport"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtqueue"
)

// ErrNoQueue is returned when the device exposes no randomness queue.
var ErrNoQueue = errors.New("entropy device exposes no virtqueue")

// Device is a virtio entropy source.
//
// The pool is a strict bounded buffer: the producer task refills it from the
// host whenever it drops below capacity, consumers drain it from the front.
// Both sides wait on conditions over the pool mutex; the producer drops the
// mutex for the DMA round trip.
type Device struct {
	l   *logrus.Logger
	drv *transport.Driver

	queue *virtqueue.Vring

	mu       sync.Mutex
	producer *sync.Cond
	consumer *sync.Cond
	// pool holds the refill chunks in arrival order; frontOff is how far the
	// front chunk has been consumed already.
	pool      *queue.Queue
	frontOff  int
	poolBytes int
	poolSize  int

	// scratch is the device-writable refill buffer, sized to the pool.
	scratch *dma.Region

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewDevice probes the entropy device on the given PCI function, starts the
// producer task and registers the device with the randomness multiplexer.
//
// Remember to call [Device.Close] after use to free up resources.
func NewDevice(l *logrus.Logger, pciDev pci.Device, alloc dma.Allocator, options ...Option) (_ *Device, err error) {
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	drv, err := transport.NewDriver(l, pciDev, alloc)
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w", err)
	}

	dev := &Device{
		l:        l,
		drv:      drv,
		pool:     queue.New(),
		poolSize: opts.poolSize,
	}
	dev.producer = sync.NewCond(&dev.mu)
	dev.consumer = sync.NewCond(&dev.mu)
	dev.ctx, dev.cancel = context.WithCancel(context.Background())

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
			drv.MarkFailed()
		}
	}()

	drv.SetupFeatures(virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx)

	if err = drv.ProbeVirtQueues(1); err != nil {
		return nil, fmt.Errorf("probe virtqueues: %w", err)
	}
	if dev.queue = drv.Queue(0); dev.queue == nil {
		return nil, ErrNoQueue
	}

	if dev.scratch, err = alloc.Alloc(opts.poolSize); err != nil {
		return nil, fmt.Errorf("allocate refill buffer: %w", err)
	}

	if drv.IsMSIX() {
		err = drv.RegisterMSIX([]pci.MSIXBinding{{
			Vector:     0,
			PreHandler: dev.queue.DisableInterrupts,
			Wake:       dev.queue.Wake,
		}})
	} else {
		err = drv.RegisterLegacy(dev.ackIRQ, dev.queue.Wake)
	}
	if err != nil {
		return nil, fmt.Errorf("register interrupts: %w", err)
	}

	drv.SetDriverOK()

	dev.wg.Add(1)
	go dev.worker()

	RegisterSource(dev)

	l.WithField("pool_size", opts.poolSize).Info("virtio-rng up")

	return dev, nil
}

// Name implements [Source].
func (dev *Device) Name() string {
	return "virtio-rng"
}

// ackIRQ runs in legacy interrupt context: the ISR read clears the interrupt
// and reports whether it was ours.
func (dev *Device) ackIRQ() bool {
	return dev.drv.ReadISR() != 0
}

// GetRandomBytes copies up to len(buf) bytes out of the front of the pool,
// blocking while the pool is empty. It returns the number of bytes copied;
// partial reads are expected. A closed device returns 0.
func (dev *Device) GetRandomBytes(buf []byte) int {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	for dev.poolBytes == 0 && !dev.closed {
		dev.consumer.Wait()
	}
	if dev.closed {
		return 0
	}

	want := len(buf)
	if want > dev.poolBytes {
		want = dev.poolBytes
	}

	copied := 0
	for copied < want {
		chunk := dev.pool.Peek().([]byte)
		n := copy(buf[copied:want], chunk[dev.frontOff:])
		copied += n
		dev.frontOff += n
		if dev.frontOff == len(chunk) {
			dev.pool.Remove()
			dev.frontOff = 0
		}
	}
	dev.poolBytes -= copied

	// Room appeared, let the producer top the pool up again.
	dev.producer.Signal()

	return copied
}

// worker is the producer task: it waits for room in the pool, performs the
// DMA round trip without the pool mutex, then appends whatever the host
// actually returned.
func (dev *Device) worker() {
	defer dev.wg.Done()

	for {
		dev.mu.Lock()
		for dev.poolBytes >= dev.poolSize && !dev.closed {
			dev.producer.Wait()
		}
		if dev.closed {
			dev.mu.Unlock()
			return
		}
		remaining := dev.poolSize - dev.poolBytes
		dev.mu.Unlock()

		chunk, err := dev.refill(remaining)
		if err != nil {
			// Cancellation; the device is going away.
			return
		}

		dev.mu.Lock()
		if len(chunk) > 0 {
			dev.pool.Add(chunk)
			dev.poolBytes += len(chunk)
		}
		dev.consumer.Broadcast()
		dev.mu.Unlock()
	}
}

// refill publishes one device-writable buffer of the given size, waits for
// the completion and returns a copy of the bytes the host produced. The
// returned chunk may be shorter than requested.
func (dev *Device) refill(size int) ([]byte, error) {
	q := dev.queue
	buf := dev.scratch.Bytes()[:size]

	q.InitSG()
	q.AddInSG(dev.scratch.Phys(), uint32(size))

	for !q.AddBuf(nil) {
		// The ring is full of unreclaimed completions; pace until the host
		// hands some back.
		for !q.AvailRingHasRoom(q.SGLen()) {
			if err := transport.WaitForQueue(dev.ctx, q, (*virtqueue.Vring).UsedRingCanGC); err != nil {
				return nil, err
			}
			q.GetBufGC()
		}
	}
	q.Kick()

	if err := transport.WaitForQueue(dev.ctx, q, (*virtqueue.Vring).UsedRingNotEmpty); err != nil {
		return nil, err
	}

	_, returned, ok := q.GetBufElem()
	if !ok {
		return nil, nil
	}
	q.GetBufFinalize()

	if int(returned) > size {
		returned = uint32(size)
	}
	chunk := make([]byte, returned)
	copy(chunk, buf[:returned])
	return chunk, nil
}

// Close stops the producer, wakes all blocked consumers and resets the
// device.
func (dev *Device) Close() error {
	dev.mu.Lock()
	if !dev.closed {
		dev.closed = true
		dev.producer.Broadcast()
		dev.consumer.Broadcast()
	}
	dev.mu.Unlock()

	dev.cancel()
	dev.wg.Wait()

	unregisterSource(dev)

	var errs []error
	if dev.scratch != nil {
		if err := dev.scratch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release refill buffer: %w", err))
		}
		dev.scratch = nil
	}
	if err := dev.drv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}
