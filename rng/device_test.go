package rng_test

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/rng"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtiotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// entropyHost plays the device side of the randomness queue: every published
// writable buffer is filled with a pattern byte and completed, optionally
// short and optionally stalled after a number of completions.
type entropyHost struct {
	dev  *virtiotest.Device
	fill byte

	mu sync.Mutex
	// requests records the size of every refill buffer the driver published.
	requests []int
	// returnCaps caps the bytes returned per request, consumed in order. When
	// exhausted, requests are answered in full.
	returnCaps []int
	// stallAfter stops completing requests after this many completions, when
	// non-negative.
	stallAfter int
	completed  int
}

func newEntropyHost(fill byte) *entropyHost {
	h := &entropyHost{fill: fill, stallAfter: -1}
	h.dev = virtiotest.New(virtiotest.Options{
		DeviceID:     0x1005,
		HostFeatures: virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx,
		QueueSizes:   []int{8},
		MSIX:         true,
	})
	h.dev.SetOnNotify(h.onNotify)
	return h
}

func (h *entropyHost) onNotify(queueIndex uint16) {
	if queueIndex != 0 {
		return
	}
	q := h.dev.Queue(0)
	for {
		chain, ok := q.PopAvail()
		if !ok {
			return
		}

		h.mu.Lock()
		size := len(chain.In[0])
		h.requests = append(h.requests, size)

		ret := size
		if len(h.returnCaps) > 0 {
			if h.returnCaps[0] < ret {
				ret = h.returnCaps[0]
			}
			h.returnCaps = h.returnCaps[1:]
		}

		stalled := h.stallAfter >= 0 && h.completed >= h.stallAfter
		if !stalled {
			h.completed++
		}
		h.mu.Unlock()

		if stalled {
			return
		}

		buf := chain.In[0]
		for i := 0; i < ret; i++ {
			buf[i] = h.fill
		}
		q.Complete(chain.Head, uint32(ret))
	}
}

func (h *entropyHost) requestSizes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.requests...)
}

func TestDevice_EntropyDrain(t *testing.T) {
	host := newEntropyHost(0x55)

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 32)
	n := dev.GetRandomBytes(buf)
	assert.Equal(t, 32, n)
	assert.Equal(t, bytes.Repeat([]byte{0x55}, 32), buf)

	// The initial refill asked for the whole pool.
	sizes := host.requestSizes()
	require.NotEmpty(t, sizes)
	assert.Equal(t, 64, sizes[0])

	// The pool retains the other 32 bytes; the producer tops the pool back
	// up with exactly what the consumer took.
	assert.Eventually(t, func() bool {
		sizes := host.requestSizes()
		return len(sizes) >= 2 && sizes[1] == 32
	}, time.Second, time.Millisecond)

	// No refill may ever exceed the pool capacity.
	for _, size := range host.requestSizes() {
		assert.LessOrEqual(t, size, 64)
	}
}

func TestDevice_ShortCompletion(t *testing.T) {
	host := newEntropyHost(0xaa)
	host.returnCaps = []int{16}
	host.stallAfter = 1

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer dev.Close()

	// The host answered the 64-byte refill with only 16 bytes; a 64-byte
	// request legally returns short.
	buf := make([]byte, 64)
	n := dev.GetRandomBytes(buf)
	assert.Equal(t, 16, n)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 16), buf[:16])

	// The producer re-runs to fill the remaining 48 bytes.
	assert.Eventually(t, func() bool {
		sizes := host.requestSizes()
		return len(sizes) >= 2 && sizes[1] == 48
	}, time.Second, time.Millisecond)
}

func TestDevice_SmallPoolPartialReads(t *testing.T) {
	host := newEntropyHost(0x01)

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{}, rng.WithPoolSize(8))
	require.NoError(t, err)
	defer dev.Close()

	// Drain more than the pool holds; each read is bounded by the pool.
	total := 0
	for total < 24 {
		buf := make([]byte, 24-total)
		n := dev.GetRandomBytes(buf)
		require.Positive(t, n)
		require.LessOrEqual(t, n, 8)
		for _, b := range buf[:n] {
			require.EqualValues(t, 0x01, b)
		}
		total += n
	}

	for _, size := range host.requestSizes() {
		assert.LessOrEqual(t, size, 8)
	}
}

func TestDevice_CloseCancelsConsumers(t *testing.T) {
	host := newEntropyHost(0x00)
	host.stallAfter = 0 // host never completes, pool stays empty

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{})
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		buf := make([]byte, 16)
		done <- dev.GetRandomBytes(buf)
	}()

	select {
	case n := <-done:
		t.Fatalf("consumer returned %d before close", n)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, dev.Close())

	select {
	case n := <-done:
		assert.Zero(t, n, "a cancelled consumer returns 0")
	case <-time.After(time.Second):
		t.Fatal("consumer did not observe the close")
	}
}

func TestDevice_LegacyInterrupts(t *testing.T) {
	host := newEntropyHost(0x33)
	host.dev = virtiotest.New(virtiotest.Options{
		DeviceID:   0x1005,
		QueueSizes: []int{8},
		MSIX:       false,
	})
	host.dev.SetOnNotify(host.onNotify)

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 16)
	n := dev.GetRandomBytes(buf)
	assert.Equal(t, 16, n)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, 16), buf)
}

func TestDevice_RegistersWithMultiplexer(t *testing.T) {
	host := newEntropyHost(0x42)

	dev, err := rng.NewDevice(testLogger(), host.dev, dma.PageAllocator{})
	require.NoError(t, err)

	found := false
	for _, s := range rng.Sources() {
		if s == rng.Source(dev) {
			found = true
		}
	}
	assert.True(t, found, "device should register as a randomness source")
	assert.Equal(t, "virtio-rng", dev.Name())

	require.NoError(t, dev.Close())
	for _, s := range rng.Sources() {
		assert.NotEqual(t, rng.Source(dev), s)
	}
}
