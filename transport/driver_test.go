package transport_test

import (
	"context"
	"io"
	"testing"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/pci"
	"github.com/slackhq/virtio/transport"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtiotest"
	"github.com/slackhq/virtio/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestNewDriver_ProbeSequence(t *testing.T) {
	dev := virtiotest.New(virtiotest.Options{
		DeviceID:     virtio.PCIDeviceIDMin,
		HostFeatures: virtio.FeatureRingIndirectDesc | virtio.FeatureNetMAC | virtio.FeatureNetStatus,
		QueueSizes:   []int{8, 8},
		MSIX:         true,
	})

	drv, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer drv.Close()

	// Reset first, then ACKNOWLEDGE, then DRIVER on top of it.
	writes := dev.StatusWrites()
	require.GreaterOrEqual(t, len(writes), 3)
	assert.EqualValues(t, 0, writes[0])
	assert.EqualValues(t, virtio.StatusAcknowledge, writes[1])
	assert.EqualValues(t, virtio.StatusAcknowledge|virtio.StatusDriver, writes[2])

	// The negotiated set is the intersection of both bitmaps.
	negotiated := drv.SetupFeatures(virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx | virtio.FeatureNetMAC)
	assert.Equal(t, virtio.FeatureRingIndirectDesc|virtio.FeatureNetMAC, negotiated)
	assert.Equal(t, negotiated, dev.GuestFeatures())
	assert.True(t, drv.HasGuestFeature(virtio.FeatureNetMAC))
	assert.False(t, drv.HasGuestFeature(virtio.FeatureRingEventIdx))

	// Queue enumeration stops at the first zero-sized queue.
	require.NoError(t, drv.ProbeVirtQueues(8))
	assert.Equal(t, 2, drv.NumQueues())
	assert.NotNil(t, drv.Queue(0))
	assert.NotNil(t, drv.Queue(1))
	assert.Nil(t, drv.Queue(2))

	// The fake host saw both page frame numbers.
	assert.NotNil(t, dev.Queue(0))
	assert.NotNil(t, dev.Queue(1))

	drv.SetDriverOK()
	assert.True(t, dev.Status()&virtio.StatusDriverOK != 0)
}

func TestNewDriver_QueueCap(t *testing.T) {
	dev := virtiotest.New(virtiotest.Options{
		QueueSizes: []int{8, 8, 8, 8, 8, 8},
		MSIX:       true,
	})

	drv, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer drv.Close()

	drv.SetupFeatures(0)
	require.NoError(t, drv.ProbeVirtQueues(4))
	assert.Equal(t, 4, drv.NumQueues())
}

type noBarDevice struct {
	*virtiotest.Device
}

func (noBarDevice) BAR(int) pci.BAR { return nil }

func TestNewDriver_ProbeFailures(t *testing.T) {
	t.Run("wrong revision", func(t *testing.T) {
		dev := virtiotest.New(virtiotest.Options{Revision: 9})
		_, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
		assert.ErrorIs(t, err, transport.ErrWrongRevision)
	})

	t.Run("device id outside range", func(t *testing.T) {
		dev := virtiotest.New(virtiotest.Options{DeviceID: 0x2000})
		_, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
		assert.ErrorIs(t, err, transport.ErrWrongDeviceID)
	})

	t.Run("missing bar", func(t *testing.T) {
		dev := noBarDevice{virtiotest.New(virtiotest.Options{})}
		_, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
		assert.ErrorIs(t, err, transport.ErrMissingBAR)
	})

	t.Run("msix vector rejected", func(t *testing.T) {
		dev := virtiotest.New(virtiotest.Options{
			QueueSizes:        []int{8},
			MSIX:              true,
			RejectMSIXVectors: true,
		})
		drv, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
		require.NoError(t, err)
		defer drv.Close()

		drv.SetupFeatures(0)
		assert.ErrorIs(t, drv.ProbeVirtQueues(1), transport.ErrMSIXVectorBinding)
	})
}

func TestDriver_ReadDevConfig(t *testing.T) {
	cfg := []byte{0xde, 0xad, 0x00, 0x10, 0x20, 0x30}
	dev := virtiotest.New(virtiotest.Options{MSIX: true, Config: cfg})

	drv, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
	require.NoError(t, err)
	defer drv.Close()

	buf := make([]byte, 4)
	drv.ReadDevConfig(2, buf)
	assert.Equal(t, []byte{0x00, 0x10, 0x20, 0x30}, buf)
}

// probeOneQueue builds a driver with a single live queue and returns both
// sides of it.
func probeOneQueue(t *testing.T) (*transport.Driver, *virtqueue.Vring, *virtiotest.Device) {
	t.Helper()

	dev := virtiotest.New(virtiotest.Options{
		QueueSizes: []int{8},
		MSIX:       true,
	})
	drv, err := transport.NewDriver(testLogger(), dev, dma.PageAllocator{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })

	drv.SetupFeatures(0)
	require.NoError(t, drv.ProbeVirtQueues(1))

	q := drv.Queue(0)
	require.NoError(t, drv.RegisterMSIX([]pci.MSIXBinding{{
		Vector:     0,
		PreHandler: q.DisableInterrupts,
		Wake:       q.Wake,
	}}))

	return drv, q, dev
}

func TestWaitForQueue_PredicateAlreadyTrue(t *testing.T) {
	_, q, dev := probeOneQueue(t)

	buf := make([]byte, 16)
	q.InitSG()
	q.AddInSG(addrOf(buf), uint32(len(buf)))
	require.True(t, q.AddBuf(nil))

	chain, ok := dev.Queue(0).PopAvail()
	require.True(t, ok)
	// Completion lands while interrupts are disabled; the initial predicate
	// check must observe it without any interrupt.
	q.DisableInterrupts()
	dev.Queue(0).Complete(chain.Head, 16)

	err := transport.WaitForQueue(context.Background(), q, (*virtqueue.Vring).UsedRingNotEmpty)
	require.NoError(t, err)
	assert.True(t, q.UsedRingNotEmpty())
}

func TestWaitForQueue_WakesOnInterrupt(t *testing.T) {
	_, q, dev := probeOneQueue(t)

	buf := make([]byte, 16)
	q.InitSG()
	q.AddInSG(addrOf(buf), uint32(len(buf)))
	require.True(t, q.AddBuf(nil))
	q.Kick()

	done := make(chan error, 1)
	go func() {
		done <- transport.WaitForQueue(context.Background(), q, (*virtqueue.Vring).UsedRingNotEmpty)
	}()

	// A spurious wake must not end the wait while the predicate is false.
	q.Wake()
	select {
	case err := <-done:
		t.Fatalf("WaitForQueue returned without a completion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	chain, ok := dev.Queue(0).PopAvail()
	require.True(t, ok)
	dev.Queue(0).Complete(chain.Head, 16)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForQueue did not wake")
	}
	assert.True(t, q.UsedRingNotEmpty())
}

func TestWaitForQueue_Cancellation(t *testing.T) {
	_, q, _ := probeOneQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- transport.WaitForQueue(ctx, q, (*virtqueue.Vring).UsedRingNotEmpty)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("WaitForQueue did not observe cancellation")
	}
}
