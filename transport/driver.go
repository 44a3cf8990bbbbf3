// Package transport implements the legacy virtio PCI transport: the probe
// handshake, feature negotiation, virtqueue enumeration and interrupt wiring
// that every device personality builds on.
package transport

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/pci"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtqueue"
)

var (
	// ErrWrongRevision is returned when the function's ABI revision does not
	// match the legacy transport.
	ErrWrongRevision = errors.New("wrong virtio ABI revision")

	// ErrWrongDeviceID is returned when the PCI device ID is outside the
	// virtio range.
	ErrWrongDeviceID = errors.New("PCI device ID outside the virtio range")

	// ErrMissingBAR is returned when the device I/O region is not present.
	ErrMissingBAR = errors.New("device I/O region (BAR1) is missing")

	// ErrMSIXVectorBinding is returned when the device rejects a queue's
	// MSI-X vector.
	ErrMSIXVectorBinding = errors.New("device rejected MSI-X vector for queue")
)

// Driver is the per-device transport state. Device personalities hold one to
// drive the handshake, the queue array and the notification plumbing.
//
// The configuration registers are only touched during probe and teardown;
// there is no runtime locking around them.
type Driver struct {
	l     *logrus.Logger
	dev   pci.Device
	bar   pci.BAR
	alloc dma.Allocator

	queues []*virtqueue.Vring

	guestFeatures virtio.Feature
	capIndirect   bool
	capEventIdx   bool
	msix          bool
}

// NewDriver binds a discovered PCI function and walks it through the start of
// the status progression: config validation, bus-master and MSI-X enablement,
// reset, then ACKNOWLEDGE|DRIVER. Feature negotiation and queue probing
// follow via [Driver.SetupFeatures] and [Driver.ProbeVirtQueues].
func NewDriver(l *logrus.Logger, dev pci.Device, alloc dma.Allocator) (*Driver, error) {
	if rev := dev.RevisionID(); rev != virtio.ABIVersion {
		return nil, fmt.Errorf("%w: %#x", ErrWrongRevision, rev)
	}
	if id := dev.DeviceID(); id < virtio.PCIDeviceIDMin || id > virtio.PCIDeviceIDMax {
		return nil, fmt.Errorf("%w: %#x", ErrWrongDeviceID, id)
	}

	bar := dev.BAR(1)
	if bar == nil {
		return nil, ErrMissingBAR
	}

	d := &Driver{
		l:     l,
		dev:   dev,
		bar:   bar,
		alloc: alloc,
	}

	dev.SetBusMaster(true)

	if dev.IsMSIX() {
		if err := dev.EnableMSIX(); err != nil {
			return nil, fmt.Errorf("enable MSI-X: %w", err)
		}
		d.msix = true
	}

	// Make sure the host side is reset before the handshake starts.
	d.ResetHostSide()

	// Acknowledge the device, then announce that we know how to drive it.
	d.AddDevStatus(virtio.StatusAcknowledge)
	d.AddDevStatus(virtio.StatusDriver)

	l.WithFields(logrus.Fields{
		"vendor": fmt.Sprintf("%#x", dev.VendorID()),
		"device": fmt.Sprintf("%#x", dev.DeviceID()),
		"msix":   d.msix,
	}).Info("Bound virtio device")

	return d, nil
}

// SetupFeatures reads the device feature bitmap, intersects it with the
// driver-supported bitmap and writes the negotiated set back. The ring
// capability bits are latched for later queue creation.
func (d *Driver) SetupFeatures(driverFeatures virtio.Feature) virtio.Feature {
	devFeatures := virtio.Feature(d.bar.ReadL(virtio.RegHostFeatures))
	subset := devFeatures & driverFeatures

	for bit := 0; bit < 32; bit++ {
		if subset&(1<<bit) != 0 {
			d.l.WithField("bit", bit).Debug("Feature intersection bit")
		}
	}

	d.capIndirect = subset.Has(virtio.FeatureRingIndirectDesc)
	d.capEventIdx = subset.Has(virtio.FeatureRingEventIdx)

	d.bar.WriteL(virtio.RegGuestFeatures, uint32(subset))
	d.guestFeatures = subset
	return subset
}

// GuestFeatures returns the negotiated feature set.
func (d *Driver) GuestFeatures() virtio.Feature {
	return d.guestFeatures
}

// HasGuestFeature reports whether the given feature was negotiated.
func (d *Driver) HasGuestFeature(f virtio.Feature) bool {
	return d.guestFeatures.Has(f)
}

// IsMSIX reports whether the device runs with MSI-X interrupts.
func (d *Driver) IsMSIX() bool {
	return d.msix
}

// ProbeVirtQueues enumerates the device's virtqueues: for each index the
// queue is selected, sized by the device, allocated, bound 1:1 to its MSI-X
// vector and its page frame number handed to the transport. Enumeration stops
// at the first zero-sized queue or at maxQueues.
func (d *Driver) ProbeVirtQueues(maxQueues int) error {
	for {
		if len(d.queues) >= maxQueues {
			return nil
		}

		index := uint16(len(d.queues))
		d.bar.WriteW(virtio.RegQueueSel, index)
		qsize := d.bar.ReadW(virtio.RegQueueNum)
		if qsize == 0 {
			return nil
		}

		queue, err := virtqueue.NewVring(d.alloc, virtqueue.Config{
			Size:     int(qsize),
			Index:    index,
			Notify:   d.notify,
			Indirect: d.capIndirect,
			EventIdx: d.capEventIdx,
		})
		if err != nil {
			return fmt.Errorf("allocate vring for queue %d: %w", index, err)
		}

		if d.msix {
			// Set up a queue:vector 1:1 correlation.
			d.bar.WriteW(virtio.RegMSIQueueVector, index)
			if d.bar.ReadW(virtio.RegMSIQueueVector) != index {
				_ = queue.Close()
				return fmt.Errorf("%w: %d", ErrMSIXVectorBinding, index)
			}
		}

		d.queues = append(d.queues, queue)

		// Tell the host about the ring's page frame number.
		d.bar.WriteL(virtio.RegQueuePFN, uint32(queue.PhysAddr()>>virtio.QueueAddrShift))

		d.l.WithFields(logrus.Fields{
			"queue": index,
			"size":  qsize,
		}).Debug("Probed virtqueue")
	}
}

// NumQueues returns the number of probed virtqueues.
func (d *Driver) NumQueues() int {
	return len(d.queues)
}

// Queue returns the vring with the given index, or nil when it was not
// probed.
func (d *Driver) Queue(index int) *virtqueue.Vring {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return d.queues[index]
}

// notify writes the queue index to the queue notify register.
func (d *Driver) notify(queueIndex uint16) {
	d.bar.WriteW(virtio.RegQueueNotify, queueIndex)
}

// Kick notifies the host about the queue with the given index, honoring the
// queue's suppression state.
func (d *Driver) Kick(queueIndex int) {
	if q := d.Queue(queueIndex); q != nil {
		q.Kick()
	}
}

// DevStatus returns the device status byte.
func (d *Driver) DevStatus() virtio.Status {
	return virtio.Status(d.bar.ReadB(virtio.RegStatus))
}

// SetDevStatus writes the device status byte.
func (d *Driver) SetDevStatus(status virtio.Status) {
	d.bar.WriteB(virtio.RegStatus, uint8(status))
}

// AddDevStatus sets the given status bits on top of the current ones.
func (d *Driver) AddDevStatus(status virtio.Status) {
	d.SetDevStatus(d.DevStatus() | status)
}

// SetDriverOK marks the driver as fully set up. The device is live after
// this.
func (d *Driver) SetDriverOK() {
	d.AddDevStatus(virtio.StatusDriverOK)
}

// MarkFailed flags the device as abandoned by the guest.
func (d *Driver) MarkFailed() {
	d.AddDevStatus(virtio.StatusFailed)
}

// ResetHostSide resets the device by writing zero to the status register.
func (d *Driver) ResetHostSide() {
	d.SetDevStatus(virtio.StatusReset)
}

// ReadISR reads the interrupt status register. Reading clears it.
func (d *Driver) ReadISR() uint8 {
	return d.bar.ReadB(virtio.RegISR)
}

// ReadDevConfig copies len(buf) bytes of device-specific configuration space
// starting at offset into buf.
func (d *Driver) ReadDevConfig(offset int, buf []byte) {
	base := virtio.DeviceConfigOffset(d.msix) + offset
	for i := range buf {
		buf[i] = d.bar.ReadB(base + i)
	}
}

// RegisterMSIX installs per-vector interrupt bindings with the PCI service.
func (d *Driver) RegisterMSIX(bindings []pci.MSIXBinding) error {
	return d.dev.RegisterMSIX(bindings)
}

// RegisterLegacy installs the shared-line interrupt pair with the PCI
// service.
func (d *Driver) RegisterLegacy(ack func() bool, handler func()) error {
	return d.dev.RegisterLegacy(d.dev.InterruptLine(), ack, handler)
}

// Close resets the device and releases all queues. In-flight descriptors are
// drained by the reset; completions after teardown are discarded.
func (d *Driver) Close() error {
	d.ResetHostSide()

	var errs []error
	for i, q := range d.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue %d: %w", i, err))
		}
	}
	d.queues = nil
	return errors.Join(errs...)
}
