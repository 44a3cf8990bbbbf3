// Package virtiotest provides an in-process stand-in for the host side of the
// legacy virtio PCI transport: a fake PCI function exposing the register map
// plus a host view of the guest's rings. Device tests use it to play the
// hypervisor without leaving the test process.
package virtiotest

import (
	"fmt"
	"sync"

	"github.com/slackhq/virtio/pci"
	"github.com/slackhq/virtio/virtio"
)

// Options configures a fake device.
type Options struct {
	// VendorID defaults to 0x1af4.
	VendorID uint16
	// DeviceID defaults to 0x1000.
	DeviceID uint16
	// Revision is the ABI revision the device reports.
	Revision uint8
	// HostFeatures is the feature bitmap the device offers.
	HostFeatures virtio.Feature
	// QueueSizes lists the size of each queue, in index order. Indexes beyond
	// the slice report size zero.
	QueueSizes []int
	// MSIX controls whether the function exposes an MSI-X capability.
	MSIX bool
	// RejectMSIXVectors makes the device refuse queue vector programming, to
	// exercise the probe failure path.
	RejectMSIXVectors bool
	// Config is the device-specific configuration space.
	Config []byte
}

// Device is a fake legacy virtio PCI function. It implements [pci.Device];
// BAR1 dispatches to the register map.
type Device struct {
	mu sync.Mutex

	opts Options

	busMaster   bool
	msixEnabled bool

	status        uint8
	statusWrites  []uint8
	isr           uint8
	guestFeatures uint32
	queueSel      uint16
	queuePFNs     map[uint16]uint32
	queueVectors  map[uint16]uint16
	msiConfigVec  uint16

	queues map[uint16]*HostQueue

	notified []uint16
	onNotify func(queueIndex uint16)

	bindings      map[int]pci.MSIXBinding
	legacyAck     func() bool
	legacyHandler func()
}

// New creates a fake device.
func New(opts Options) *Device {
	if opts.VendorID == 0 {
		opts.VendorID = 0x1af4
	}
	if opts.DeviceID == 0 {
		opts.DeviceID = virtio.PCIDeviceIDMin
	}
	return &Device{
		opts:         opts,
		queuePFNs:    make(map[uint16]uint32),
		queueVectors: make(map[uint16]uint16),
		queues:       make(map[uint16]*HostQueue),
		bindings:     make(map[int]pci.MSIXBinding),
	}
}

// SetOnNotify installs a hook that runs for every queue notification. The
// hook runs on the notifying goroutine, like a trapped I/O write would.
func (d *Device) SetOnNotify(fn func(queueIndex uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNotify = fn
}

// Notified returns the order of queue notify writes seen so far.
func (d *Device) Notified() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.notified...)
}

// StatusWrites returns every value written to the status register, in order.
func (d *Device) StatusWrites() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.statusWrites...)
}

// Status returns the current device status byte.
func (d *Device) Status() virtio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virtio.Status(d.status)
}

// GuestFeatures returns the features the driver wrote back.
func (d *Device) GuestFeatures() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virtio.Feature(d.guestFeatures)
}

// Queue returns the host view of the queue with the given index. It is
// available once the driver wrote the queue's page frame number.
func (d *Device) Queue(index uint16) *HostQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[index]
}

// VendorID implements [pci.Device].
func (d *Device) VendorID() uint16 { return d.opts.VendorID }

// DeviceID implements [pci.Device].
func (d *Device) DeviceID() uint16 { return d.opts.DeviceID }

// RevisionID implements [pci.Device].
func (d *Device) RevisionID() uint8 { return d.opts.Revision }

// BAR implements [pci.Device].
func (d *Device) BAR(index int) pci.BAR {
	if index != 1 {
		return nil
	}
	return &ioBar{d: d}
}

// SetBusMaster implements [pci.Device].
func (d *Device) SetBusMaster(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busMaster = on
}

// IsMSIX implements [pci.Device].
func (d *Device) IsMSIX() bool { return d.opts.MSIX }

// EnableMSIX implements [pci.Device].
func (d *Device) EnableMSIX() error {
	if !d.opts.MSIX {
		return fmt.Errorf("device has no MSI-X capability")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msixEnabled = true
	return nil
}

// RegisterMSIX implements [pci.Device].
func (d *Device) RegisterMSIX(bindings []pci.MSIXBinding) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range bindings {
		d.bindings[b.Vector] = b
	}
	return nil
}

// InterruptLine implements [pci.Device].
func (d *Device) InterruptLine() int { return 11 }

// RegisterLegacy implements [pci.Device].
func (d *Device) RegisterLegacy(_ int, ack func() bool, handler func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacyAck = ack
	d.legacyHandler = handler
	return nil
}

// interrupt delivers the completion interrupt for a queue, honoring the
// driver's suppression request the way a host would.
func (d *Device) interrupt(q *HostQueue) {
	if q.interruptSuppressed() {
		return
	}

	d.mu.Lock()
	binding, haveBinding := d.bindings[int(q.index)]
	if !haveBinding && d.msixEnabled {
		if vec, ok := d.queueVectors[q.index]; ok {
			binding, haveBinding = d.bindings[int(vec)]
		}
	}
	ack := d.legacyAck
	handler := d.legacyHandler
	msix := d.msixEnabled
	d.isr |= 1
	d.mu.Unlock()

	if msix && haveBinding {
		if binding.PreHandler != nil {
			binding.PreHandler()
		}
		if binding.Wake != nil {
			binding.Wake()
		}
		return
	}

	if ack != nil && ack() {
		handler()
	}
}

// deviceConfigOffset returns where the device-specific config space starts.
func (d *Device) deviceConfigOffset() int {
	return virtio.DeviceConfigOffset(d.opts.MSIX)
}
