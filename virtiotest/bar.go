package virtiotest

import (
	"github.com/slackhq/virtio/virtio"
)

// ioBar dispatches BAR1 accesses onto the fake device's register state.
type ioBar struct {
	d *Device
}

func (b *ioBar) ReadB(offset int) uint8 {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case virtio.RegStatus:
		return d.status
	case virtio.RegISR:
		// Read clears.
		isr := d.isr
		d.isr = 0
		return isr
	}

	if cfg := d.deviceConfigOffset(); offset >= cfg && offset-cfg < len(d.opts.Config) {
		return d.opts.Config[offset-cfg]
	}
	return 0
}

func (b *ioBar) ReadW(offset int) uint16 {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case virtio.RegQueueNum:
		if int(d.queueSel) < len(d.opts.QueueSizes) {
			return uint16(d.opts.QueueSizes[d.queueSel])
		}
		return 0
	case virtio.RegQueueSel:
		return d.queueSel
	case virtio.RegMSIConfigVector:
		return d.msiConfigVec
	case virtio.RegMSIQueueVector:
		if d.opts.RejectMSIXVectors {
			return 0xffff
		}
		return d.queueVectors[d.queueSel]
	}
	return 0
}

func (b *ioBar) ReadL(offset int) uint32 {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case virtio.RegHostFeatures:
		return uint32(d.opts.HostFeatures)
	case virtio.RegGuestFeatures:
		return d.guestFeatures
	case virtio.RegQueuePFN:
		return d.queuePFNs[d.queueSel]
	}
	return 0
}

func (b *ioBar) WriteB(offset int, v uint8) {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset == virtio.RegStatus {
		d.statusWrites = append(d.statusWrites, v)
		d.status = v
	}
}

func (b *ioBar) WriteW(offset int, v uint16) {
	d := b.d

	switch offset {
	case virtio.RegQueueSel:
		d.mu.Lock()
		d.queueSel = v
		d.mu.Unlock()
	case virtio.RegMSIConfigVector:
		d.mu.Lock()
		d.msiConfigVec = v
		d.mu.Unlock()
	case virtio.RegMSIQueueVector:
		d.mu.Lock()
		if !d.opts.RejectMSIXVectors {
			d.queueVectors[d.queueSel] = v
		}
		d.mu.Unlock()
	case virtio.RegQueueNotify:
		d.mu.Lock()
		d.notified = append(d.notified, v)
		hook := d.onNotify
		d.mu.Unlock()
		if hook != nil {
			hook(v)
		}
	}
}

func (b *ioBar) WriteL(offset int, v uint32) {
	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case virtio.RegGuestFeatures:
		d.guestFeatures = v
	case virtio.RegQueuePFN:
		d.queuePFNs[d.queueSel] = v
		size := 0
		if int(d.queueSel) < len(d.opts.QueueSizes) {
			size = d.opts.QueueSizes[d.queueSel]
		}
		d.queues[d.queueSel] = newHostQueue(d, d.queueSel, size, uintptr(v)<<virtio.QueueAddrShift)
	}
}
