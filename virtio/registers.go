package virtio

// Register offsets into the device I/O region (BAR1) of the legacy virtio PCI
// transport. All multi-byte registers are little-endian.
const (
	// RegHostFeatures is the read-only device feature bitmap.
	RegHostFeatures = 0x00
	// RegGuestFeatures is the read-write negotiated feature bitmap.
	RegGuestFeatures = 0x04
	// RegQueuePFN holds the physical frame number of the selected queue's ring
	// base.
	RegQueuePFN = 0x08
	// RegQueueNum is the read-only size of the selected queue.
	RegQueueNum = 0x0c
	// RegQueueSel selects the queue addressed by RegQueueNum, RegQueuePFN and
	// RegMSIQueueVector.
	RegQueueSel = 0x0e
	// RegQueueNotify is written with a queue index to notify the host.
	RegQueueNotify = 0x10
	// RegStatus is the device status byte.
	RegStatus = 0x12
	// RegISR is the interrupt status register. Reading it clears it.
	RegISR = 0x13
	// RegMSIConfigVector selects the MSI-X vector for configuration change
	// notifications. Present only when MSI-X is enabled.
	RegMSIConfigVector = 0x14
	// RegMSIQueueVector selects the MSI-X vector for the selected queue.
	// Present only when MSI-X is enabled.
	RegMSIQueueVector = 0x16
)

// DeviceConfigOffset returns the offset of the device-specific configuration
// space, which follows the transport registers and depends on whether MSI-X
// is enabled.
func DeviceConfigOffset(msix bool) int {
	if msix {
		return 0x18
	}
	return 0x14
}

// QueueAddrShift is the page shift applied to a ring's physical base address
// before it is written to RegQueuePFN.
const QueueAddrShift = 12

// ABIVersion is the only revision of the legacy transport this driver talks.
const ABIVersion = 0

// PCI device ID range assigned to virtio transitional devices.
const (
	PCIDeviceIDMin = 0x1000
	PCIDeviceIDMax = 0x103f
)

// Subsystem device IDs of the device personalities this subsystem drives.
const (
	IDNet = 1
	IDRNG = 4
)
