package virtio

// Feature contains feature bits that describe a virtio device or driver.
// The legacy PCI transport negotiates the low 32 bits only.
type Feature uint32

// Device-independent feature bits.
const (
	// FeatureRingIndirectDesc indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureRingIndirectDesc Feature = 1 << 28

	// FeatureRingEventIdx indicates that the avail_event and used_event fields
	// are in use, letting either side suppress notifications until a specific
	// ring index is reached.
	FeatureRingEventIdx Feature = 1 << 29
)

// Feature bits for networking devices.
const (
	// FeatureNetCsum indicates that the device can handle packets with partial
	// checksum (checksum offload).
	FeatureNetCsum Feature = 1 << 0

	// FeatureNetGuestCsum indicates that the driver can handle packets with
	// partial checksum.
	FeatureNetGuestCsum Feature = 1 << 1

	// FeatureNetMAC indicates that the device provides a MAC address in its
	// configuration space.
	FeatureNetMAC Feature = 1 << 5

	// FeatureNetGuestTSO4 indicates that the driver can receive TSOv4 frames.
	FeatureNetGuestTSO4 Feature = 1 << 7

	// FeatureNetGuestECN indicates that the driver can receive TSO frames with
	// ECN.
	FeatureNetGuestECN Feature = 1 << 9

	// FeatureNetGuestUFO indicates that the driver can receive UFO frames.
	FeatureNetGuestUFO Feature = 1 << 10

	// FeatureNetHostTSO4 indicates that the device can receive TSOv4 frames.
	FeatureNetHostTSO4 Feature = 1 << 11

	// FeatureNetHostECN indicates that the device can receive TSO frames with
	// ECN.
	FeatureNetHostECN Feature = 1 << 13

	// FeatureNetMergeRXBuffers indicates that the driver can handle merged
	// receive buffers. When negotiated, devices may merge multiple descriptor
	// chains together to transport large received packets and
	// [NetHdr.NumBuffers] contains the number of merged chains.
	FeatureNetMergeRXBuffers Feature = 1 << 15

	// FeatureNetStatus indicates that the device configuration status field is
	// available.
	FeatureNetStatus Feature = 1 << 16

	// FeatureNetMQ indicates that the device supports multiple queue pairs.
	FeatureNetMQ Feature = 1 << 22
)

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}
