package virtio

import (
	"errors"
	"unsafe"
)

// NetHdrSize is the number of bytes a [NetHdr] occupies on the wire when
// mergeable receive buffers were not negotiated.
const NetHdrSize = 10

// NetHdrMrgSize is the number of bytes a [NetHdr] occupies on the wire when
// [FeatureNetMergeRXBuffers] was negotiated. The extra two bytes carry
// [NetHdr.NumBuffers].
const NetHdrMrgSize = 12

// Flag values for [NetHdr.Flags].
const (
	// NetHdrFNeedsCsum indicates that the checksum over the byte range
	// starting at CsumStart must still be computed and stored CsumOffset
	// bytes after it.
	NetHdrFNeedsCsum uint8 = 1 << 0
)

// GSO types for [NetHdr.GSOType].
const (
	NetHdrGSONone  uint8 = 0
	NetHdrGSOTCPv4 uint8 = 1
	NetHdrGSOUDP   uint8 = 3
	NetHdrGSOTCPv6 uint8 = 4
	NetHdrGSOECN   uint8 = 0x80
)

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr is the virtio_net_hdr prefixed to every packet on a network queue.
type NetHdr struct {
	// Flags that describe the packet, see [NetHdrFNeedsCsum].
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used
	// for the packet.
	GSOType uint8
	// HdrLen is the number of bytes from the beginning of the packet to the
	// beginning of the transport payload, replicated into every segment by
	// segmentation offloads.
	HdrLen uint16
	// GSOSize contains the maximum payload size of each segmented packet.
	// In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart is the offset within the packet from which on the checksum
	// should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the
	// computed 16-bit checksum should be inserted.
	CsumOffset uint16
	// NumBuffers contains the number of merged descriptor chains. Only on the
	// wire when [FeatureNetMergeRXBuffers] was negotiated, and only used for
	// received packets.
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must
// contain at least size bytes, where size is [NetHdrSize] or [NetHdrMrgSize]
// depending on the negotiated features.
func (v *NetHdr) Decode(data []byte, size int) error {
	if len(data) < size {
		return ErrNetHdrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), size), data[:size])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must have
// room for at least size bytes.
func (v *NetHdr) Encode(data []byte, size int) error {
	if len(data) < size {
		return ErrNetHdrBufferTooSmall
	}
	copy(data[:size], unsafe.Slice((*byte)(unsafe.Pointer(v)), size))
	return nil
}
