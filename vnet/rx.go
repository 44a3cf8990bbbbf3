package vnet

import (
	"encoding/binary"

	"github.com/mdlayher/ethernet"
	"github.com/slackhq/virtio/ifnet"
	"github.com/slackhq/virtio/mbuf"
	"github.com/slackhq/virtio/transport"
	"github.com/slackhq/virtio/virtio"
	"github.com/slackhq/virtio/virtqueue"
	"golang.org/x/net/ipv4"
)

// Checksum field offsets within the UDP and TCP headers. The receive
// validation heuristic dispatches on these instead of parsing down to L4.
const (
	udpCsumFieldOffset = 6
	tcpCsumFieldOffset = 16
)

// etherVLANHdrLen is the length of an 802.1Q tagged ethernet header.
const etherVLANHdrLen = ifnet.EtherHdrLen + 4

// receiver is the poll task of one receive queue. Task idx is pinned to CPU
// idx by the embedding environment.
func (dev *Device) receiver(idx int) {
	defer dev.wg.Done()

	q := dev.rxq[idx]
	vq := q.vq

	for {
		if err := transport.WaitForQueue(dev.ctx, vq, (*virtqueue.Vring).UsedRingNotEmpty); err != nil {
			return
		}

		var rxDrops, rxPackets, csumOK, csumErr, rxBytes uint64

		cookie, length, ok := vq.GetBufElem()
		for ok {
			vq.GetBufFinalize()
			m := cookie.(*mbuf.Mbuf)

			// Bad packet/buffer - discard and continue to the next one.
			if int(length) < dev.hdrSize+ifnet.EtherHdrLen {
				rxDrops++
				m.Free()

				cookie, length, ok = vq.GetBufElem()
				continue
			}

			m.SetLen(int(length))

			// Copy the header out before the chain is adjusted past it.
			var hdr virtio.NetHdr
			_ = hdr.Decode(m.Data(), dev.hdrSize)

			nbufs := 1
			if dev.mergeableBufs {
				nbufs = int(hdr.NumBuffers)
			}

			pkthdr := m.Pkthdr()
			pkthdr.Len = int(length)
			pkthdr.Rcvif = dev.ifn.Name()
			pkthdr.CsumFlags = 0

			mHead, mTail := m, m

			// Collect the remaining fragments of a merged packet.
			for nbufs > 1 {
				nbufs--
				cookie, length, ok = vq.GetBufElem()
				if !ok {
					rxDrops++
					break
				}
				vq.GetBufFinalize()

				frag := cookie.(*mbuf.Mbuf)
				if frag.Cap() < int(length) {
					length = uint32(frag.Cap())
				}
				frag.SetLen(int(length))
				frag.ClearPkthdr()
				mHead.Pkthdr().Len += int(length)
				mTail.SetNext(frag)
				mTail = frag
			}

			// Strip the virtio header; the layers above never see it.
			mHead.Adj(dev.hdrSize)

			if dev.ifn.CapEnable()&ifnet.CapRXCsum != 0 &&
				hdr.Flags&virtio.NetHdrFNeedsCsum != 0 {
				if dev.badRxCsum(mHead, &hdr) {
					csumErr++
				} else {
					csumOK++
				}
			}

			rxPackets++
			rxBytes += uint64(mHead.Pkthdr().Len)

			dev.ifn.Deliver(mHead)

			// The interface may have been stopped while we were passing the
			// packet up the network stack.
			if !dev.ifn.IsRunning() {
				break
			}

			cookie, length, ok = vq.GetBufElem()
		}

		if vq.RefillRingCond() {
			dev.fillRxRing(idx)
		}

		q.stats.RxDrops += rxDrops
		q.stats.RxPackets += rxPackets
		q.stats.RxCsumOK += csumOK
		q.stats.RxCsumErr += csumErr
		q.stats.RxBytes += rxBytes
	}
}

// fillRxRing publishes fresh cluster-sized writable buffers until the ring is
// full or allocation fails.
func (dev *Device) fillRxRing(idx int) {
	vq := dev.rxq[idx].vq
	added := 0

	for vq.AvailRingNotEmpty() {
		m := dev.opts.allocator.GetCluster(dev.opts.clusterSize)
		if m == nil {
			break
		}
		m.SetLen(dev.opts.clusterSize)

		vq.InitSG()
		vq.AddInSG(addrOfData(m), uint32(m.Len()))
		if !vq.AddBuf(m) {
			m.Free()
			break
		}
		added++
	}

	if added > 0 {
		vq.Kick()
	}
}

// badRxCsum validates the device's checksum claim without parsing down to
// L4: the csum_offset is unique for the protocols we care about. IPv4 only;
// anything else counts as a checksum error.
// Returns true when the checksum is bad and false when it is ok.
func (dev *Device) badRxCsum(m *mbuf.Mbuf, hdr *virtio.NetHdr) bool {
	csumLen := int(hdr.CsumStart) + int(hdr.CsumOffset)

	if csumLen < ifnet.EtherHdrLen+ipv4.HeaderLen {
		return true
	}
	if m.Len() < csumLen {
		return true
	}

	data := m.Data()
	ethType := ethernet.EtherType(binary.BigEndian.Uint16(data[12:14]))
	if ethType == ethernet.EtherTypeVLAN {
		if m.Len() < etherVLANHdrLen {
			return true
		}
		ethType = ethernet.EtherType(binary.BigEndian.Uint16(data[16:18]))
	}

	if ethType != ethernet.EtherTypeIPv4 {
		return true
	}

	// Use the offset to determine the appropriate checksum flags.
	switch hdr.CsumOffset {
	case udpCsumFieldOffset:
		if m.Len() < int(hdr.CsumStart)+8 {
			return true
		}
		udpSum := binary.BigEndian.Uint16(data[int(hdr.CsumStart)+udpCsumFieldOffset:])
		if udpSum == 0 {
			// A zero UDP checksum means "not computed"; accept without
			// marking it valid.
			return false
		}

		fallthrough

	case tcpCsumFieldOffset:
		pkthdr := m.Pkthdr()
		pkthdr.CsumFlags |= mbuf.CsumDataValid | mbuf.CsumPseudoHdr
		pkthdr.CsumData = 0xffff

	default:
		return true
	}

	return false
}
