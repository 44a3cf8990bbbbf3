package vnet

import (
	"encoding/binary"
	"unsafe"

	"github.com/mdlayher/ethernet"
	"github.com/slackhq/virtio/ifnet"
	"github.com/slackhq/virtio/mbuf"
	"github.com/slackhq/virtio/virtio"
	"golang.org/x/net/ipv4"
)

// tcpCWRFlag is the CWR bit in the TCP flags byte.
const tcpCWRFlag = 0x80

// netReq is the in-flight transmit cookie: it owns the packet chain from
// publish to completion and carries the DMA-stable header bytes.
type netReq struct {
	m        *mbuf.Mbuf
	hdr      virtio.NetHdr
	hdrBytes [virtio.NetHdrMrgSize]byte
}

func addrOfData(m *mbuf.Mbuf) uintptr {
	data := m.Data()
	return uintptr(unsafe.Pointer(&data[0]))
}

// Transmit enqueues one packet chain. The whole enqueue+publish+kick sequence
// runs under the transmit lock. Returns [ErrNoBufs] when the ring is full and
// nothing can be reclaimed, or [ErrMalformedPacket] when offload construction
// failed; the packet is consumed either way only on success or malformed
// input (which frees it).
func (dev *Device) Transmit(m *mbuf.Mbuf) error {
	dev.txRingLock.Lock()
	defer dev.txRingLock.Unlock()

	idx := dev.pickTxq()
	err := dev.txLocked(idx, m)
	if err == nil {
		dev.drv.Kick(2*idx + 1)
	}
	return err
}

// pickTxq selects the transmit queue for the calling thread: the current
// CPU's pair, bounded by the pair count.
func (dev *Device) pickTxq() int {
	idx := dev.opts.currentCPU()
	if idx >= len(dev.txq) {
		dev.l.WithField("cpu", idx).Debug("CPU index exceeds queue pairs, wrapping")
		idx %= len(dev.txq)
	}
	return idx
}

// txLocked builds and publishes the descriptor chain for one packet. Caller
// holds the transmit lock.
func (dev *Device) txLocked(idx int, mHead *mbuf.Mbuf) error {
	q := dev.txq[idx]
	vq := q.vq
	stats := &q.stats
	req := &netReq{m: mHead}
	var txBytes uint64

	if mHead.Pkthdr().CsumFlags != 0 {
		m := dev.txOffload(mHead, &req.hdr)
		if m == nil {
			// The buffer is not well-formed.
			stats.TxErr++
			return ErrMalformedPacket
		}
		mHead = m
		req.m = m
	}

	vq.InitSG()
	vq.AddOutSG(uintptr(unsafe.Pointer(&req.hdrBytes[0])), uint32(dev.hdrSize))

	for m := mHead; m != nil; m = m.Next() {
		if m.Len() == 0 {
			continue
		}
		vq.AddOutSG(addrOfData(m), uint32(m.Len()))
		txBytes += uint64(m.Len())
	}

	// The header bytes are read by the device at kick time; encode them now
	// that offload construction settled the fields.
	_ = req.hdr.Encode(req.hdrBytes[:], dev.hdrSize)

	if !vq.AvailRingHasRoom(vq.SGLen()) {
		if vq.UsedRingNotEmpty() {
			dev.txGC(idx)
		} else {
			dev.l.WithField("txq", idx).Debug("No room in transmit ring")
			stats.TxDrops++
			return ErrNoBufs
		}
	}

	if !vq.AddBuf(req) {
		stats.TxDrops++
		return ErrNoBufs
	}

	stats.TxBytes += txBytes
	stats.TxPackets++
	if req.hdr.Flags&virtio.NetHdrFNeedsCsum != 0 {
		stats.TxCsum++
	}
	if req.hdr.GSOType != virtio.NetHdrGSONone {
		stats.TxTSO++
	}

	return nil
}

// txOffload inflates the virtio header for a packet that requested checksum
// or segmentation offload, pulling headers into contiguous memory as needed.
// Only TCP-over-IPv4 TSO is supported. Returns nil when the packet could not
// be pulled up or must be dropped; the chain is freed in that case.
func (dev *Device) txOffload(m *mbuf.Mbuf, hdr *virtio.NetHdr) *mbuf.Mbuf {
	ipOff := ifnet.EtherHdrLen
	if m.Len() < ipOff {
		if m = m.Pullup(ipOff); m == nil {
			return nil
		}
	}

	data := m.Data()
	ethType := ethernet.EtherType(binary.BigEndian.Uint16(data[12:14]))
	if ethType == ethernet.EtherTypeVLAN {
		ipOff = etherVLANHdrLen
		if m.Len() < ipOff {
			if m = m.Pullup(ipOff); m == nil {
				return nil
			}
		}
		data = m.Data()
		ethType = ethernet.EtherType(binary.BigEndian.Uint16(data[16:18]))
	}

	var (
		ipProto   uint8
		csumStart int
	)
	switch ethType {
	case ethernet.EtherTypeIPv4:
		if m.Len() < ipOff+ipv4.HeaderLen {
			if m = m.Pullup(ipOff + ipv4.HeaderLen); m == nil {
				return nil
			}
		}
		data = m.Data()

		ip := data[ipOff:]
		ipProto = ip[9]
		csumStart = ipOff + int(ip[0]&0x0f)<<2

	default:
		return m
	}

	pkthdr := m.Pkthdr()

	if pkthdr.CsumFlags&(mbuf.CsumTCP|mbuf.CsumUDP) != 0 {
		hdr.Flags |= virtio.NetHdrFNeedsCsum
		hdr.CsumStart = uint16(csumStart)
		hdr.CsumOffset = pkthdr.CsumData
	}

	if pkthdr.CsumFlags&mbuf.CsumTSO != 0 {
		if ipProto != 6 { // not TCP
			return m
		}

		const tcpMinHdrLen = 20
		if m.Len() < csumStart+tcpMinHdrLen {
			if m = m.Pullup(csumStart + tcpMinHdrLen); m == nil {
				return nil
			}
			data = m.Data()
		}

		tcp := data[csumStart:]
		hdr.GSOType = virtio.NetHdrGSOTCPv4
		hdr.HdrLen = uint16(csumStart + int(tcp[12]>>4)<<2)
		hdr.GSOSize = pkthdr.TsoSegsz

		if tcp[13]&tcpCWRFlag != 0 {
			if !dev.tsoEcn {
				dev.l.Warn("TSO with ECN not supported by host")
				m.FreeChain()
				return nil
			}

			hdr.GSOType |= virtio.NetHdrGSOECN
		}
	}

	return m
}

// txGC reclaims all completed transmit chains, destroying each request cookie
// and freeing the packet it owns. Caller holds the transmit lock.
func (dev *Device) txGC(idx int) {
	vq := dev.txq[idx].vq

	cookie, _, ok := vq.GetBufElem()
	for ok {
		if req, isReq := cookie.(*netReq); isReq {
			req.m.FreeChain()
		}
		vq.GetBufFinalize()

		cookie, _, ok = vq.GetBufElem()
	}
	vq.GetBufGC()
}
