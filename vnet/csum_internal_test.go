package vnet

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtio/mbuf"
	"github.com/slackhq/virtio/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietDevice() *Device {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Device{l: l}
}

// testFrame builds a minimal ethernet+IPv4 frame with the given L4 payload
// starting right after a 20-byte IP header.
func testFrame(etherType uint16, l4 []byte) []byte {
	frame := make([]byte, 14+20+len(l4))
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	frame[14] = 0x45 // version 4, IHL 5
	copy(frame[34:], l4)
	return frame
}

func TestBadRxCsum(t *testing.T) {
	dev := quietDevice()

	t.Run("tcp offset marks valid", func(t *testing.T) {
		m := mbuf.NewWithData(testFrame(0x0800, make([]byte, 20)))
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: tcpCsumFieldOffset}

		assert.False(t, dev.badRxCsum(m, hdr))
		assert.EqualValues(t, mbuf.CsumDataValid|mbuf.CsumPseudoHdr, m.Pkthdr().CsumFlags)
		assert.EqualValues(t, 0xffff, m.Pkthdr().CsumData)
	})

	t.Run("udp zero checksum accepted without marking", func(t *testing.T) {
		l4 := make([]byte, 8) // UDP header with zero checksum
		m := mbuf.NewWithData(testFrame(0x0800, l4))
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: udpCsumFieldOffset}

		assert.False(t, dev.badRxCsum(m, hdr))
		assert.Zero(t, m.Pkthdr().CsumFlags)
	})

	t.Run("udp nonzero checksum falls through to valid", func(t *testing.T) {
		l4 := make([]byte, 20)
		binary.BigEndian.PutUint16(l4[6:8], 0xbeef)
		m := mbuf.NewWithData(testFrame(0x0800, l4))
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: udpCsumFieldOffset}

		assert.False(t, dev.badRxCsum(m, hdr))
		assert.EqualValues(t, mbuf.CsumDataValid|mbuf.CsumPseudoHdr, m.Pkthdr().CsumFlags)
	})

	t.Run("non ipv4 rejected", func(t *testing.T) {
		m := mbuf.NewWithData(testFrame(0x86dd, make([]byte, 20)))
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: tcpCsumFieldOffset}

		assert.True(t, dev.badRxCsum(m, hdr))
	})

	t.Run("vlan tag skipped", func(t *testing.T) {
		frame := make([]byte, 18+20+20)
		binary.BigEndian.PutUint16(frame[12:14], 0x8100)
		binary.BigEndian.PutUint16(frame[16:18], 0x0800)
		frame[18] = 0x45
		m := mbuf.NewWithData(frame)
		hdr := &virtio.NetHdr{CsumStart: 38, CsumOffset: tcpCsumFieldOffset}

		assert.False(t, dev.badRxCsum(m, hdr))
	})

	t.Run("short checksum range rejected", func(t *testing.T) {
		m := mbuf.NewWithData(testFrame(0x0800, make([]byte, 20)))
		hdr := &virtio.NetHdr{CsumStart: 10, CsumOffset: 6}

		assert.True(t, dev.badRxCsum(m, hdr))
	})

	t.Run("frame shorter than checksum range rejected", func(t *testing.T) {
		m := mbuf.NewWithData(make([]byte, 40))
		binary.BigEndian.PutUint16(m.Data()[12:14], 0x0800)
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: tcpCsumFieldOffset}

		assert.True(t, dev.badRxCsum(m, hdr))
	})

	t.Run("unknown offset rejected", func(t *testing.T) {
		m := mbuf.NewWithData(testFrame(0x0800, make([]byte, 120)))
		hdr := &virtio.NetHdr{CsumStart: 34, CsumOffset: 99}

		assert.True(t, dev.badRxCsum(m, hdr))
	})
}

// tsoFrame builds an ethernet+IPv4+TCP frame with the given TCP flags.
func tsoFrame(tcpFlags byte, payload int) []byte {
	frame := make([]byte, 14+20+20+payload)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	frame[14] = 0x45
	frame[23] = 6         // protocol TCP
	frame[34+12] = 5 << 4 // data offset 5 words
	frame[34+13] = tcpFlags
	return frame
}

func TestTxOffload_ChecksumOnly(t *testing.T) {
	dev := quietDevice()

	m := mbuf.NewWithData(tsoFrame(0, 100))
	m.Pkthdr().CsumFlags = mbuf.CsumTCP
	m.Pkthdr().CsumData = 16

	var hdr virtio.NetHdr
	out := dev.txOffload(m, &hdr)
	require.NotNil(t, out)

	assert.EqualValues(t, virtio.NetHdrFNeedsCsum, hdr.Flags)
	assert.EqualValues(t, 34, hdr.CsumStart)
	assert.EqualValues(t, 16, hdr.CsumOffset)
	assert.EqualValues(t, virtio.NetHdrGSONone, hdr.GSOType)
}

func TestTxOffload_TSO(t *testing.T) {
	dev := quietDevice()

	m := mbuf.NewWithData(tsoFrame(0, 4946))
	m.Pkthdr().CsumFlags = mbuf.CsumTCP | mbuf.CsumTSO
	m.Pkthdr().CsumData = 16
	m.Pkthdr().TsoSegsz = 1460

	var hdr virtio.NetHdr
	out := dev.txOffload(m, &hdr)
	require.NotNil(t, out)

	assert.EqualValues(t, virtio.NetHdrFNeedsCsum, hdr.Flags)
	assert.EqualValues(t, virtio.NetHdrGSOTCPv4, hdr.GSOType)
	assert.EqualValues(t, 54, hdr.HdrLen)
	assert.EqualValues(t, 1460, hdr.GSOSize)
	assert.EqualValues(t, 34, hdr.CsumStart)
	assert.EqualValues(t, 16, hdr.CsumOffset)
}

func TestTxOffload_ECN(t *testing.T) {
	t.Run("host supports ecn", func(t *testing.T) {
		dev := quietDevice()
		dev.tsoEcn = true

		m := mbuf.NewWithData(tsoFrame(tcpCWRFlag, 100))
		m.Pkthdr().CsumFlags = mbuf.CsumTSO
		m.Pkthdr().TsoSegsz = 1460

		var hdr virtio.NetHdr
		out := dev.txOffload(m, &hdr)
		require.NotNil(t, out)
		assert.EqualValues(t, virtio.NetHdrGSOTCPv4|virtio.NetHdrGSOECN, hdr.GSOType)
	})

	t.Run("host lacks ecn, packet dropped", func(t *testing.T) {
		dev := quietDevice()

		m := mbuf.NewWithData(tsoFrame(tcpCWRFlag, 100))
		m.Pkthdr().CsumFlags = mbuf.CsumTSO
		m.Pkthdr().TsoSegsz = 1460

		var hdr virtio.NetHdr
		assert.Nil(t, dev.txOffload(m, &hdr))
	})
}

func TestTxOffload_NonIPPassthrough(t *testing.T) {
	dev := quietDevice()

	frame := make([]byte, 60)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // ARP
	m := mbuf.NewWithData(frame)
	m.Pkthdr().CsumFlags = mbuf.CsumTCP

	var hdr virtio.NetHdr
	out := dev.txOffload(m, &hdr)
	require.NotNil(t, out)
	assert.Zero(t, hdr.Flags, "non-IP frames pass through untouched")
}
