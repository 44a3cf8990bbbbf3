package virtio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetHdr_Size(t *testing.T) {
	assert.EqualValues(t, NetHdrMrgSize, unsafe.Sizeof(NetHdr{}))
}

func TestNetHdr_Encoding(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      NetHdrFNeedsCsum,
		GSOType:    NetHdrGSOTCPv4,
		HdrLen:     54,
		GSOSize:    1460,
		CsumStart:  34,
		CsumOffset: 16,
		NumBuffers: 3,
	}

	buf := make([]byte, NetHdrMrgSize)
	require.NoError(t, vnethdr.Encode(buf, NetHdrMrgSize))

	assert.Equal(t, []byte{
		0x01, 0x01,
		0x36, 0x00,
		0xb4, 0x05,
		0x22, 0x00,
		0x10, 0x00,
		0x03, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrMrgSize))

	assert.Equal(t, vnethdr, decoded)
}

func TestNetHdr_EncodingLegacy(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      NetHdrFNeedsCsum,
		CsumStart:  14,
		CsumOffset: 16,
	}

	buf := make([]byte, NetHdrSize)
	require.NoError(t, vnethdr.Encode(buf, NetHdrSize))

	// The legacy header stops before num_buffers.
	assert.Equal(t, []byte{
		0x01, 0x00,
		0x00, 0x00,
		0x00, 0x00,
		0x0e, 0x00,
		0x10, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrSize))
	assert.Equal(t, vnethdr, decoded)

	assert.Error(t, decoded.Decode(buf[:4], NetHdrSize))
}
