// Package mbuf carries the packet-buffer contract between the network driver
// and the packet layer of the embedding environment: fragment chains with a
// packet header on the chain head, cluster allocation and the small set of
// manipulations the datapath needs.
package mbuf

// ClusterSize is the default size of a receive cluster.
const ClusterSize = 2048

// Checksum flags carried in [Pkthdr.CsumFlags]. The transmit-side flags
// request offloads; the receive-side flags report validation results.
const (
	// CsumTCP requests TCP checksum offload on transmit.
	CsumTCP = 1 << 0
	// CsumUDP requests UDP checksum offload on transmit.
	CsumUDP = 1 << 1
	// CsumTSO requests TCP segmentation offload on transmit.
	CsumTSO = 1 << 2
	// CsumDataValid reports that the checksum was verified on receive.
	CsumDataValid = 1 << 3
	// CsumPseudoHdr reports that the verified checksum covers the pseudo
	// header.
	CsumPseudoHdr = 1 << 4
)

// Pkthdr describes a whole packet. Only the head fragment of a chain carries
// one.
type Pkthdr struct {
	// Len is the total length of the packet across all fragments.
	Len int
	// Rcvif names the interface the packet arrived on.
	Rcvif string
	// CsumFlags is a combination of the Csum flags above.
	CsumFlags int
	// CsumData is the checksum offset on transmit, or 0xffff on a verified
	// receive.
	CsumData uint16
	// TsoSegsz is the MSS for segmentation offload.
	TsoSegsz uint16
}

// Mbuf is one fragment of a packet. Fragments link into chains via Next; the
// head carries the [Pkthdr].
type Mbuf struct {
	buf    []byte
	off    int
	length int
	next   *Mbuf
	hdr    *Pkthdr
}

// Allocator hands out packet clusters. A nil return means allocation failure
// and is expected under memory pressure; callers must cope.
type Allocator interface {
	// GetCluster returns a packet-header mbuf backed by a cluster of the
	// given size, or nil when no memory is available.
	GetCluster(size int) *Mbuf
}

// HeapAllocator allocates clusters from the Go heap. It never fails.
type HeapAllocator struct{}

// GetCluster implements [Allocator].
func (HeapAllocator) GetCluster(size int) *Mbuf {
	return &Mbuf{
		buf: make([]byte, size),
		hdr: &Pkthdr{},
	}
}

// NewWithData builds a packet-header mbuf over the given payload.
func NewWithData(data []byte) *Mbuf {
	return &Mbuf{
		buf:    data,
		length: len(data),
		hdr:    &Pkthdr{Len: len(data)},
	}
}

// Data returns the fragment's current payload view.
func (m *Mbuf) Data() []byte {
	return m.buf[m.off : m.off+m.length]
}

// Len returns the fragment's payload length.
func (m *Mbuf) Len() int {
	return m.length
}

// SetLen sets the fragment's payload length.
func (m *Mbuf) SetLen(n int) {
	m.length = n
}

// Cap returns how many payload bytes the fragment could hold.
func (m *Mbuf) Cap() int {
	return len(m.buf) - m.off
}

// Next returns the following fragment of the chain, if any.
func (m *Mbuf) Next() *Mbuf {
	return m.next
}

// SetNext links the following fragment.
func (m *Mbuf) SetNext(n *Mbuf) {
	m.next = n
}

// Pkthdr returns the packet header. Only valid on the chain head.
func (m *Mbuf) Pkthdr() *Pkthdr {
	return m.hdr
}

// ClearPkthdr demotes the fragment to a plain buffer, for fragments linked
// behind a head.
func (m *Mbuf) ClearPkthdr() {
	m.hdr = nil
}

// Adj trims n bytes from the front of the fragment and, when the fragment
// heads a chain, from the packet length.
func (m *Mbuf) Adj(n int) {
	if n > m.length {
		n = m.length
	}
	m.off += n
	m.length -= n
	if m.hdr != nil {
		m.hdr.Len -= n
	}
}

// Pullup makes the first n bytes of the packet contiguous in the head
// fragment. It returns the (possibly unchanged) head, or nil when the chain
// is shorter than n or the head cannot hold n bytes; the chain is freed in
// that case.
func (m *Mbuf) Pullup(n int) *Mbuf {
	if m.length >= n {
		return m
	}
	if n > m.Cap() {
		m.FreeChain()
		return nil
	}

	data := m.buf[m.off:]
	have := m.length
	frag := m.next
	for have < n && frag != nil {
		want := n - have
		take := frag.length
		if take > want {
			take = want
		}
		copy(data[have:have+take], frag.Data()[:take])
		frag.Adj(take)
		have += take
		if frag.length == 0 {
			m.next = frag.next
			frag = m.next
			continue
		}
		frag = frag.next
	}
	if have < n {
		m.FreeChain()
		return nil
	}
	m.length = have
	return m
}

// Free releases a single fragment.
func (m *Mbuf) Free() {
	m.buf = nil
	m.next = nil
	m.hdr = nil
}

// FreeChain releases the fragment and everything linked behind it.
func (m *Mbuf) FreeChain() {
	for m != nil {
		next := m.next
		m.Free()
		m = next
	}
}

// ChainBytes copies the whole chain's payload into one slice. Test helper
// more than datapath; the driver never needs a flat copy.
func (m *Mbuf) ChainBytes() []byte {
	var out []byte
	for frag := m; frag != nil; frag = frag.next {
		out = append(out, frag.Data()...)
	}
	return out
}
