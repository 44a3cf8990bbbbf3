package virtiotest

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Host-side mirror of the ring structures. Kept separate from the driver-side
// package on purpose: the host trusts nothing but the shared memory layout.
type hostDesc struct {
	addr  uintptr
	len   uint32
	flags uint16
	next  uint16
}

const (
	hostDescFNext     = 1 << 0
	hostDescFWrite    = 1 << 1
	hostDescFIndirect = 1 << 2
)

const hostAvailFNoInterrupt = 1 << 0

type hostUsedElem struct {
	id  uint32
	len uint32
}

// Chain is one descriptor chain as the host sees it: the device-readable
// buffers followed by the device-writable ones.
type Chain struct {
	Head uint16
	Out  [][]byte
	In   [][]byte
}

// OutBytes concatenates the device-readable buffers of the chain.
func (c *Chain) OutBytes() []byte {
	var out []byte
	for _, b := range c.Out {
		out = append(out, b...)
	}
	return out
}

// HostQueue is the hypervisor's view of one guest ring.
type HostQueue struct {
	dev   *Device
	index uint16
	size  int

	desc []hostDesc

	availFlags *uint16
	availIdx   *uint16
	availRing  []uint16
	usedEvent  *uint16

	usedFlags  *uint16
	usedIdx    *uint16
	usedRing   []hostUsedElem
	availEvent *uint16

	mu            sync.Mutex
	lastSeenAvail uint16
	lastIntUsed   uint16
	eventIdx      bool
}

// newHostQueue maps the ring at the given guest-physical base. The fake runs
// with an identity mapping, so the base is a usable pointer.
func newHostQueue(dev *Device, index uint16, size int, base uintptr) *HostQueue {
	if size == 0 {
		return nil
	}

	pageSize := unix.Getpagesize()
	descBytes := 16 * size
	availStart := descBytes // descriptor table size is a multiple of 2
	availBytes := 6 + 2*size
	usedStart := alignUp(availStart+availBytes, pageSize)

	//goland:noinspection GoVetUnsafePointer
	basePtr := unsafe.Pointer(base)

	q := &HostQueue{
		dev:        dev,
		index:      index,
		size:       size,
		desc:       unsafe.Slice((*hostDesc)(basePtr), size),
		availFlags: (*uint16)(unsafe.Add(basePtr, availStart)),
		availIdx:   (*uint16)(unsafe.Add(basePtr, availStart+2)),
		availRing:  unsafe.Slice((*uint16)(unsafe.Add(basePtr, availStart+4)), size),
		usedEvent:  (*uint16)(unsafe.Add(basePtr, availStart+4+2*size)),
		usedFlags:  (*uint16)(unsafe.Add(basePtr, usedStart)),
		usedIdx:    (*uint16)(unsafe.Add(basePtr, usedStart+2)),
		usedRing:   unsafe.Slice((*hostUsedElem)(unsafe.Add(basePtr, usedStart+4)), size),
		availEvent: (*uint16)(unsafe.Add(basePtr, usedStart+4+8*size)),
	}
	q.lastSeenAvail = *q.availIdx
	q.lastIntUsed = *q.usedIdx
	return q
}

// SetEventIdx tells the host view that event index suppression was
// negotiated, so interrupt decisions consult used_event instead of the
// no-interrupt flag.
func (q *HostQueue) SetEventIdx(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eventIdx = on
}

// SetNoNotify toggles the host's kick suppression advice to the driver.
func (q *HostQueue) SetNoNotify(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if on {
		*q.usedFlags |= 1
	} else {
		*q.usedFlags &^= 1
	}
}

// Pending returns how many published chains the host has not consumed yet.
func (q *HostQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(*q.availIdx - q.lastSeenAvail)
}

// PopAvail consumes the next published chain, walking linked and indirect
// descriptors into buffer slices.
func (q *HostQueue) PopAvail() (Chain, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lastSeenAvail == *q.availIdx {
		return Chain{}, false
	}

	head := q.availRing[int(q.lastSeenAvail)%q.size]
	q.lastSeenAvail++
	// Ask to be kicked again once the driver publishes past this point, the
	// way a device maintains avail_event under event index suppression.
	*q.availEvent = q.lastSeenAvail

	chain := Chain{Head: head}
	next := head
	for range q.size {
		d := q.desc[next]

		if d.flags&hostDescFIndirect != 0 {
			//goland:noinspection GoVetUnsafePointer
			side := unsafe.Slice((*hostDesc)(unsafe.Pointer(d.addr)), int(d.len)/16)
			for _, sd := range side {
				q.appendBuffer(&chain, sd)
			}
			break
		}

		q.appendBuffer(&chain, d)

		if d.flags&hostDescFNext == 0 {
			break
		}
		next = d.next
	}

	return chain, true
}

func (q *HostQueue) appendBuffer(chain *Chain, d hostDesc) {
	//goland:noinspection GoVetUnsafePointer
	buf := unsafe.Slice((*byte)(unsafe.Pointer(d.addr)), d.len)
	if d.flags&hostDescFWrite != 0 {
		chain.In = append(chain.In, buf)
	} else {
		chain.Out = append(chain.Out, buf)
	}
}

// Completion is one used-ring entry to post.
type Completion struct {
	Head   uint16
	Length uint32
}

// Complete writes one completion into the used ring and delivers the
// interrupt unless the driver suppressed it.
func (q *HostQueue) Complete(head uint16, length uint32) {
	q.CompleteMany([]Completion{{Head: head, Length: length}})
}

// CompleteMany posts several completions with a single used-index update and
// a single interrupt, the way a device commits a merged packet.
func (q *HostQueue) CompleteMany(completions []Completion) {
	q.mu.Lock()
	idx := *q.usedIdx
	for _, c := range completions {
		q.usedRing[int(idx)%q.size] = hostUsedElem{id: uint32(c.Head), len: c.Length}
		idx++
	}
	*q.usedIdx = idx
	q.mu.Unlock()

	q.dev.interrupt(q)
}

// interruptSuppressed reports whether the driver asked not to be interrupted
// at the current used position.
func (q *HostQueue) interruptSuppressed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.eventIdx {
		event := *q.usedEvent
		newIdx := *q.usedIdx
		oldIdx := q.lastIntUsed
		q.lastIntUsed = newIdx
		return !(newIdx-event-1 < newIdx-oldIdx)
	}
	return *q.availFlags&hostAvailFNoInterrupt != 0
}

func alignUp(n, alignment int) int {
	remainder := n % alignment
	if remainder == 0 {
		return n
	}
	return n + alignment - remainder
}
