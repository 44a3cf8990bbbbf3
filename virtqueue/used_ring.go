package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the driver to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. [Vring.Kick] skips the notification while it is set.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the
// device and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	initialized bool

	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is the available ring index after which the device wants
	// to be kicked again. Only honored by the driver when event index
	// suppression was negotiated.
	availableEvent *uint16

	// lastIndex is the internal ringIndex up to which all [UsedElement]s were
	// processed. It monotonically advances and never exceeds the device's
	// ringIndex.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		initialized:    true,
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = *r.ringIndex
	return &r
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// availableToTake returns the number of new used elements the device has put
// into the ring that were not yet processed.
func (r *UsedRing) availableToTake() int {
	ringIndex := *r.ringIndex
	if ringIndex == r.lastIndex {
		// Nothing new.
		return 0
	}

	// The ring index may wrap, the 16-bit subtraction handles that.
	count := int(ringIndex - r.lastIndex)

	// The number of new elements can never exceed the queue size.
	if count > len(r.ring) {
		panic("used ring contains more new elements than the ring is long")
	}
	return count
}

// peek returns the next unprocessed [UsedElement] without advancing past it.
// The caller commits the element with [UsedRing.advance].
func (r *UsedRing) peek() (UsedElement, bool) {
	if r.availableToTake() == 0 {
		return UsedElement{}, false
	}

	loadFence()
	return r.ring[r.lastIndex%uint16(len(r.ring))], true
}

// advance commits the element returned by the last [UsedRing.peek].
func (r *UsedRing) advance() {
	r.lastIndex++
}

// noNotify reports whether the device asked not to be kicked.
func (r *UsedRing) noNotify() bool {
	return *r.flags&usedRingFlagNoNotify != 0
}

// availEvent returns the available ring index after which the device wants to
// be kicked again.
func (r *UsedRing) availEvent() uint16 {
	return *r.availableEvent
}
