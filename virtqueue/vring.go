package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/slackhq/virtio/dma"
	"github.com/slackhq/virtio/virtio"
	"golang.org/x/sys/unix"
)

// NotifyFunc tells the transport to notify the device about new buffers on
// the queue with the given index.
type NotifyFunc func(queueIndex uint16)

// Config describes the queue to allocate.
type Config struct {
	// Size is the number of descriptors, as reported by the device. Must be a
	// power of two.
	Size int
	// Index is the queue index within the device.
	Index uint16
	// Notify is invoked by [Vring.Kick] unless the device suppressed
	// notifications.
	Notify NotifyFunc
	// Indirect enables indirect descriptor chains. Only set when
	// VIRTIO_RING_F_INDIRECT_DESC was negotiated.
	Indirect bool
	// EventIdx enables event index notification suppression. Only set when
	// VIRTIO_RING_F_EVENT_IDX was negotiated.
	EventIdx bool
}

// ErrAddressWidth is returned when a ring's physical base does not fit the
// legacy transport's page frame register.
var ErrAddressWidth = errors.New("ring physical address exceeds the transport's address width")

// sgEntry is one staged scatter-gather element.
type sgEntry struct {
	addr   uintptr
	length uint32
	write  bool
}

// Vring is one virtqueue: the three shared rings plus the driver-side
// bookkeeping to stage scatter-gather lists, publish descriptor chains and
// reclaim completions.
//
// A Vring is owned by exactly one task for publishing and reclaiming; it is
// not internally locked. The only cross-thread entry points are [Vring.Wake],
// [Vring.EnableInterrupts] and [Vring.DisableInterrupts], which interrupt
// handlers use.
type Vring struct {
	size   int
	index  uint16
	region *dma.Region
	alloc  dma.Allocator

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// sg is the scatter-gather vector currently being assembled.
	sg []sgEntry
	// sgWrites counts the device-writable entries staged so far.
	sgWrites int

	// cookies correlates completions to requests, keyed by chain head. The
	// vring owns a cookie between publish and completion.
	cookies map[uint16]any
	// indirectTables holds the side tables of in-flight indirect chains,
	// keyed by chain head.
	indirectTables map[uint16]*dma.Region

	capIndirect bool
	capEventIdx bool

	notify NotifyFunc
	// lastKickIdx is the available ring index at the last notification
	// decision, used for event index suppression.
	lastKickIdx uint16

	// wake coalesces interrupt arrivals into a single one-shot signal.
	wake chan struct{}

	// peekedHead is the chain head returned by the last unfinalized
	// [Vring.GetBufElem].
	peekedHead uint16
	hasPeeked  bool
}

// NewVring allocates the shared ring memory from the given allocator and
// initializes the driver-side state. The layout is the legacy contract: the
// descriptor table at the base, the available ring directly after it and the
// used ring page-aligned after that.
func NewVring(alloc dma.Allocator, cfg Config) (*Vring, error) {
	if err := CheckQueueSize(cfg.Size); err != nil {
		return nil, err
	}

	pageSize := unix.Getpagesize()

	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + descriptorTableSize(cfg.Size)
	availableRingStart := alignUp(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(cfg.Size)
	usedRingStart := alignUp(availableRingEnd, pageSize)
	usedRingEnd := usedRingStart + usedRingSize(cfg.Size)

	region, err := alloc.Alloc(usedRingEnd)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue buffer: %w", err)
	}

	if region.Phys()%uintptr(pageSize) != 0 {
		_ = region.Close()
		return nil, fmt.Errorf("ring base %#x is not page aligned", region.Phys())
	}
	// The legacy transport carries a 32-bit page frame number.
	if region.Phys()>>virtio.QueueAddrShift > 0xffffffff {
		_ = region.Close()
		return nil, ErrAddressWidth
	}

	buf := region.Bytes()
	v := &Vring{
		size:            cfg.Size,
		index:           cfg.Index,
		region:          region,
		alloc:           alloc,
		descriptorTable: newDescriptorTable(cfg.Size, buf[descriptorTableStart:descriptorTableEnd]),
		availableRing:   newAvailableRing(cfg.Size, buf[availableRingStart:availableRingEnd]),
		usedRing:        newUsedRing(cfg.Size, buf[usedRingStart:usedRingEnd]),
		cookies:         make(map[uint16]any, cfg.Size),
		indirectTables:  make(map[uint16]*dma.Region),
		capIndirect:     cfg.Indirect,
		capEventIdx:     cfg.EventIdx,
		notify:          cfg.Notify,
		wake:            make(chan struct{}, 1),
	}
	v.descriptorTable.initializeDescriptors()

	return v, nil
}

// Size returns the number of descriptors in this queue.
func (v *Vring) Size() int {
	return v.size
}

// Index returns the queue index within the device.
func (v *Vring) Index() uint16 {
	return v.index
}

// PhysAddr returns the physical base address of the ring memory.
func (v *Vring) PhysAddr() uintptr {
	return v.region.Phys()
}

// InitSG resets the staging scatter-gather vector.
func (v *Vring) InitSG() {
	v.sg = v.sg[:0]
	v.sgWrites = 0
}

// AddOutSG stages a device-readable buffer. All out entries must be staged
// before any in entry.
func (v *Vring) AddOutSG(addr uintptr, length uint32) {
	if v.sgWrites > 0 {
		panic("out entries must precede all in entries in a scatter-gather list")
	}
	v.sg = append(v.sg, sgEntry{addr: addr, length: length})
}

// AddInSG stages a device-writable buffer.
func (v *Vring) AddInSG(addr uintptr, length uint32) {
	v.sg = append(v.sg, sgEntry{addr: addr, length: length, write: true})
	v.sgWrites++
}

// SGLen returns the number of staged scatter-gather entries.
func (v *Vring) SGLen() int {
	return len(v.sg)
}

// AddBuf publishes the staged scatter-gather vector as one descriptor chain
// and records cookie against its head. It reports false when there are not
// enough free descriptors; the caller must reclaim completions and retry.
// On success the staging vector is reset.
func (v *Vring) AddBuf(cookie any) bool {
	n := len(v.sg)
	if n == 0 {
		panic(ErrDescriptorChainEmpty)
	}

	var head uint16
	if v.capIndirect && n > 1 {
		ok, h := v.addBufIndirect()
		if !ok {
			return false
		}
		head = h
	} else {
		indices, err := v.descriptorTable.allocDescriptors(n)
		if err != nil {
			return false
		}
		for i, e := range v.sg {
			desc := &v.descriptorTable.descriptors[indices[i]]
			desc.address = e.addr
			desc.length = e.length
			desc.flags = 0
			desc.next = 0
			if e.write {
				desc.flags |= descriptorFlagWritable
			}
			if i < n-1 {
				desc.flags |= descriptorFlagHasNext
				desc.next = indices[i+1]
			}
		}
		head = indices[0]
	}

	v.cookies[head] = cookie
	v.availableRing.offerSingle(head)
	v.InitSG()
	return true
}

// addBufIndirect publishes the staged vector through a single indirect
// descriptor pointing at a side table.
func (v *Vring) addBufIndirect() (bool, uint16) {
	n := len(v.sg)

	indices, err := v.descriptorTable.allocDescriptors(1)
	if err != nil {
		return false, 0
	}

	table, err := v.alloc.Alloc(descriptorSize * n)
	if err != nil {
		// Fall back to a linked chain when the side table cannot be
		// allocated.
		_, _ = v.descriptorTable.freeChain(indices[0])
		return v.addBufLinkedFallback()
	}

	side := unsafe.Slice((*Descriptor)(unsafe.Pointer(&table.Bytes()[0])), n)
	for i, e := range v.sg {
		side[i] = Descriptor{
			address: e.addr,
			length:  e.length,
		}
		if e.write {
			side[i].flags |= descriptorFlagWritable
		}
		if i < n-1 {
			side[i].flags |= descriptorFlagHasNext
			side[i].next = uint16(i + 1)
		}
	}

	head := indices[0]
	desc := &v.descriptorTable.descriptors[head]
	desc.address = table.Phys()
	desc.length = uint32(descriptorSize * n)
	desc.flags = descriptorFlagIndirect
	desc.next = 0

	v.indirectTables[head] = table
	return true, head
}

// addBufLinkedFallback builds a direct linked chain for the staged vector.
func (v *Vring) addBufLinkedFallback() (bool, uint16) {
	n := len(v.sg)
	indices, err := v.descriptorTable.allocDescriptors(n)
	if err != nil {
		return false, 0
	}
	for i, e := range v.sg {
		desc := &v.descriptorTable.descriptors[indices[i]]
		desc.address = e.addr
		desc.length = e.length
		desc.flags = 0
		desc.next = 0
		if e.write {
			desc.flags |= descriptorFlagWritable
		}
		if i < n-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = indices[i+1]
		}
	}
	return true, indices[0]
}

// requiredDescriptors returns how many descriptors publishing an n-entry
// chain would consume.
func (v *Vring) requiredDescriptors(n int) uint16 {
	if v.capIndirect && n > 1 {
		return 1
	}
	return uint16(n)
}

// AvailRingHasRoom reports whether a chain of n scatter-gather entries could
// be published right now.
func (v *Vring) AvailRingHasRoom(n int) bool {
	return v.descriptorTable.freeCount() >= v.requiredDescriptors(n)
}

// AvailRingNotEmpty reports whether at least one more chain could be
// published.
func (v *Vring) AvailRingNotEmpty() bool {
	return v.descriptorTable.freeCount() > 0
}

// RefillRingCond reports whether the ring has drained far enough that the
// owner should produce fresh buffers.
func (v *Vring) RefillRingCond() bool {
	return int(v.descriptorTable.freeCount()) >= v.size/2
}

// UsedRingNotEmpty reports whether the device has completed chains that were
// not yet reclaimed.
func (v *Vring) UsedRingNotEmpty() bool {
	return v.usedRing.availableToTake() != 0
}

// UsedRingCanGC reports whether reclaiming completions would make progress.
// Synonym of [Vring.UsedRingNotEmpty], used for pacing producers awaiting
// completions.
func (v *Vring) UsedRingCanGC() bool {
	return v.UsedRingNotEmpty()
}

// GetBufElem peeks the next completed chain and returns its cookie and the
// number of bytes the device wrote. It reports false when no completion is
// pending. The peek is committed with [Vring.GetBufFinalize].
func (v *Vring) GetBufElem() (any, uint32, bool) {
	elem, ok := v.usedRing.peek()
	if !ok {
		return nil, 0, false
	}
	head := elem.Head()
	v.peekedHead = head
	v.hasPeeked = true
	return v.cookies[head], elem.Length, true
}

// GetBufFinalize commits the last peek: the chain's descriptors return to the
// free list, its cookie is dropped and the used ring shadow advances.
func (v *Vring) GetBufFinalize() {
	if !v.hasPeeked {
		panic("GetBufFinalize without a pending GetBufElem")
	}
	head := v.peekedHead
	v.hasPeeked = false

	delete(v.cookies, head)
	if table, ok := v.indirectTables[head]; ok {
		delete(v.indirectTables, head)
		_ = table.Close()
	}
	if _, err := v.descriptorTable.freeChain(head); err != nil {
		panic(fmt.Sprintf("reclaim used chain %d: %v", head, err))
	}
	v.usedRing.advance()
}

// GetBufGC bulk-drains all completed chains, dropping their cookies, and
// returns how many were reclaimed.
func (v *Vring) GetBufGC() int {
	count := 0
	for {
		_, _, ok := v.GetBufElem()
		if !ok {
			return count
		}
		v.GetBufFinalize()
		count++
	}
}

// Kick notifies the device about newly published chains, unless notification
// suppression indicates the device asked not to be notified for this producer
// position.
func (v *Vring) Kick() {
	// The published index must be visible before the suppression state is
	// consulted.
	storeFence()

	newIdx := v.availableRing.index()
	oldIdx := v.lastKickIdx
	v.lastKickIdx = newIdx

	if v.capEventIdx {
		if !needEvent(v.usedRing.availEvent(), newIdx, oldIdx) {
			return
		}
	} else if v.usedRing.noNotify() {
		return
	}

	v.notify(v.index)
}

// needEvent implements the event index decision: notify when the event index
// lies between the previous and the new producer position.
func needEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// EnableInterrupts asks the device to interrupt for the next completion.
// Callers must re-check their predicate after enabling, see the transport's
// WaitForQueue.
func (v *Vring) EnableInterrupts() {
	if v.capEventIdx {
		v.availableRing.setUsedEvent(v.usedRing.lastIndex)
	}
	v.availableRing.setNoInterrupt(false)
	// Order the flag write before the caller's predicate recheck.
	storeFence()
}

// DisableInterrupts advises the device not to interrupt on completions.
func (v *Vring) DisableInterrupts() {
	v.availableRing.setNoInterrupt(true)
}

// Wake delivers the one-shot wake signal. Safe to call from interrupt
// context; multiple calls coalesce.
func (v *Vring) Wake() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// WakeC returns the channel the queue owner blocks on in WaitForQueue.
func (v *Vring) WakeC() <-chan struct{} {
	return v.wake
}

// Close releases the ring memory and any in-flight indirect tables. In-flight
// cookies are discarded; completions arriving after Close are lost by design.
func (v *Vring) Close() error {
	var errs []error
	for head, table := range v.indirectTables {
		if err := table.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release indirect table %d: %w", head, err))
		}
	}
	v.indirectTables = nil
	v.cookies = nil
	if v.region != nil {
		if err := v.region.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release ring memory: %w", err))
		}
		v.region = nil
	}
	return errors.Join(errs...)
}

func alignUp(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
