package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would
	// contain no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice. Unused descriptors form a LIFO free list threaded
// through their next fields.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the descriptor popped next. When all
	// descriptors are in use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// Before this descriptor table can be used, [initializeDescriptors] must be
// called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		// We have no free descriptors until they were initialized.
		freeHeadIndex: noFreeHead,
		freeNum:       0,
	}
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// initializeDescriptors links all descriptors into the free list. Their
// addresses and lengths remain zero until a chain is created.
func (dt *DescriptorTable) initializeDescriptors() {
	numDescriptors := len(dt.descriptors)
	for i := range dt.descriptors {
		next := uint16(i + 1)
		if i == numDescriptors-1 {
			next = noFreeHead
		}
		dt.descriptors[i] = Descriptor{
			address: 0,
			length:  0,
			flags:   0,
			next:    next,
		}
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(numDescriptors)
}

// freeCount returns the number of descriptors that are not part of a live
// chain.
func (dt *DescriptorTable) freeCount() uint16 {
	return dt.freeNum
}

// allocDescriptors pops n descriptors off the free list. The returned indices
// are in pop order; their contents are stale and must be fully rewritten by
// the caller.
func (dt *DescriptorTable) allocDescriptors(n int) ([]uint16, error) {
	if n == 0 {
		return nil, ErrDescriptorChainEmpty
	}
	if uint16(n) > dt.freeNum {
		return nil, ErrNotEnoughFreeDescriptors
	}

	indices := make([]uint16, n)
	for i := range n {
		if dt.freeHeadIndex == noFreeHead {
			panic("free list is empty but freeNum says it should not be")
		}
		indices[i] = dt.freeHeadIndex
		dt.freeHeadIndex = dt.descriptors[dt.freeHeadIndex].next
	}
	dt.freeNum -= uint16(n)

	return indices, nil
}

// freeChain puts the descriptor chain that starts with the given index back
// onto the free list and returns the number of descriptors it contained.
// The chain must have been created by a previous alloc and must not have been
// freed yet.
func (dt *DescriptorTable) freeChain(head uint16) (uint16, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// Iterate over the chain. The iteration is limited to the queue size to
	// avoid ending up in an endless loop when things go very wrong.
	next := head
	tail := noFreeHead
	var chainLen uint16
	for range len(dt.descriptors) {
		desc := &dt.descriptors[next]
		chainLen++

		desc.address = 0
		desc.length = 0

		// Is this the tail of the chain?
		if desc.flags&descriptorFlagHasNext == 0 {
			tail = next
			desc.flags = 0
			break
		}

		// Detect loops.
		if desc.next == head {
			return 0, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		desc.flags = 0
		next = desc.next
	}
	if tail == noFreeHead {
		// A descriptor chain longer than the queue size but without loops
		// should be impossible.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// Push the whole chain onto the front of the free list.
	dt.descriptors[tail].next = dt.freeHeadIndex
	dt.freeHeadIndex = head
	dt.freeNum += chainLen

	return chainLen, nil
}
