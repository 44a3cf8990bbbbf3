// Package dma provides the DMA-coherent memory contract the virtio transport
// hands its ring and bounce buffers to. The actual allocation strategy belongs
// to the embedding environment; the default allocator maps anonymous pages and
// treats virtual addresses as physical, which is what an identity-mapped guest
// (and the test harness) want.
package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator hands out page-aligned DMA-coherent memory regions.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes. The region's base
	// is page-aligned.
	Alloc(size int) (*Region, error)
}

// Region is a contiguous run of DMA-addressable memory.
type Region struct {
	buf     []byte
	phys    uintptr
	release func() error
}

// NewRegion wraps externally managed memory into a Region. The release
// function may be nil.
func NewRegion(buf []byte, phys uintptr, release func() error) *Region {
	return &Region{buf: buf, phys: phys, release: release}
}

// Bytes returns the memory backing this region.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Phys returns the physical base address of the region.
func (r *Region) Phys() uintptr {
	return r.phys
}

// PhysOf translates an address within the region's virtual mapping to its
// physical counterpart.
func (r *Region) PhysOf(p unsafe.Pointer) uintptr {
	off := uintptr(p) - uintptr(unsafe.Pointer(&r.buf[0]))
	return r.phys + off
}

// Close releases the region. The memory must no longer be referenced by any
// descriptor afterwards.
func (r *Region) Close() error {
	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	r.buf = nil
	return release()
}

// PageAllocator allocates regions with anonymous memory mappings and resolves
// physical addresses as identity. It backs the transport in tests and in
// identity-mapped guests.
type PageAllocator struct{}

// Alloc implements [Allocator].
func (PageAllocator) Alloc(size int) (*Region, error) {
	pageSize := unix.Getpagesize()
	size = align(size, pageSize)

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate dma region: %w", err)
	}

	r := &Region{
		buf:  buf,
		phys: uintptr(unsafe.Pointer(&buf[0])),
	}
	r.release = func() error {
		if err := unix.Munmap(buf); err != nil {
			return fmt.Errorf("release dma region: %w", err)
		}
		return nil
	}
	return r, nil
}

func align(n, alignment int) int {
	remainder := n % alignment
	if remainder == 0 {
		return n
	}
	return n + alignment - remainder
}
