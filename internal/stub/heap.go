// Package stub is the sandboxee-side dispatcher: it services the wire
// protocol against a registry of host functions and a pseudo heap that
// stands in for the library's allocator.
package stub

import (
	"fmt"
	"sync"
)

const (
	heapBase  = 0x10000
	heapAlign = 16
)

// Heap is the worker's allocator as seen by the controller: opaque
// addresses backed by byte slices. It counts outstanding allocations so
// leak laws are checkable from tests.
type Heap struct {
	mu     sync.Mutex
	limit  uint64
	next   uint64
	used   uint64
	blocks map[uint64][]byte
}

// NewHeap builds a heap capped at limit bytes; zero means uncapped.
func NewHeap(limit uint64) *Heap {
	return &Heap{
		limit:  limit,
		next:   heapBase,
		blocks: make(map[uint64][]byte),
	}
}

// Alloc reserves size zeroed bytes and returns the block address, or zero
// when the cap is exhausted.
func (h *Heap) Alloc(size uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.used+size > h.limit {
		return 0
	}
	addr := h.next
	h.blocks[addr] = make([]byte, size)
	h.used += size
	step := size + (heapAlign - size%heapAlign)
	h.next += step
	return addr
}

// Free releases the block at addr. Freeing an address that is not a block
// base is an error.
func (h *Heap) Free(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	block, ok := h.blocks[addr]
	if !ok {
		return fmt.Errorf("free of unknown address %#x", addr)
	}
	h.used -= uint64(len(block))
	delete(h.blocks, addr)
	return nil
}

// find locates the block containing addr and the offset into it.
func (h *Heap) find(addr uint64) (base uint64, block []byte, off uint64, err error) {
	for b, blk := range h.blocks {
		if addr >= b && addr <= b+uint64(len(blk)) {
			return b, blk, addr - b, nil
		}
	}
	return 0, nil, 0, fmt.Errorf("address %#x maps to no allocation", addr)
}

// Read copies size bytes starting at addr.
func (h *Heap) Read(addr, size uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, block, off, err := h.find(addr)
	if err != nil {
		return nil, err
	}
	if off+size > uint64(len(block)) {
		return nil, fmt.Errorf("read of %d bytes at %#x overruns allocation", size, addr)
	}
	out := make([]byte, size)
	copy(out, block[off:off+size])
	return out, nil
}

// Write copies data into the allocation containing addr.
func (h *Heap) Write(addr uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, block, off, err := h.find(addr)
	if err != nil {
		return err
	}
	if off+uint64(len(data)) > uint64(len(block)) {
		return fmt.Errorf("write of %d bytes at %#x overruns allocation", len(data), addr)
	}
	copy(block[off:], data)
	return nil
}

// Grow resizes the block at base in place, as a library function growing
// a buffer it owns would.
func (h *Heap) Grow(base, newSize uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	block, ok := h.blocks[base]
	if !ok {
		return fmt.Errorf("grow of unknown address %#x", base)
	}
	if newSize <= uint64(len(block)) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, block)
	h.used += newSize - uint64(len(block))
	h.blocks[base] = grown
	return nil
}

// Outstanding is the number of live allocations.
func (h *Heap) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

// UsedBytes is the total size of live allocations.
func (h *Heap) UsedBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}
