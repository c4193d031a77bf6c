// Package heap implements the kernel's dynamic allocator: a first-fit,
// splitting and coalescing allocator over a growable virtual region.
package heap

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/sync"
)

const (
	blockMagic = uint32(0x4b484550) // "KHEP"

	// noOffset marks a nil next/prev link. Heap offsets are always well
	// inside a 32-bit range (the growth window is 32 MiB), so one
	// reserved sentinel value costs nothing.
	noOffset = ^uint32(0)

	// alignment is the granularity requested sizes are rounded up to.
	// Returned pointers sit headerSize bytes past a block start and are
	// not themselves rounded to this boundary.
	alignment = 8

	// minSplitRemainder is the smallest remainder, header included, that
	// is worth carving off as its own free block. A split leaving less
	// than this just stays part of the allocated block instead.
	minSplitRemainder = 32
)

// blockHeader sits at the start of every block, allocated or free. next and
// prev are byte offsets from heapBase to the neighboring block's header,
// not pointers: the heap's blocks never change identity across a grow, and
// plain offsets can't dangle the way an owning pointer into a moved/resized
// region could.
type blockHeader struct {
	magic uint32
	free  uint32
	size  uint32
	next  uint32
	prev  uint32
}

const headerSize = uintptr(unsafe.Sizeof(blockHeader{}))

var (
	mutex sync.Spinlock

	heapBase uintptr
	heapEnd  uintptr // end of the currently mapped (and block-covered) range
	heapMax  uintptr // vmm.HeapGrowthEnd; growth beyond this fails
	tailOff  uint32  // offset of the last block in address order

	// frameAllocatorFn, mapFn and activeRootFn are the hardware seams
	// grow() uses to back newly extended heap pages; tests override them
	// to avoid a real pmm/vmm instance. frameAllocatorFn is nil until the
	// boot sequence calls SetFrameAllocator.
	frameAllocatorFn vmm.FrameAllocatorFn
	mapFn            = vmm.Map
	activeRootFn     = vmm.ActiveRoot

	errOutOfMemory = &kernel.Error{Module: "heap", Message: "heap exhausted"}
	errCorrupted   = &kernel.Error{Module: "heap", Message: "heap block header is corrupted"}
	errInvalidSize = &kernel.Error{Module: "heap", Message: "invalid allocation size"}
)

// SetFrameAllocator registers the frame allocator grow() uses to back newly
// extended heap pages. The boot sequence calls this once the physical frame
// allocator is initialized, before the first Kalloc.
func SetFrameAllocator(allocFn vmm.FrameAllocatorFn) {
	frameAllocatorFn = allocFn
}

// Init establishes the heap over [vmm.HeapGrowthStart, vmm.HeapGrowthEnd)
// with no pages mapped yet; the first Kalloc call triggers growth.
func Init() {
	heapBase = vmm.HeapGrowthStart
	heapEnd = vmm.HeapGrowthStart
	heapMax = vmm.HeapGrowthEnd
	tailOff = noOffset
}

func blockAt(off uint32) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(heapBase + uintptr(off)))
}

func offsetOf(b *blockHeader) uint32 {
	return uint32(uintptr(unsafe.Pointer(b)) - heapBase)
}

func roundUp(n uintptr, to uintptr) uintptr {
	return (n + to - 1) &^ (to - 1)
}

// Kalloc returns a pointer to a zero-initialized region of at least n bytes,
// or an error if the heap cannot satisfy the request.
func Kalloc(n uintptr) (unsafe.Pointer, *kernel.Error) {
	if n == 0 {
		return nil, errInvalidSize
	}

	mutex.Acquire()
	defer mutex.Release()

	needed := uint32(roundUp(n, alignment)) + uint32(headerSize)

	block, err := findFit(needed)
	if err == errCorrupted {
		kfmt.Panic(err)
	}
	if err != nil {
		if err = grow(needed); err != nil {
			return nil, err
		}
		block, err = findFit(needed)
		if err == errCorrupted {
			kfmt.Panic(err)
		}
		if err != nil {
			return nil, err
		}
	}

	splitIfWorthwhile(block, needed)
	block.free = 0
	kernel.Memset(uintptr(dataPtr(block)), 0, uintptr(block.size)-headerSize)

	return dataPtr(block), nil
}

// findFit scans the block list head-to-tail and returns the first free
// block whose size is at least needed. An empty heap (no block installed
// yet, nothing mapped at heapBase) reports errOutOfMemory so Kalloc falls
// through to grow without dereferencing unmapped memory.
func findFit(needed uint32) (*blockHeader, *kernel.Error) {
	if heapEnd == heapBase {
		return nil, errOutOfMemory
	}

	off := uint32(0)
	for off != noOffset {
		b := blockAt(off)
		if b.magic != blockMagic {
			return nil, errCorrupted
		}
		if b.free != 0 && b.size >= needed {
			return b, nil
		}
		off = b.next
	}
	return nil, errOutOfMemory
}

// splitIfWorthwhile carves a new free block out of the tail of block when
// the remainder after satisfying needed bytes is large enough to be useful
// on its own.
func splitIfWorthwhile(block *blockHeader, needed uint32) {
	remainder := block.size - needed
	if remainder < uint32(headerSize)+minSplitRemainder {
		return
	}

	newOff := offsetOf(block) + needed
	newBlock := blockAt(newOff)
	newBlock.magic = blockMagic
	newBlock.free = 1
	newBlock.size = remainder
	newBlock.next = block.next
	newBlock.prev = offsetOf(block)

	if block.next != noOffset {
		blockAt(block.next).prev = newOff
	} else {
		tailOff = newOff
	}

	block.size = needed
	block.next = newOff
}

func dataPtr(b *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + headerSize)
}

func headerFromData(ptr unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(ptr) - headerSize))
}

// Validate reports whether ptr looks like a live pointer previously
// returned by Kalloc: inside the heap's current range, with a canonical
// header that is not marked free.
func Validate(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}
	addr := uintptr(ptr)
	if addr < heapBase+headerSize || addr >= heapEnd {
		return false
	}
	b := headerFromData(ptr)
	return b.magic == blockMagic && b.free == 0
}

// Kfree marks ptr's block free and coalesces it with any free neighbor in
// both directions, restoring the no-two-adjacent-free-blocks invariant.
func Kfree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	mutex.Acquire()
	defer mutex.Release()

	if !Validate(ptr) {
		return
	}

	b := headerFromData(ptr)
	b.free = 1

	coalesceForward(b)
	if b.prev != noOffset {
		prev := blockAt(b.prev)
		if prev.free != 0 {
			coalesceForward(prev)
		}
	}
}

// coalesceForward merges b with its immediate successor while that
// successor is free, leaving b as the single resulting block.
func coalesceForward(b *blockHeader) {
	for b.next != noOffset {
		next := blockAt(b.next)
		if next.free == 0 {
			return
		}
		b.size += next.size
		b.next = next.next
		if next.next != noOffset {
			blockAt(next.next).prev = offsetOf(b)
		} else {
			tailOff = offsetOf(b)
		}
	}
}

// Krealloc implements the five krealloc cases documented for the kernel
// heap: nil-as-alloc, zero-as-free, in-place shrink, forward-absorb growth,
// and fall back to allocate+copy+free.
func Krealloc(ptr unsafe.Pointer, n uintptr) (unsafe.Pointer, *kernel.Error) {
	if ptr == nil {
		return Kalloc(n)
	}
	if n == 0 {
		Kfree(ptr)
		return nil, nil
	}

	mutex.Acquire()

	b := headerFromData(ptr)
	oldPayload := uintptr(b.size) - headerSize
	needed := uint32(roundUp(n, alignment)) + uint32(headerSize)

	if needed <= b.size {
		splitIfWorthwhile(b, needed)
		mutex.Release()
		return ptr, nil
	}

	if b.next != noOffset {
		next := blockAt(b.next)
		if next.free != 0 && b.size+next.size >= needed {
			b.size += next.size
			b.next = next.next
			if next.next != noOffset {
				blockAt(next.next).prev = offsetOf(b)
			} else {
				tailOff = offsetOf(b)
			}
			splitIfWorthwhile(b, needed)
			mutex.Release()
			return ptr, nil
		}
	}
	mutex.Release()

	newPtr, err := Kalloc(n)
	if err != nil {
		return nil, err
	}
	copyBytes(newPtr, ptr, minUintptr(oldPayload, n))
	Kfree(ptr)
	return newPtr, nil
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := (*[1 << 30]byte)(dst)[:n:n]
	s := (*[1 << 30]byte)(src)[:n:n]
	copy(d, s)
}

// grow extends the heap by enough pages to satisfy at least needed bytes,
// mapping each new page in from the frame allocator and installing the
// extension as a single new free block, coalesced into the previous tail
// if that was free.
func grow(needed uint32) *kernel.Error {
	growBytes := roundUp(uintptr(needed), uintptr(mem.PageSize))
	if heapEnd+growBytes > heapMax {
		return errOutOfMemory
	}

	root := activeRootFn()
	start := heapEnd
	for addr := start; addr < start+growBytes; addr += uintptr(mem.PageSize) {
		frame, err := frameAllocatorFn()
		if err != nil {
			return errOutOfMemory
		}
		if mapErr := mapFn(root, addr, frame, vmm.Present|vmm.Writable); mapErr != nil {
			return errOutOfMemory
		}
	}

	newBlock := (*blockHeader)(unsafe.Pointer(start))
	newBlock.magic = blockMagic
	newBlock.free = 1
	newBlock.size = uint32(growBytes)
	newBlock.next = noOffset
	newBlock.prev = noOffset

	heapEnd = start + growBytes

	if tailOff == noOffset {
		tailOff = 0
	} else {
		tail := blockAt(tailOff)
		tail.next = offsetOf(newBlock)
		newBlock.prev = tailOff
		tailOff = offsetOf(newBlock)
		if tail.free != 0 {
			coalesceForward(tail)
		}
	}

	return nil
}
