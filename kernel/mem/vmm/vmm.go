package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

// FrameAllocatorFn is a function that can allocate a physical frame for use
// as a new page table or mapping target.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame to whatever
// pool allocated it.
type FrameReleaserFn func(pmm.Frame)

// SetFrameAllocator registers the frame allocator and releaser that Map,
// CreateRoot, DestroyRoot and Init use to obtain and return physical
// frames. The boot sequence calls this once the physical frame allocator has
// been initialized, before calling Init.
func SetFrameAllocator(allocFn FrameAllocatorFn, releaseFn FrameReleaserFn) {
	frameAllocatorFn = allocFn
	releaseFrameFn = releaseFn
}

// ZeroFrame clears frame's physical contents through the direct physical
// memory window, for callers (the on-demand pager) that must zero a frame
// before installing any mapping to it.
func ZeroFrame(frame pmm.Frame) {
	memsetFn(physToVirt(frame.Address()), 0, uintptr(mem.PageSize))
}
