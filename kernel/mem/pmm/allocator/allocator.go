package allocator

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/vmm"
)

// FrameAllocator is the BitmapAllocator instance that serves every frame
// request once the boot sequence has handed off from the early allocator.
var FrameAllocator BitmapAllocator

// Init brings up the physical frame allocation subsystem: it seeds the boot
// allocator from the bootloader's memory map, wires it into vmm so that the
// translator can allocate the page tables it needs to establish the kernel's
// own mappings, then bootstraps the bitmap allocator and switches vmm over
// to it for the remainder of the kernel's life.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame, noopReleaseFrame)

	if err := FrameAllocator.init(); err != nil {
		return err
	}

	vmm.SetFrameAllocator(AllocFrame, ReleaseFrame)
	return nil
}

// earlyAllocFrame delegates a frame allocation request to the boot
// allocator. It is passed to vmm.SetFrameAllocator instead of
// earlyAllocator.AllocFrame directly so the compiler's escape analysis does
// not decide that the earlyAllocator value itself escapes to the heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// noopReleaseFrame backs vmm's frame releaser while the boot allocator is
// still active. The boot allocator never frees frames, and nothing the
// translator does during this early phase (establishing the kernel's own
// bootstrap mappings) ever releases one.
func noopReleaseFrame(pmm.Frame) {}

// AllocFrame delegates a frame allocation request to the bitmap allocator.
// It is the FrameAllocatorFn every other memory-core component wires up
// once boot hands off from the early allocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// ReleaseFrame delegates a frame release to the bitmap allocator,
// discarding the error since every FrameReleaserFn contract in this core is
// fire-and-forget; callers that need to observe release failures use
// FrameAllocator.ReleaseFrame directly.
func ReleaseFrame(frame pmm.Frame) {
	_ = FrameAllocator.ReleaseFrame(frame)
}
