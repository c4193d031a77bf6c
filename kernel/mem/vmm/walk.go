package vmm

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	// frameAllocatorFn services every request for a new physical frame
	// made while walking or populating page tables. It is nil until the
	// boot sequence calls SetFrameAllocator; tests override it directly
	// to exercise the translator without a real pmm allocator.
	frameAllocatorFn FrameAllocatorFn

	// releaseFrameFn returns a frame to the allocator. Set alongside
	// frameAllocatorFn by SetFrameAllocator.
	releaseFrameFn FrameReleaserFn

	// flushTLBEntryFn is used by tests to avoid emitting a real TLB
	// invalidate instruction.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// memsetFn is used by tests to intercept zeroing of newly allocated
	// table and leaf frames.
	memsetFn = kernel.Memset
)

// physToVirtFn returns the virtual address through which the physical
// address phys can be read or written via the direct physical memory
// window that vmm.Init establishes. It is the translator's sole mechanism
// for accessing table frames, regardless of which root is currently active
// — the window lives in the always-shared kernel range, so it works
// identically whether the table being walked belongs to the active root or
// an inactive one. Tests override it to redirect table accesses into
// ordinary Go memory.
var physToVirtFn = func(phys uintptr) uintptr {
	return physMapBase + phys
}

func physToVirt(phys uintptr) uintptr {
	return physToVirtFn(phys)
}

// levelIndex extracts the index into a page table at the given level for
// the supplied virtual address.
func levelIndex(virt uintptr, level uint8) uintptr {
	return (virt >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// entryPtr returns a pointer to the page table entry at the given index
// inside the table stored in tableFrame.
func entryPtr(tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(physToVirt(tableFrame.Address()) + (index << mem.PointerShift)))
}

// walkOutcome describes where a walk stopped.
type walkOutcome uint8

const (
	// walkNotMapped means an intermediate or leaf entry was absent.
	walkNotMapped walkOutcome = iota

	// walkLeaf means the walk reached the final (PT) level entry.
	walkLeaf

	// walkHugeLeaf means the walk stopped early at a present entry that
	// carries the huge-page bit (a 2 MiB leaf at the PD level).
	walkHugeLeaf
)

// walk descends from root towards the leaf entry for virt. When create is
// true, an absent intermediate level is filled in with a freshly allocated,
// zeroed table; when false, the walk stops at the first absent level
// without allocating.
func walk(root Root, virt uintptr, create bool) (leaf *pageTableEntry, leafLevel uint8, outcome walkOutcome, err *kernel.Error) {
	table := pmm.FrameFromAddress(uintptr(root))

	for level := uint8(0); level < pageLevels; level++ {
		idx := levelIndex(virt, level)
		pte := entryPtr(table, idx)
		isLeafLevel := level == pageLevels-1

		if !pte.HasFlags(FlagPresent) {
			if !create || isLeafLevel {
				return pte, level, walkNotMapped, nil
			}

			newFrame, allocErr := frameAllocatorFn()
			if allocErr != nil {
				return nil, level, walkNotMapped, ErrOutOfMemory
			}
			memsetFn(physToVirt(newFrame.Address()), 0, uintptr(mem.PageSize))

			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
			table = newFrame
			continue
		}

		if pte.HasFlags(FlagHugePage) {
			return pte, level, walkHugeLeaf, nil
		}

		if isLeafLevel {
			return pte, level, walkLeaf, nil
		}

		table = pte.Frame()
	}

	// Unreachable: the loop always returns by the time level reaches
	// pageLevels-1.
	return nil, pageLevels - 1, walkNotMapped, nil
}
