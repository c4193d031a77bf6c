package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

// Map installs a mapping from the virtual page containing virt to the
// physical frame, creating any missing intermediate tables along the way.
// It emits a TLB invalidate for exactly the affected page on success.
func Map(root Root, virt uintptr, frame pmm.Frame, flags PageFlags) *kernel.Error {
	return mapWithHWFlags(root, virt, frame, hwFlags(flags))
}

// MapMMIO behaves like Map but additionally marks the mapping
// cache-inhibited and write-through, as required for MMIO windows such as
// the local APIC's register block.
func MapMMIO(root Root, virt uintptr, frame pmm.Frame, flags PageFlags) *kernel.Error {
	return mapWithHWFlags(root, virt, frame, mmioHWFlags(flags))
}

func mapWithHWFlags(root Root, virt uintptr, frame pmm.Frame, hw PageTableEntryFlag) *kernel.Error {
	leaf, _, outcome, err := walk(root, virt, true)
	if err != nil {
		return err
	}
	if outcome == walkHugeLeaf {
		return ErrConflictWithLargePage
	}

	*leaf = 0
	leaf.SetFrame(frame)
	leaf.SetFlags(hw)

	flushTLBEntryFn(pageRoundDown(virt))
	return nil
}

// mapLarge installs a 2 MiB large-page leaf at the PD level. No user
// mapping is ever installed this way. Init does not call it: it writes the
// direct physical window's large-page leaves itself and maps the kernel
// image with 4 KiB pages.
func mapLarge(root Root, virt uintptr, frame pmm.Frame, flags PageFlags) *kernel.Error {
	const largeLevel = pageLevels - 2 // PD level

	table := pmm.FrameFromAddress(uintptr(root))
	for level := uint8(0); level < largeLevel; level++ {
		idx := levelIndex(virt, level)
		pte := entryPtr(table, idx)
		if !pte.HasFlags(FlagPresent) {
			newFrame, allocErr := frameAllocatorFn()
			if allocErr != nil {
				return ErrOutOfMemory
			}
			memsetFn(physToVirt(newFrame.Address()), 0, uintptr(mem.PageSize))
			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
			table = newFrame
			continue
		}
		table = pte.Frame()
	}

	idx := levelIndex(virt, largeLevel)
	leaf := entryPtr(table, idx)
	*leaf = 0
	leaf.SetFrame(frame)
	leaf.SetFlags(hwFlags(flags) | FlagHugePage)

	flushTLBEntryFn(pageRoundDown(virt))
	return nil
}

// Unmap removes a mapping previously installed by Map. It signals
// ErrNotMapped without allocating anything when any intermediate level (or
// the leaf itself) is absent.
func Unmap(root Root, virt uintptr) *kernel.Error {
	leaf, _, outcome, err := walk(root, virt, false)
	if err != nil {
		return err
	}
	switch outcome {
	case walkNotMapped:
		return ErrNotMapped
	case walkHugeLeaf:
		return ErrConflictWithLargePage
	}

	leaf.ClearFlags(FlagPresent)
	flushTLBEntryFn(pageRoundDown(virt))
	return nil
}

// Translate resolves virt to the physical address it currently maps to,
// returning ok=false if virt is not mapped under root.
func Translate(root Root, virt uintptr) (phys uintptr, ok bool) {
	leaf, level, outcome, err := walk(root, virt, false)
	if err != nil || outcome == walkNotMapped {
		return 0, false
	}

	if outcome == walkHugeLeaf {
		pageSizeBits := pageLevelShifts[level]
		offset := virt & ((1 << pageSizeBits) - 1)
		return leaf.Frame().Address() + offset, true
	}

	offset := virt & (uintptr(mem.PageSize) - 1)
	return leaf.Frame().Address() + offset, true
}
