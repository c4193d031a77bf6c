package vmm

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
)

var (
	// loadRootFn and activeRootFn are used by tests to avoid touching real
	// control registers.
	loadRootFn   = cpu.LoadRoot
	activeRootFn = cpu.ActiveRoot

	// kernelRoot is the root installed by Init; it is the distinguished
	// "current kernel root" referenced by the translator's contract and the
	// template every CreateRoot call copies its shared entries from.
	kernelRoot Root
)

// KernelRoot returns the root established by Init.
func KernelRoot() Root {
	return kernelRoot
}

// CreateRoot allocates a fresh address space root, zeroes it, and copies
// the kernel's shared entries by reference so every kernel-range mapping
// translates identically under the new root without touching a single
// kernel page table. The user window slot is left empty; map_user
// populates it lazily.
func CreateRoot() (Root, *kernel.Error) {
	pml4Frame, err := frameAllocatorFn()
	if err != nil {
		return 0, ErrOutOfMemory
	}
	memsetFn(physToVirt(pml4Frame.Address()), 0, uintptr(mem.PageSize))

	pdptFrame, err := frameAllocatorFn()
	if err != nil {
		releaseFrameFn(pml4Frame)
		return 0, ErrOutOfMemory
	}
	memsetFn(physToVirt(pdptFrame.Address()), 0, uintptr(mem.PageSize))

	newPML4Entry := entryPtr(pml4Frame, kernelPML4Index)
	*newPML4Entry = 0
	newPML4Entry.SetFrame(pdptFrame)
	newPML4Entry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

	kernelPDPTFrame := entryPtr(pmm.FrameFromAddress(uintptr(kernelRoot)), kernelPML4Index).Frame()
	for idx := uintptr(0); idx < (1 << pageLevelBits[1]); idx++ {
		if idx == userPDPTIndex {
			continue
		}
		*entryPtr(pdptFrame, idx) = *entryPtr(kernelPDPTFrame, idx)
	}

	return Root(pml4Frame.Address()), nil
}

// DestroyRoot releases the private subtree rooted at the user window's
// PDPT slot (every PD and PT table a process's own mappings ever
// allocated) plus the root's own PML4 and PDPT frames. It never touches a
// table reachable from any other PDPT slot, since those are shared by
// reference with every other address space.
func DestroyRoot(root Root) {
	pml4Frame := pmm.FrameFromAddress(uintptr(root))
	pdptEntry := entryPtr(pml4Frame, kernelPML4Index)
	pdptFrame := pdptEntry.Frame()

	userEntry := entryPtr(pdptFrame, userPDPTIndex)
	if userEntry.HasFlags(FlagPresent) && !userEntry.HasFlags(FlagHugePage) {
		pdFrame := userEntry.Frame()
		for pdIdx := uintptr(0); pdIdx < (1 << pageLevelBits[2]); pdIdx++ {
			pdEntry := entryPtr(pdFrame, pdIdx)
			if !pdEntry.HasFlags(FlagPresent) || pdEntry.HasFlags(FlagHugePage) {
				continue
			}
			releaseFrameFn(pdEntry.Frame())
		}
		releaseFrameFn(pdFrame)
	}

	releaseFrameFn(pdptFrame)
	releaseFrameFn(pml4Frame)
}

// SwitchRoot loads root into the MMU base register, making it the active
// address space. Because the kernel upper half is shared by reference, no
// extra invalidation beyond what the base-register load already implies is
// required.
func SwitchRoot(root Root) {
	loadRootFn(uintptr(root))
}

// ActiveRoot returns the currently active root.
func ActiveRoot() Root {
	return Root(activeRootFn())
}

// bootstrapDirectEntry writes a page table entry using the frame's own
// physical address as a virtual pointer. It is only safe before the direct
// physical memory window exists, relying on the bootloader's temporary
// low-memory identity map (the one the kernel image itself is loaded
// under) to make table frames allocated this early directly addressable.
func bootstrapDirectEntry(tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(tableFrame.Address() + (index << mem.PointerShift)))
}

// Init installs the kernel's bootstrap address space: a direct physical
// memory window covering up to 1 GiB of RAM, an identity map of the kernel
// image range, and the APIC MMIO window. memMap is accepted for
// signature symmetry with the rest of the boot sequence; sizing the
// physical window is currently fixed rather than derived from it (see
// DESIGN.md).
func Init(memMap func(multiboot.MemRegionVisitor)) *kernel.Error {
	pml4Frame, err := frameAllocatorFn()
	if err != nil {
		return ErrOutOfMemory
	}
	bootstrapZero(pml4Frame)
	kernelRoot = Root(pml4Frame.Address())

	pdptFrame, err := frameAllocatorFn()
	if err != nil {
		return ErrOutOfMemory
	}
	bootstrapZero(pdptFrame)

	pml4Entry := bootstrapDirectEntry(pml4Frame, kernelPML4Index)
	*pml4Entry = 0
	pml4Entry.SetFrame(pdptFrame)
	pml4Entry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

	// Phase 1: bootstrap the direct physical memory window using raw
	// physical-address pointers, since physToVirt (which every other
	// helper in this package relies on) is not usable until this window
	// itself is live.
	physMapPDFrame, err := frameAllocatorFn()
	if err != nil {
		return ErrOutOfMemory
	}
	bootstrapZero(physMapPDFrame)

	pdptPhysMapEntry := bootstrapDirectEntry(pdptFrame, physMapPDPTIndex)
	*pdptPhysMapEntry = 0
	pdptPhysMapEntry.SetFrame(physMapPDFrame)
	pdptPhysMapEntry.SetFlags(FlagPresent | FlagRW)

	const largePageSize = uintptr(1) << 21
	for phys := uintptr(0); phys < (1 << 30); phys += largePageSize {
		idx := (phys >> pageLevelShifts[2]) & ((1 << pageLevelBits[2]) - 1)
		leaf := bootstrapDirectEntry(physMapPDFrame, idx)
		*leaf = 0
		leaf.SetFrame(pmm.FrameFromAddress(phys))
		leaf.SetFlags(hwFlags(Present|Writable) | FlagHugePage)
	}

	// Phase 2: the direct physical window is live; every further table
	// frame (regardless of which root it belongs to) is reachable through
	// physToVirt, so the ordinary Map/MapMMIO helpers take over.

	for addr := KernelImageStart; addr < KernelImageEnd; addr += uintptr(mem.PageSize) {
		frame := pmm.FrameFromAddress(addr)
		if e := Map(kernelRoot, addr, frame, Present|Writable|Executable); e != nil {
			return e
		}
	}

	for off := uintptr(0); off < apicMMIOSize; off += uintptr(mem.PageSize) {
		addr := apicMMIOBase + off
		frame := pmm.FrameFromAddress(addr)
		if e := MapMMIO(kernelRoot, addr, frame, Present|Writable); e != nil {
			return e
		}
	}

	SwitchRoot(kernelRoot)
	return nil
}

// bootstrapZero clears a table frame using its physical address as a
// direct pointer; see bootstrapDirectEntry for why this is safe only
// during the phase-1 portion of Init.
func bootstrapZero(frame pmm.Frame) {
	memsetFn(frame.Address(), 0, uintptr(mem.PageSize))
}
