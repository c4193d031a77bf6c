// +build amd64

package vmm

import "vmkernel/kernel/mem"

const (
	// pageLevels indicates the number of page levels supported by the amd64
	// architecture: PML4, PDPT, PD, PT.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular
	// architecture, bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelPML4Index is the only PML4 slot this kernel ever populates; every
	// fixed range in the virtual layout (kernel image, heap, vmalloc window,
	// user window, MMIO) lies below the 512 GiB boundary that a single PML4
	// entry covers.
	kernelPML4Index = 0

	// userPDPTIndex is the PDPT slot (under kernelPML4Index) that is private
	// to each address space; it backs the user window
	// (0x4000_0000-0x8000_0000). Every other populated PDPT slot under
	// kernelPML4Index is shared by reference across all roots.
	userPDPTIndex = 1

	// physMapPDPTIndex is an internal-only PDPT slot (under kernelPML4Index)
	// reserved for a direct physical memory window: physMapBase+p always
	// reads/writes physical address p. It has no counterpart in the fixed
	// virtual layout table because it is a translator implementation detail,
	// not a policy surface any other component relies on. It covers the
	// range 0x8000_0000-0xC000_0000, which is unused by every other fixed
	// range, so it cannot collide with the user window or MMIO.
	physMapPDPTIndex = 2

	// physMapBase is the virtual base of the direct physical memory window.
	// Only physical addresses below 1 GiB are reachable through it, which
	// comfortably covers the frame pools exercised by this kernel.
	physMapBase = uintptr(0x80000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits, i.e. 512
	// entries per table.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a leaf entry above the lowest level as covering a
	// large page (2 MiB at the PD level) instead of pointing to a lower
	// table.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry's cached
	// translation across a base-register reload.
	FlagGlobal

	// FlagNoExecute, if set, marks the page as non-executable. The public
	// PageFlags API exposes the inverse ("executable") and the translator
	// flips the bit when building hardware entries.
	FlagNoExecute = 1 << 63
)

// PageFlags is the abstract, caller-facing flag set described in the
// translator's contract: {present, writable, user, executable}. Intent is
// always expressed positively; hwFlags() performs the NX inversion.
type PageFlags uintptr

const (
	// Present marks the mapping as resolvable; without it map() would be
	// pointless, but the bit is tracked explicitly for symmetry with the
	// hardware entry.
	Present PageFlags = 1 << iota

	// Writable permits stores through this mapping.
	Writable

	// User permits user-mode accesses through this mapping.
	User

	// Executable permits instruction fetches through this mapping. The
	// hardware default is execute-disabled; this flag clears the NX bit.
	Executable
)

func hwFlags(flags PageFlags) PageTableEntryFlag {
	var hw PageTableEntryFlag
	if flags&Present != 0 {
		hw |= FlagPresent
	}
	if flags&Writable != 0 {
		hw |= FlagRW
	}
	if flags&User != 0 {
		hw |= FlagUserAccessible
	}
	if flags&Executable == 0 {
		hw |= FlagNoExecute
	}
	return hw
}

// mmioHWFlags behaves like hwFlags but additionally sets the cache-disable
// and write-through bits that every MMIO window requires.
func mmioHWFlags(flags PageFlags) PageTableEntryFlag {
	return hwFlags(flags) | FlagDoNotCache | FlagWriteThroughCaching
}

// Fixed virtual layout (see the external interfaces section of the design
// documentation): every address below is a policy boundary other
// components are allowed to depend on.
const (
	KernelImageStart = uintptr(0x0000000000000000)
	KernelImageEnd   = uintptr(0x0000000004000000)

	HeapGrowthStart = uintptr(0x0000000004000000)
	HeapGrowthEnd   = uintptr(0x0000000006000000)

	KernelStackStart = uintptr(0x0000000006000000)
	KernelStackEnd   = uintptr(0x0000000006400000)

	VMallocWindowStart = uintptr(0x0000000010000000)
	VMallocWindowEnd   = uintptr(0x0000000020000000)

	UserWindowStart = uintptr(0x0000000040000000)
	UserWindowEnd   = uintptr(0x0000000080000000)

	apicMMIOBase = uintptr(0x00000000FEE00000)
	apicMMIOSize = uintptr(1 << 20)
)

// pageRoundDown rounds addr down to the nearest page boundary.
func pageRoundDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}

// pageRoundUp rounds addr up to the nearest page boundary.
func pageRoundUp(addr uintptr) uintptr {
	return pageRoundDown(addr+uintptr(mem.PageSize)-1)
}
