// Package addrspace creates, switches, and tears down per-process address
// spaces on top of the translator, and implements the brk/mmap/munmap/
// mprotect services a process's system-call dispatcher consumes.
package addrspace

import (
	"sort"
	"vmkernel/kernel"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/mem/vmm"
)

// Prot is the caller-facing protection requested for a user mapping.
type Prot uintptr

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// MapFlags selects the kind of mapping sys_mmap installs.
type MapFlags uintptr

const (
	// MapAnonymous requests a mapping with no backing file; this core
	// supports no other kind.
	MapAnonymous MapFlags = 1 << iota

	// MapFixed demands the hint be honored exactly or the call fails.
	MapFixed
)

// userCodeReserve is the fixed offset past the start of the user window
// reserved for code and static data; sys_brk's heap starts here on its
// first call for a space.
const userCodeReserve = uintptr(0x0010_0000)

// maxHeapSize bounds how far sys_brk may grow heap_end past heap_start.
const maxHeapSize = uintptr(0x1000_0000)

// mmapRegion is one descriptor in a space's mmap list: a single contiguous
// region sharing the same protection and flags.
type mmapRegion struct {
	start, length uintptr
	prot          Prot
	flags         MapFlags
}

func (m mmapRegion) end() uintptr { return m.start + m.length }

// Space is the per-process descriptor described by the data model: the
// root table's physical address, the program break, and the list of
// mmap'd regions. cwd and the open-file table are carried for signature
// completeness with the data model but are opaque to this package.
type Space struct {
	root vmm.Root

	cwd string

	heapStart, heapEnd uintptr

	mmaps []mmapRegion

	// Files is the per-process table of open file handles; the core never
	// interprets its contents.
	Files map[int]struct{}
}

var (
	// frameAllocatorFn and releaseFrameFn are nil until the boot sequence
	// calls SetFrameAllocator.
	frameAllocatorFn vmm.FrameAllocatorFn
	releaseFrameFn   vmm.FrameReleaserFn

	// createRootFn, destroyRootFn, switchRootFn, mapFn, unmapFn,
	// translateFn and zeroFrameFn are used by tests to avoid a real
	// vmm/pmm instance.
	createRootFn  = vmm.CreateRoot
	destroyRootFn = vmm.DestroyRoot
	switchRootFn  = vmm.SwitchRoot
	mapFn         = vmm.Map
	unmapFn       = vmm.Unmap
	translateFn   = vmm.Translate
	zeroFrameFn   = vmm.ZeroFrame
)

// SetFrameAllocator registers the frame allocator and releaser MapUser and
// UnmapUser use to back and release user pages.
func SetFrameAllocator(allocFn vmm.FrameAllocatorFn, releaseFn vmm.FrameReleaserFn) {
	frameAllocatorFn = allocFn
	releaseFrameFn = releaseFn
}

func pageRoundDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}

func pageRoundUp(addr uintptr) uintptr {
	return pageRoundDown(addr + uintptr(mem.PageSize) - 1)
}

func isPageAligned(addr uintptr) bool {
	return addr&(uintptr(mem.PageSize)-1) == 0
}

func inUserWindow(start, end uintptr) bool {
	return start >= vmm.UserWindowStart && end <= vmm.UserWindowEnd && start <= end
}

func toPageFlags(prot Prot) vmm.PageFlags {
	flags := vmm.Present | vmm.User
	if prot&ProtWrite != 0 {
		flags |= vmm.Writable
	}
	if prot&ProtExec != 0 {
		flags |= vmm.Executable
	}
	return flags
}

// CreateSpace allocates a fresh root sharing the kernel's upper half and
// returns a descriptor with an empty mmap list and an uninitialized heap.
func CreateSpace() (*Space, *kernel.Error) {
	root, err := createRootFn()
	if err != nil {
		return nil, err
	}
	return &Space{root: root}, nil
}

// DestroySpace releases space's private page tables and root frame. It
// does not release the frames backing space's mappings; callers that track
// per-process frame ownership separately are expected to have already
// called UnmapUser/sys_munmap for every live region before reaping.
func DestroySpace(space *Space) {
	destroyRootFn(space.root)
}

// SwitchTo loads space's root as the active address space.
func SwitchTo(space *Space) {
	switchRootFn(space.root)
}

// MapUser installs [virt, virt+length) (length rounded up to a page) as
// user-accessible pages with flags, allocating and zeroing one frame per
// page. On any failure it unmaps and releases every page it had already
// installed before returning the error.
func MapUser(space *Space, virt, length uintptr, flags vmm.PageFlags) *kernel.Error {
	if !isPageAligned(virt) {
		return ErrInvalidAddress
	}
	length = pageRoundUp(length)
	if !inUserWindow(virt, virt+length) {
		return ErrInvalidAddress
	}

	var installed []uintptr
	rollback := func() {
		for _, page := range installed {
			if phys, ok := translateFn(space.root, page); ok {
				unmapFn(space.root, page)
				releaseFrameFn(pmm.FrameFromAddress(phys))
			}
		}
	}

	for page := virt; page < virt+length; page += uintptr(mem.PageSize) {
		frame, err := frameAllocatorFn()
		if err != nil {
			rollback()
			return ErrOutOfMemory
		}
		zeroFrameFn(frame)
		if err := mapFn(space.root, page, frame, flags); err != nil {
			releaseFrameFn(frame)
			rollback()
			return ErrOutOfMemory
		}
		installed = append(installed, page)
	}
	return nil
}

// UnmapUser removes every mapping in [virt, virt+length) and releases the
// frames that were backing them. Pages that were never mapped are skipped
// silently.
func UnmapUser(space *Space, virt, length uintptr) {
	length = pageRoundUp(length)
	for page := virt; page < virt+length; page += uintptr(mem.PageSize) {
		phys, ok := translateFn(space.root, page)
		if !ok {
			continue
		}
		unmapFn(space.root, page)
		releaseFrameFn(pmm.FrameFromAddress(phys))
	}
}

func (space *Space) ensureHeapInitialized() {
	if space.heapStart == 0 {
		space.heapStart = vmm.UserWindowStart + userCodeReserve
		space.heapEnd = space.heapStart
	}
}

// SysBrk implements the brk system call: querying, growing, or lazily
// shrinking the program break.
func SysBrk(space *Space, addr uintptr) (uintptr, *kernel.Error) {
	space.ensureHeapInitialized()

	if addr == 0 {
		return space.heapEnd, nil
	}
	if addr < space.heapStart || addr > space.heapStart+maxHeapSize {
		return 0, ErrInvalidAddress
	}

	if addr > space.heapEnd {
		growStart := pageRoundDown(space.heapEnd)
		growEnd := pageRoundUp(addr)
		if growEnd > growStart {
			if err := MapUser(space, growStart, growEnd-growStart, vmm.Present|vmm.Writable|vmm.User); err != nil {
				return 0, err
			}
		}
	}

	space.heapEnd = addr
	return space.heapEnd, nil
}

func (space *Space) sortedMmaps() []mmapRegion {
	sorted := make([]mmapRegion, len(space.mmaps))
	copy(sorted, space.mmaps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })
	return sorted
}

func (space *Space) rangeFree(start, end uintptr) bool {
	for _, m := range space.mmaps {
		if start < m.end() && m.start < end {
			return false
		}
	}
	return true
}

func (space *Space) findMmapSlot(length uintptr) (uintptr, *kernel.Error) {
	space.ensureHeapInitialized()

	cursor := pageRoundUp(space.heapEnd)
	if cursor < vmm.UserWindowStart {
		cursor = vmm.UserWindowStart
	}

	for _, m := range space.sortedMmaps() {
		if m.end() <= cursor {
			continue
		}
		if m.start > cursor && m.start-cursor >= length {
			return cursor, nil
		}
		if m.end() > cursor {
			cursor = m.end()
		}
	}

	if vmm.UserWindowEnd-cursor < length {
		return 0, ErrOutOfMemory
	}
	return cursor, nil
}

// SysMmap implements the anonymous-mapping system call. File-backed
// mappings are rejected with ErrNotImplemented.
func SysMmap(space *Space, hint, length uintptr, prot Prot, flags MapFlags) (uintptr, *kernel.Error) {
	if flags&MapAnonymous == 0 {
		return 0, ErrNotImplemented
	}
	if length == 0 {
		return 0, ErrInvalidArgument
	}
	length = pageRoundUp(length)

	var start uintptr
	if hint != 0 && isPageAligned(hint) && inUserWindow(hint, hint+length) && space.rangeFree(hint, hint+length) {
		start = hint
	} else if flags&MapFixed != 0 {
		return 0, ErrConflict
	} else {
		slot, err := space.findMmapSlot(length)
		if err != nil {
			return 0, err
		}
		start = slot
	}

	if err := MapUser(space, start, length, toPageFlags(prot)); err != nil {
		return 0, err
	}

	space.mmaps = append(space.mmaps, mmapRegion{start: start, length: length, prot: prot, flags: flags})
	return start, nil
}

// SysMunmap implements the munmap system call. The requested range must
// exactly match one existing descriptor; a prefix or suffix unmap of a
// larger region is rejected rather than split.
func SysMunmap(space *Space, virt, length uintptr) *kernel.Error {
	length = pageRoundUp(length)

	idx := -1
	for i, m := range space.mmaps {
		if m.start == virt && m.length == length {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrInvalidArgument
	}

	UnmapUser(space, virt, length)
	space.mmaps = append(space.mmaps[:idx], space.mmaps[idx+1:]...)
	return nil
}

// SysMprotect implements the mprotect system call. The requested range
// must fall wholly inside one existing descriptor; if it covers only part
// of that descriptor, the descriptor is split so neighboring ranges keep
// their original protection.
func SysMprotect(space *Space, virt, length uintptr, prot Prot) *kernel.Error {
	length = pageRoundUp(length)
	end := virt + length

	idx := -1
	for i, m := range space.mmaps {
		if m.start <= virt && end <= m.end() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrInvalidArgument
	}

	original := space.mmaps[idx]
	replacement := make([]mmapRegion, 0, 3)
	if original.start < virt {
		replacement = append(replacement, mmapRegion{start: original.start, length: virt - original.start, prot: original.prot, flags: original.flags})
	}
	replacement = append(replacement, mmapRegion{start: virt, length: length, prot: prot, flags: original.flags})
	if end < original.end() {
		replacement = append(replacement, mmapRegion{start: end, length: original.end() - end, prot: original.prot, flags: original.flags})
	}

	space.mmaps = append(space.mmaps[:idx], append(replacement, space.mmaps[idx+1:]...)...)

	flags := toPageFlags(prot)
	for page := virt; page < end; page += uintptr(mem.PageSize) {
		phys, ok := translateFn(space.root, page)
		if !ok {
			continue
		}
		mapFn(space.root, page, pmm.FrameFromAddress(phys), flags)
	}
	return nil
}
