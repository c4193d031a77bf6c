package vmm

import "vmkernel/kernel"

var (
	// ErrNotMapped is returned by Unmap when the requested virtual address
	// has no mapping (an absent intermediate table or an absent leaf
	// entry). Translate reports the same condition as ok=false.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrConflictWithLargePage is returned when map() is asked to install a
	// 4 KiB page inside a range already covered by a large-page leaf.
	ErrConflictWithLargePage = &kernel.Error{Module: "vmm", Message: "virtual address falls inside an existing large-page mapping"}

	// ErrOutOfMemory is returned when the frame allocator cannot supply a
	// frame needed to create an intermediate table or a new root.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical frames"}
)
