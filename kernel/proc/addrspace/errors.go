package addrspace

import "vmkernel/kernel"

var (
	// ErrOutOfMemory is returned when the frame allocator cannot supply a
	// frame for a user mapping.
	ErrOutOfMemory = &kernel.Error{Module: "addrspace", Message: "out of physical frames"}

	// ErrInvalidAddress is returned when an argument falls outside its
	// legal window or is not page-aligned when alignment is required.
	ErrInvalidAddress = &kernel.Error{Module: "addrspace", Message: "address outside the legal window"}

	// ErrInvalidArgument is returned for a zero length, an unsupported
	// flag combination, a partial-descriptor unmap, or an mprotect range
	// that does not lie wholly inside one descriptor.
	ErrInvalidArgument = &kernel.Error{Module: "addrspace", Message: "invalid argument"}

	// ErrConflict is returned when MAP_FIXED collides with an existing
	// mapping.
	ErrConflict = &kernel.Error{Module: "addrspace", Message: "requested range conflicts with an existing mapping"}

	// ErrNotImplemented is returned for file-backed mmap, which this core
	// does not support.
	ErrNotImplemented = &kernel.Error{Module: "addrspace", Message: "file-backed mapping is not implemented"}
)
