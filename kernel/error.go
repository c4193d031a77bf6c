package kernel

// Error is the sole error type used throughout the kernel's memory
// management core. It carries the name of the module that raised it and a
// human-readable message; callers compare against exported sentinel values
// (e.g. ErrOutOfMemory) rather than inspecting the message.
type Error struct {
	// Module is the short name of the component that raised the error
	// (e.g. "pmm", "vmm", "heap").
	Module string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}
