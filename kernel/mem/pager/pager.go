// Package pager implements on-demand physical backing for registered
// virtual areas: the first access to an unmapped page inside such an area
// installs a fresh zeroed frame instead of faulting all the way out.
package pager

import (
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/sync"
)

// Outcome is the disjoint result of handling a single fault.
type Outcome uint8

const (
	// Unhandled means the fault address falls outside every registered
	// area, or the fault was not a missing-page fault at all; the caller
	// must treat it as a real fault.
	Unhandled Outcome = iota

	// Resolved means a mapping now exists at the faulting page.
	Resolved

	// ProtectionViolation means the fault address is inside a registered
	// area but the access kind (write, user) is forbidden by the area's
	// flags.
	ProtectionViolation

	// OutOfMemory means the fault is legitimate but no frame was
	// available to back it.
	OutOfMemory
)

// FaultError decodes the hardware page-fault error code bits this package
// cares about.
type FaultError uint64

const (
	// FaultPresent is set when the faulting page was already mapped; in
	// that case the fault is a protection violation, never a missing
	// page, and is never something this package resolves.
	FaultPresent FaultError = 1 << iota

	// FaultWrite is set when the fault was caused by a write access.
	FaultWrite

	// FaultUser is set when the fault occurred while running in
	// user mode.
	FaultUser
)

type area struct {
	start, end uintptr
	flags      vmm.PageFlags
}

var (
	mutex sync.Spinlock
	areas []area

	// frameAllocatorFn is nil until the boot sequence calls
	// SetFrameAllocator.
	frameAllocatorFn vmm.FrameAllocatorFn

	// mapFn, translateFn, activeRootFn, flushTLBEntryFn and zeroFrameFn
	// are used by tests to avoid a real vmm/pmm instance.
	mapFn           = vmm.Map
	translateFn     = vmm.Translate
	activeRootFn    = vmm.ActiveRoot
	flushTLBEntryFn = cpu.FlushTLBEntry
	zeroFrameFn     = vmm.ZeroFrame
)

// SetFrameAllocator registers the frame allocator HandleFault uses to back
// newly-faulted pages.
func SetFrameAllocator(allocFn vmm.FrameAllocatorFn) {
	frameAllocatorFn = allocFn
}

// RegisterArea marks [start, end) as an area inside which an absent-page
// fault is legal and should be resolved with flags.
func RegisterArea(start, end uintptr, flags vmm.PageFlags) {
	mutex.Acquire()
	defer mutex.Release()
	areas = append(areas, area{start: start, end: end, flags: flags})
}

func findArea(virt uintptr) *area {
	for i := range areas {
		if virt >= areas[i].start && virt < areas[i].end {
			return &areas[i]
		}
	}
	return nil
}

func pageRoundDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}

// HandleFault implements the fault-handling state machine: locate the
// enclosing area, reject real protection violations, absorb a stale-TLB
// race, or install a fresh zeroed frame.
func HandleFault(faultVirt uintptr, faultError FaultError) Outcome {
	mutex.Acquire()
	defer mutex.Release()

	a := findArea(faultVirt)
	if a == nil {
		return Unhandled
	}

	if faultError&FaultPresent != 0 {
		// The page was already mapped; this is a real protection
		// violation, not a missing page.
		return Unhandled
	}

	if faultError&FaultWrite != 0 && a.flags&vmm.Writable == 0 {
		return ProtectionViolation
	}
	if faultError&FaultUser != 0 && a.flags&vmm.User == 0 {
		return ProtectionViolation
	}

	root := activeRootFn()
	page := pageRoundDown(faultVirt)

	if _, ok := translateFn(root, page); ok {
		// A concurrent fault already installed this mapping.
		flushTLBEntryFn(page)
		return Resolved
	}

	frame, err := frameAllocatorFn()
	if err != nil {
		return OutOfMemory
	}

	zeroFrameFn(frame)

	if mapErr := mapFn(root, page, frame, a.flags); mapErr != nil {
		return OutOfMemory
	}

	return Resolved
}
