// Package kmain wires the memory-management core's components together in
// the order spec'd boot dependency requires: A, then B, then C, D and E on
// top of A+B, then F on top of all of them.
package kmain

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/irq"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mem/heap"
	"vmkernel/kernel/mem/pager"
	"vmkernel/kernel/mem/pmm/allocator"
	"vmkernel/kernel/mem/vmalloc"
	"vmkernel/kernel/mem/vmm"
	"vmkernel/kernel/proc/addrspace"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the Go entry point invoked by the rt0 assembly stub after it has
// set up the GDT and a minimal stack. It never returns.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	if err = vmm.Init(multiboot.VisitMemRegions); err != nil {
		kfmt.Panic(err)
	}

	heap.SetFrameAllocator(allocator.AllocFrame)
	heap.Init()

	vmalloc.Init()

	pager.SetFrameAllocator(allocator.AllocFrame)
	pager.RegisterArea(vmm.VMallocWindowStart, vmm.VMallocWindowEnd, vmm.Present|vmm.Writable)

	addrspace.SetFrameAllocator(allocator.AllocFrame, allocator.ReleaseFrame)

	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)

	kfmt.Printf("memory core initialized\n")

	kfmt.Panic(errKmainReturned)
}

// pageFaultHandler adapts the CPU's page-fault exception (error code plus
// register/frame snapshot) to the pager's fault-handling contract. A fault
// the pager cannot resolve is fatal: this core has no swap and nothing else
// to try.
func pageFaultHandler(errCode uint64, _ *irq.Frame, _ *irq.Regs) {
	faultVirt := uintptr(cpu.ReadCR2())

	switch pager.HandleFault(faultVirt, pager.FaultError(errCode)) {
	case pager.Resolved:
		return
	case pager.ProtectionViolation:
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "page fault: permission denied"})
	case pager.OutOfMemory:
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "page fault: out of memory"})
	default:
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "unhandled page fault"})
	}
}
