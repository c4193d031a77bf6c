package vmm

import (
	"testing"
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/mem/pmm"
)

// fakeTables backs a small page-table hierarchy in ordinary Go memory so
// the translator can be exercised without any real physical memory. Each
// slot holds one table's worth of entries; index 0 is reserved for the
// root.
type fakeTables struct {
	tables [8][512]pageTableEntry
	next   int
}

func (f *fakeTables) frameFor(tableIndex int) pmm.Frame {
	addr := uintptr(unsafe.Pointer(&f.tables[tableIndex][0]))
	return pmm.FrameFromAddress(addr)
}

func (f *fakeTables) install() func() {
	origPhysToVirt := physToVirtFn
	origFrameAllocator := frameAllocatorFn
	origReleaseFrame := releaseFrameFn
	origFlushTLB := flushTLBEntryFn
	origMemset := memsetFn

	physToVirtFn = func(phys uintptr) uintptr { return phys }
	frameAllocatorFn = func() (pmm.Frame, *kernel.Error) {
		f.next++
		return f.frameFor(f.next), nil
	}
	releaseFrameFn = func(pmm.Frame) {}
	flushTLBEntryFn = func(uintptr) {}
	memsetFn = func(addr uintptr, value byte, size uintptr) {}

	return func() {
		physToVirtFn = origPhysToVirt
		frameAllocatorFn = origFrameAllocator
		releaseFrameFn = origReleaseFrame
		flushTLBEntryFn = origFlushTLB
		memsetFn = origMemset
	}
}

func TestMapTranslateUnmapRoundTrip(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())
	virt := uintptr(0x4000_0000)
	frame := pmm.Frame(0x200)

	if err := Map(root, virt, frame, Present|Writable|User); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	phys, ok := Translate(root, virt+0x800)
	if !ok {
		t.Fatal("expected Translate to resolve the mapped address")
	}
	if exp := frame.Address() + 0x800; phys != exp {
		t.Errorf("expected phys addr 0x%x; got 0x%x", exp, phys)
	}

	if err := Unmap(root, virt); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	if _, ok := Translate(root, virt+0x800); ok {
		t.Error("expected Translate to fail after Unmap")
	}
}

func TestTranslateNotMapped(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())
	if _, ok := Translate(root, 0x1234_5000); ok {
		t.Error("expected Translate to report no mapping for a never-touched address")
	}
}

func TestUnmapNotMapped(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())
	if err := Unmap(root, 0x1234_5000); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}
}

func TestMapConflictsWithLargePage(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())
	virt := uintptr(0x0000_0000)

	if err := mapLarge(root, virt, pmm.Frame(0x10), Present|Writable); err != nil {
		t.Fatalf("mapLarge failed: %v", err)
	}

	if err := Map(root, virt+0x1000, pmm.Frame(0x99), Present|Writable); err != ErrConflictWithLargePage {
		t.Fatalf("expected ErrConflictWithLargePage; got %v", err)
	}

	if err := Unmap(root, virt+0x1000); err != ErrConflictWithLargePage {
		t.Fatalf("expected ErrConflictWithLargePage from Unmap; got %v", err)
	}

	phys, ok := Translate(root, virt+0x1234)
	if !ok {
		t.Fatal("expected Translate to resolve an address inside the large page")
	}
	if exp := pmm.Frame(0x10).Address() + 0x1234; phys != exp {
		t.Errorf("expected phys addr 0x%x; got 0x%x", exp, phys)
	}
}

func TestMapOutOfMemory(t *testing.T) {
	var f fakeTables
	defer f.install()()

	expErr := &kernel.Error{Module: "test", Message: "out of frames"}
	frameAllocatorFn = func() (pmm.Frame, *kernel.Error) {
		return pmm.InvalidFrame, expErr
	}

	root := Root(f.frameFor(0).Address())
	if err := Map(root, 0x4000_0000, pmm.Frame(1), Present); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestMMIOFlagsSetCacheDisable(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())
	virt := uintptr(0x0000_0000)
	frame := pmm.Frame(0x7)

	if err := MapMMIO(root, virt, frame, Present|Writable); err != nil {
		t.Fatalf("MapMMIO failed: %v", err)
	}

	leaf, _, outcome, err := walk(root, virt, false)
	if err != nil || outcome != walkLeaf {
		t.Fatalf("unexpected walk result: outcome=%v err=%v", outcome, err)
	}
	if !leaf.HasFlags(FlagDoNotCache | FlagWriteThroughCaching) {
		t.Error("expected MMIO mapping to set cache-disable and write-through")
	}
}

func TestExecutableFlagClearsNX(t *testing.T) {
	var f fakeTables
	defer f.install()()

	root := Root(f.frameFor(0).Address())

	if err := Map(root, 0, pmm.Frame(1), Present|Executable); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	leaf, _, _, _ := walk(root, 0, false)
	if leaf.HasFlags(FlagNoExecute) {
		t.Error("expected NX to be cleared when Executable is requested")
	}

	if err := Map(root, 0x1000, pmm.Frame(2), Present); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	leaf, _, _, _ = walk(root, 0x1000, false)
	if !leaf.HasFlags(FlagNoExecute) {
		t.Error("expected NX to be set when Executable is not requested")
	}
}
