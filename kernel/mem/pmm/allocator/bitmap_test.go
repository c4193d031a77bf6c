package allocator

import (
	"testing"
	"unsafe"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/mem/pmm"
)

func freshBitmapAllocator(t *testing.T, kernelStart, kernelEnd uintptr) *BitmapAllocator {
	t.Helper()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&multibootMemoryMap[0])))

	earlyAllocator = bootMemAllocator{}
	earlyAllocator.init(kernelStart, kernelEnd)

	var alloc BitmapAllocator
	if err := alloc.init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return &alloc
}

func TestBitmapAllocatorInitReservesHolesAndKernel(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0x0, 0x2800)

	free, used, total := alloc.Stats()
	if free+used != total {
		t.Fatalf("free (%d) + used (%d) should equal total (%d)", free, used, total)
	}
	if used == 0 {
		t.Error("expected some frames to already be reserved (kernel image, bitmap storage, region hole)")
	}

	// The gap between the two available regions ([0x9fc00, 0x100000)) must
	// be reserved: every frame in it should already read as used.
	holeStart := pmm.FrameFromAddress(0x9fc00)
	holeEnd := pmm.FrameFromAddress(0x100000)
	for f := holeStart; f < holeEnd; f++ {
		if err := alloc.ReleaseFrame(f); err != errBitmapAllocDoubleRealse {
			t.Fatalf("expected frame %d inside the inter-region hole to already be reserved", f)
		}
	}
}

func TestBitmapAllocatorAllocateReleaseRoundTrip(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0xa0000, 0xa0000)

	freeBefore, _, _ := alloc.Stats()

	var allocated []pmm.Frame
	for i := 0; i < 16; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame failed on iteration %d: %v", i, err)
		}
		if !frame.Valid() {
			t.Fatalf("expected a valid frame on iteration %d", i)
		}
		allocated = append(allocated, frame)
	}

	freeAfterAlloc, _, _ := alloc.Stats()
	if freeAfterAlloc != freeBefore-16 {
		t.Errorf("expected free count to drop by 16; got %d -> %d", freeBefore, freeAfterAlloc)
	}

	seen := make(map[pmm.Frame]bool)
	for _, f := range allocated {
		if seen[f] {
			t.Errorf("frame %d allocated twice", f)
		}
		seen[f] = true
	}

	for _, f := range allocated {
		if err := alloc.ReleaseFrame(f); err != nil {
			t.Fatalf("ReleaseFrame(%d) failed: %v", f, err)
		}
	}

	freeAfterRelease, _, _ := alloc.Stats()
	if freeAfterRelease != freeBefore {
		t.Errorf("expected free count to return to %d after releasing; got %d", freeBefore, freeAfterRelease)
	}
}

func TestBitmapAllocatorDoubleReleaseRejected(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0xa0000, 0xa0000)

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	if err := alloc.ReleaseFrame(frame); err != nil {
		t.Fatalf("ReleaseFrame failed: %v", err)
	}
	if err := alloc.ReleaseFrame(frame); err != errBitmapAllocDoubleRealse {
		t.Fatalf("expected errBitmapAllocDoubleRealse; got %v", err)
	}
}

func TestBitmapAllocatorReleaseOutOfRange(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0xa0000, 0xa0000)

	if err := alloc.ReleaseFrame(alloc.end + 100); err != errBitmapAllocOutOfRange {
		t.Fatalf("expected errBitmapAllocOutOfRange; got %v", err)
	}
}

func TestBitmapAllocatorOutOfMemory(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0xa0000, 0xa0000)

	// Drain the pool.
	var count int
	for {
		if _, err := alloc.AllocFrame(); err != nil {
			if err != errBitmapAllocOutOfMemory {
				t.Fatalf("unexpected error while draining pool: %v", err)
			}
			break
		}
		count++
		if count > int(alloc.totalCount)+1 {
			t.Fatal("AllocFrame did not report out-of-memory after exhausting the pool")
		}
	}

	if _, err := alloc.AllocFrame(); err != errBitmapAllocOutOfMemory {
		t.Fatalf("expected errBitmapAllocOutOfMemory on an already-drained pool; got %v", err)
	}
}

func TestBitmapAllocatorHintRotatesPastLastAllocation(t *testing.T) {
	alloc := freshBitmapAllocator(t, 0xa0000, 0xa0000)

	first, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	second, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	if second <= first {
		t.Errorf("expected the rotating hint to advance past the previous allocation; got %d then %d", first, second)
	}
}
