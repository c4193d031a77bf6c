package allocator

import (
	"unsafe"
	"vmkernel/kernel"
	"vmkernel/kernel/hal/multiboot"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mem"
	"vmkernel/kernel/mem/pmm"
	"vmkernel/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory  = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocOutOfRange   = &kernel.Error{Module: "bitmap_alloc", Message: "frame is outside of the managed pool"}
	errBitmapAllocDoubleRealse = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

// maxBitmapFrames bounds the number of physical frames this allocator will
// use to back its own free bitmap. Each frame holds mem.PageSize/8 bitmap
// words (64 frames each), so this comfortably covers every pool this
// kernel is expected to manage without requiring a contiguous virtual
// mapping for the bitmap storage (see init).
const maxBitmapFrames = 8

// BitmapAllocator implements the frame pool described by 4.A: a single
// [start, end) physical range tracked by one bit per frame, searched with
// a rotating hint so that successive allocations behave as first-fit with
// circular advance.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// start and end delimit the managed physical range; frames outside
	// it are invisible to the pool.
	start, end pmm.Frame

	freeCount  uint32
	totalCount uint32

	// hint is the bit index (relative to start) where the next scan
	// begins. It advances past the last allocation and wraps around.
	hint uint32

	// bitmapFrames backs the free bitmap itself. Using several
	// independently-addressed frames instead of one contiguous virtual
	// allocation avoids depending on the translator (which initializes
	// after this allocator per the boot sequence).
	bitmapFrames  [maxBitmapFrames]pmm.Frame
	bitmapFrameN  int
	bitmapWordCnt int
}

const wordsPerFrame = int(mem.PageSize) / 8

// wordPtr returns a pointer to the word-th uint64 of the free bitmap.
func (alloc *BitmapAllocator) wordPtr(word int) *uint64 {
	frameIdx := word / wordsPerFrame
	offset := uintptr(word%wordsPerFrame) * 8
	return (*uint64)(unsafe.Pointer(alloc.bitmapFrames[frameIdx].Address() + offset))
}

func (alloc *BitmapAllocator) bitState(relFrame uint32, set bool) {
	word := int(relFrame >> 6)
	mask := uint64(1) << (63 - (relFrame & 63))
	ptr := alloc.wordPtr(word)
	if set {
		*ptr |= mask
	} else {
		*ptr &^= mask
	}
}

func (alloc *BitmapAllocator) bitIsSet(relFrame uint32) bool {
	word := int(relFrame >> 6)
	mask := uint64(1) << (63 - (relFrame & 63))
	return *alloc.wordPtr(word)&mask != 0
}

// init computes the pool's [start, end) range from the memory map,
// reserves frames (via the boot allocator) to back the free bitmap, marks
// holes and already-consumed frames as used, and replays the boot
// allocator's prior allocations so they are not handed out twice.
func (alloc *BitmapAllocator) init() *kernel.Error {
	var haveRange bool

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		regionStart := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEnd := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1

		if !haveRange {
			alloc.start, alloc.end, haveRange = regionStart, regionEnd+1, true
			return true
		}
		if regionStart < alloc.start {
			alloc.start = regionStart
		}
		if regionEnd+1 > alloc.end {
			alloc.end = regionEnd + 1
		}
		return true
	})

	if !haveRange {
		return errBitmapAllocOutOfMemory
	}

	alloc.totalCount = uint32(alloc.end - alloc.start)
	requiredBits := (alloc.totalCount + 63) &^ 63
	alloc.bitmapWordCnt = int(requiredBits >> 6)
	requiredBytes := uintptr(alloc.bitmapWordCnt) * 8
	requiredFrames := (requiredBytes + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	if requiredFrames == 0 {
		requiredFrames = 1
	}
	if int(requiredFrames) > maxBitmapFrames {
		return errBitmapAllocOutOfMemory
	}

	for i := uintptr(0); i < requiredFrames; i++ {
		frame, err := earlyAllocator.AllocFrame()
		if err != nil {
			return err
		}
		kernel.Memset(frame.Address(), 0, mem.PageSize)
		alloc.bitmapFrames[i] = frame
	}
	alloc.bitmapFrameN = int(requiredFrames)

	alloc.freeCount = alloc.totalCount

	// Holes inside [start, end) are not backed by usable RAM; mark them
	// reserved up front.
	alloc.markHoles()

	// The kernel image's own frames are never handed out by the boot
	// allocator (it steps around them while scanning) so they never show
	// up in allocCount below; reserve them explicitly.
	for f := earlyAllocator.kernelStartFrame; f <= earlyAllocator.kernelEndFrame; f++ {
		alloc.reserve(f)
	}

	// Replay the boot allocator's allocations so the frames it already
	// handed out are not reissued.
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.reserve(frame)
	}

	alloc.printStats()
	return nil
}

// markHoles reserves every frame inside [start, end) that does not fall
// within a usable memory region reported by the bootloader.
func (alloc *BitmapAllocator) markHoles() {
	for relFrame := uint32(0); relFrame < alloc.totalCount; relFrame++ {
		alloc.bitState(relFrame, true)
	}
	alloc.freeCount = 0

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}
		pageSizeMinus1 := uint64(mem.PageSize - 1)
		regionStart := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEnd := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1

		for f := regionStart; f <= regionEnd; f++ {
			if f < alloc.start || f >= alloc.end {
				continue
			}
			rel := uint32(f - alloc.start)
			if alloc.bitIsSet(rel) {
				alloc.bitState(rel, false)
				alloc.freeCount++
			}
		}
		return true
	})
}

// reserve marks frame as used without affecting the rotating hint; used
// during init to replay frames the boot allocator already handed out, and
// to keep the bitmap storage's own frames out of circulation.
func (alloc *BitmapAllocator) reserve(frame pmm.Frame) {
	if frame < alloc.start || frame >= alloc.end {
		return
	}
	rel := uint32(frame - alloc.start)
	if !alloc.bitIsSet(rel) {
		alloc.bitState(rel, true)
		alloc.freeCount--
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] pool [0x%x - 0x%x): %d/%d frames free\n",
		alloc.start.Address(), alloc.end.Address(), alloc.freeCount, alloc.totalCount,
	)
}

// AllocFrame returns the next free frame found via a circular scan that
// starts at the rotating hint, or an error if the pool is exhausted.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.freeCount == 0 {
		return pmm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	for i := uint32(0); i < alloc.totalCount; i++ {
		rel := (alloc.hint + i) % alloc.totalCount
		if alloc.bitIsSet(rel) {
			continue
		}

		alloc.bitState(rel, true)
		alloc.freeCount--
		alloc.hint = (rel + 1) % alloc.totalCount

		return alloc.start + pmm.Frame(rel), nil
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// ReleaseFrame returns frame to the pool. Releasing a frame outside the
// managed range returns errBitmapAllocOutOfRange and releasing a frame that
// is already free returns errBitmapAllocDoubleRealse; in both cases the pool
// is left unchanged and nothing panics.
func (alloc *BitmapAllocator) ReleaseFrame(frame pmm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if frame < alloc.start || frame >= alloc.end {
		return errBitmapAllocOutOfRange
	}

	rel := uint32(frame - alloc.start)
	if !alloc.bitIsSet(rel) {
		return errBitmapAllocDoubleRealse
	}

	alloc.bitState(rel, false)
	alloc.freeCount++
	return nil
}

// Stats returns the current free/used/total frame counts.
func (alloc *BitmapAllocator) Stats() (free, used, total uint32) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.freeCount, alloc.totalCount - alloc.freeCount, alloc.totalCount
}
