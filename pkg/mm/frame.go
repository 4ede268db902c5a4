package mm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfFrames is returned when physical memory is exhausted.
var ErrOutOfFrames = errors.New("out of physical frames")

// FrameAllocator hands out frames of simulated physical memory. Frames are
// handed out bump-style from [0, count) and reused from a recycle stack once
// freed.
type FrameAllocator struct {
	mu       sync.Mutex
	mem      []byte
	current  PhysPageNum
	end      PhysPageNum
	recycled []PhysPageNum
	inUse    map[PhysPageNum]bool
}

// NewFrameAllocator creates an allocator over count frames.
func NewFrameAllocator(count int) *FrameAllocator {
	return &FrameAllocator{
		mem:   make([]byte, count*PageSize),
		end:   PhysPageNum(count),
		inUse: make(map[PhysPageNum]bool),
	}
}

// Alloc returns a zeroed frame.
func (a *FrameAllocator) Alloc() (PhysPageNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ppn PhysPageNum
	if n := len(a.recycled); n > 0 {
		ppn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else if a.current < a.end {
		ppn = a.current
		a.current++
	} else {
		return 0, ErrOutOfFrames
	}

	a.inUse[ppn] = true
	clear(a.page(ppn))
	return ppn, nil
}

// Dealloc returns a frame. Freeing a frame that is not allocated is a kernel
// bug and panics.
func (a *FrameAllocator) Dealloc(ppn PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inUse[ppn] {
		panic(fmt.Sprintf("frame ppn=%#x has not been allocated", uint64(ppn)))
	}
	delete(a.inUse, ppn)
	a.recycled = append(a.recycled, ppn)
}

// Page returns the bytes of a frame.
func (a *FrameAllocator) Page(ppn PhysPageNum) []byte {
	if ppn >= a.end {
		panic(fmt.Sprintf("frame ppn=%#x out of range", uint64(ppn)))
	}
	return a.page(ppn)
}

func (a *FrameAllocator) page(ppn PhysPageNum) []byte {
	off := uint64(ppn) * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// InUse returns the number of allocated frames.
func (a *FrameAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Available returns the number of frames that can still be allocated.
func (a *FrameAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.end-a.current) + len(a.recycled)
}
