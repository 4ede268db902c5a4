package mm

import "fmt"

// Region describes one mapped range of an address space.
type Region struct {
	Start VirtAddr
	End   VirtAddr
	Perm  PTEFlags
}

// mapArea is a contiguous, uniformly permissioned range backed by frames it
// owns.
type mapArea struct {
	vpns   VPNRange
	frames map[VirtPageNum]PhysPageNum
	perm   PTEFlags
}

func newMapArea(r VPNRange, perm PTEFlags) *mapArea {
	return &mapArea{
		vpns:   r,
		frames: make(map[VirtPageNum]PhysPageNum, r.Len()),
		perm:   perm,
	}
}

func (a *mapArea) region() Region {
	return Region{Start: a.vpns.Start.Addr(), End: a.vpns.End.Addr(), Perm: a.perm}
}

func (a *mapArea) mapOne(pt *PageTable, alloc *FrameAllocator, vpn VirtPageNum) error {
	ppn, err := alloc.Alloc()
	if err != nil {
		return err
	}
	if err := pt.Map(vpn, ppn, a.perm); err != nil {
		alloc.Dealloc(ppn)
		return err
	}
	a.frames[vpn] = ppn
	return nil
}

func (a *mapArea) unmapOne(pt *PageTable, alloc *FrameAllocator, vpn VirtPageNum) {
	ppn, ok := a.frames[vpn]
	if !ok {
		return
	}
	if err := pt.Unmap(vpn); err != nil {
		panic(fmt.Sprintf("region %v owns vpn %#x but the table disagrees: %v", a.vpns, uint64(vpn), err))
	}
	alloc.Dealloc(ppn)
	delete(a.frames, vpn)
}

// mapRange maps every page of r, undoing its own work on failure.
func (a *mapArea) mapRange(pt *PageTable, alloc *FrameAllocator, r VPNRange) error {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if err := a.mapOne(pt, alloc, vpn); err != nil {
			for undo := r.Start; undo < vpn; undo++ {
				a.unmapOne(pt, alloc, undo)
			}
			return err
		}
	}
	return nil
}

func (a *mapArea) unmapRange(pt *PageTable, alloc *FrameAllocator, r VPNRange) {
	for vpn := r.Start; vpn < r.End; vpn++ {
		a.unmapOne(pt, alloc, vpn)
	}
}

// splitOut detaches the pages of cut from a. The pages must already be
// unmapped. What remains is returned as a left and right part, either of
// which may be empty.
func (a *mapArea) splitOut(cut VPNRange) (left, right *mapArea) {
	left = newMapArea(VPNRange{Start: a.vpns.Start, End: max(a.vpns.Start, min(cut.Start, a.vpns.End))}, a.perm)
	right = newMapArea(VPNRange{Start: min(a.vpns.End, max(cut.End, a.vpns.Start)), End: a.vpns.End}, a.perm)
	for vpn, ppn := range a.frames {
		switch {
		case left.vpns.Contains(vpn):
			left.frames[vpn] = ppn
		case right.vpns.Contains(vpn):
			right.frames[vpn] = ppn
		}
	}
	return left, right
}
