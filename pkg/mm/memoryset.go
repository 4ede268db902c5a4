package mm

import (
	"errors"
	"fmt"
	"sort"

	logging "github.com/op/go-logging"

	"kcore/pkg/loader"
)

var log = logging.MustGetLogger("mm")

// Address space errors.
var (
	// ErrNoHeap is returned by break adjustments on a space without a heap.
	ErrNoHeap = errors.New("address space has no heap region")
	// ErrHeapRange is returned when an unmap reaches into the heap, which
	// only the program break may shrink.
	ErrHeapRange = errors.New("range overlaps the heap")
)

// MemorySet is the address space of one process: a page table plus the
// regions whose frames it maps. Regions never overlap.
type MemorySet struct {
	alloc *FrameAllocator
	pt    *PageTable
	areas []*mapArea
	heap  *mapArea
}

// NewBare creates an empty address space.
func NewBare(alloc *FrameAllocator) (*MemorySet, error) {
	pt, err := NewPageTable(alloc)
	if err != nil {
		return nil, err
	}
	return &MemorySet{alloc: alloc, pt: pt}, nil
}

// Layout describes where an image was placed.
type Layout struct {
	Entry    uint64
	UserSP   VirtAddr
	HeapBase VirtAddr
}

func permFromImage(p loader.Perm) PTEFlags {
	flags := PTEUser
	if p&loader.PermRead != 0 {
		flags |= PTERead
	}
	if p&loader.PermWrite != 0 {
		flags |= PTEWrite
	}
	if p&loader.PermExec != 0 {
		flags |= PTEExec
	}
	return flags
}

// FromImage builds an address space for img: its segments, a guard page, a
// user stack of stackSize bytes and an empty heap starting at the stack top.
func FromImage(alloc *FrameAllocator, img *loader.Image, stackSize uint64) (*MemorySet, Layout, error) {
	if err := img.Validate(); err != nil {
		return nil, Layout{}, err
	}
	ms, err := NewBare(alloc)
	if err != nil {
		return nil, Layout{}, err
	}

	var maxEnd VirtPageNum
	for _, seg := range img.Segments {
		start, end := VirtAddr(seg.VAddr), VirtAddr(seg.End())
		if err := ms.MapRegion(start, end, permFromImage(seg.Perm)); err != nil {
			ms.Destroy()
			return nil, Layout{}, fmt.Errorf("segment at %v: %w", start, err)
		}
		if err := CopyToUser(ms.pt, start, seg.Data); err != nil {
			ms.Destroy()
			return nil, Layout{}, err
		}
		maxEnd = max(maxEnd, end.Ceil())
	}

	// guard page
	stackBottom := (maxEnd + 1).Addr()
	stackTop := stackBottom + VirtAddr(stackSize)
	if err := ms.MapRegion(stackBottom, stackTop, PTERead|PTEWrite|PTEUser); err != nil {
		ms.Destroy()
		return nil, Layout{}, fmt.Errorf("user stack: %w", err)
	}

	ms.heap = newMapArea(VPNRange{Start: stackTop.Floor(), End: stackTop.Floor()}, PTERead|PTEWrite|PTEUser)
	ms.areas = append(ms.areas, ms.heap)

	return ms, Layout{Entry: img.Entry, UserSP: stackTop, HeapBase: stackTop}, nil
}

// FromExistedUser duplicates src into fresh frames. Nothing is shared.
func FromExistedUser(src *MemorySet) (*MemorySet, error) {
	ms, err := NewBare(src.alloc)
	if err != nil {
		return nil, err
	}
	for _, a := range src.areas {
		na := newMapArea(a.vpns, a.perm)
		if err := na.mapRange(ms.pt, ms.alloc, a.vpns); err != nil {
			ms.Destroy()
			return nil, err
		}
		for vpn, ppn := range a.frames {
			copy(ms.alloc.Page(na.frames[vpn]), src.alloc.Page(ppn))
		}
		if a == src.heap {
			ms.heap = na
		}
		ms.areas = append(ms.areas, na)
	}
	return ms, nil
}

// Token identifies the page table.
func (m *MemorySet) Token() uint64 { return m.pt.Token() }

// PageTable exposes the translation structure.
func (m *MemorySet) PageTable() *PageTable { return m.pt }

// Translate looks up the entry for vpn.
func (m *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	return m.pt.Translate(vpn)
}

// IsMapped reports whether vpn has a valid entry.
func (m *MemorySet) IsMapped(vpn VirtPageNum) bool {
	e, ok := m.pt.Translate(vpn)
	return ok && e.IsValid()
}

// MapRegion backs every page of [start, end) with a new frame. If any page is
// already mapped nothing changes.
func (m *MemorySet) MapRegion(start, end VirtAddr, perm PTEFlags) error {
	r := NewVPNRange(start, end)
	if r.Len() == 0 {
		return nil
	}
	if end > MaxVA || end < start {
		return ErrAddressRange
	}
	for vpn := r.Start; vpn < r.End; vpn++ {
		if m.IsMapped(vpn) {
			return fmt.Errorf("%w: %v", ErrAlreadyMapped, vpn.Addr())
		}
	}

	area := newMapArea(r, perm)
	if err := area.mapRange(m.pt, m.alloc, r); err != nil {
		return err
	}
	m.areas = append(m.areas, area)
	log.Debugf("map %v %v", r, perm)
	return nil
}

// UnmapRegion releases every page of [start, end). All of them must be
// mapped and none may belong to the heap, otherwise nothing changes.
// Regions partly covered are split.
func (m *MemorySet) UnmapRegion(start, end VirtAddr) error {
	r := NewVPNRange(start, end)
	if r.Len() == 0 {
		return nil
	}
	if end > MaxVA || end < start {
		return ErrAddressRange
	}
	for vpn := r.Start; vpn < r.End; vpn++ {
		if !m.IsMapped(vpn) {
			return fmt.Errorf("%w: %v", ErrNotMapped, vpn.Addr())
		}
	}
	if m.heap != nil && m.heap.vpns.Overlaps(r) {
		return fmt.Errorf("%w: %v", ErrHeapRange, m.heap.vpns)
	}

	kept := m.areas[:0:0]
	for _, a := range m.areas {
		if !a.vpns.Overlaps(r) {
			kept = append(kept, a)
			continue
		}
		a.unmapRange(m.pt, m.alloc, r)
		left, right := a.splitOut(r)
		if left.vpns.Len() > 0 {
			kept = append(kept, left)
		}
		if right.vpns.Len() > 0 {
			kept = append(kept, right)
		}
	}
	m.areas = kept
	log.Debugf("unmap %v", r)
	return nil
}

// AppendTo grows the heap region so that it covers newEnd.
func (m *MemorySet) AppendTo(newEnd VirtAddr) error {
	if m.heap == nil {
		return ErrNoHeap
	}
	grow := VPNRange{Start: m.heap.vpns.End, End: newEnd.Ceil()}
	for vpn := grow.Start; vpn < grow.End; vpn++ {
		if m.IsMapped(vpn) {
			return fmt.Errorf("%w: %v", ErrAlreadyMapped, vpn.Addr())
		}
	}
	if err := m.heap.mapRange(m.pt, m.alloc, grow); err != nil {
		return err
	}
	m.heap.vpns.End = max(m.heap.vpns.End, grow.End)
	return nil
}

// ShrinkTo releases the heap pages above newEnd.
func (m *MemorySet) ShrinkTo(newEnd VirtAddr) error {
	if m.heap == nil {
		return ErrNoHeap
	}
	end := newEnd.Ceil()
	if end < m.heap.vpns.Start {
		return ErrAddressRange
	}
	if end >= m.heap.vpns.End {
		return nil
	}
	m.heap.unmapRange(m.pt, m.alloc, VPNRange{Start: end, End: m.heap.vpns.End})
	m.heap.vpns.End = end
	return nil
}

// Regions lists the mapped regions ordered by start address.
func (m *MemorySet) Regions() []Region {
	out := make([]Region, 0, len(m.areas))
	for _, a := range m.areas {
		if a.vpns.Len() > 0 {
			out = append(out, a.region())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// MappedPages lists every mapped page in ascending order.
func (m *MemorySet) MappedPages() []VirtPageNum {
	var out []VirtPageNum
	for _, a := range m.areas {
		for vpn := range a.frames {
			out = append(out, vpn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecycleDataPages frees every region frame. The page table itself stays
// until Destroy.
func (m *MemorySet) RecycleDataPages() {
	for _, a := range m.areas {
		a.unmapRange(m.pt, m.alloc, a.vpns)
	}
	m.areas = nil
	m.heap = nil
}

// Destroy frees all frames held by the address space.
func (m *MemorySet) Destroy() {
	m.RecycleDataPages()
	m.pt.Destroy()
}
