package mm

import (
	"fmt"

	"kcore/pkg/config"
)

const (
	// PageSize is the size of a page and of a frame.
	PageSize = config.PageSize
	// PageSizeBits is log2(PageSize).
	PageSizeBits = 12
	// MaxVA is one past the highest address a page table can map.
	MaxVA = VirtAddr(1) << 38
)

// VirtAddr is a user virtual address.
type VirtAddr uint64

// PhysAddr is an address into simulated physical memory.
type PhysAddr uint64

// VirtPageNum is a virtual page number.
type VirtPageNum uint64

// PhysPageNum is a physical frame number.
type PhysPageNum uint64

// Floor returns the page containing va.
func (va VirtAddr) Floor() VirtPageNum { return VirtPageNum(va >> PageSizeBits) }

// Ceil returns the first page at or above va.
func (va VirtAddr) Ceil() VirtPageNum {
	return VirtPageNum((uint64(va) + PageSize - 1) >> PageSizeBits)
}

// PageOffset returns the offset of va inside its page.
func (va VirtAddr) PageOffset() uint64 { return uint64(va) & (PageSize - 1) }

// Aligned reports whether va is page aligned.
func (va VirtAddr) Aligned() bool { return va.PageOffset() == 0 }

func (va VirtAddr) String() string { return fmt.Sprintf("%#x", uint64(va)) }

// Addr returns the first address of the page.
func (vpn VirtPageNum) Addr() VirtAddr { return VirtAddr(vpn << PageSizeBits) }

// indexes splits the page number into the three table indexes, root first.
func (vpn VirtPageNum) indexes() [3]uint64 {
	v := uint64(vpn)
	return [3]uint64{(v >> 18) & 511, (v >> 9) & 511, v & 511}
}

// Addr returns the first address of the frame.
func (ppn PhysPageNum) Addr() PhysAddr { return PhysAddr(ppn << PageSizeBits) }

// VPNRange is the half-open page range [Start, End).
type VPNRange struct {
	Start VirtPageNum
	End   VirtPageNum
}

// NewVPNRange covers every page touched by [start, end).
func NewVPNRange(start, end VirtAddr) VPNRange {
	return VPNRange{Start: start.Floor(), End: end.Ceil()}
}

// Len returns the number of pages in the range.
func (r VPNRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains reports whether vpn lies in the range.
func (r VPNRange) Contains(vpn VirtPageNum) bool { return vpn >= r.Start && vpn < r.End }

// Overlaps reports whether two ranges share a page.
func (r VPNRange) Overlaps(o VPNRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r VPNRange) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start.Addr(), r.End.Addr())
}
