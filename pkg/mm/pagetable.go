package mm

import (
	"encoding/binary"
	"errors"
	"strings"
)

// Page table errors.
var (
	ErrAlreadyMapped = errors.New("page already mapped")
	ErrNotMapped     = errors.New("page not mapped")
	ErrAddressRange  = errors.New("address outside the user address range")
)

// PTEFlags are the low bits of a page table entry.
type PTEFlags uint8

const (
	PTEValid PTEFlags = 1 << iota
	PTERead
	PTEWrite
	PTEExec
	PTEUser
)

func (f PTEFlags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		bit PTEFlags
		ch  byte
	}{{PTEValid, 'V'}, {PTERead, 'R'}, {PTEWrite, 'W'}, {PTEExec, 'X'}, {PTEUser, 'U'}} {
		if f&c.bit != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PageTableEntry is a decoded entry: frame number plus flags.
type PageTableEntry struct {
	PPN   PhysPageNum
	Flags PTEFlags
}

func decodePTE(raw uint64) PageTableEntry {
	return PageTableEntry{PPN: PhysPageNum(raw >> 10), Flags: PTEFlags(raw & 0xff)}
}

func (e PageTableEntry) encode() uint64 { return uint64(e.PPN)<<10 | uint64(e.Flags) }

// IsValid reports whether the entry maps a frame.
func (e PageTableEntry) IsValid() bool { return e.Flags&PTEValid != 0 }

// Readable reports the R bit.
func (e PageTableEntry) Readable() bool { return e.Flags&PTERead != 0 }

// Writable reports the W bit.
func (e PageTableEntry) Writable() bool { return e.Flags&PTEWrite != 0 }

// Executable reports the X bit.
func (e PageTableEntry) Executable() bool { return e.Flags&PTEExec != 0 }

// tokenMode marks a token as a three level table root, as satp would.
const tokenMode = uint64(8) << 60

// PageTable is a three level table stored in frames, the leaf level holding
// 512 entries of 8 bytes per frame.
type PageTable struct {
	alloc  *FrameAllocator
	root   PhysPageNum
	frames []PhysPageNum
}

// NewPageTable allocates an empty root table.
func NewPageTable(alloc *FrameAllocator) (*PageTable, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	return &PageTable{alloc: alloc, root: root, frames: []PhysPageNum{root}}, nil
}

// FromToken wraps an existing table for lookups only. The returned table
// owns no frames.
func FromToken(alloc *FrameAllocator, token uint64) *PageTable {
	return &PageTable{alloc: alloc, root: PhysPageNum(token &^ tokenMode)}
}

// Token identifies the address space.
func (pt *PageTable) Token() uint64 { return tokenMode | uint64(pt.root) }

func (pt *PageTable) entry(table PhysPageNum, idx uint64) PageTableEntry {
	page := pt.alloc.Page(table)
	return decodePTE(binary.LittleEndian.Uint64(page[idx*8:]))
}

func (pt *PageTable) setEntry(table PhysPageNum, idx uint64, e PageTableEntry) {
	page := pt.alloc.Page(table)
	binary.LittleEndian.PutUint64(page[idx*8:], e.encode())
}

// walk returns the leaf table and index for vpn. With create set, missing
// intermediate tables are allocated.
func (pt *PageTable) walk(vpn VirtPageNum, create bool) (PhysPageNum, uint64, error) {
	if vpn.Addr() >= MaxVA {
		return 0, 0, ErrAddressRange
	}
	idx := vpn.indexes()
	table := pt.root
	for level := 0; level < 2; level++ {
		e := pt.entry(table, idx[level])
		if !e.IsValid() {
			if !create {
				return 0, 0, ErrNotMapped
			}
			next, err := pt.alloc.Alloc()
			if err != nil {
				return 0, 0, err
			}
			pt.frames = append(pt.frames, next)
			e = PageTableEntry{PPN: next, Flags: PTEValid}
			pt.setEntry(table, idx[level], e)
		}
		table = e.PPN
	}
	return table, idx[2], nil
}

// Map installs vpn -> ppn with the given flags; the valid bit is implied.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) error {
	table, idx, err := pt.walk(vpn, true)
	if err != nil {
		return err
	}
	if pt.entry(table, idx).IsValid() {
		return ErrAlreadyMapped
	}
	pt.setEntry(table, idx, PageTableEntry{PPN: ppn, Flags: flags | PTEValid})
	return nil
}

// Unmap clears the entry for vpn.
func (pt *PageTable) Unmap(vpn VirtPageNum) error {
	table, idx, err := pt.walk(vpn, false)
	if err != nil {
		return err
	}
	if !pt.entry(table, idx).IsValid() {
		return ErrNotMapped
	}
	pt.setEntry(table, idx, PageTableEntry{})
	return nil
}

// Translate returns the leaf entry for vpn, if the walk reaches one.
func (pt *PageTable) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	table, idx, err := pt.walk(vpn, false)
	if err != nil {
		return PageTableEntry{}, false
	}
	return pt.entry(table, idx), true
}

// TranslateVA returns the physical address backing va.
func (pt *PageTable) TranslateVA(va VirtAddr) (PhysAddr, bool) {
	e, ok := pt.Translate(va.Floor())
	if !ok || !e.IsValid() {
		return 0, false
	}
	return e.PPN.Addr() + PhysAddr(va.PageOffset()), true
}

// Destroy frees the table frames. Leaf frames belong to the regions and must
// have been released first.
func (pt *PageTable) Destroy() {
	for _, f := range pt.frames {
		pt.alloc.Dealloc(f)
	}
	pt.frames = nil
}
