package mm

import "errors"

// ErrBadAddress is returned when a user range is not fully mapped.
var ErrBadAddress = errors.New("bad user address")

// TranslatedByteBuffer returns the physical slices backing [va, va+n), one per
// page touched. Either the whole range is mapped or nothing is returned.
func TranslatedByteBuffer(pt *PageTable, va VirtAddr, n int) ([][]byte, error) {
	var bufs [][]byte
	start := va
	end := va + VirtAddr(n)
	if end < start {
		return nil, ErrBadAddress
	}
	for start < end {
		e, ok := pt.Translate(start.Floor())
		if !ok || !e.IsValid() {
			return nil, ErrBadAddress
		}
		pageEnd := (start.Floor() + 1).Addr()
		if pageEnd > end {
			pageEnd = end
		}
		page := pt.alloc.Page(e.PPN)
		bufs = append(bufs, page[start.PageOffset():start.PageOffset()+uint64(pageEnd-start)])
		start = pageEnd
	}
	return bufs, nil
}

// CopyToUser writes src at va in the space identified by pt, page by page.
func CopyToUser(pt *PageTable, va VirtAddr, src []byte) error {
	bufs, err := TranslatedByteBuffer(pt, va, len(src))
	if err != nil {
		return err
	}
	for _, b := range bufs {
		n := copy(b, src)
		src = src[n:]
	}
	return nil
}

// CopyFromUser fills dst from va.
func CopyFromUser(pt *PageTable, va VirtAddr, dst []byte) error {
	bufs, err := TranslatedByteBuffer(pt, va, len(dst))
	if err != nil {
		return err
	}
	for _, b := range bufs {
		n := copy(dst, b)
		dst = dst[n:]
	}
	return nil
}

// TranslatedStr reads a NUL terminated string of at most max bytes.
func TranslatedStr(pt *PageTable, va VirtAddr, max int) (string, error) {
	var s []byte
	for len(s) < max {
		pa, ok := pt.TranslateVA(va)
		if !ok {
			return "", ErrBadAddress
		}
		page := pt.alloc.Page(PhysPageNum(pa >> PageSizeBits))
		ch := page[uint64(pa)&(PageSize-1)]
		if ch == 0 {
			return string(s), nil
		}
		s = append(s, ch)
		va++
	}
	return "", ErrBadAddress
}
