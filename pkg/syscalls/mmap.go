package syscalls

import (
	"kcore/pkg/mm"
	"kcore/pkg/task"
)

// Port bits accepted by mmap.
const (
	PortRead  = 1 << 0
	PortWrite = 1 << 1
	PortExec  = 1 << 2

	portMask = PortRead | PortWrite | PortExec
)

// permFromPort converts mmap port bits to page flags. User is always set.
func permFromPort(port uint64) mm.PTEFlags {
	perm := mm.PTEUser
	if port&PortRead != 0 {
		perm |= mm.PTERead
	}
	if port&PortWrite != 0 {
		perm |= mm.PTEWrite
	}
	if port&PortExec != 0 {
		perm |= mm.PTEExec
	}
	return perm
}

// userRange returns [start, start+ceil(len)) or false when it leaves the
// user address range.
func userRange(start, length uint64) (mm.VirtAddr, mm.VirtAddr, bool) {
	end := start + length
	if end < start || end > uint64(mm.MaxVA) {
		return 0, 0, false
	}
	return mm.VirtAddr(start), mm.VirtAddr(end).Ceil().Addr(), true
}

// Mmap maps fresh zeroed pages over [start, start+len) with the permissions
// in port. Nothing is mapped unless every page in the range was free.
func (d *Dispatcher) Mmap(start, length, port uint64) int64 {
	if port&^portMask != 0 {
		log.Errorf("mmap: port contains dirty bits: %#x", port)
		return -1
	}
	if port&portMask == 0 {
		log.Errorf("mmap: port %#x requests no access", port)
		return -1
	}
	if !mm.VirtAddr(start).Aligned() {
		log.Errorf("mmap: start %#x is not page aligned", start)
		return -1
	}
	if length == 0 {
		return 0
	}
	if length > d.k.Config().MmapLimit {
		log.Errorf("mmap: length %#x too large", length)
		return -1
	}
	from, to, ok := userRange(start, length)
	if !ok {
		log.Errorf("mmap: range %#x+%#x outside user space", start, length)
		return -1
	}
	perm := permFromPort(port)
	log.Infof("mmap: %v..%v perm %v", from, to, perm)

	return d.withCurrent(func(t *task.TaskControlBlock, inner *task.TaskInner) int64 {
		ms := inner.MemorySet
		r := mm.NewVPNRange(from, to)
		for vpn := r.Start; vpn < r.End; vpn++ {
			if ms.IsMapped(vpn) {
				log.Errorf("mmap: %v already mapped", vpn.Addr())
				return -1
			}
		}
		if err := ms.MapRegion(from, to, perm); err != nil {
			log.Errorf("mmap: pid %d: %v", t.PID(), err)
			return -1
		}
		for vpn := r.Start; vpn < r.End; vpn++ {
			if !ms.IsMapped(vpn) {
				log.Errorf("mmap: %v not valid after mapping", vpn.Addr())
				return -1
			}
		}
		return 0
	})
}

// Munmap unmaps [start, start+len). Every page must be mapped, otherwise
// nothing changes.
func (d *Dispatcher) Munmap(start, length uint64) int64 {
	if !mm.VirtAddr(start).Aligned() {
		log.Errorf("munmap: start %#x is not page aligned", start)
		return -1
	}
	if length == 0 {
		return 0
	}
	from, to, ok := userRange(start, length)
	if !ok {
		log.Errorf("munmap: range %#x+%#x outside user space", start, length)
		return -1
	}

	return d.withCurrent(func(t *task.TaskControlBlock, inner *task.TaskInner) int64 {
		ms := inner.MemorySet
		r := mm.NewVPNRange(from, to)
		for vpn := r.Start; vpn < r.End; vpn++ {
			if !ms.IsMapped(vpn) {
				log.Errorf("munmap: %v not mapped", vpn.Addr())
				return -1
			}
		}
		if err := ms.UnmapRegion(from, to); err != nil {
			log.Errorf("munmap: pid %d: %v", t.PID(), err)
			return -1
		}
		return 0
	})
}
