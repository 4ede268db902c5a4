package syscalls

import (
	"encoding/binary"
	"errors"

	"kcore/pkg/task"
)

// TimeValSize is the byte size of a TimeVal in user memory.
const TimeValSize = 16

// TimeVal is the structure get_time fills in.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// ErrShortBuffer is returned when decoding from too few bytes.
var ErrShortBuffer = errors.New("buffer too short")

func (tv TimeVal) encode() []byte {
	buf := make([]byte, TimeValSize)
	binary.LittleEndian.PutUint64(buf[0:], tv.Sec)
	binary.LittleEndian.PutUint64(buf[8:], tv.Usec)
	return buf
}

// DecodeTimeVal reads a TimeVal as the kernel laid it out.
func DecodeTimeVal(b []byte) (TimeVal, error) {
	if len(b) < TimeValSize {
		return TimeVal{}, ErrShortBuffer
	}
	return TimeVal{
		Sec:  binary.LittleEndian.Uint64(b[0:]),
		Usec: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// TaskInfo is the structure task_info fills in.
//
// Layout: u32 status, one u32 counter per syscall id, padding to an 8 byte
// boundary, u64 elapsed milliseconds.
type TaskInfo struct {
	Status       task.TaskStatus
	SyscallTimes []uint32
	Time         uint64
}

func timeOffset(slots int) int {
	off := 4 + 4*slots
	return (off + 7) &^ 7
}

// TaskInfoSize returns the byte size of a TaskInfo with the given number of
// counter slots.
func TaskInfoSize(slots int) int { return timeOffset(slots) + 8 }

func (ti TaskInfo) encode() []byte {
	buf := make([]byte, TaskInfoSize(len(ti.SyscallTimes)))
	binary.LittleEndian.PutUint32(buf, uint32(ti.Status))
	for i, n := range ti.SyscallTimes {
		binary.LittleEndian.PutUint32(buf[4+4*i:], n)
	}
	binary.LittleEndian.PutUint64(buf[timeOffset(len(ti.SyscallTimes)):], ti.Time)
	return buf
}

// DecodeTaskInfo reads a TaskInfo with the given number of counter slots.
func DecodeTaskInfo(b []byte, slots int) (TaskInfo, error) {
	if len(b) < TaskInfoSize(slots) {
		return TaskInfo{}, ErrShortBuffer
	}
	ti := TaskInfo{
		Status:       task.TaskStatus(binary.LittleEndian.Uint32(b)),
		SyscallTimes: make([]uint32, slots),
		Time:         binary.LittleEndian.Uint64(b[timeOffset(slots):]),
	}
	for i := range ti.SyscallTimes {
		ti.SyscallTimes[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}
	return ti, nil
}
