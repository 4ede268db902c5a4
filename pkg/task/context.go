package task

// Register indexes in TrapContext.X.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// TrapContext is the user register file saved on trap entry.
type TrapContext struct {
	X    [32]uint64
	Sepc uint64
}

// AppInitContext returns the context a fresh image starts from.
func AppInitContext(entry, sp uint64) TrapContext {
	var cx TrapContext
	cx.Sepc = entry
	cx.X[RegSP] = sp
	return cx
}

// SyscallArgs returns the syscall id in a7 and the arguments in a0..a2.
func (cx *TrapContext) SyscallArgs() (id uint64, args [3]uint64) {
	return cx.X[RegA7], [3]uint64{cx.X[RegA0], cx.X[RegA1], cx.X[RegA2]}
}
