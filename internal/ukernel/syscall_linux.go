package ukernel

import (
	"unsafe"

	"github.com/pooh64/rv32dbt/internal/cpu"
	"golang.org/x/sys/unix"
)

// SyscallLinuxMinimal implements the small slice of the Linux riscv32
// syscall ABI original_source/dbt/ukernel.cpp's SyscallLinux covers that
// doesn't require guest filesystem/path emulation: write(2) to stdout/
// stderr and exit_group. Anything else traps as TrapTerminated rather
// than silently succeeding, matching the original's Panic("unknown
// syscall") in spirit (a host process abort), but as a recoverable trap
// instead of a crash.
func SyscallLinuxMinimal(m interface{ G2H(uint32) uintptr }) func(*cpu.State) {
	return func(state *cpu.State) {
		a0, a1, a2 := state.GetGPR(10), state.GetGPR(11), state.GetGPR(12)
		no := state.GetGPR(17)
		switch no {
		case 64: // write
			fd := int32(a0)
			if fd != 1 && fd != 2 {
				state.SetGPR(10, ^uint32(0)) // -EBADF-ish, demo-quality only
				return
			}
			buf := bytesAt(m.G2H(a1), uintptr(a2))
			n, err := unix.Write(int(fd), buf)
			if err != nil {
				state.SetGPR(10, ^uint32(0))
				return
			}
			state.SetGPR(10, uint32(n))
		case 93, 94: // exit, exit_group
			state.TrapCode = cpu.TrapTerminated
		default:
			state.TrapCode = cpu.TrapTerminated
		}
	}
}

func bytesAt(host uintptr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), n)
}
