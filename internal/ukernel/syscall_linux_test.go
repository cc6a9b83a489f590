package ukernel

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooh64/rv32dbt/internal/cpu"
)

type fakeMem struct{ buf []byte }

func (f *fakeMem) G2H(guest uint32) uintptr {
	return uintptr(unsafe.Pointer(&f.buf[guest]))
}

func TestSyscallLinuxMinimalWriteToStdoutSucceeds(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	mem := &fakeMem{buf: []byte("hi\n")}
	sc := SyscallLinuxMinimal(mem)

	s := &cpu.State{}
	s.SetGPR(10, 1) // fd 1
	s.SetGPR(11, 0) // buf guest addr 0
	s.SetGPR(12, 3) // len
	s.SetGPR(17, 64)
	sc(s)
	w.Close()

	assert.Equal(t, uint32(3), s.GetGPR(10))
}

func TestSyscallLinuxMinimalWriteToBadFdReturnsErrorCode(t *testing.T) {
	mem := &fakeMem{buf: []byte("x")}
	sc := SyscallLinuxMinimal(mem)

	s := &cpu.State{}
	s.SetGPR(10, 5) // not stdout/stderr
	s.SetGPR(11, 0)
	s.SetGPR(12, 1)
	s.SetGPR(17, 64)
	sc(s)

	assert.Equal(t, ^uint32(0), s.GetGPR(10))
	assert.Equal(t, cpu.TrapNone, s.TrapCode)
}

func TestSyscallLinuxMinimalExitGroupTerminates(t *testing.T) {
	mem := &fakeMem{buf: nil}
	sc := SyscallLinuxMinimal(mem)

	s := &cpu.State{}
	s.SetGPR(17, 94)
	sc(s)

	assert.Equal(t, cpu.TrapTerminated, s.TrapCode)
}

func TestSyscallLinuxMinimalUnknownSyscallTerminates(t *testing.T) {
	mem := &fakeMem{buf: nil}
	sc := SyscallLinuxMinimal(mem)

	s := &cpu.State{}
	s.SetGPR(17, 999)
	sc(s)

	assert.Equal(t, cpu.TrapTerminated, s.TrapCode)
}
